package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/time/rate"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
	"github.com/dlcd-io/dlcd/oracle"
)

// httpOracleClient implements oracle.Client against the REST announcement/
// attestation endpoints the public DLC oracle implementations (e.g.
// suredbits' oracle explorer) expose, mirroring the teacher's lnrpc REST
// gateway's own JSON-over-HTTP conventions rather than inventing a new
// encoding for oracle documents.
//
// Requests are paced by a token-bucket limiter shared across every contract
// polling the same oracle, the same rate.Limiter discipline the teacher's
// gossip syncer applies to its query replies: a periodic_check sweep over
// many contracts must not turn into a request burst against one oracle.
type httpOracleClient struct {
	base    string
	hc      *http.Client
	limiter *rate.Limiter
}

// newHTTPOracleClient builds a client against baseURL, e.g.
// "https://oracle.example.com".
func newHTTPOracleClient(baseURL string) *httpOracleClient {
	return &httpOracleClient{
		base:    baseURL,
		hc:      &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
}

// announcementDoc is the wire shape an oracle publishes for an event,
// hex-encoding every binary field the way btcjson's REST types do.
type announcementDoc struct {
	AnnouncementID string   `json:"announcementId"`
	EventID        string   `json:"eventId"`
	PublicKey      string   `json:"publicKey"`
	Nonces         []string `json:"nonces"`
	Signature      string   `json:"signature"`
}

type attestationDoc struct {
	EventID    string   `json:"eventId"`
	Signatures []string `json:"signatures"`
	Values     []string `json:"values"`
}

func (c *httpOracleClient) GetAnnouncement(ctx context.Context, eventID string) (*dlc.Announcement, error) {
	var doc announcementDoc
	if err := c.getJSON(ctx, "/v1/announcement/"+url.PathEscape(eventID), &doc); err != nil {
		return nil, err
	}

	pub, err := parsePubKeyHex(doc.PublicKey)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindOracleMismatch, err)
	}
	nonces := make([]*btcec.PublicKey, len(doc.Nonces))
	for i, n := range doc.Nonces {
		nonce, err := parsePubKeyHex(n)
		if err != nil {
			return nil, dlcerrors.Wrap(dlcerrors.KindOracleMismatch, err)
		}
		nonces[i] = nonce
	}

	var annID [32]byte
	idBytes, err := hex.DecodeString(doc.AnnouncementID)
	if err != nil || len(idBytes) != 32 {
		return nil, dlcerrors.New(dlcerrors.KindOracleMismatch, "oracle returned malformed announcement id")
	}
	copy(annID[:], idBytes)

	sigBytes, err := hex.DecodeString(doc.Signature)
	if err != nil || len(sigBytes) != 64 {
		return nil, dlcerrors.New(dlcerrors.KindOracleMismatch, "oracle returned malformed announcement signature")
	}
	var sig [64]byte
	copy(sig[:], sigBytes)

	ann := &dlc.Announcement{
		AnnouncementID: annID,
		PublicKey:      pub,
		Nonces:         nonces,
		EventID:        doc.EventID,
	}
	if err := oracle.ValidateAnnouncement(ann, sig); err != nil {
		return nil, err
	}
	return ann, nil
}

// GetAttestation polls the oracle's attestation endpoint until it publishes
// one or ctx is done, since an outcome isn't known until the event the
// announcement committed to actually occurs.
func (c *httpOracleClient) GetAttestation(ctx context.Context, eventID string) (*oracle.Attestation, error) {
	const pollInterval = 30 * time.Second

	for {
		var doc attestationDoc
		err := c.getJSON(ctx, "/v1/attestation/"+url.PathEscape(eventID), &doc)
		if err == nil {
			sigs := make([][64]byte, len(doc.Signatures))
			for i, s := range doc.Signatures {
				raw, err := hex.DecodeString(s)
				if err != nil || len(raw) != 64 {
					return nil, dlcerrors.New(dlcerrors.KindOracleMismatch, "oracle returned malformed attestation signature")
				}
				copy(sigs[i][:], raw)
			}
			return &oracle.Attestation{
				EventID:    doc.EventID,
				Signatures: sigs,
				Values:     doc.Values,
			}, nil
		}
		kinded, ok := err.(*dlcerrors.Error)
		if !ok || kinded.Kind != dlcerrors.KindNotFound {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, dlcerrors.Wrap(dlcerrors.KindBlockchainError, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func (c *httpOracleClient) getJSON(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindOracleMismatch, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return dlcerrors.Wrap(dlcerrors.KindOracleMismatch, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return dlcerrors.Wrap(dlcerrors.KindOracleMismatch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return dlcerrors.New(dlcerrors.KindNotFound, "oracle has not published this event yet")
	}
	if resp.StatusCode != http.StatusOK {
		return dlcerrors.New(dlcerrors.KindOracleMismatch, fmt.Sprintf("oracle returned status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindOracleMismatch, err)
	}
	return nil
}

func parsePubKeyHex(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(raw)
}

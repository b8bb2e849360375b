package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/dlcd-io/dlcd/contractdb"
	"github.com/dlcd-io/dlcd/contractmgr"
	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
)

// adminAPI is dlcd's local control surface, replacing the teacher's
// lnrpc/grpc-gateway pair with a plain JSON-over-HTTP API: dlcd has no
// external-facing RPC surface analogous to routing or invoice lookups, only
// the small set of contract lifecycle actions an operator or dlcctl needs,
// so a generated protobuf service would be pure overhead here.
type adminAPI struct {
	mgr   *contractmgr.Manager
	store *contractdb.Store
	wc    *walletController
	hub   *contractEventHub
	mux   *http.ServeMux
}

func newAdminAPI(mgr *contractmgr.Manager, store *contractdb.Store, wc *walletController, hub *contractEventHub) *adminAPI {
	a := &adminAPI{mgr: mgr, store: store, wc: wc, hub: hub, mux: http.NewServeMux()}
	a.mux.HandleFunc("/v1/offers", a.handleOffers)
	a.mux.HandleFunc("/v1/offers/", a.handleOfferAction)
	a.mux.HandleFunc("/v1/contracts", a.handleListContracts)
	a.mux.HandleFunc("/v1/contracts/", a.handleGetContract)
	a.mux.HandleFunc("/v1/contracts/ws", a.handleContractStream)
	a.mux.HandleFunc("/v1/wallet/utxos", a.handleDepositUTXO)
	return a
}

// contractEventHub fans contract state changes out to every connected
// websocket subscriber, the push channel SPEC_FULL.md's domain stack names
// for local demo/CLI consumers. Slow subscribers are dropped rather than
// allowed to backpressure the manager's state transitions.
type contractEventHub struct {
	mu   sync.Mutex
	subs map[*websocket.Conn]chan contractView
}

func newContractEventHub() *contractEventHub {
	return &contractEventHub{subs: make(map[*websocket.Conn]chan contractView)}
}

// broadcastContract is installed as contractmgr.Config.OnContractUpdate; it
// never blocks the caller.
func (h *contractEventHub) broadcastContract(c *dlc.Contract) {
	view := toContractView(c)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.subs {
		select {
		case ch <- view:
		default:
			delete(h.subs, conn)
			close(ch)
			conn.Close()
		}
	}
}

func (h *contractEventHub) subscribe(conn *websocket.Conn) chan contractView {
	ch := make(chan contractView, 32)
	h.mu.Lock()
	h.subs[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *contractEventHub) unsubscribe(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.subs[conn]; ok {
		delete(h.subs, conn)
		close(ch)
	}
	h.mu.Unlock()
	conn.Close()
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin API is a localhost-only control surface; there is no
	// browser origin to check against.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleContractStream upgrades the connection and streams one JSON
// contractView per state change until the client disconnects.
func (a *adminAPI) handleContractStream(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		http.Error(w, "event streaming disabled", http.StatusNotImplemented)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		rpcsLog.Errorf("websocket upgrade failed: %v", err)
		return
	}
	ch := a.hub.subscribe(conn)
	defer a.hub.unsubscribe(conn)

	// Drain (and ignore) client frames so pings and close frames are
	// processed and a dropped client is noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case view, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(view); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (a *adminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

type announcementJSON struct {
	AnnouncementID string   `json:"announcementId"`
	PublicKey      string   `json:"publicKey"`
	Nonces         []string `json:"nonces"`
	EventID        string   `json:"eventId"`
}

type oracleParamsJSON struct {
	Announcements   []announcementJSON `json:"announcements"`
	Threshold       int                `json:"threshold"`
	Base            uint32             `json:"base"`
	Digits          uint32             `json:"digits"`
	MaxDisagreement *uint64            `json:"maxDisagreement,omitempty"`
}

type enumOutcomeJSON struct {
	Outcome      string `json:"outcome"`
	OfferPayout  int64  `json:"offerPayout"`
	AcceptPayout int64  `json:"acceptPayout"`
}

type payoutPointJSON struct {
	X uint64 `json:"x"`
	Y int64  `json:"y"`
}

type payoutPieceJSON struct {
	Left   payoutPointJSON `json:"left"`
	Right  payoutPointJSON `json:"right"`
	Linear bool            `json:"linear"`
}

type contractInfoJSON struct {
	Enum *struct {
		Outcomes []enumOutcomeJSON `json:"outcomes"`
		Oracle   announcementJSON  `json:"oracle"`
		Params   oracleParamsJSON  `json:"oracleParams"`
	} `json:"enum,omitempty"`
	Numeric *struct {
		Pieces           []payoutPieceJSON `json:"pieces"`
		RoundingInterval uint64            `json:"roundingInterval"`
		Params           oracleParamsJSON  `json:"oracleParams"`
	} `json:"numeric,omitempty"`
}

type createOfferRequest struct {
	CounterpartyPubKey string           `json:"counterpartyPubKey"`
	OfferCollateral    int64            `json:"offerCollateral"`
	AcceptCollateral   int64            `json:"acceptCollateral"`
	FeeRateSatPerVb    int64            `json:"feeRateSatPerVb"`
	CetLockTime        uint32           `json:"cetLockTime"`
	RefundLockTime     uint32           `json:"refundLockTime"`
	ContractInfo       contractInfoJSON `json:"contractInfo"`
}

func decodeAnnouncement(j announcementJSON) (dlc.Announcement, error) {
	var ann dlc.Announcement
	idBytes, err := hex.DecodeString(j.AnnouncementID)
	if err != nil || len(idBytes) != 32 {
		return ann, dlcerrors.New(dlcerrors.KindInvalidParameter, "malformed announcementId")
	}
	copy(ann.AnnouncementID[:], idBytes)

	pub, err := parsePubKeyHex(j.PublicKey)
	if err != nil {
		return ann, dlcerrors.Wrap(dlcerrors.KindInvalidParameter, err)
	}
	ann.PublicKey = pub
	ann.EventID = j.EventID

	ann.Nonces = make([]*btcec.PublicKey, len(j.Nonces))
	for i, n := range j.Nonces {
		nonce, err := parsePubKeyHex(n)
		if err != nil {
			return ann, dlcerrors.Wrap(dlcerrors.KindInvalidParameter, err)
		}
		ann.Nonces[i] = nonce
	}
	return ann, nil
}

func decodeOracleParams(j oracleParamsJSON) (dlc.OracleParams, error) {
	params := dlc.OracleParams{
		Threshold:       j.Threshold,
		Base:            j.Base,
		Digits:          j.Digits,
		MaxDisagreement: j.MaxDisagreement,
	}
	params.Announcements = make([]dlc.Announcement, len(j.Announcements))
	for i, a := range j.Announcements {
		ann, err := decodeAnnouncement(a)
		if err != nil {
			return params, err
		}
		params.Announcements[i] = ann
	}
	return params, nil
}

func (req *createOfferRequest) toContractInput() (*dlc.ContractInput, *btcec.PublicKey, error) {
	counterparty, err := parsePubKeyHex(req.CounterpartyPubKey)
	if err != nil {
		return nil, nil, dlcerrors.Wrap(dlcerrors.KindInvalidParameter, err)
	}

	input := &dlc.ContractInput{
		OfferCollateral:  btcutil.Amount(req.OfferCollateral),
		AcceptCollateral: btcutil.Amount(req.AcceptCollateral),
		FeeRateSatPerVb:  btcutil.Amount(req.FeeRateSatPerVb),
		CetLockTime:      req.CetLockTime,
		RefundLockTime:   req.RefundLockTime,
	}

	switch {
	case req.ContractInfo.Enum != nil:
		e := req.ContractInfo.Enum
		oracleAnn, err := decodeAnnouncement(e.Oracle)
		if err != nil {
			return nil, nil, err
		}
		params, err := decodeOracleParams(e.Params)
		if err != nil {
			return nil, nil, err
		}
		outcomes := make([]dlc.EnumOutcome, len(e.Outcomes))
		for i, o := range e.Outcomes {
			outcomes[i] = dlc.EnumOutcome{
				Outcome:      o.Outcome,
				OfferPayout:  btcutil.Amount(o.OfferPayout),
				AcceptPayout: btcutil.Amount(o.AcceptPayout),
			}
		}
		input.ContractInfo = dlc.ContractInfo{
			Kind: dlc.ContractInfoEnumKind,
			Enum: &dlc.ContractInfoEnum{
				Outcomes:     outcomes,
				Oracle:       oracleAnn,
				OracleParams: params,
			},
		}

	case req.ContractInfo.Numeric != nil:
		n := req.ContractInfo.Numeric
		params, err := decodeOracleParams(n.Params)
		if err != nil {
			return nil, nil, err
		}
		pieces := make([]dlc.PayoutPiece, len(n.Pieces))
		for i, p := range n.Pieces {
			pieces[i] = dlc.PayoutPiece{
				Left:   dlc.PayoutPoint{X: p.Left.X, Y: btcutil.Amount(p.Left.Y)},
				Right:  dlc.PayoutPoint{X: p.Right.X, Y: btcutil.Amount(p.Right.Y)},
				Linear: p.Linear,
			}
		}
		input.ContractInfo = dlc.ContractInfo{
			Kind: dlc.ContractInfoNumericKind,
			Numeric: &dlc.ContractInfoNumeric{
				Function:     dlc.PayoutFunction{Pieces: pieces, RoundingInterval: n.RoundingInterval},
				OracleParams: params,
			},
		}

	default:
		return nil, nil, dlcerrors.New(dlcerrors.KindInvalidParameter, "contractInfo must set either enum or numeric")
	}

	return input, counterparty, nil
}

type contractView struct {
	TempID          string `json:"tempId"`
	ID              string `json:"id,omitempty"`
	State           string `json:"state"`
	Counterparty    string `json:"counterpartyPubKey"`
	IsOfferer       bool   `json:"isOfferer"`
	TotalCollateral int64  `json:"totalCollateral"`
	AttestedOutcome string `json:"attestedOutcome,omitempty"`
	FailureKind     string `json:"failureKind,omitempty"`
	FailureMsg      string `json:"failureMsg,omitempty"`
}

func toContractView(c *dlc.Contract) contractView {
	v := contractView{
		TempID:          hex.EncodeToString(c.TempID[:]),
		State:           c.State.String(),
		IsOfferer:       c.IsOfferer,
		TotalCollateral: int64(c.TotalCollateral()),
		AttestedOutcome: c.AttestedOutcome,
		FailureKind:     c.FailureKind,
		FailureMsg:      c.FailureMsg,
	}
	if c.ID != nil {
		v.ID = hex.EncodeToString(c.ID[:])
	}
	if c.CounterpartyPubKey != nil {
		v.Counterparty = hex.EncodeToString(c.CounterpartyPubKey.SerializeCompressed())
	}
	return v
}

func (a *adminAPI) handleOffers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dlcerrors.Wrap(dlcerrors.KindInvalidParameter, err))
		return
	}
	input, counterparty, err := req.toContractInput()
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	c, err := a.mgr.SendOffer(ctx, input, counterparty)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractView(c))
}

// handleOfferAction dispatches POST /v1/offers/{tempId}/accept and
// /v1/offers/{tempId}/reject, the two actions the accept party takes on a
// pending offer.
func (a *adminAPI) handleOfferAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/offers/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	temp, err := parseTempID(parts[0])
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	switch parts[1] {
	case "accept":
		c, err := a.mgr.AcceptOffer(ctx, temp)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toContractView(c))

	case "reject":
		var body struct {
			Reason string `json:"reason"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if err := a.mgr.RejectOffer(ctx, temp, body.Reason); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (a *adminAPI) handleListContracts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stateParam := r.URL.Query().Get("state")

	var (
		contracts []*dlc.Contract
		err       error
	)
	if stateParam != "" {
		state, ok := parseStateName(stateParam)
		if !ok {
			writeError(w, dlcerrors.New(dlcerrors.KindInvalidParameter, "unrecognized state"))
			return
		}
		contracts, err = a.store.ContractsByState(state)
	} else {
		contracts, err = allContracts(a.store)
	}
	if isNotFoundErr(err) {
		err = nil
	}
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]contractView, len(contracts))
	for i, c := range contracts {
		views[i] = toContractView(c)
	}
	writeJSON(w, http.StatusOK, views)
}

// allContracts spans every terminal and non-terminal state, since Store
// exposes lookup by state rather than an unconditional scan. States with no
// contracts report a not-found sentinel, which is an empty slice here, not a
// failure.
func allContracts(store *contractdb.Store) ([]*dlc.Contract, error) {
	var out []*dlc.Contract
	for _, state := range []dlc.State{
		dlc.StateOffered, dlc.StateAccepted, dlc.StateSigned, dlc.StateConfirmed,
		dlc.StatePreClosed, dlc.StateClosed, dlc.StateRefunded,
		dlc.StateFailedAccept, dlc.StateFailedSign, dlc.StateRejected,
	} {
		cs, err := store.ContractsByState(state)
		if isNotFoundErr(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cs...)
	}
	return out, nil
}

func isNotFoundErr(err error) bool {
	var e *dlcerrors.Error
	return errors.As(err, &e) && e.Kind == dlcerrors.KindNotFound
}

func parseStateName(s string) (dlc.State, bool) {
	for _, state := range []dlc.State{
		dlc.StateOffered, dlc.StateAccepted, dlc.StateSigned, dlc.StateConfirmed,
		dlc.StatePreClosed, dlc.StateClosed, dlc.StateRefunded,
		dlc.StateFailedAccept, dlc.StateFailedSign, dlc.StateRejected,
	} {
		if strings.EqualFold(state.String(), s) {
			return state, true
		}
	}
	return 0, false
}

func (a *adminAPI) handleGetContract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	idHex := strings.TrimPrefix(r.URL.Path, "/v1/contracts/")
	id, err := hex.DecodeString(idHex)
	if err != nil {
		writeError(w, dlcerrors.New(dlcerrors.KindInvalidParameter, "malformed contract id"))
		return
	}
	c, err := a.store.GetContract(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractView(c))
}

// handleDepositUTXO lets an operator fund the reference wallet with a UTXO
// it otherwise has no way to discover, standing in for the chain scan a
// production wallet would perform automatically.
func (a *adminAPI) handleDepositUTXO(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Txid         string `json:"txid"`
		Index        uint32 `json:"index"`
		Value        int64  `json:"value"`
		RawPrevTxHex string `json:"rawPrevTxHex"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, dlcerrors.Wrap(dlcerrors.KindInvalidParameter, err))
		return
	}

	input, err := decodeFundingInputJSON(body.Txid, body.Index, body.Value, body.RawPrevTxHex)
	if err != nil {
		writeError(w, err)
		return
	}
	a.wc.DepositUTXO(*input)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kinded, ok := err.(*dlcerrors.Error); ok {
		switch kinded.Kind {
		case dlcerrors.KindInvalidParameter, dlcerrors.KindInsufficientFunds, dlcerrors.KindDust:
			status = http.StatusBadRequest
		case dlcerrors.KindNotFound:
			status = http.StatusNotFound
		case dlcerrors.KindBadStateTransition:
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeFundingInputJSON builds a dlc.FundingInput from an operator-supplied
// outpoint and its raw previous transaction, the detail a wallet's chain
// scan would normally fill in.
func decodeFundingInputJSON(txidHex string, index uint32, value int64, rawPrevTxHex string) (*dlc.FundingInput, error) {
	hash, err := chainhash.NewHashFromStr(txidHex)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindInvalidParameter, err)
	}

	rawTx, err := hex.DecodeString(rawPrevTxHex)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindInvalidParameter, err)
	}
	prevTx := wire.NewMsgTx(wire.TxVersion)
	if err := prevTx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindInvalidParameter, err)
	}

	return &dlc.FundingInput{
		Outpoint:         wire.OutPoint{Hash: *hash, Index: index},
		PrevTx:           prevTx,
		Value:            btcutil.Amount(value),
		MaxWitnessWeight: 109,
	}, nil
}

func parseTempID(s string) (dlc.TempContractID, error) {
	var temp dlc.TempContractID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return temp, dlcerrors.New(dlcerrors.KindInvalidParameter, "malformed temporary contract id")
	}
	copy(temp[:], raw)
	return temp, nil
}

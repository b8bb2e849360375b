package dlcwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
)

// This file holds the shared field codecs for the dlc package's domain
// types, factored out of the individual message files the same way the
// teacher keeps per-field helpers (e.g. writeElement) out of each message's
// Encode/Decode.

const (
	maxOutcomes      = 4096
	maxAnnouncements = 16
	maxFundingInputs = 256
	maxScriptLen     = 10_000
	maxOutcomeLabel  = 256
)

func writeAnnouncement(w io.Writer, a *dlc.Announcement) error {
	if err := write32(w, a.AnnouncementID); err != nil {
		return err
	}
	if err := writePubKey(w, a.PublicKey); err != nil {
		return err
	}
	if err := writeUint16(w, uint16(len(a.Nonces))); err != nil {
		return err
	}
	for _, n := range a.Nonces {
		if err := writePubKey(w, n); err != nil {
			return err
		}
	}
	return writeString(w, a.EventID)
}

func readAnnouncement(r io.Reader) (dlc.Announcement, error) {
	var a dlc.Announcement
	var err error
	if a.AnnouncementID, err = read32(r); err != nil {
		return a, err
	}
	if a.PublicKey, err = readPubKey(r); err != nil {
		return a, err
	}
	n, err := readUint16(r)
	if err != nil {
		return a, err
	}
	if int(n) > maxAnnouncements*64 {
		return a, dlcerrors.New(dlcerrors.KindTransportError, "too many announcement nonces")
	}
	a.Nonces = make([]*btcec.PublicKey, n)
	for i := range a.Nonces {
		if a.Nonces[i], err = readPubKey(r); err != nil {
			return a, err
		}
	}
	if a.EventID, err = readString(r, maxOutcomeLabel); err != nil {
		return a, err
	}
	return a, nil
}

func writeOracleParams(w io.Writer, p *dlc.OracleParams) error {
	if err := writeUint16(w, uint16(len(p.Announcements))); err != nil {
		return err
	}
	for i := range p.Announcements {
		if err := writeAnnouncement(w, &p.Announcements[i]); err != nil {
			return err
		}
	}
	if err := writeUint16(w, uint16(p.Threshold)); err != nil {
		return err
	}
	if err := writeUint32(w, p.Base); err != nil {
		return err
	}
	if err := writeUint32(w, p.Digits); err != nil {
		return err
	}
	if p.MaxDisagreement == nil {
		return writeUint64(w, 0)
	}
	if err := writeUint64(w, 1); err != nil {
		return err
	}
	return writeUint64(w, *p.MaxDisagreement)
}

func readOracleParams(r io.Reader) (dlc.OracleParams, error) {
	var p dlc.OracleParams
	n, err := readUint16(r)
	if err != nil {
		return p, err
	}
	if int(n) > maxAnnouncements {
		return p, dlcerrors.New(dlcerrors.KindTransportError, "too many oracle announcements")
	}
	p.Announcements = make([]dlc.Announcement, n)
	for i := range p.Announcements {
		if p.Announcements[i], err = readAnnouncement(r); err != nil {
			return p, err
		}
	}
	threshold, err := readUint16(r)
	if err != nil {
		return p, err
	}
	p.Threshold = int(threshold)
	if p.Base, err = readUint32(r); err != nil {
		return p, err
	}
	if p.Digits, err = readUint32(r); err != nil {
		return p, err
	}
	hasMax, err := readUint64(r)
	if err != nil {
		return p, err
	}
	if hasMax != 0 {
		v, err := readUint64(r)
		if err != nil {
			return p, err
		}
		p.MaxDisagreement = &v
	}
	return p, nil
}

func writePayoutFunction(w io.Writer, fn *dlc.PayoutFunction) error {
	if err := writeUint16(w, uint16(len(fn.Pieces))); err != nil {
		return err
	}
	for _, piece := range fn.Pieces {
		if err := writeUint64(w, piece.Left.X); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(piece.Left.Y)); err != nil {
			return err
		}
		if err := writeUint64(w, piece.Right.X); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(piece.Right.Y)); err != nil {
			return err
		}
		linear := byte(0)
		if piece.Linear {
			linear = 1
		}
		if _, err := w.Write([]byte{linear}); err != nil {
			return err
		}
	}
	return writeUint64(w, fn.RoundingInterval)
}

func readPayoutFunction(r io.Reader) (dlc.PayoutFunction, error) {
	var fn dlc.PayoutFunction
	n, err := readUint16(r)
	if err != nil {
		return fn, err
	}
	if int(n) > maxOutcomes {
		return fn, dlcerrors.New(dlcerrors.KindTransportError, "too many payout pieces")
	}
	fn.Pieces = make([]dlc.PayoutPiece, n)
	for i := range fn.Pieces {
		p := &fn.Pieces[i]
		if p.Left.X, err = readUint64(r); err != nil {
			return fn, err
		}
		y, err := readUint64(r)
		if err != nil {
			return fn, err
		}
		p.Left.Y = btcutil.Amount(y)
		if p.Right.X, err = readUint64(r); err != nil {
			return fn, err
		}
		if y, err = readUint64(r); err != nil {
			return fn, err
		}
		p.Right.Y = btcutil.Amount(y)
		linear, err := readFixed(r, 1)
		if err != nil {
			return fn, err
		}
		p.Linear = linear[0] == 1
	}
	if fn.RoundingInterval, err = readUint64(r); err != nil {
		return fn, err
	}
	return fn, nil
}

func writeContractInfo(w io.Writer, ci *dlc.ContractInfo) error {
	if _, err := w.Write([]byte{byte(ci.Kind)}); err != nil {
		return err
	}
	switch ci.Kind {
	case dlc.ContractInfoEnumKind:
		e := ci.Enum
		if err := writeUint16(w, uint16(len(e.Outcomes))); err != nil {
			return err
		}
		for _, o := range e.Outcomes {
			if err := writeString(w, o.Outcome); err != nil {
				return err
			}
			if err := writeUint64(w, uint64(o.OfferPayout)); err != nil {
				return err
			}
			if err := writeUint64(w, uint64(o.AcceptPayout)); err != nil {
				return err
			}
		}
		if err := writeAnnouncement(w, &e.Oracle); err != nil {
			return err
		}
		return writeOracleParams(w, &e.OracleParams)
	case dlc.ContractInfoNumericKind:
		nm := ci.Numeric
		if err := writePayoutFunction(w, &nm.Function); err != nil {
			return err
		}
		return writeOracleParams(w, &nm.OracleParams)
	default:
		return dlcerrors.New(dlcerrors.KindInvalidParameter, "unknown contract info kind")
	}
}

func readContractInfo(r io.Reader) (dlc.ContractInfo, error) {
	var ci dlc.ContractInfo
	kindB, err := readFixed(r, 1)
	if err != nil {
		return ci, err
	}
	ci.Kind = dlc.ContractInfoKind(kindB[0])
	switch ci.Kind {
	case dlc.ContractInfoEnumKind:
		e := &dlc.ContractInfoEnum{}
		n, err := readUint16(r)
		if err != nil {
			return ci, err
		}
		if int(n) > maxOutcomes {
			return ci, dlcerrors.New(dlcerrors.KindTransportError, "too many outcomes")
		}
		e.Outcomes = make([]dlc.EnumOutcome, n)
		for i := range e.Outcomes {
			o := &e.Outcomes[i]
			if o.Outcome, err = readString(r, maxOutcomeLabel); err != nil {
				return ci, err
			}
			offer, err := readUint64(r)
			if err != nil {
				return ci, err
			}
			o.OfferPayout = btcutil.Amount(offer)
			accept, err := readUint64(r)
			if err != nil {
				return ci, err
			}
			o.AcceptPayout = btcutil.Amount(accept)
		}
		if e.Oracle, err = readAnnouncement(r); err != nil {
			return ci, err
		}
		if e.OracleParams, err = readOracleParams(r); err != nil {
			return ci, err
		}
		ci.Enum = e
	case dlc.ContractInfoNumericKind:
		nm := &dlc.ContractInfoNumeric{}
		if nm.Function, err = readPayoutFunction(r); err != nil {
			return ci, err
		}
		if nm.OracleParams, err = readOracleParams(r); err != nil {
			return ci, err
		}
		ci.Numeric = nm
	default:
		return ci, dlcerrors.New(dlcerrors.KindTransportError, "unknown contract info kind on wire")
	}
	return ci, nil
}

func writeOutPoint(w io.Writer, op wire.OutPoint) error {
	if err := write32(w, op.Hash); err != nil {
		return err
	}
	return writeUint32(w, op.Index)
}

func readOutPoint(r io.Reader) (wire.OutPoint, error) {
	var op wire.OutPoint
	h, err := read32(r)
	if err != nil {
		return op, err
	}
	op.Hash = h
	if op.Index, err = readUint32(r); err != nil {
		return op, err
	}
	return op, nil
}

func writeFundingInput(w io.Writer, in *dlc.FundingInput) error {
	if err := writeOutPoint(w, in.Outpoint); err != nil {
		return err
	}
	var prevTxBytes []byte
	if in.PrevTx != nil {
		var err error
		prevTxBytes, err = serializeTx(in.PrevTx)
		if err != nil {
			return err
		}
	}
	if err := writeVarBytes(w, prevTxBytes); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(in.Value)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(in.MaxWitnessWeight)); err != nil {
		return err
	}
	if err := writeUint64(w, in.InputSerialID); err != nil {
		return err
	}
	return writeVarBytes(w, in.RedeemScript)
}

func readFundingInput(r io.Reader) (dlc.FundingInput, error) {
	var in dlc.FundingInput
	var err error
	if in.Outpoint, err = readOutPoint(r); err != nil {
		return in, err
	}
	prevTxBytes, err := readVarBytes(r, wire.MaxBlockPayload)
	if err != nil {
		return in, err
	}
	if len(prevTxBytes) > 0 {
		if in.PrevTx, err = deserializeTx(prevTxBytes); err != nil {
			return in, err
		}
	}
	v, err := readUint64(r)
	if err != nil {
		return in, err
	}
	in.Value = btcutil.Amount(v)
	weight, err := readUint64(r)
	if err != nil {
		return in, err
	}
	in.MaxWitnessWeight = int64(weight)
	if in.InputSerialID, err = readUint64(r); err != nil {
		return in, err
	}
	if in.RedeemScript, err = readVarBytes(r, maxScriptLen); err != nil {
		return in, err
	}
	return in, nil
}

func writePartyParams(w io.Writer, p *dlc.PartyParams) error {
	if err := writePubKey(w, p.FundingPubKey); err != nil {
		return err
	}
	if err := writeVarBytes(w, p.ChangeScript); err != nil {
		return err
	}
	if err := writeVarBytes(w, p.PayoutScript); err != nil {
		return err
	}
	if err := writeUint16(w, uint16(len(p.FundingInputs))); err != nil {
		return err
	}
	for i := range p.FundingInputs {
		if err := writeFundingInput(w, &p.FundingInputs[i]); err != nil {
			return err
		}
	}
	if err := writeUint64(w, uint64(p.Collateral)); err != nil {
		return err
	}
	if err := writeUint64(w, p.ChangeSerialID); err != nil {
		return err
	}
	return writeUint64(w, p.PayoutSerialID)
}

func readPartyParams(r io.Reader) (dlc.PartyParams, error) {
	var p dlc.PartyParams
	var err error
	if p.FundingPubKey, err = readPubKey(r); err != nil {
		return p, err
	}
	if p.ChangeScript, err = readVarBytes(r, maxScriptLen); err != nil {
		return p, err
	}
	if p.PayoutScript, err = readVarBytes(r, maxScriptLen); err != nil {
		return p, err
	}
	n, err := readUint16(r)
	if err != nil {
		return p, err
	}
	if int(n) > maxFundingInputs {
		return p, dlcerrors.New(dlcerrors.KindTransportError, "too many funding inputs")
	}
	p.FundingInputs = make([]dlc.FundingInput, n)
	for i := range p.FundingInputs {
		if p.FundingInputs[i], err = readFundingInput(r); err != nil {
			return p, err
		}
	}
	v, err := readUint64(r)
	if err != nil {
		return p, err
	}
	p.Collateral = btcutil.Amount(v)
	if p.ChangeSerialID, err = readUint64(r); err != nil {
		return p, err
	}
	if p.PayoutSerialID, err = readUint64(r); err != nil {
		return p, err
	}
	return p, nil
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	return buf.Bytes(), nil
}

func deserializeTx(b []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	return tx, nil
}

// adaptorSigSet encodes the OutcomePath -> AdaptorSignature map the Sign
// message carries, in a stable order (sorted by path) so re-encoding the
// same contract is byte-identical.
func writeAdaptorSigSet(w io.Writer, sigs map[string]dlc.AdaptorSignature) error {
	paths := sortedKeys(sigs)
	if err := writeUint32(w, uint32(len(paths))); err != nil {
		return err
	}
	for _, path := range paths {
		if err := writeString(w, path); err != nil {
			return err
		}
		sig := sigs[path]
		if err := writeFixed(w, sig[:]); err != nil {
			return err
		}
	}
	return nil
}

func readAdaptorSigSet(r io.Reader) (map[string]dlc.AdaptorSignature, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxOutcomes {
		return nil, dlcerrors.New(dlcerrors.KindTransportError, "too many adaptor signatures")
	}
	out := make(map[string]dlc.AdaptorSignature, n)
	for i := uint32(0); i < n; i++ {
		path, err := readString(r, maxOutcomeLabel)
		if err != nil {
			return nil, err
		}
		b, err := readFixed(r, 65)
		if err != nil {
			return nil, err
		}
		var sig dlc.AdaptorSignature
		copy(sig[:], b)
		out[path] = sig
	}
	return out, nil
}

func sortedKeys(m map[string]dlc.AdaptorSignature) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion sort: adaptor sig sets are bounded by maxOutcomes but
	// typically small (a few hundred CETs), and avoiding a sort package
	// import here keeps this file's dependency list to what the rest of
	// dlcwire already needs.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

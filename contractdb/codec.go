package contractdb

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
)

// This file is contractdb's own field codec for the full, at-rest
// representation of a dlc.Contract or dlc.DLCChannel — distinct from (and
// not shared with) dlcwire's codec, the same way the teacher's channeldb
// keeps its own read/writeElement helpers separate from lnwire's, because
// the two serialize different things for different reasons: the wire codec
// optimizes for a stable cross-version message format, this one for a
// complete, mutable snapshot of manager state.

func wUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func rUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func wUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func rUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func wUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func rUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func wBytes(w io.Writer, b []byte) error {
	if err := wUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func rBytes(r io.Reader, max uint32) ([]byte, error) {
	n, err := rUint32(r)
	if err != nil {
		return nil, err
	}
	if n > max {
		return nil, dlcerrors.New(dlcerrors.KindStorageError, "encoded field exceeds maximum length")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func wString(w io.Writer, s string) error { return wBytes(w, []byte(s)) }
func rString(r io.Reader, max uint32) (string, error) {
	b, err := rBytes(r, max)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func wBool(w io.Writer, b bool) error {
	v := byte(0)
	if b {
		v = 1
	}
	_, err := w.Write([]byte{v})
	return err
}

func rBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] == 1, nil
}

func wPubKey(w io.Writer, pub *btcec.PublicKey) error {
	present := pub != nil
	if err := wBool(w, present); err != nil {
		return err
	}
	if !present {
		return nil
	}
	_, err := w.Write(pub.SerializeCompressed())
	return err
}

func rPubKey(r io.Reader) (*btcec.PublicKey, error) {
	present, err := rBool(r)
	if err != nil || !present {
		return nil, err
	}
	var buf [33]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(buf[:])
}

func wTx(w io.Writer, tx *wire.MsgTx) error {
	present := tx != nil
	if err := wBool(w, present); err != nil {
		return err
	}
	if !present {
		return nil
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}
	return wBytes(w, buf.Bytes())
}

func rTx(r io.Reader) (*wire.MsgTx, error) {
	present, err := rBool(r)
	if err != nil || !present {
		return nil, err
	}
	b, err := rBytes(r, 1<<24)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return tx, nil
}

const maxListLen = 1 << 20

func writePartyParams(w io.Writer, p *dlc.PartyParams) error {
	present := p != nil
	if err := wBool(w, present); err != nil || !present {
		return err
	}
	if err := wPubKey(w, p.FundingPubKey); err != nil {
		return err
	}
	if err := wBytes(w, p.ChangeScript); err != nil {
		return err
	}
	if err := wBytes(w, p.PayoutScript); err != nil {
		return err
	}
	if err := wUint32(w, uint32(len(p.FundingInputs))); err != nil {
		return err
	}
	for i := range p.FundingInputs {
		in := &p.FundingInputs[i]
		if err := wBytes(w, in.Outpoint.Hash[:]); err != nil {
			return err
		}
		if err := wUint32(w, in.Outpoint.Index); err != nil {
			return err
		}
		if err := wTx(w, in.PrevTx); err != nil {
			return err
		}
		if err := wUint64(w, uint64(in.Value)); err != nil {
			return err
		}
		if err := wUint64(w, uint64(in.MaxWitnessWeight)); err != nil {
			return err
		}
		if err := wUint64(w, in.InputSerialID); err != nil {
			return err
		}
		if err := wBytes(w, in.RedeemScript); err != nil {
			return err
		}
	}
	if err := wUint64(w, uint64(p.Collateral)); err != nil {
		return err
	}
	if err := wUint64(w, p.ChangeSerialID); err != nil {
		return err
	}
	return wUint64(w, p.PayoutSerialID)
}

func readPartyParams(r io.Reader) (*dlc.PartyParams, error) {
	present, err := rBool(r)
	if err != nil || !present {
		return nil, err
	}
	p := &dlc.PartyParams{}
	if p.FundingPubKey, err = rPubKey(r); err != nil {
		return nil, err
	}
	if p.ChangeScript, err = rBytes(r, maxListLen); err != nil {
		return nil, err
	}
	if p.PayoutScript, err = rBytes(r, maxListLen); err != nil {
		return nil, err
	}
	n, err := rUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxListLen {
		return nil, dlcerrors.New(dlcerrors.KindStorageError, "too many funding inputs in contract blob")
	}
	p.FundingInputs = make([]dlc.FundingInput, n)
	for i := range p.FundingInputs {
		in := &p.FundingInputs[i]
		hashBytes, err := rBytes(r, 32)
		if err != nil {
			return nil, err
		}
		copy(in.Outpoint.Hash[:], hashBytes)
		if in.Outpoint.Index, err = rUint32(r); err != nil {
			return nil, err
		}
		if in.PrevTx, err = rTx(r); err != nil {
			return nil, err
		}
		v, err := rUint64(r)
		if err != nil {
			return nil, err
		}
		in.Value = btcutil.Amount(v)
		weight, err := rUint64(r)
		if err != nil {
			return nil, err
		}
		in.MaxWitnessWeight = int64(weight)
		if in.InputSerialID, err = rUint64(r); err != nil {
			return nil, err
		}
		if in.RedeemScript, err = rBytes(r, maxListLen); err != nil {
			return nil, err
		}
	}
	v, err := rUint64(r)
	if err != nil {
		return nil, err
	}
	p.Collateral = btcutil.Amount(v)
	if p.ChangeSerialID, err = rUint64(r); err != nil {
		return nil, err
	}
	if p.PayoutSerialID, err = rUint64(r); err != nil {
		return nil, err
	}
	return p, nil
}

func writeAdaptorSigs(w io.Writer, sigs map[string]dlc.AdaptorSignature) error {
	if err := wUint32(w, uint32(len(sigs))); err != nil {
		return err
	}
	for path, sig := range sigs {
		if err := wString(w, path); err != nil {
			return err
		}
		if _, err := w.Write(sig[:]); err != nil {
			return err
		}
	}
	return nil
}

func readAdaptorSigs(r io.Reader) (map[string]dlc.AdaptorSignature, error) {
	n, err := rUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxListLen {
		return nil, dlcerrors.New(dlcerrors.KindStorageError, "too many adaptor signatures in contract blob")
	}
	out := make(map[string]dlc.AdaptorSignature, n)
	for i := uint32(0); i < n; i++ {
		path, err := rString(r, 4096)
		if err != nil {
			return nil, err
		}
		var sig dlc.AdaptorSignature
		if _, err := io.ReadFull(r, sig[:]); err != nil {
			return nil, err
		}
		out[path] = sig
	}
	return out, nil
}

func writeCets(w io.Writer, cets []dlc.CET) error {
	if err := wUint32(w, uint32(len(cets))); err != nil {
		return err
	}
	for i := range cets {
		c := &cets[i]
		if err := wTx(w, c.Tx); err != nil {
			return err
		}
		if err := wString(w, c.OutcomePath); err != nil {
			return err
		}
		if err := wPubKey(w, c.AdaptorPoint); err != nil {
			return err
		}
	}
	return nil
}

func readCets(r io.Reader) ([]dlc.CET, error) {
	n, err := rUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxListLen {
		return nil, dlcerrors.New(dlcerrors.KindStorageError, "too many CETs in contract blob")
	}
	cets := make([]dlc.CET, n)
	for i := range cets {
		c := &cets[i]
		if c.Tx, err = rTx(r); err != nil {
			return nil, err
		}
		if c.OutcomePath, err = rString(r, 4096); err != nil {
			return nil, err
		}
		if c.AdaptorPoint, err = rPubKey(r); err != nil {
			return nil, err
		}
	}
	return cets, nil
}

// EncodeContract serializes the full contract state for storage in the
// blob store, keyed elsewhere by its contract/temp id.
func EncodeContract(c *dlc.Contract) ([]byte, error) {
	var buf bytes.Buffer
	w := &buf

	hasID := c.ID != nil
	if err := wBool(w, hasID); err != nil {
		return nil, err
	}
	if hasID {
		if _, err := w.Write(c.ID[:]); err != nil {
			return nil, err
		}
	}
	if _, err := w.Write(c.TempID[:]); err != nil {
		return nil, err
	}
	if err := wPubKey(w, c.CounterpartyPubKey); err != nil {
		return nil, err
	}
	if err := wBool(w, c.IsOfferer); err != nil {
		return nil, err
	}
	if err := wUint64(w, uint64(c.OfferCollateral)); err != nil {
		return nil, err
	}
	if err := wUint64(w, uint64(c.AcceptCollateral)); err != nil {
		return nil, err
	}
	if err := wUint64(w, uint64(c.FeeRateSatPerVb)); err != nil {
		return nil, err
	}
	if err := wUint32(w, c.CetLockTime); err != nil {
		return nil, err
	}
	if err := wUint32(w, c.RefundLockTime); err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte{byte(c.State)}); err != nil {
		return nil, err
	}
	if err := writePartyParams(w, c.OfferParams); err != nil {
		return nil, err
	}
	if err := writePartyParams(w, c.AcceptParams); err != nil {
		return nil, err
	}
	if err := wTx(w, c.FundingTx); err != nil {
		return nil, err
	}
	if err := writeCets(w, c.Cets); err != nil {
		return nil, err
	}
	if err := wTx(w, c.RefundTx); err != nil {
		return nil, err
	}
	if err := writeAdaptorSigs(w, c.CounterpartyAdaptorSigs); err != nil {
		return nil, err
	}
	if err := writeAdaptorSigs(w, c.OwnAdaptorSigs); err != nil {
		return nil, err
	}
	if err := wBytes(w, c.CounterpartyRefundSig); err != nil {
		return nil, err
	}
	if err := wBytes(w, c.OwnRefundSig); err != nil {
		return nil, err
	}
	if err := wTx(w, c.BroadcastCET); err != nil {
		return nil, err
	}
	if err := wString(w, c.AttestedOutcome); err != nil {
		return nil, err
	}
	hasPnL := c.RealizedPnL != nil
	if err := wBool(w, hasPnL); err != nil {
		return nil, err
	}
	if hasPnL {
		if err := wUint64(w, uint64(*c.RealizedPnL)); err != nil {
			return nil, err
		}
	}
	if err := wString(w, c.FailureKind); err != nil {
		return nil, err
	}
	if err := wString(w, c.FailureMsg); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeContract reverses EncodeContract.
func DecodeContract(b []byte) (*dlc.Contract, error) {
	r := bytes.NewReader(b)
	c := &dlc.Contract{}

	hasID, err := rBool(r)
	if err != nil {
		return nil, err
	}
	if hasID {
		var id dlc.ContractID
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return nil, err
		}
		c.ID = &id
	}
	if _, err := io.ReadFull(r, c.TempID[:]); err != nil {
		return nil, err
	}
	if c.CounterpartyPubKey, err = rPubKey(r); err != nil {
		return nil, err
	}
	if c.IsOfferer, err = rBool(r); err != nil {
		return nil, err
	}
	v, err := rUint64(r)
	if err != nil {
		return nil, err
	}
	c.OfferCollateral = btcutil.Amount(v)
	if v, err = rUint64(r); err != nil {
		return nil, err
	}
	c.AcceptCollateral = btcutil.Amount(v)
	if v, err = rUint64(r); err != nil {
		return nil, err
	}
	c.FeeRateSatPerVb = btcutil.Amount(v)
	if c.CetLockTime, err = rUint32(r); err != nil {
		return nil, err
	}
	if c.RefundLockTime, err = rUint32(r); err != nil {
		return nil, err
	}
	var stateB [1]byte
	if _, err := io.ReadFull(r, stateB[:]); err != nil {
		return nil, err
	}
	c.State = dlc.State(stateB[0])
	if c.OfferParams, err = readPartyParams(r); err != nil {
		return nil, err
	}
	if c.AcceptParams, err = readPartyParams(r); err != nil {
		return nil, err
	}
	if c.FundingTx, err = rTx(r); err != nil {
		return nil, err
	}
	if c.Cets, err = readCets(r); err != nil {
		return nil, err
	}
	if c.RefundTx, err = rTx(r); err != nil {
		return nil, err
	}
	if c.CounterpartyAdaptorSigs, err = readAdaptorSigs(r); err != nil {
		return nil, err
	}
	if c.OwnAdaptorSigs, err = readAdaptorSigs(r); err != nil {
		return nil, err
	}
	if c.CounterpartyRefundSig, err = rBytes(r, maxListLen); err != nil {
		return nil, err
	}
	if c.OwnRefundSig, err = rBytes(r, maxListLen); err != nil {
		return nil, err
	}
	if c.BroadcastCET, err = rTx(r); err != nil {
		return nil, err
	}
	if c.AttestedOutcome, err = rString(r, 4096); err != nil {
		return nil, err
	}
	hasPnL, err := rBool(r)
	if err != nil {
		return nil, err
	}
	if hasPnL {
		pnl, err := rUint64(r)
		if err != nil {
			return nil, err
		}
		signed := int64(pnl)
		c.RealizedPnL = &signed
	}
	if c.FailureKind, err = rString(r, 1024); err != nil {
		return nil, err
	}
	if c.FailureMsg, err = rString(r, 4096); err != nil {
		return nil, err
	}
	return c, nil
}

// EncodeChannel serializes the full DLC channel state.
func EncodeChannel(ch *dlc.DLCChannel) ([]byte, error) {
	var buf bytes.Buffer
	w := &buf

	if _, err := w.Write(ch.ID[:]); err != nil {
		return nil, err
	}
	if _, err := w.Write(ch.OfferTempID[:]); err != nil {
		return nil, err
	}
	if _, err := w.Write(ch.AcceptTempID[:]); err != nil {
		return nil, err
	}
	if err := wPubKey(w, ch.CounterpartyPubKey); err != nil {
		return nil, err
	}
	if err := wBool(w, ch.IsOfferer); err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte{byte(ch.State)}); err != nil {
		return nil, err
	}
	if err := wTx(w, ch.FundingTx); err != nil {
		return nil, err
	}
	if err := wBytes(w, ch.FundingOutpoint.Hash[:]); err != nil {
		return nil, err
	}
	if err := wUint32(w, ch.FundingOutpoint.Index); err != nil {
		return nil, err
	}
	if err := wTx(w, ch.BufferTx); err != nil {
		return nil, err
	}
	hasContract := ch.SignedSubContract != nil
	if err := wBool(w, hasContract); err != nil {
		return nil, err
	}
	if hasContract {
		sub, err := EncodeContract(ch.SignedSubContract)
		if err != nil {
			return nil, err
		}
		if err := wBytes(w, sub); err != nil {
			return nil, err
		}
	}
	if err := wUint64(w, ch.UpdateIndex); err != nil {
		return nil, err
	}
	if err := wUint64(w, ch.OwnPublishBase.UpdateIndex); err != nil {
		return nil, err
	}
	if err := wPubKey(w, ch.OwnPublishBase.Point); err != nil {
		return nil, err
	}
	if err := wUint64(w, ch.CounterpartyPublishBase.UpdateIndex); err != nil {
		return nil, err
	}
	if err := wPubKey(w, ch.CounterpartyPublishBase.Point); err != nil {
		return nil, err
	}
	hasRevoked := ch.RevokedUpdateIndex != nil
	if err := wBool(w, hasRevoked); err != nil {
		return nil, err
	}
	if hasRevoked {
		if err := wUint64(w, *ch.RevokedUpdateIndex); err != nil {
			return nil, err
		}
	}
	if err := wUint64(w, uint64(ch.OfferCollateral)); err != nil {
		return nil, err
	}
	if err := wUint64(w, uint64(ch.AcceptCollateral)); err != nil {
		return nil, err
	}
	if err := wString(w, ch.FailureKind); err != nil {
		return nil, err
	}
	if err := wString(w, ch.FailureMsg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeChannel reverses EncodeChannel.
func DecodeChannel(b []byte) (*dlc.DLCChannel, error) {
	r := bytes.NewReader(b)
	ch := &dlc.DLCChannel{}

	if _, err := io.ReadFull(r, ch.ID[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, ch.OfferTempID[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, ch.AcceptTempID[:]); err != nil {
		return nil, err
	}
	var err error
	if ch.CounterpartyPubKey, err = rPubKey(r); err != nil {
		return nil, err
	}
	if ch.IsOfferer, err = rBool(r); err != nil {
		return nil, err
	}
	var stateB [1]byte
	if _, err := io.ReadFull(r, stateB[:]); err != nil {
		return nil, err
	}
	ch.State = dlc.ChannelState(stateB[0])
	if ch.FundingTx, err = rTx(r); err != nil {
		return nil, err
	}
	hashBytes, err := rBytes(r, 32)
	if err != nil {
		return nil, err
	}
	copy(ch.FundingOutpoint.Hash[:], hashBytes)
	if ch.FundingOutpoint.Index, err = rUint32(r); err != nil {
		return nil, err
	}
	if ch.BufferTx, err = rTx(r); err != nil {
		return nil, err
	}
	hasContract, err := rBool(r)
	if err != nil {
		return nil, err
	}
	if hasContract {
		sub, err := rBytes(r, maxListLen)
		if err != nil {
			return nil, err
		}
		if ch.SignedSubContract, err = DecodeContract(sub); err != nil {
			return nil, err
		}
	}
	if ch.UpdateIndex, err = rUint64(r); err != nil {
		return nil, err
	}
	if ch.OwnPublishBase.UpdateIndex, err = rUint64(r); err != nil {
		return nil, err
	}
	if ch.OwnPublishBase.Point, err = rPubKey(r); err != nil {
		return nil, err
	}
	if ch.CounterpartyPublishBase.UpdateIndex, err = rUint64(r); err != nil {
		return nil, err
	}
	if ch.CounterpartyPublishBase.Point, err = rPubKey(r); err != nil {
		return nil, err
	}
	hasRevoked, err := rBool(r)
	if err != nil {
		return nil, err
	}
	if hasRevoked {
		idx, err := rUint64(r)
		if err != nil {
			return nil, err
		}
		ch.RevokedUpdateIndex = &idx
	}
	v, err := rUint64(r)
	if err != nil {
		return nil, err
	}
	ch.OfferCollateral = btcutil.Amount(v)
	if v, err = rUint64(r); err != nil {
		return nil, err
	}
	ch.AcceptCollateral = btcutil.Amount(v)
	if ch.FailureKind, err = rString(r, 1024); err != nil {
		return nil, err
	}
	ch.FailureMsg, err = rString(r, 4096)
	return ch, err
}

package contractmgr

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
)

// sortInputsBySerial returns a copy of inputs ordered by InputSerialID,
// matching txbuilder.addInputs's ordering so callers can locate a given
// FundingInput's index within the assembled funding transaction.
func sortInputsBySerial(inputs []dlc.FundingInput) []dlc.FundingInput {
	sorted := append([]dlc.FundingInput(nil), inputs...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].InputSerialID < sorted[j].InputSerialID
	})
	return sorted
}

// inputIndex locates outpoint's position among tx's inputs.
func inputIndex(tx *wire.MsgTx, outpoint wire.OutPoint) (int, error) {
	for i, in := range tx.TxIn {
		if in.PreviousOutPoint == outpoint {
			return i, nil
		}
	}
	return 0, dlcerrors.New(dlcerrors.KindInternal, "funding input not found in assembled transaction")
}

// newFundingPacket wraps tx in a PSBT packet and populates the UTXO
// fields for every input for which a matching FundingInput is present in
// either inputs set, the information a wallet collaborator needs to
// compute a BIP-143 sighash without re-deriving prevout data itself.
func newFundingPacket(tx *wire.MsgTx, allInputs []dlc.FundingInput) (*psbt.Packet, error) {
	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}

	for _, in := range allInputs {
		idx, err := inputIndex(tx, in.Outpoint)
		if err != nil {
			return nil, err
		}
		if in.PrevTx == nil {
			return nil, dlcerrors.New(dlcerrors.KindInvalidParameter, "funding input missing previous transaction")
		}
		packet.Inputs[idx].NonWitnessUtxo = in.PrevTx
		packet.Inputs[idx].WitnessUtxo = &wire.TxOut{
			Value:    int64(in.Value),
			PkScript: in.PrevTx.TxOut[in.Outpoint.Index].PkScript,
		}
		if in.RedeemScript != nil {
			packet.Inputs[idx].RedeemScript = in.RedeemScript
		}
	}
	return packet, nil
}

// extractOwnWitnesses reads each of ownInputs' finalized witness, in
// ownInputs' own serial order (not the assembled transaction's order),
// ready to ship as a Sign/Accept message's raw witness list.
func extractOwnWitnesses(packet *psbt.Packet, tx *wire.MsgTx, ownInputs []dlc.FundingInput) ([][]byte, error) {
	sorted := sortInputsBySerial(ownInputs)
	out := make([][]byte, len(sorted))
	for i, in := range sorted {
		idx, err := inputIndex(tx, in.Outpoint)
		if err != nil {
			return nil, err
		}
		w := packet.Inputs[idx].FinalScriptWitness
		if len(w) == 0 {
			return nil, dlcerrors.New(dlcerrors.KindWalletError, "wallet did not finalize funding input")
		}
		out[i] = append([]byte(nil), w...)
	}
	return out, nil
}

// applyCounterpartyWitnesses writes the counterparty's raw witness blobs
// (received over the wire in counterpartyInputs' own serial order) into
// packet at the matching transaction input indices.
func applyCounterpartyWitnesses(packet *psbt.Packet, tx *wire.MsgTx, counterpartyInputs []dlc.FundingInput, witnesses [][]byte) error {
	sorted := sortInputsBySerial(counterpartyInputs)
	if len(sorted) != len(witnesses) {
		return dlcerrors.New(dlcerrors.KindTransportError, "funding witness count does not match funding input count")
	}
	for i, in := range sorted {
		idx, err := inputIndex(tx, in.Outpoint)
		if err != nil {
			return err
		}
		packet.Inputs[idx].FinalScriptWitness = witnesses[i]
	}
	return nil
}

// finalizeFunding extracts the fully-witnessed transaction once every
// input in packet has been finalized by one side or the other.
func finalizeFunding(packet *psbt.Packet) (*wire.MsgTx, error) {
	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}
	return tx, nil
}

// copyTx deep-copies tx so the manager can build a packet against a
// working copy before a side's witnesses are applied in place, avoiding
// aliasing between the persisted Contract.FundingTx and an in-flight
// finalization attempt.
func copyTx(tx *wire.MsgTx) *wire.MsgTx {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return tx.Copy()
	}
	out := wire.NewMsgTx(tx.Version)
	if err := out.Deserialize(&buf); err != nil {
		return tx.Copy()
	}
	return out
}

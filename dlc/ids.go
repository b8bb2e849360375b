package dlc

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tv42/zbase32"
)

// TempContractID is the 32 random bytes a contract is known by between offer
// creation and funding txid assignment.
type TempContractID [32]byte

// ContractID is the final identifier of a contract: the funding txid XORed
// with the temporary id, so that it's deterministic given the (eventually
// deterministic) funding transaction.
type ContractID [32]byte

// ChannelID identifies a DLC channel, derived from the funding txid and
// both parties' temporary channel ids.
type ChannelID [32]byte

// NewTempContractID draws 32 random bytes for a new offer.
func NewTempContractID() (TempContractID, error) {
	var id TempContractID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// DeriveContractID XORs the little-endian funding txid with the temporary
// contract id to produce the final, stable contract id.
func DeriveContractID(fundingTxid chainhash.Hash, temp TempContractID) ContractID {
	var id ContractID
	txidLE := fundingTxid.CloneBytes()
	for i := 0; i < len(id); i++ {
		id[i] = txidLE[i] ^ temp[i]
	}
	return id
}

// DeriveChannelID XORs the little-endian funding txid with both parties'
// temporary channel ids, mirroring DeriveContractID's construction.
func DeriveChannelID(fundingTxid chainhash.Hash, offerTempID, acceptTempID TempContractID) ChannelID {
	var id ChannelID
	txidLE := fundingTxid.CloneBytes()
	for i := 0; i < len(id); i++ {
		id[i] = txidLE[i] ^ offerTempID[i] ^ acceptTempID[i]
	}
	return id
}

// String returns the hex encoding of the contract id, as lnd's hash types do.
func (c ContractID) String() string {
	return hex.EncodeToString(c[:])
}

func (t TempContractID) String() string {
	return hex.EncodeToString(t[:])
}

func (c ChannelID) String() string {
	return hex.EncodeToString(c[:])
}

// ZBase32 returns a human-friendly encoding of the id suitable for logs and
// CLI display, avoiding visually ambiguous characters the way lnd uses
// zbase32 for payment identifiers elsewhere in the stack.
func (c ContractID) ZBase32() string {
	return zbase32.EncodeToString(c[:])
}

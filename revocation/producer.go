package revocation

import "crypto/rand"

// Producer is the sending side of the revocation scheme: it holds the
// per-channel seed and derives the secret for any update index on demand,
// which it then reveals to the counterparty once that update is
// superseded.
type Producer struct {
	seed [32]byte
}

// NewProducer draws a fresh random seed for a new channel.
func NewProducer() (*Producer, error) {
	var p Producer
	if _, err := rand.Read(p.seed[:]); err != nil {
		return nil, err
	}
	return &p, nil
}

// ProducerFromSeed wraps an existing seed, for restoring a producer from
// persisted state.
func ProducerFromSeed(seed [32]byte) *Producer {
	return &Producer{seed: seed}
}

// SecretForIndex derives the revocation secret this party reveals once
// update index is superseded by index+1.
func (p *Producer) SecretForIndex(index uint64) [32]byte {
	return DeriveSecret(p.seed, index)
}

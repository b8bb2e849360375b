package contractmgr

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dlcd-io/dlcd/adaptor"
	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
	"github.com/dlcd-io/dlcd/dlcwire"
	"github.com/dlcd-io/dlcd/oracle"
	"github.com/dlcd-io/dlcd/txbuilder"
)

// fakeWallet is an in-memory Wallet collaborator: one static funding key,
// deterministic scripts tagged by owner byte, and synthetic UTXOs minted on
// demand.
type fakeWallet struct {
	priv     *btcec.PrivateKey
	owner    byte
	serial   uint64
	mu       sync.Mutex
	reserved map[wire.OutPoint]struct{}
	released int
}

func newFakeWallet(t *testing.T, owner byte) *fakeWallet {
	t.Helper()
	var seed [32]byte
	for i := range seed {
		seed[i] = owner
	}
	priv, _ := btcec.PrivKeyFromBytes(seed[:])
	return &fakeWallet{priv: priv, owner: owner, reserved: make(map[wire.OutPoint]struct{})}
}

func (w *fakeWallet) script(kind byte) []byte {
	return []byte{0x00, 0x14, w.owner, kind, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
}

func (w *fakeWallet) GetNewFundingPubKey(context.Context) (*btcec.PublicKey, error) {
	return w.priv.PubKey(), nil
}

func (w *fakeWallet) GetChangeScript(context.Context) ([]byte, error) { return w.script(1), nil }
func (w *fakeWallet) GetPayoutScript(context.Context) ([]byte, error) { return w.script(2), nil }

func (w *fakeWallet) ReserveUTXOs(_ context.Context, amount btcutil.Amount) ([]dlc.FundingInput, ReservationHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.serial++

	prevTx := wire.NewMsgTx(2)
	prevTx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{
		Hash:  chainhash.Hash{w.owner, 0xee},
		Index: uint32(w.serial),
	}})
	prevTx.AddTxOut(&wire.TxOut{Value: int64(amount + 20000), PkScript: w.script(0)})

	input := dlc.FundingInput{
		Outpoint:         wire.OutPoint{Hash: prevTx.TxHash(), Index: 0},
		PrevTx:           prevTx,
		Value:            amount + 20000,
		MaxWitnessWeight: 109,
		InputSerialID:    uint64(w.owner)<<8 | w.serial,
	}
	w.reserved[input.Outpoint] = struct{}{}
	return []dlc.FundingInput{input}, []dlc.FundingInput{input}, nil
}

func (w *fakeWallet) Release(_ context.Context, handle ReservationHandle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released++
	for _, in := range handle.([]dlc.FundingInput) {
		delete(w.reserved, in.Outpoint)
	}
	return nil
}

func (w *fakeWallet) SignFundingPSBT(_ context.Context, p *psbt.Packet, handle ReservationHandle) (*psbt.Packet, error) {
	// Serialized one-element witness stack standing in for a real P2WPKH
	// witness; the fakes never relay these transactions.
	canned := []byte{0x01, 0x01, 0xaa}
	for _, in := range handle.([]dlc.FundingInput) {
		for i := range p.UnsignedTx.TxIn {
			if p.UnsignedTx.TxIn[i].PreviousOutPoint == in.Outpoint {
				p.Inputs[i].FinalScriptWitness = canned
			}
		}
	}
	return p, nil
}

func (w *fakeWallet) SignCETAdaptor(_ context.Context, _ *btcec.PublicKey, sighash [32]byte, adaptorPoint *btcec.PublicKey) (*adaptor.Signature, error) {
	return adaptor.PreSign(w.priv, sighash, adaptorPoint)
}

func (w *fakeWallet) SignRefund(_ context.Context, _ *btcec.PublicKey, sighash [32]byte) ([]byte, error) {
	sig, err := schnorr.Sign(w.priv, sighash[:])
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

func (w *fakeWallet) SignChannelCETAdaptor(context.Context, *btcec.PublicKey, [32]byte, [32]byte, *btcec.PublicKey) (*adaptor.Signature, error) {
	return nil, errors.New("fakeWallet: channels not exercised by this test")
}

func (w *fakeWallet) SignChannelUpdate(context.Context, *btcec.PublicKey, [32]byte, [32]byte) ([]byte, error) {
	return nil, errors.New("fakeWallet: channels not exercised by this test")
}

// fakeStore keeps contracts in memory keyed by temp id, resolving final ids
// by scan the way contractdb resolves them through its metadata index.
type fakeStore struct {
	mu        sync.Mutex
	contracts map[dlc.TempContractID]*dlc.Contract
	channels  map[dlc.ChannelID]*dlc.DLCChannel
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contracts: make(map[dlc.TempContractID]*dlc.Contract),
		channels:  make(map[dlc.ChannelID]*dlc.DLCChannel),
	}
}

func (s *fakeStore) PutContract(c *dlc.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[c.TempID] = c
	return nil
}

func (s *fakeStore) GetContract(id []byte) (*dlc.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var key dlc.TempContractID
	copy(key[:], id)
	if c, ok := s.contracts[key]; ok {
		return c, nil
	}
	for _, c := range s.contracts {
		if c.ID != nil && bytes.Equal(c.ID[:], id) {
			return c, nil
		}
	}
	return nil, dlcerrors.ErrContractNotFound
}

func (s *fakeStore) DeleteContract(id []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var key dlc.TempContractID
	copy(key[:], id)
	delete(s.contracts, key)
	return nil
}

func (s *fakeStore) ContractsByState(state dlc.State) ([]*dlc.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*dlc.Contract
	for _, c := range s.contracts {
		if c.State == state {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) ContractsByCounterparty(pub *btcec.PublicKey) ([]*dlc.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*dlc.Contract
	for _, c := range s.contracts {
		if c.CounterpartyPubKey.IsEqual(pub) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) PutChannel(ch *dlc.DLCChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch
	return nil
}

func (s *fakeStore) GetChannel(id dlc.ChannelID) (*dlc.DLCChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, dlcerrors.ErrChannelNotFound
	}
	return ch, nil
}

// fakeChain is an in-memory Blockchain collaborator with test-settable
// confirmation counts, spends, and tip height.
type fakeChain struct {
	mu        sync.Mutex
	broadcast []*wire.MsgTx
	confs     map[chainhash.Hash]int32
	spends    map[wire.OutPoint]*wire.MsgTx
	height    int32
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		confs:  make(map[chainhash.Hash]int32),
		spends: make(map[wire.OutPoint]*wire.MsgTx),
	}
}

func (c *fakeChain) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcast = append(c.broadcast, tx)
	return nil
}

func (c *fakeChain) GetTransaction(_ context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tx := range c.broadcast {
		if tx.TxHash() == txid {
			return tx, nil
		}
	}
	return nil, errors.New("transaction not found")
}

func (c *fakeChain) GetBestHeight(context.Context) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

func (c *fakeChain) GetConfirmations(_ context.Context, txid chainhash.Hash) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confs[txid], nil
}

func (c *fakeChain) GetSpendingTx(_ context.Context, outpoint wire.OutPoint) (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spends[outpoint], nil
}

func (c *fakeChain) setConfs(txid chainhash.Hash, n int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confs[txid] = n
}

func (c *fakeChain) broadcastCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.broadcast)
}

// fakeOracle serves one canned announcement and, once the test "attests",
// one canned attestation.
type fakeOracle struct {
	mu   sync.Mutex
	anns map[string]*dlc.Announcement
	atts map[string]*oracle.Attestation
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		anns: make(map[string]*dlc.Announcement),
		atts: make(map[string]*oracle.Attestation),
	}
}

func (o *fakeOracle) GetAnnouncement(_ context.Context, eventID string) (*dlc.Announcement, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ann, ok := o.anns[eventID]
	if !ok {
		return nil, errors.New("no such announcement")
	}
	return ann, nil
}

func (o *fakeOracle) GetAttestation(_ context.Context, eventID string) (*oracle.Attestation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	att, ok := o.atts[eventID]
	if !ok {
		return nil, errors.New("not yet attested")
	}
	return att, nil
}

func (o *fakeOracle) attest(eventID string, att *oracle.Attestation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.atts[eventID] = att
}

// fakeTransport queues outbound messages; tests pump them into the peer
// manager's handlers explicitly, keeping each handshake step observable.
type fakeTransport struct {
	mu   sync.Mutex
	sent []dlcwire.Message
}

func (t *fakeTransport) SendTo(_ *btcec.PublicKey, msg dlcwire.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) drain() []dlcwire.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.sent
	t.sent = nil
	return out
}

func hasOddY(pub *btcec.PublicKey) bool {
	return pub.SerializeCompressed()[0] == 0x03
}

// oracleSign produces a BIP-340 signature over value's double-SHA digest
// using the announced nonce, the exact signature shape whose s-value is the
// discrete log of oracle.AdaptorPoint for the same inputs.
func oracleSign(oraclePriv, noncePriv *btcec.PrivateKey, value string) [64]byte {
	digest := chainhash.DoubleHashB([]byte(value))

	d := oraclePriv.Key
	if hasOddY(oraclePriv.PubKey()) {
		d.Negate()
	}
	k := noncePriv.Key
	if hasOddY(noncePriv.PubKey()) {
		k.Negate()
	}

	rX := schnorr.SerializePubKey(noncePriv.PubKey())
	pX := schnorr.SerializePubKey(oraclePriv.PubKey())
	h := chainhash.TaggedHash([]byte("BIP0340/challenge"), rX, pX, digest)

	var e btcec.ModNScalar
	e.SetByteSlice(h[:])

	var s btcec.ModNScalar
	s.Set(&e)
	s.Mul(&d)
	s.Add(&k)

	var out [64]byte
	copy(out[:32], rX)
	sBytes := s.Bytes()
	copy(out[32:], sBytes[:])
	return out
}

// harness wires one party's manager and all its fakes.
type harness struct {
	mgr       *Manager
	wallet    *fakeWallet
	store     *fakeStore
	chain     *fakeChain
	oracle    *fakeOracle
	transport *fakeTransport
	peerKey   *btcec.PrivateKey
}

func newHarness(t *testing.T, owner byte, orc *fakeOracle) *harness {
	t.Helper()
	h := &harness{
		wallet:    newFakeWallet(t, owner),
		store:     newFakeStore(),
		chain:     newFakeChain(),
		oracle:    orc,
		transport: &fakeTransport{},
	}
	var seed [32]byte
	for i := range seed {
		seed[i] = owner ^ 0x80
	}
	h.peerKey, _ = btcec.PrivKeyFromBytes(seed[:])
	h.mgr = NewManager(Config{
		Wallet:            h.wallet,
		Storage:           h.store,
		Blockchain:        h.chain,
		Oracle:            h.oracle,
		Transport:         h.transport,
		MetricsRegisterer: prometheus.NewRegistry(),
	})
	return h
}

const testEventID = "btcusd-settlement"

func testAnnouncement(oraclePriv, noncePriv *btcec.PrivateKey) dlc.Announcement {
	return dlc.Announcement{
		AnnouncementID: [32]byte{0xa1},
		PublicKey:      oraclePriv.PubKey(),
		Nonces:         []*btcec.PublicKey{noncePriv.PubKey()},
		EventID:        testEventID,
	}
}

func enumContractInput(ann dlc.Announcement) *dlc.ContractInput {
	return &dlc.ContractInput{
		OfferCollateral:  50000,
		AcceptCollateral: 50000,
		FeeRateSatPerVb:  2,
		CetLockTime:      100,
		RefundLockTime:   200,
		ContractInfo: dlc.ContractInfo{
			Kind: dlc.ContractInfoEnumKind,
			Enum: &dlc.ContractInfoEnum{
				Outcomes: []dlc.EnumOutcome{
					{Outcome: "A", OfferPayout: 100000, AcceptPayout: 0},
					{Outcome: "B", OfferPayout: 0, AcceptPayout: 100000},
					{Outcome: "C", OfferPayout: 50000, AcceptPayout: 50000},
				},
				Oracle: ann,
			},
		},
	}
}

// runHandshake drives a full offer/accept/sign exchange between two fresh
// parties, returning both harnesses, the contract's temp id, and the oracle
// and nonce keys, with the contract in Signed state on both sides.
func runHandshake(t *testing.T) (offerer, accepter *harness, temp dlc.TempContractID, oraclePriv, noncePriv *btcec.PrivateKey) {
	t.Helper()
	ctx := context.Background()

	var oseed, nseed [32]byte
	for i := range oseed {
		oseed[i], nseed[i] = 0x51, 0x52
	}
	oraclePriv, _ = btcec.PrivKeyFromBytes(oseed[:])
	noncePriv, _ = btcec.PrivKeyFromBytes(nseed[:])
	ann := testAnnouncement(oraclePriv, noncePriv)

	orc := newFakeOracle()
	orc.anns[testEventID] = &ann

	offerer = newHarness(t, 0x01, orc)
	accepter = newHarness(t, 0x02, orc)

	c, err := offerer.mgr.SendOffer(ctx, enumContractInput(ann), accepter.peerKey.PubKey())
	require.NoError(t, err)
	temp = c.TempID

	msgs := offerer.transport.drain()
	require.Len(t, msgs, 1)
	offerMsg := msgs[0].(*dlcwire.Offer)

	require.NoError(t, accepter.mgr.handleOffer(ctx, offerer.peerKey.PubKey(), offerMsg))

	_, err = accepter.mgr.AcceptOffer(ctx, temp)
	require.NoError(t, err)

	msgs = accepter.transport.drain()
	require.Len(t, msgs, 1)
	acceptMsg := msgs[0].(*dlcwire.Accept)

	require.NoError(t, offerer.mgr.handleAccept(ctx, accepter.peerKey.PubKey(), acceptMsg))

	msgs = offerer.transport.drain()
	require.Len(t, msgs, 1)
	signMsg := msgs[0].(*dlcwire.Sign)

	require.NoError(t, accepter.mgr.handleSign(ctx, offerer.peerKey.PubKey(), signMsg))

	oc, err := offerer.store.GetContract(temp[:])
	require.NoError(t, err)
	require.Equal(t, dlc.StateSigned, oc.State)

	ac, err := accepter.store.GetContract(temp[:])
	require.NoError(t, err)
	require.Equal(t, dlc.StateSigned, ac.State)

	// The accepter finalizes and broadcasts the funding transaction.
	require.Equal(t, 1, accepter.chain.broadcastCount())
	require.Equal(t, oc.FundingTx.TxHash(), ac.FundingTx.TxHash())

	return offerer, accepter, temp, oraclePriv, noncePriv
}

func TestEnumerationHappyPath(t *testing.T) {
	ctx := context.Background()
	offerer, accepter, temp, oraclePriv, noncePriv := runHandshake(t)

	oc, err := offerer.store.GetContract(temp[:])
	require.NoError(t, err)
	fundingTxid := oc.FundingTx.TxHash()

	// Funding reaches depth 6: Signed -> Confirmed.
	offerer.chain.setConfs(fundingTxid, 6)
	require.NoError(t, offerer.mgr.PeriodicCheck(ctx, false))
	oc, _ = offerer.store.GetContract(temp[:])
	require.Equal(t, dlc.StateConfirmed, oc.State)

	// Oracle attests "B": the offerer adapts both signatures and
	// broadcasts the matching CET.
	offerer.oracle.attest(testEventID, &oracle.Attestation{
		EventID:    testEventID,
		Signatures: [][64]byte{oracleSign(oraclePriv, noncePriv, "B")},
		Values:     []string{"B"},
	})
	require.NoError(t, offerer.mgr.PeriodicCheck(ctx, false))
	oc, _ = offerer.store.GetContract(temp[:])
	require.Equal(t, dlc.StatePreClosed, oc.State)
	require.Equal(t, "B", oc.AttestedOutcome)
	require.NotNil(t, oc.BroadcastCET)
	require.Equal(t, 1, offerer.chain.broadcastCount())

	// Outcome "B" pays the whole pot to the accepter; the offerer's
	// zero-minus-fee output is dust-swept, leaving a single output to the
	// accepter's payout script.
	cet := oc.BroadcastCET
	require.Len(t, cet.TxOut, 1)
	require.Equal(t, accepter.wallet.script(2), cet.TxOut[0].PkScript)
	require.Greater(t, cet.TxOut[0].Value, int64(99000))
	require.Less(t, cet.TxOut[0].Value, int64(100000))

	// Both witness signatures are valid BIP-340 signatures over the CET's
	// tapscript sighash, one per funding key: adaptor correctness held
	// end to end.
	redeemScript, err := txbuilder.FundingRedeemScript(
		oc.OfferParams.FundingPubKey, oc.AcceptParams.FundingPubKey)
	require.NoError(t, err)
	_, fundingAmt, err := txbuilder.FundingTxOut(oc.FundingTx, redeemScript)
	require.NoError(t, err)
	sighash, err := txbuilder.CETSigHash(cet, fundingAmt, redeemScript)
	require.NoError(t, err)

	require.Len(t, cet.TxIn[0].Witness, 4)
	for _, pub := range []*btcec.PublicKey{oc.OfferParams.FundingPubKey, oc.AcceptParams.FundingPubKey} {
		valid := false
		for _, raw := range cet.TxIn[0].Witness[:2] {
			sig, err := schnorr.ParseSignature(raw)
			if err != nil {
				continue
			}
			if sig.Verify(sighash[:], pub) {
				valid = true
			}
		}
		require.True(t, valid, "no valid witness signature for funding key")
	}

	// An unchanged chain view is idempotent: no state change, no second
	// broadcast.
	require.NoError(t, offerer.mgr.PeriodicCheck(ctx, false))
	oc, _ = offerer.store.GetContract(temp[:])
	require.Equal(t, dlc.StatePreClosed, oc.State)
	require.Equal(t, 1, offerer.chain.broadcastCount())

	// CET reaches depth 6: PreClosed -> Closed, with realized PnL equal
	// to losing the full offer collateral.
	offerer.chain.setConfs(cet.TxHash(), 6)
	require.NoError(t, offerer.mgr.PeriodicCheck(ctx, false))
	oc, _ = offerer.store.GetContract(temp[:])
	require.Equal(t, dlc.StateClosed, oc.State)
	require.NotNil(t, oc.RealizedPnL)
	require.EqualValues(t, -50000, *oc.RealizedPnL)
}

func TestCounterpartyFrontRun(t *testing.T) {
	ctx := context.Background()
	offerer, accepter, temp, oraclePriv, noncePriv := runHandshake(t)

	oc, err := offerer.store.GetContract(temp[:])
	require.NoError(t, err)
	fundingTxid := oc.FundingTx.TxHash()

	// The offerer learns the attestation first and broadcasts its CET.
	offerer.chain.setConfs(fundingTxid, 6)
	offerer.oracle.attest(testEventID, &oracle.Attestation{
		EventID:    testEventID,
		Signatures: [][64]byte{oracleSign(oraclePriv, noncePriv, "B")},
		Values:     []string{"B"},
	})
	require.NoError(t, offerer.mgr.PeriodicCheck(ctx, false))
	oc, _ = offerer.store.GetContract(temp[:])
	require.Equal(t, dlc.StatePreClosed, oc.State)

	// The accepter never polls an attestation (its fake oracle map is
	// shared, but observing the spend comes first): it sees the funding
	// output spent by a CET it recognizes and adopts that outcome.
	ac, err := accepter.store.GetContract(temp[:])
	require.NoError(t, err)
	fundingOutpoint := ac.Cets[0].Tx.TxIn[0].PreviousOutPoint
	accepter.chain.setConfs(fundingTxid, 6)
	accepter.chain.mu.Lock()
	accepter.chain.spends[fundingOutpoint] = oc.BroadcastCET
	accepter.chain.mu.Unlock()

	require.NoError(t, accepter.mgr.PeriodicCheck(ctx, false))
	ac, _ = accepter.store.GetContract(temp[:])
	require.Equal(t, dlc.StatePreClosed, ac.State)
	require.Equal(t, "B", ac.AttestedOutcome)
	require.NotNil(t, ac.BroadcastCET)
	// The accepter adopted the observed transaction rather than
	// broadcasting its own.
	require.Equal(t, 1, accepter.chain.broadcastCount())
}

func TestRefundAfterLocktime(t *testing.T) {
	ctx := context.Background()
	offerer, accepter, temp, _, _ := runHandshake(t)

	oc, err := offerer.store.GetContract(temp[:])
	require.NoError(t, err)
	fundingTxid := oc.FundingTx.TxHash()

	offerer.chain.setConfs(fundingTxid, 6)
	require.NoError(t, offerer.mgr.PeriodicCheck(ctx, false))

	// No attestation ever arrives; the refund locktime passes.
	offerer.chain.mu.Lock()
	offerer.chain.height = 200
	offerer.chain.mu.Unlock()

	require.NoError(t, offerer.mgr.PeriodicCheck(ctx, false))
	oc, _ = offerer.store.GetContract(temp[:])
	require.Equal(t, dlc.StateRefunded, oc.State)
	require.Equal(t, 1, offerer.chain.broadcastCount())

	refund := offerer.chain.broadcast[0]
	require.Len(t, refund.TxOut, 2)
	var offerOut, acceptOut int64
	for _, out := range refund.TxOut {
		switch {
		case bytes.Equal(out.PkScript, offerer.wallet.script(2)):
			offerOut = out.Value
		case bytes.Equal(out.PkScript, accepter.wallet.script(2)):
			acceptOut = out.Value
		}
	}
	require.EqualValues(t, 50000, offerOut)
	require.EqualValues(t, 50000, acceptOut)
}

func TestFundingReorgRollsBackToSigned(t *testing.T) {
	ctx := context.Background()
	offerer, _, temp, _, _ := runHandshake(t)

	oc, err := offerer.store.GetContract(temp[:])
	require.NoError(t, err)
	fundingTxid := oc.FundingTx.TxHash()

	offerer.chain.setConfs(fundingTxid, 6)
	require.NoError(t, offerer.mgr.PeriodicCheck(ctx, false))
	oc, _ = offerer.store.GetContract(temp[:])
	require.Equal(t, dlc.StateConfirmed, oc.State)

	// The confirming blocks are reorged away: Confirmed -> Signed.
	offerer.chain.setConfs(fundingTxid, 0)
	require.NoError(t, offerer.mgr.PeriodicCheck(ctx, false))
	oc, _ = offerer.store.GetContract(temp[:])
	require.Equal(t, dlc.StateSigned, oc.State)

	// Re-confirmation recovers without duplicate side effects.
	offerer.chain.setConfs(fundingTxid, 6)
	require.NoError(t, offerer.mgr.PeriodicCheck(ctx, false))
	oc, _ = offerer.store.GetContract(temp[:])
	require.Equal(t, dlc.StateConfirmed, oc.State)
	require.Equal(t, 0, offerer.chain.broadcastCount())
}

func TestRejectOfferReleasesAndDeletes(t *testing.T) {
	ctx := context.Background()

	var oseed, nseed [32]byte
	for i := range oseed {
		oseed[i], nseed[i] = 0x51, 0x52
	}
	oraclePriv, _ := btcec.PrivKeyFromBytes(oseed[:])
	noncePriv, _ := btcec.PrivKeyFromBytes(nseed[:])
	ann := testAnnouncement(oraclePriv, noncePriv)

	orc := newFakeOracle()
	orc.anns[testEventID] = &ann

	offerer := newHarness(t, 0x01, orc)
	accepter := newHarness(t, 0x02, orc)

	c, err := offerer.mgr.SendOffer(ctx, enumContractInput(ann), accepter.peerKey.PubKey())
	require.NoError(t, err)
	offerMsg := offerer.transport.drain()[0].(*dlcwire.Offer)
	require.NoError(t, accepter.mgr.handleOffer(ctx, offerer.peerKey.PubKey(), offerMsg))

	require.NoError(t, accepter.mgr.RejectOffer(ctx, c.TempID, "not interested"))
	_, err = accepter.store.GetContract(c.TempID[:])
	require.Error(t, err)

	rejectMsg := accepter.transport.drain()[0].(*dlcwire.Reject)
	require.NoError(t, offerer.mgr.handleRemoteReject(ctx, rejectMsg))

	oc, err := offerer.store.GetContract(c.TempID[:])
	require.NoError(t, err)
	require.Equal(t, dlc.StateRejected, oc.State)
	require.Equal(t, 1, offerer.wallet.released)
}

func TestHandleAcceptRejectsBadAdaptorSigs(t *testing.T) {
	ctx := context.Background()

	var oseed, nseed [32]byte
	for i := range oseed {
		oseed[i], nseed[i] = 0x51, 0x52
	}
	oraclePriv, _ := btcec.PrivKeyFromBytes(oseed[:])
	noncePriv, _ := btcec.PrivKeyFromBytes(nseed[:])
	ann := testAnnouncement(oraclePriv, noncePriv)

	orc := newFakeOracle()
	orc.anns[testEventID] = &ann

	offerer := newHarness(t, 0x01, orc)
	accepter := newHarness(t, 0x02, orc)

	c, err := offerer.mgr.SendOffer(ctx, enumContractInput(ann), accepter.peerKey.PubKey())
	require.NoError(t, err)
	offerMsg := offerer.transport.drain()[0].(*dlcwire.Offer)
	require.NoError(t, accepter.mgr.handleOffer(ctx, offerer.peerKey.PubKey(), offerMsg))
	_, err = accepter.mgr.AcceptOffer(ctx, c.TempID)
	require.NoError(t, err)
	acceptMsg := accepter.transport.drain()[0].(*dlcwire.Accept)

	// Corrupt one adaptor signature before the offerer sees it.
	for path, sig := range acceptMsg.CetAdaptorSigs {
		sig[40] ^= 0xff
		acceptMsg.CetAdaptorSigs[path] = sig
		break
	}

	err = offerer.mgr.handleAccept(ctx, accepter.peerKey.PubKey(), acceptMsg)
	require.Error(t, err)

	oc, err := offerer.store.GetContract(c.TempID[:])
	require.NoError(t, err)
	require.Equal(t, dlc.StateFailedSign, oc.State)
	require.Equal(t, 1, offerer.wallet.released)
	require.Empty(t, offerer.transport.drain())
}

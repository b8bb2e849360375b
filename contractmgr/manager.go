// Package contractmgr drives the contract and channel state machines
// spec.md §3/§4.6 describes: the offer → accept → sign → confirmed →
// closed lifecycle, plus the channel settle/renew/close variants, across
// asynchronous peer messaging, blockchain confirmation, oracle
// attestation, and persistent storage.
//
// Grounded on the teacher's contractcourt package (chain-event-driven
// contract resolution) and htlcswitch/peer.go's per-link state handling:
// the same per-item serialized locking and storage-write-before-message
// ordering, generalized from HTLC resolution across a payment channel to
// a DLC's own linear offer/accept/sign/close lifecycle, which has no
// multi-hop forwarding or circuit concept to carry over.
package contractmgr

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dlcd-io/dlcd/chainmonitor"
	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
	"github.com/dlcd-io/dlcd/dlcwire"
	"github.com/dlcd-io/dlcd/revocation"
	"github.com/dlcd-io/dlcd/sweep"
	"github.com/dlcd-io/dlcd/txbuilder"
)

// Config collects every collaborator and tunable the manager needs, per
// spec.md §6's boundary list plus §6's configuration knobs.
type Config struct {
	Wallet     Wallet
	Storage    Storage
	Blockchain Blockchain
	Oracle     OracleClient
	Transport  PeerTransport

	// FundingConfirmations is the depth (default 6) at which a Signed
	// contract's funding transaction moves it to Confirmed.
	FundingConfirmations int32

	// CetReorgDepth is the confirmation depth at which a PreClosed
	// contract's broadcast CET moves it to Closed. A PreClosed contract
	// reverts to Confirmed as soon as its CET is seen neither on chain nor
	// in the mempool; a CET that stays unconfirmed in the mempool keeps the
	// contract PreClosed with no time bound.
	CetReorgDepth int32

	// RefundSafetyBlocks is the Δ_safety margin: a Signed contract whose
	// funding hasn't confirmed by refund_locktime - RefundSafetyBlocks
	// is surfaced as ExpiredBeforeFunding.
	RefundSafetyBlocks int32

	// PeriodicCheckInterval paces the background periodic_check loop
	// Start launches; PeriodicCheck can always be invoked directly
	// (e.g. by a test or CLI) regardless of this setting.
	PeriodicCheckInterval time.Duration

	// MetricsRegisterer is the prometheus registry metrics are
	// registered against; defaults to prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer

	// BroadcastRetryBase and BroadcastRetryCap bound the exponential
	// backoff sweep.Scheduler applies between repeated broadcast
	// attempts of the same funding/CET/refund transaction, per spec.md
	// §7's "exponential backoff with jitter up to a configured cap."
	BroadcastRetryBase time.Duration
	BroadcastRetryCap  time.Duration

	// OnContractUpdate, when non-nil, is invoked after every durable
	// contract write, with the contract as persisted. Used by the admin
	// API's websocket stream; must not block.
	OnContractUpdate func(*dlc.Contract)
}

// Manager is the contract/channel state machine described above.
type Manager struct {
	cfg     Config
	metrics *metrics
	monitor *chainmonitor.Monitor

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	reservationsMu sync.Mutex
	reservations   map[string]ReservationHandle

	// channelRevocationMu guards producers/stores, the per-channel
	// revocation bookkeeping a DLC channel's settle/renew handshake
	// needs. Held in memory rather than persisted storage: the spec
	// marks the channel extension "only minimally specified" (see
	// DESIGN.md), so a restart losing in-flight revocation state is an
	// accepted simplification rather than a durability guarantee.
	channelRevocationMu sync.Mutex
	producers           map[dlc.ChannelID]*revocation.Producer
	stores              map[dlc.ChannelID]*revocation.Store

	// pendingChannelsMu guards pendingChannels, the in-memory record of a
	// channel still mid open-handshake (Offered/Accepted/Signed): it has
	// no ChannelID yet (that's only derivable once the funding txid is
	// known, at Sign time), so it can't be addressed through Storage's
	// GetChannel/PutChannel the way an Established channel is.
	pendingChannelsMu sync.Mutex
	pendingChannels   map[dlc.TempContractID]*dlc.DLCChannel

	pendingRenewMu sync.Mutex
	pendingRenews  map[dlc.ChannelID]*pendingRenew

	ticker ticker.Ticker

	broadcastSched *sweep.Scheduler

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewManager constructs a Manager from cfg, applying defaults for any
// zero-valued tunable the way the teacher's NewChannelArbitrator does for
// its Config.
func NewManager(cfg Config) *Manager {
	if cfg.FundingConfirmations == 0 {
		cfg.FundingConfirmations = 6
	}
	if cfg.CetReorgDepth == 0 {
		cfg.CetReorgDepth = 6
	}
	if cfg.RefundSafetyBlocks == 0 {
		cfg.RefundSafetyBlocks = 144
	}
	if cfg.PeriodicCheckInterval == 0 {
		cfg.PeriodicCheckInterval = time.Minute
	}
	if cfg.BroadcastRetryBase == 0 {
		cfg.BroadcastRetryBase = 5 * time.Second
	}
	if cfg.BroadcastRetryCap == 0 {
		cfg.BroadcastRetryCap = 10 * time.Minute
	}

	m := newMetrics()
	if cfg.MetricsRegisterer != nil {
		m.register(cfg.MetricsRegisterer)
	} else {
		m.register(prometheus.DefaultRegisterer)
	}

	return &Manager{
		cfg:           cfg,
		metrics:       m,
		monitor:       chainmonitor.New(cfg.Blockchain),
		locks:         make(map[string]*sync.Mutex),
		reservations:  make(map[string]ReservationHandle),
		producers:       make(map[dlc.ChannelID]*revocation.Producer),
		stores:          make(map[dlc.ChannelID]*revocation.Store),
		pendingChannels: make(map[dlc.TempContractID]*dlc.DLCChannel),
		pendingRenews:   make(map[dlc.ChannelID]*pendingRenew),
		ticker:        ticker.New(cfg.PeriodicCheckInterval),
		broadcastSched: sweep.NewScheduler(cfg.BroadcastRetryBase, cfg.BroadcastRetryCap),
		quit:          make(chan struct{}),
	}
}

// putContract persists c, then publishes the update to any registered
// observer. The storage write stays the linearisation point: observers only
// ever see states that have already been durably written.
func (m *Manager) putContract(c *dlc.Contract) error {
	if err := m.cfg.Storage.PutContract(c); err != nil {
		return err
	}
	if m.cfg.OnContractUpdate != nil {
		m.cfg.OnContractUpdate(c)
	}
	return nil
}

func (m *Manager) rememberReservation(temp dlc.TempContractID, handle ReservationHandle) {
	m.reservationsMu.Lock()
	defer m.reservationsMu.Unlock()
	m.reservations[temp.String()] = handle
}

func (m *Manager) forgetReservation(temp dlc.TempContractID) (ReservationHandle, bool) {
	m.reservationsMu.Lock()
	defer m.reservationsMu.Unlock()
	h, ok := m.reservations[temp.String()]
	if ok {
		delete(m.reservations, temp.String())
	}
	return h, ok
}

// Start launches the background periodic_check loop.
func (m *Manager) Start() error {
	m.ticker.Resume()
	m.wg.Add(1)
	go m.tickLoop()
	return nil
}

// Stop halts the background loop and waits for it to exit.
func (m *Manager) Stop() error {
	close(m.quit)
	m.ticker.Stop()
	m.wg.Wait()
	return nil
}

func (m *Manager) tickLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ticker.Ticks():
			if err := m.PeriodicCheck(context.Background(), false); err != nil {
				log.Errorf("periodic_check failed: %v", err)
			}
		case <-m.quit:
			return
		}
	}
}

// contractLock returns the serialization lock for a contract identified
// by temp, creating it on first use. Every state transition for a given
// contract runs under this lock, per spec.md §5's per-contract
// serialization requirement.
func (m *Manager) contractLock(temp dlc.TempContractID) *sync.Mutex {
	key := temp.String()
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// SendOffer builds party parameters via the wallet, persists a new
// contract in the Offered state, and emits an Offer message to
// counterparty, per spec.md §4.6's "Offer creation (offer party)".
func (m *Manager) SendOffer(ctx context.Context, input *dlc.ContractInput, counterparty *btcec.PublicKey) (*dlc.Contract, error) {
	if err := validateContractInput(input); err != nil {
		return nil, err
	}

	temp, err := dlc.NewTempContractID()
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindInternal, err)
	}

	lock := m.contractLock(temp)
	lock.Lock()
	defer lock.Unlock()

	params, handle, err := m.reserveParams(ctx, input.OfferCollateral, input.FeeRateSatPerVb)
	if err != nil {
		return nil, err
	}
	m.rememberReservation(temp, handle)

	c := &dlc.Contract{
		TempID:             temp,
		CounterpartyPubKey: counterparty,
		IsOfferer:          true,
		OfferCollateral:    input.OfferCollateral,
		AcceptCollateral:   input.AcceptCollateral,
		FeeRateSatPerVb:    input.FeeRateSatPerVb,
		CetLockTime:        input.CetLockTime,
		RefundLockTime:     input.RefundLockTime,
		ContractInfo:       input.ContractInfo,
		State:              dlc.StateOffered,
		OfferParams:        params,
	}

	if err := m.putContract(c); err != nil {
		return nil, err
	}

	offer := &dlcwire.Offer{
		TempContractID:   temp,
		ContractInfo:     input.ContractInfo,
		OfferCollateral:  input.OfferCollateral,
		AcceptCollateral: input.AcceptCollateral,
		FeeRateSatPerVb:  input.FeeRateSatPerVb,
		CetLockTime:      input.CetLockTime,
		RefundLockTime:   input.RefundLockTime,
		FundingPubKey:    params.FundingPubKey,
		ChangeScript:     params.ChangeScript,
		PayoutScript:     params.PayoutScript,
		FundingInputs:    params.FundingInputs,
		ChangeSerialID:   params.ChangeSerialID,
		PayoutSerialID:   params.PayoutSerialID,
	}
	if err := m.cfg.Transport.SendTo(counterparty, offer); err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("offer_sent").Inc()
	return c, nil
}

// reserveParams is the common "build one side's PartyParams via the
// wallet" step SendOffer and the Accept path both need.
func (m *Manager) reserveParams(ctx context.Context, collateral, feeRate btcutil.Amount) (*dlc.PartyParams, ReservationHandle, error) {
	pub, err := m.cfg.Wallet.GetNewFundingPubKey(ctx)
	if err != nil {
		return nil, nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}
	changeScript, err := m.cfg.Wallet.GetChangeScript(ctx)
	if err != nil {
		return nil, nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}
	payoutScript, err := m.cfg.Wallet.GetPayoutScript(ctx)
	if err != nil {
		return nil, nil, dlcerrors.Wrap(dlcerrors.KindWalletError, err)
	}

	// feeBudget is a conservative per-party reservation buffer: the
	// exact split is only known once both parties' input counts are
	// fixed at BuildFunding time, so over-reserve by a round-number
	// vbyte estimate rather than under-reserving and failing later.
	const feeBudgetVbytes = 150
	feeBudget := feeRate * feeBudgetVbytes

	inputs, handle, err := m.cfg.Wallet.ReserveUTXOs(ctx, collateral+feeBudget)
	if err != nil {
		return nil, nil, dlcerrors.Wrap(dlcerrors.KindInsufficientFunds, err)
	}

	return &dlc.PartyParams{
		FundingPubKey:  pub,
		ChangeScript:   changeScript,
		PayoutScript:   payoutScript,
		FundingInputs:  inputs,
		Collateral:     collateral,
		ChangeSerialID: randSerialID(),
		PayoutSerialID: randSerialID(),
	}, handle, nil
}

// HandleMessage implements transport.MessageHandler, dispatching each
// decoded wire message to its handler by dynamic type.
func (m *Manager) HandleMessage(peer *btcec.PublicKey, msg dlcwire.Message) {
	var err error
	switch v := msg.(type) {
	case *dlcwire.Offer:
		err = m.handleOffer(context.Background(), peer, v)
	case *dlcwire.Accept:
		err = m.handleAccept(context.Background(), peer, v)
	case *dlcwire.Sign:
		err = m.handleSign(context.Background(), peer, v)
	case *dlcwire.Reject:
		err = m.handleRemoteReject(context.Background(), v)
	case *dlcwire.OfferChannel:
		err = m.handleOfferChannel(context.Background(), peer, v)
	case *dlcwire.AcceptChannel:
		err = m.handleAcceptChannel(context.Background(), peer, v)
	case *dlcwire.SignChannel:
		err = m.handleSignChannel(context.Background(), peer, v)
	case *dlcwire.SettleOffer:
		err = m.handleSettleOffer(context.Background(), peer, v)
	case *dlcwire.SettleAccept:
		err = m.handleSettleAccept(context.Background(), peer, v)
	case *dlcwire.SettleConfirm:
		err = m.handleSettleConfirm(context.Background(), peer, v)
	case *dlcwire.SettleFinalize:
		err = m.handleSettleFinalize(context.Background(), peer, v)
	case *dlcwire.RenewOffer:
		err = m.handleRenewOffer(context.Background(), peer, v)
	case *dlcwire.RenewAccept:
		err = m.handleRenewAccept(context.Background(), peer, v)
	case *dlcwire.RenewConfirm:
		err = m.handleRenewConfirm(context.Background(), peer, v)
	case *dlcwire.RenewFinalize:
		err = m.handleRenewFinalize(context.Background(), peer, v)
	case *dlcwire.RenewRevoke:
		err = m.handleRenewRevoke(context.Background(), peer, v)
	case *dlcwire.CollaborativeCloseOffer:
		err = m.handleCollaborativeCloseOffer(context.Background(), peer, v)
	default:
		log.Warnf("unhandled message type from %x: %T", peer.SerializeCompressed(), msg)
		return
	}
	if err != nil {
		log.Errorf("handling %T from %x: %v", msg, peer.SerializeCompressed(), err)
	}
}

// HandleDisconnect implements transport.MessageHandler. The manager keeps
// no per-connection state of its own (every contract's state lives in
// storage), so a disconnect requires no action beyond logging; the next
// periodic_check or peer reconnection picks up where the protocol left
// off.
func (m *Manager) HandleDisconnect(peer *btcec.PublicKey) {
	log.Infof("peer %x disconnected", peer.SerializeCompressed())
}

// AcceptOffer accepts a previously received, stored Offered contract: it
// builds this party's params, deterministically computes the funding
// transaction, CET set, and refund transaction, signs every CET adaptor
// signature and the refund signature, and emits Accept, per spec.md §4.6's
// "Accept (accept party)". Its own funding inputs are signed later, in
// handleSign.
func (m *Manager) AcceptOffer(ctx context.Context, temp dlc.TempContractID) (*dlc.Contract, error) {
	lock := m.contractLock(temp)
	lock.Lock()
	defer lock.Unlock()

	c, err := m.cfg.Storage.GetContract(temp[:])
	if err != nil {
		return nil, err
	}
	if c.IsOfferer || c.State != dlc.StateOffered {
		return nil, dlcerrors.ErrBadStateTransition
	}

	acceptParams, handle, err := m.reserveParams(ctx, c.AcceptCollateral, c.FeeRateSatPerVb)
	if err != nil {
		return nil, err
	}

	outcomes, err := buildOutcomes(&c.ContractInfo, c.TotalCollateral())
	if err != nil {
		m.cfg.Wallet.Release(ctx, handle)
		return nil, err
	}

	fundingTx, redeemScript, err := txbuilder.BuildFunding(c.OfferParams, acceptParams, c.TotalCollateral(), c.FeeRateSatPerVb)
	if err != nil {
		m.cfg.Wallet.Release(ctx, handle)
		return nil, m.failAccept(ctx, c, err)
	}
	fundingOutpoint, fundingAmt, err := txbuilder.FundingTxOut(fundingTx, redeemScript)
	if err != nil {
		m.cfg.Wallet.Release(ctx, handle)
		return nil, m.failAccept(ctx, c, err)
	}

	cets, err := buildCETsForOutcomes(fundingOutpoint, c.OfferParams, acceptParams, outcomes, c.CetLockTime, c.FeeRateSatPerVb)
	if err != nil {
		m.cfg.Wallet.Release(ctx, handle)
		return nil, m.failAccept(ctx, c, err)
	}
	refundTx, err := txbuilder.BuildRefund(fundingOutpoint, c.OfferParams, acceptParams, c.RefundLockTime)
	if err != nil {
		m.cfg.Wallet.Release(ctx, handle)
		return nil, m.failAccept(ctx, c, err)
	}

	ownAdaptorSigs, err := m.signCETs(ctx, acceptParams.FundingPubKey, fundingAmt, cets, outcomes, redeemScript)
	if err != nil {
		m.cfg.Wallet.Release(ctx, handle)
		return nil, m.failAccept(ctx, c, err)
	}
	ownRefundSig, err := m.signRefund(ctx, acceptParams.FundingPubKey, refundTx, fundingAmt, redeemScript)
	if err != nil {
		m.cfg.Wallet.Release(ctx, handle)
		return nil, m.failAccept(ctx, c, err)
	}

	fundingID := fundingTx.TxHash()
	id := dlc.DeriveContractID(fundingID, temp)

	c.ID = &id
	c.AcceptParams = acceptParams
	c.FundingTx = fundingTx
	c.Cets = cets
	c.RefundTx = refundTx
	c.OwnAdaptorSigs = ownAdaptorSigs
	c.OwnRefundSig = ownRefundSig
	c.State = dlc.StateAccepted

	if err := m.putContract(c); err != nil {
		m.cfg.Wallet.Release(ctx, handle)
		return nil, err
	}
	m.rememberReservation(temp, handle)

	accept := &dlcwire.Accept{
		TempContractID: temp,
		FundingPubKey:  acceptParams.FundingPubKey,
		ChangeScript:   acceptParams.ChangeScript,
		PayoutScript:   acceptParams.PayoutScript,
		FundingInputs:  acceptParams.FundingInputs,
		ChangeSerialID: acceptParams.ChangeSerialID,
		PayoutSerialID: acceptParams.PayoutSerialID,
		CetAdaptorSigs: ownAdaptorSigs,
		RefundSig:      ownRefundSig,
	}
	if err := m.cfg.Transport.SendTo(c.CounterpartyPubKey, accept); err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("accept_sent").Inc()
	return c, nil
}

// RejectOffer rejects a still-Offered contract: it emits Reject, releases
// any UTXO reservation, and deletes the contract from storage, per
// spec.md §3's "deleted only by explicit reject of an offer".
func (m *Manager) RejectOffer(ctx context.Context, temp dlc.TempContractID, reason string) error {
	lock := m.contractLock(temp)
	lock.Lock()
	defer lock.Unlock()

	c, err := m.cfg.Storage.GetContract(temp[:])
	if err != nil {
		return err
	}
	if c.State != dlc.StateOffered {
		return dlcerrors.ErrBadStateTransition
	}

	if handle, ok := m.forgetReservation(temp); ok {
		m.cfg.Wallet.Release(ctx, handle)
	}
	if err := m.cfg.Storage.DeleteContract(temp[:]); err != nil {
		return err
	}

	reject := &dlcwire.Reject{TempContractID: temp, Reason: reason}
	if err := m.cfg.Transport.SendTo(c.CounterpartyPubKey, reject); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	return nil
}

// handleOffer stores a freshly received Offer as a new Offered contract,
// leaving the decision to accept or reject to the caller (CLI or other
// driver) via AcceptOffer/RejectOffer.
func (m *Manager) handleOffer(ctx context.Context, peer *btcec.PublicKey, o *dlcwire.Offer) error {
	lock := m.contractLock(o.TempContractID)
	lock.Lock()
	defer lock.Unlock()

	if err := validateContractInput(&dlc.ContractInput{
		OfferCollateral:  o.OfferCollateral,
		AcceptCollateral: o.AcceptCollateral,
		FeeRateSatPerVb:  o.FeeRateSatPerVb,
		CetLockTime:      o.CetLockTime,
		RefundLockTime:   o.RefundLockTime,
		ContractInfo:     o.ContractInfo,
	}); err != nil {
		return err
	}

	c := &dlc.Contract{
		TempID:             o.TempContractID,
		CounterpartyPubKey: peer,
		IsOfferer:          false,
		OfferCollateral:    o.OfferCollateral,
		AcceptCollateral:   o.AcceptCollateral,
		FeeRateSatPerVb:    o.FeeRateSatPerVb,
		CetLockTime:        o.CetLockTime,
		RefundLockTime:     o.RefundLockTime,
		ContractInfo:       o.ContractInfo,
		State:              dlc.StateOffered,
		OfferParams: &dlc.PartyParams{
			FundingPubKey:  o.FundingPubKey,
			ChangeScript:   o.ChangeScript,
			PayoutScript:   o.PayoutScript,
			FundingInputs:  o.FundingInputs,
			Collateral:     o.OfferCollateral,
			ChangeSerialID: o.ChangeSerialID,
			PayoutSerialID: o.PayoutSerialID,
		},
	}

	m.metrics.messagesHandled.WithLabelValues("offer").Inc()
	return m.putContract(c)
}

// handleAccept is the offer party's reaction to a received Accept: it
// recomputes the funding/CET/refund set deterministically, verifies every
// adaptor signature and the refund signature, signs its own side, and
// emits Sign, per spec.md §4.6's "Sign (offer party)".
func (m *Manager) handleAccept(ctx context.Context, peer *btcec.PublicKey, a *dlcwire.Accept) error {
	lock := m.contractLock(a.TempContractID)
	lock.Lock()
	defer lock.Unlock()

	c, err := m.cfg.Storage.GetContract(a.TempContractID[:])
	if err != nil {
		return err
	}
	if !c.IsOfferer || c.State != dlc.StateOffered {
		return dlcerrors.ErrBadStateTransition
	}

	acceptParams := &dlc.PartyParams{
		FundingPubKey:  a.FundingPubKey,
		ChangeScript:   a.ChangeScript,
		PayoutScript:   a.PayoutScript,
		FundingInputs:  a.FundingInputs,
		Collateral:     c.AcceptCollateral,
		ChangeSerialID: a.ChangeSerialID,
		PayoutSerialID: a.PayoutSerialID,
	}

	outcomes, err := buildOutcomes(&c.ContractInfo, c.TotalCollateral())
	if err != nil {
		return err
	}

	fundingTx, redeemScript, err := txbuilder.BuildFunding(c.OfferParams, acceptParams, c.TotalCollateral(), c.FeeRateSatPerVb)
	if err != nil {
		return m.failSign(ctx, c, err)
	}
	fundingOutpoint, fundingAmt, err := txbuilder.FundingTxOut(fundingTx, redeemScript)
	if err != nil {
		return m.failSign(ctx, c, err)
	}
	cets, err := buildCETsForOutcomes(fundingOutpoint, c.OfferParams, acceptParams, outcomes, c.CetLockTime, c.FeeRateSatPerVb)
	if err != nil {
		return m.failSign(ctx, c, err)
	}
	refundTx, err := txbuilder.BuildRefund(fundingOutpoint, c.OfferParams, acceptParams, c.RefundLockTime)
	if err != nil {
		return m.failSign(ctx, c, err)
	}

	if err := m.verifyCETSigs(acceptParams.FundingPubKey, fundingAmt, cets, outcomes, redeemScript, a.CetAdaptorSigs); err != nil {
		return m.failSign(ctx, c, err)
	}
	refundSigHash, err := txbuilder.CETSigHash(refundTx, fundingAmt, redeemScript)
	if err != nil {
		return m.failSign(ctx, c, err)
	}
	if err := verifySchnorr(acceptParams.FundingPubKey, refundSigHash, a.RefundSig); err != nil {
		return m.failSign(ctx, c, dlcerrors.Wrap(dlcerrors.KindInvalidSignature, err))
	}

	ownAdaptorSigs, err := m.signCETs(ctx, c.OfferParams.FundingPubKey, fundingAmt, cets, outcomes, redeemScript)
	if err != nil {
		return m.failSign(ctx, c, err)
	}
	ownRefundSig, err := m.signRefund(ctx, c.OfferParams.FundingPubKey, refundTx, fundingAmt, redeemScript)
	if err != nil {
		return m.failSign(ctx, c, err)
	}

	handle, haveReservation := m.forgetReservation(c.TempID)
	if !haveReservation {
		return m.failSign(ctx, c, dlcerrors.New(dlcerrors.KindInternal, "missing funding reservation for offerer"))
	}
	packet, err := newFundingPacket(fundingTx, append(append([]dlc.FundingInput(nil), c.OfferParams.FundingInputs...), acceptParams.FundingInputs...))
	if err != nil {
		return m.failSign(ctx, c, err)
	}
	signedPacket, err := m.cfg.Wallet.SignFundingPSBT(ctx, packet, handle)
	if err != nil {
		return m.failSign(ctx, c, dlcerrors.Wrap(dlcerrors.KindWalletError, err))
	}
	ownWitnesses, err := extractOwnWitnesses(signedPacket, fundingTx, c.OfferParams.FundingInputs)
	if err != nil {
		return m.failSign(ctx, c, err)
	}

	fundingID := fundingTx.TxHash()
	id := dlc.DeriveContractID(fundingID, c.TempID)

	c.ID = &id
	c.AcceptParams = acceptParams
	c.FundingTx = fundingTx
	c.Cets = cets
	c.RefundTx = refundTx
	c.OwnAdaptorSigs = ownAdaptorSigs
	c.OwnRefundSig = ownRefundSig
	c.CounterpartyAdaptorSigs = a.CetAdaptorSigs
	c.CounterpartyRefundSig = a.RefundSig
	c.State = dlc.StateSigned

	if err := m.putContract(c); err != nil {
		return err
	}

	sign := &dlcwire.Sign{
		TempContractID:   c.TempID,
		FundingTxid:      chainhash.Hash(fundingID),
		CetAdaptorSigs:   ownAdaptorSigs,
		RefundSig:        ownRefundSig,
		FundingWitnesses: ownWitnesses,
	}
	if err := m.cfg.Transport.SendTo(peer, sign); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("accept").Inc()
	return nil
}

// handleSign is the accept party's reaction to a received Sign: it
// verifies the offer party's adaptor signatures and refund signature,
// signs its own funding inputs, completes the funding PSBT with the offer
// party's funding witnesses, persists as Signed, and broadcasts, per
// spec.md §4.6's "Finalize (accept party)". The offer party's funding
// witnesses are applied as received; they are not script-verified.
func (m *Manager) handleSign(ctx context.Context, peer *btcec.PublicKey, s *dlcwire.Sign) error {
	lock := m.contractLock(s.TempContractID)
	lock.Lock()
	defer lock.Unlock()

	c, err := m.cfg.Storage.GetContract(s.TempContractID[:])
	if err != nil {
		return err
	}
	if c.IsOfferer || c.State != dlc.StateAccepted {
		return dlcerrors.ErrBadStateTransition
	}

	fundingID := c.FundingTx.TxHash()
	if fundingID != chainhash.Hash(s.FundingTxid) {
		return m.failSign(ctx, c, dlcerrors.New(dlcerrors.KindInvalidParameter, "Sign funding txid does not match locally built funding transaction"))
	}

	outcomes, err := buildOutcomes(&c.ContractInfo, c.TotalCollateral())
	if err != nil {
		return err
	}
	redeemScript, err := txbuilder.FundingRedeemScript(c.OfferParams.FundingPubKey, c.AcceptParams.FundingPubKey)
	if err != nil {
		return err
	}
	_, fundingAmt, err := txbuilder.FundingTxOut(c.FundingTx, redeemScript)
	if err != nil {
		return err
	}
	if err := m.verifyCETSigs(c.OfferParams.FundingPubKey, fundingAmt, c.Cets, outcomes, redeemScript, s.CetAdaptorSigs); err != nil {
		return m.failSign(ctx, c, err)
	}
	refundSigHash, err := txbuilder.CETSigHash(c.RefundTx, fundingAmt, redeemScript)
	if err != nil {
		return err
	}
	if err := verifySchnorr(c.OfferParams.FundingPubKey, refundSigHash, s.RefundSig); err != nil {
		return m.failSign(ctx, c, dlcerrors.Wrap(dlcerrors.KindInvalidSignature, err))
	}

	handle, haveReservation := m.forgetReservation(c.TempID)
	if !haveReservation {
		return m.failSign(ctx, c, dlcerrors.New(dlcerrors.KindInternal, "missing funding reservation for accepter"))
	}
	allInputs := append(append([]dlc.FundingInput(nil), c.OfferParams.FundingInputs...), c.AcceptParams.FundingInputs...)
	workingTx := copyTx(c.FundingTx)
	packet, err := newFundingPacket(workingTx, allInputs)
	if err != nil {
		return m.failSign(ctx, c, err)
	}
	signedPacket, err := m.cfg.Wallet.SignFundingPSBT(ctx, packet, handle)
	if err != nil {
		return m.failSign(ctx, c, dlcerrors.Wrap(dlcerrors.KindWalletError, err))
	}
	if err := applyCounterpartyWitnesses(signedPacket, workingTx, c.OfferParams.FundingInputs, s.FundingWitnesses); err != nil {
		return m.failSign(ctx, c, err)
	}
	finalTx, err := finalizeFunding(signedPacket)
	if err != nil {
		return m.failSign(ctx, c, err)
	}

	c.FundingTx = finalTx
	c.CounterpartyAdaptorSigs = s.CetAdaptorSigs
	c.CounterpartyRefundSig = s.RefundSig
	c.State = dlc.StateSigned

	if err := m.putContract(c); err != nil {
		return err
	}

	if err := m.cfg.Blockchain.Broadcast(ctx, finalTx); err != nil {
		log.Errorf("broadcasting funding tx %v failed, will retry on periodic_check: %v", fundingID, err)
	}

	m.metrics.messagesHandled.WithLabelValues("sign").Inc()
	return nil
}

// handleRemoteReject processes a counterparty's Reject of our offer.
func (m *Manager) handleRemoteReject(ctx context.Context, r *dlcwire.Reject) error {
	lock := m.contractLock(r.TempContractID)
	lock.Lock()
	defer lock.Unlock()

	c, err := m.cfg.Storage.GetContract(r.TempContractID[:])
	if err != nil {
		return err
	}
	if handle, ok := m.forgetReservation(r.TempContractID); ok {
		m.cfg.Wallet.Release(ctx, handle)
	}
	c.State = dlc.StateRejected
	c.FailureKind = "Rejected"
	c.FailureMsg = r.Reason
	return m.putContract(c)
}

func (m *Manager) failAccept(ctx context.Context, c *dlc.Contract, cause error) error {
	return m.fail(ctx, c, dlc.StateFailedAccept, cause)
}

func (m *Manager) failSign(ctx context.Context, c *dlc.Contract, cause error) error {
	return m.fail(ctx, c, dlc.StateFailedSign, cause)
}

func (m *Manager) fail(ctx context.Context, c *dlc.Contract, state dlc.State, cause error) error {
	if handle, ok := m.forgetReservation(c.TempID); ok {
		m.cfg.Wallet.Release(ctx, handle)
	}
	c.State = state
	if kinded, ok := cause.(*dlcerrors.Error); ok {
		c.FailureKind = kinded.Kind.String()
	} else {
		c.FailureKind = dlcerrors.KindInternal.String()
	}
	c.FailureMsg = cause.Error()
	if err := m.putContract(c); err != nil {
		log.Errorf("persisting %v failure for contract %v: %v", state, c.TempID, err)
	}
	return cause
}

// validateContractInput checks spec.md §3's conservation invariant:
// offer collateral + accept collateral must equal every outcome's payout
// sum, for enumerated contracts, and fall within the payout function's
// clamped range for numeric ones (checked at Build time instead, since
// the function is evaluated lazily).
func validateContractInput(input *dlc.ContractInput) error {
	if input.OfferCollateral < 0 || input.AcceptCollateral < 0 {
		return dlcerrors.New(dlcerrors.KindInvalidParameter, "collaterals must be non-negative")
	}
	total := input.TotalCollateral()

	if input.ContractInfo.Kind == dlc.ContractInfoEnumKind {
		for _, o := range input.ContractInfo.Enum.Outcomes {
			if o.OfferPayout+o.AcceptPayout != total {
				return dlcerrors.New(dlcerrors.KindInvalidParameter,
					"outcome payout sum does not equal total collateral")
			}
		}
	}
	return nil
}

func randSerialID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

// verifySchnorr checks a plain (non-adaptor) BIP-340 signature produced by
// SignRefund/SignChannelUpdate: a 64-byte signature over sighash with
// SigHashDefault, no appended hash-type byte.
func verifySchnorr(pub *btcec.PublicKey, sighash [32]byte, sig []byte) error {
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return dlcerrors.Wrap(dlcerrors.KindInvalidSignature, err)
	}
	if !parsed.Verify(sighash[:], pub) {
		return dlcerrors.New(dlcerrors.KindInvalidSignature, "refund signature does not verify")
	}
	return nil
}

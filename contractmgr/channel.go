package contractmgr

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
	"github.com/dlcd-io/dlcd/dlcwire"
	"github.com/dlcd-io/dlcd/revocation"
	"github.com/dlcd-io/dlcd/txbuilder"
)

// pendingRenew tracks a renew handshake in progress for a channel: the
// proposed sub-contract and its buffer transaction, accumulated across
// RenewOffer/RenewAccept/RenewConfirm before either side commits it as the
// channel's new live state in RenewConfirm/RenewFinalize.
type pendingRenew struct {
	updateIndex      uint64
	contractInfo     dlc.ContractInfo
	offerCollateral  btcutil.Amount
	acceptCollateral btcutil.Amount
	cetLockTime      uint32

	ownPoint          *btcec.PublicKey
	counterpartyPoint *btcec.PublicKey

	bufferTx           *wire.MsgTx
	bufferOutpoint     wire.OutPoint
	bufferRedeemScript []byte

	offerParams  *dlc.PartyParams
	acceptParams *dlc.PartyParams

	outcomes []outcome
	cets     []dlc.CET

	ownAdaptorSigs          map[string]dlc.AdaptorSignature
	counterpartyAdaptorSigs map[string]dlc.AdaptorSignature
}

func (m *Manager) rememberPendingChannel(temp dlc.TempContractID, ch *dlc.DLCChannel) {
	m.pendingChannelsMu.Lock()
	defer m.pendingChannelsMu.Unlock()
	m.pendingChannels[temp] = ch
}

func (m *Manager) getPendingChannel(temp dlc.TempContractID) (*dlc.DLCChannel, bool) {
	m.pendingChannelsMu.Lock()
	defer m.pendingChannelsMu.Unlock()
	ch, ok := m.pendingChannels[temp]
	return ch, ok
}

func (m *Manager) forgetPendingChannel(temp dlc.TempContractID) {
	m.pendingChannelsMu.Lock()
	defer m.pendingChannelsMu.Unlock()
	delete(m.pendingChannels, temp)
}

func (m *Manager) rememberPendingRenew(id dlc.ChannelID, pr *pendingRenew) {
	m.pendingRenewMu.Lock()
	defer m.pendingRenewMu.Unlock()
	m.pendingRenews[id] = pr
}

func (m *Manager) getPendingRenew(id dlc.ChannelID) (*pendingRenew, bool) {
	m.pendingRenewMu.Lock()
	defer m.pendingRenewMu.Unlock()
	pr, ok := m.pendingRenews[id]
	return pr, ok
}

func (m *Manager) forgetPendingRenew(id dlc.ChannelID) {
	m.pendingRenewMu.Lock()
	defer m.pendingRenewMu.Unlock()
	delete(m.pendingRenews, id)
}

// channelLock returns the per-channel mutex keyed by id, sharing the same
// map contractLock uses: a channel's post-open messages are serialized the
// same way a contract's are, just under a ChannelID instead of a
// TempContractID.
func (m *Manager) channelLock(id dlc.ChannelID) *sync.Mutex {
	key := "channel:" + id.String()
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// newChannelRevocation seeds a fresh Producer/Store pair for a channel still
// in its pending (pre-ChannelID) phase, keyed by dlc.ChannelID(temp): both
// TempContractID and ChannelID are [32]byte arrays, so a temp id converts
// directly into a placeholder key good enough to survive until
// migrateChannelRevocation re-keys it once the real ChannelID is known.
func (m *Manager) newChannelRevocation(id dlc.ChannelID) (*revocation.Producer, error) {
	producer, err := revocation.NewProducer()
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindInternal, err)
	}
	m.channelRevocationMu.Lock()
	defer m.channelRevocationMu.Unlock()
	m.producers[id] = producer
	m.stores[id] = revocation.NewStore()
	return producer, nil
}

func (m *Manager) channelProducer(id dlc.ChannelID) (*revocation.Producer, bool) {
	m.channelRevocationMu.Lock()
	defer m.channelRevocationMu.Unlock()
	p, ok := m.producers[id]
	return p, ok
}

func (m *Manager) channelStore(id dlc.ChannelID) (*revocation.Store, bool) {
	m.channelRevocationMu.Lock()
	defer m.channelRevocationMu.Unlock()
	s, ok := m.stores[id]
	return s, ok
}

// migrateChannelRevocation re-keys a channel's revocation bookkeeping from
// its pending-phase key to its real ChannelID once the funding transaction
// is final, at Sign time.
func (m *Manager) migrateChannelRevocation(pendingKey, real dlc.ChannelID) {
	m.channelRevocationMu.Lock()
	defer m.channelRevocationMu.Unlock()
	if p, ok := m.producers[pendingKey]; ok {
		m.producers[real] = p
		delete(m.producers, pendingKey)
	}
	if s, ok := m.stores[pendingKey]; ok {
		m.stores[real] = s
		delete(m.stores, pendingKey)
	}
}

// channelRedeemScript rebuilds the tapscript leaf for a channel's current
// update: genFundingPkScript/multisigTapLeaf sort the two points
// lexicographically regardless of call order, so which point is "own" and
// which is "counterparty" never needs tracking against the channel's
// original offerer/accepter roles.
func channelRedeemScript(ch *dlc.DLCChannel) ([]byte, error) {
	return txbuilder.FundingRedeemScript(ch.OwnPublishBase.Point, ch.CounterpartyPublishBase.Point)
}

// broadcastChannelUpdateTx assembles the 2-of-2 witness for a transaction
// spending the channel's current buffer/funding output directly (settle or
// collaborative close) and broadcasts it. A failed broadcast is logged, not
// retried here: unlike a contract's CET/refund, a channel update tx has no
// lock time forcing urgency, and the next periodic_check pass over
// established contracts doesn't cover channels (see DESIGN.md).
func (m *Manager) broadcastChannelUpdateTx(ctx context.Context, ch *dlc.DLCChannel, tx *wire.MsgTx, redeemScript []byte, ownSig, counterpartySig []byte) error {
	witness, err := txbuilder.SpendFundingWitness(
		redeemScript,
		ch.OwnPublishBase.Point.SerializeCompressed(), ownSig,
		ch.CounterpartyPublishBase.Point.SerializeCompressed(), counterpartySig,
	)
	if err != nil {
		return err
	}
	out := copyTx(tx)
	out.TxIn[0].Witness = witness
	if err := m.cfg.Blockchain.Broadcast(ctx, out); err != nil {
		log.Errorf("broadcasting channel update tx for channel %v failed: %v", ch.ID, err)
	}
	return nil
}

// SendOfferChannel opens a new DLC channel: like SendOffer, it reserves
// funding inputs and a fresh funding key, but the key it sends is this
// channel's fixed per-party base point tweaked for update index 0, and a
// fresh revocation Producer/Store pair is seeded to back every future
// settle/renew on this channel.
func (m *Manager) SendOfferChannel(ctx context.Context, input *dlc.ContractInput, counterparty *btcec.PublicKey) (*dlc.DLCChannel, error) {
	if err := validateContractInput(input); err != nil {
		return nil, err
	}

	channelTemp, err := dlc.NewTempContractID()
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindInternal, err)
	}

	lock := m.contractLock(channelTemp)
	lock.Lock()
	defer lock.Unlock()

	params, handle, err := m.reserveParams(ctx, input.OfferCollateral, input.FeeRateSatPerVb)
	if err != nil {
		return nil, err
	}
	m.rememberReservation(channelTemp, handle)

	pendingKey := dlc.ChannelID(channelTemp)
	producer, err := m.newChannelRevocation(pendingKey)
	if err != nil {
		m.cfg.Wallet.Release(ctx, handle)
		return nil, err
	}
	ownBase := params.FundingPubKey
	ownPoint := revocation.TweakPublishBase(ownBase, producer.SecretForIndex(0))

	offerParams := &dlc.PartyParams{
		FundingPubKey:  ownPoint,
		ChangeScript:   params.ChangeScript,
		PayoutScript:   params.PayoutScript,
		FundingInputs:  params.FundingInputs,
		Collateral:     params.Collateral,
		ChangeSerialID: params.ChangeSerialID,
		PayoutSerialID: params.PayoutSerialID,
	}

	sub := &dlc.Contract{
		TempID:             channelTemp,
		CounterpartyPubKey: counterparty,
		IsOfferer:          true,
		OfferCollateral:    input.OfferCollateral,
		AcceptCollateral:   input.AcceptCollateral,
		FeeRateSatPerVb:    input.FeeRateSatPerVb,
		CetLockTime:        input.CetLockTime,
		ContractInfo:       input.ContractInfo,
		State:              dlc.StateOffered,
		OfferParams:        offerParams,
	}

	ch := &dlc.DLCChannel{
		OfferTempID:        channelTemp,
		CounterpartyPubKey: counterparty,
		IsOfferer:          true,
		State:              dlc.ChannelOffered,
		SignedSubContract:  sub,
		OwnPublishBase:     dlc.PublishBase{UpdateIndex: 0, Point: ownPoint},
		OwnBasePubKey:      ownBase,
		OfferCollateral:    input.OfferCollateral,
		AcceptCollateral:   input.AcceptCollateral,
	}
	m.rememberPendingChannel(channelTemp, ch)

	offer := &dlcwire.OfferChannel{
		ChannelTempID: channelTemp,
		ContractOffer: dlcwire.Offer{
			TempContractID:   channelTemp,
			ContractInfo:     input.ContractInfo,
			OfferCollateral:  input.OfferCollateral,
			AcceptCollateral: input.AcceptCollateral,
			FeeRateSatPerVb:  input.FeeRateSatPerVb,
			CetLockTime:      input.CetLockTime,
			FundingPubKey:    ownPoint,
			ChangeScript:     offerParams.ChangeScript,
			PayoutScript:     offerParams.PayoutScript,
			FundingInputs:    offerParams.FundingInputs,
			ChangeSerialID:   offerParams.ChangeSerialID,
			PayoutSerialID:   offerParams.PayoutSerialID,
		},
		PublishBase: ownBase,
	}
	if err := m.cfg.Transport.SendTo(counterparty, offer); err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("offer_channel_sent").Inc()
	return ch, nil
}

// handleOfferChannel mirrors handleOffer: it records the proposed channel in
// pendingChannels rather than Storage (no ChannelID exists yet) and retains
// the counterparty's raw base point for later use once a revocation secret
// is revealed against it.
func (m *Manager) handleOfferChannel(ctx context.Context, peer *btcec.PublicKey, o *dlcwire.OfferChannel) error {
	lock := m.contractLock(o.ChannelTempID)
	lock.Lock()
	defer lock.Unlock()

	if err := validateContractInput(&dlc.ContractInput{
		OfferCollateral:  o.ContractOffer.OfferCollateral,
		AcceptCollateral: o.ContractOffer.AcceptCollateral,
		FeeRateSatPerVb:  o.ContractOffer.FeeRateSatPerVb,
		CetLockTime:      o.ContractOffer.CetLockTime,
		ContractInfo:     o.ContractOffer.ContractInfo,
	}); err != nil {
		return err
	}

	sub := &dlc.Contract{
		TempID:             o.ChannelTempID,
		CounterpartyPubKey: peer,
		IsOfferer:          false,
		OfferCollateral:    o.ContractOffer.OfferCollateral,
		AcceptCollateral:   o.ContractOffer.AcceptCollateral,
		FeeRateSatPerVb:    o.ContractOffer.FeeRateSatPerVb,
		CetLockTime:        o.ContractOffer.CetLockTime,
		ContractInfo:       o.ContractOffer.ContractInfo,
		State:              dlc.StateOffered,
		OfferParams: &dlc.PartyParams{
			FundingPubKey:  o.ContractOffer.FundingPubKey,
			ChangeScript:   o.ContractOffer.ChangeScript,
			PayoutScript:   o.ContractOffer.PayoutScript,
			FundingInputs:  o.ContractOffer.FundingInputs,
			Collateral:     o.ContractOffer.OfferCollateral,
			ChangeSerialID: o.ContractOffer.ChangeSerialID,
			PayoutSerialID: o.ContractOffer.PayoutSerialID,
		},
	}

	ch := &dlc.DLCChannel{
		OfferTempID:             o.ChannelTempID,
		CounterpartyPubKey:      peer,
		IsOfferer:               false,
		State:                   dlc.ChannelOffered,
		SignedSubContract:       sub,
		CounterpartyPublishBase: dlc.PublishBase{UpdateIndex: 0, Point: o.ContractOffer.FundingPubKey},
		CounterpartyBasePubKey:  o.PublishBase,
		OfferCollateral:         o.ContractOffer.OfferCollateral,
		AcceptCollateral:        o.ContractOffer.AcceptCollateral,
	}
	m.rememberPendingChannel(o.ChannelTempID, ch)

	m.metrics.messagesHandled.WithLabelValues("offer_channel").Inc()
	return nil
}

// AcceptOfferChannel mirrors AcceptOffer: it builds the funding transaction
// directly against the tweaked update-0 keys (no separate untweaked-key
// funding step), signs the initial sub-contract's CETs under its own
// tweaked key (a channel's sub-contract has no refund transaction), and
// mints AcceptTempID, the second temp id DeriveChannelID needs.
func (m *Manager) AcceptOfferChannel(ctx context.Context, temp dlc.TempContractID) (*dlc.DLCChannel, error) {
	lock := m.contractLock(temp)
	lock.Lock()
	defer lock.Unlock()

	ch, ok := m.getPendingChannel(temp)
	if !ok {
		return nil, dlcerrors.ErrChannelNotFound
	}
	c := ch.SignedSubContract
	if c.IsOfferer || c.State != dlc.StateOffered {
		return nil, dlcerrors.ErrBadStateTransition
	}

	acceptTemp, err := dlc.NewTempContractID()
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindInternal, err)
	}

	acceptParams, handle, err := m.reserveParams(ctx, c.AcceptCollateral, c.FeeRateSatPerVb)
	if err != nil {
		return nil, err
	}

	pendingKey := dlc.ChannelID(temp)
	producer, err := m.newChannelRevocation(pendingKey)
	if err != nil {
		m.cfg.Wallet.Release(ctx, handle)
		return nil, err
	}
	ownBase := acceptParams.FundingPubKey
	ownPoint := revocation.TweakPublishBase(ownBase, producer.SecretForIndex(0))
	acceptParams.FundingPubKey = ownPoint

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
	fundingOutpoint, bufferAmt, err := txbuilder.FundingTxOut(fundingTx, redeemScript)
	if err != nil {
		m.cfg.Wallet.Release(ctx, handle)
		return nil, m.failAccept(ctx, c, err)
	}

	cets, err := buildCETsForOutcomes(fundingOutpoint, c.OfferParams, acceptParams, outcomes, c.CetLockTime, c.FeeRateSatPerVb)
	if err != nil {
		m.cfg.Wallet.Release(ctx, handle)
		return nil, m.failAccept(ctx, c, err)
	}

	ownAdaptorSigs, err := m.signChannelCETs(ctx, ownBase, producer.SecretForIndex(0), bufferAmt, cets, redeemScript)
	if err != nil {
		m.cfg.Wallet.Release(ctx, handle)
		return nil, m.failAccept(ctx, c, err)
	}

	m.rememberReservation(temp, handle)

	c.AcceptParams = acceptParams
	c.FundingTx = fundingTx
	c.Cets = cets
	c.OwnAdaptorSigs = ownAdaptorSigs
	c.State = dlc.StateAccepted

	ch.AcceptTempID = acceptTemp
	ch.FundingTx = fundingTx
	ch.State = dlc.ChannelAccepted
	ch.OwnPublishBase = dlc.PublishBase{UpdateIndex: 0, Point: ownPoint}
	ch.OwnBasePubKey = ownBase

	accept := &dlcwire.AcceptChannel{
		ChannelTempID: temp,
		ContractAccept: dlcwire.Accept{
			TempContractID: temp,
			FundingPubKey:  ownPoint,
			ChangeScript:   acceptParams.ChangeScript,
			PayoutScript:   acceptParams.PayoutScript,
			FundingInputs:  acceptParams.FundingInputs,
			ChangeSerialID: acceptParams.ChangeSerialID,
			PayoutSerialID: acceptParams.PayoutSerialID,
			CetAdaptorSigs: ownAdaptorSigs,
		},
		PublishBase:  ownBase,
		AcceptTempID: acceptTemp,
	}
	if err := m.cfg.Transport.SendTo(ch.CounterpartyPubKey, accept); err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("accept_channel_sent").Inc()
	return ch, nil
}

// handleAcceptChannel mirrors handleAccept: it verifies the accepter's CET
// adaptor signatures under their tweaked update-0 point, countersigns, and
// sends SignChannel with the offerer's own witnesses for the funding PSBT.
func (m *Manager) handleAcceptChannel(ctx context.Context, peer *btcec.PublicKey, a *dlcwire.AcceptChannel) error {
	lock := m.contractLock(a.ChannelTempID)
	lock.Lock()
	defer lock.Unlock()

	ch, ok := m.getPendingChannel(a.ChannelTempID)
	if !ok {
		return dlcerrors.ErrChannelNotFound
	}
	c := ch.SignedSubContract
	if !c.IsOfferer || c.State != dlc.StateOffered {
		return dlcerrors.ErrBadStateTransition
	}

	acceptParams := &dlc.PartyParams{
		FundingPubKey:  a.ContractAccept.FundingPubKey,
		ChangeScript:   a.ContractAccept.ChangeScript,
		PayoutScript:   a.ContractAccept.PayoutScript,
		FundingInputs:  a.ContractAccept.FundingInputs,
		Collateral:     c.AcceptCollateral,
		ChangeSerialID: a.ContractAccept.ChangeSerialID,
		PayoutSerialID: a.ContractAccept.PayoutSerialID,
	}

	outcomes, err := buildOutcomes(&c.ContractInfo, c.TotalCollateral())
	if err != nil {
		return err
	}

	fundingTx, redeemScript, err := txbuilder.BuildFunding(c.OfferParams, acceptParams, c.TotalCollateral(), c.FeeRateSatPerVb)
	if err != nil {
		return m.failOpenChannel(ctx, ch, a.ChannelTempID, err)
	}
	fundingOutpoint, bufferAmt, err := txbuilder.FundingTxOut(fundingTx, redeemScript)
	if err != nil {
		return m.failOpenChannel(ctx, ch, a.ChannelTempID, err)
	}
	cets, err := buildCETsForOutcomes(fundingOutpoint, c.OfferParams, acceptParams, outcomes, c.CetLockTime, c.FeeRateSatPerVb)
	if err != nil {
		return m.failOpenChannel(ctx, ch, a.ChannelTempID, err)
	}

	if err := verifyChannelCETSigs(acceptParams.FundingPubKey, bufferAmt, cets, redeemScript, a.ContractAccept.CetAdaptorSigs); err != nil {
		return m.failOpenChannel(ctx, ch, a.ChannelTempID, err)
	}

	producer, ok := m.channelProducer(dlc.ChannelID(a.ChannelTempID))
	if !ok {
		return m.failOpenChannel(ctx, ch, a.ChannelTempID, dlcerrors.New(dlcerrors.KindInternal, "missing revocation producer for pending channel"))
	}
	ownAdaptorSigs, err := m.signChannelCETs(ctx, ch.OwnBasePubKey, producer.SecretForIndex(0), bufferAmt, cets, redeemScript)
	if err != nil {
		return m.failOpenChannel(ctx, ch, a.ChannelTempID, err)
	}

	c.AcceptParams = acceptParams
	c.FundingTx = fundingTx
	c.Cets = cets
	c.CounterpartyAdaptorSigs = a.ContractAccept.CetAdaptorSigs
	c.OwnAdaptorSigs = ownAdaptorSigs
	c.State = dlc.StateAccepted

	ch.AcceptTempID = a.AcceptTempID
	ch.FundingTx = fundingTx
	ch.State = dlc.ChannelAccepted
	ch.CounterpartyPublishBase = dlc.PublishBase{UpdateIndex: 0, Point: acceptParams.FundingPubKey}
	ch.CounterpartyBasePubKey = a.PublishBase

	allInputs := append(append([]dlc.FundingInput(nil), c.OfferParams.FundingInputs...), acceptParams.FundingInputs...)
	workingTx := copyTx(fundingTx)
	packet, err := newFundingPacket(workingTx, allInputs)
	if err != nil {
		return m.failOpenChannel(ctx, ch, a.ChannelTempID, err)
	}
	handle, haveReservation := m.forgetReservation(c.TempID)
	if !haveReservation {
		return m.failOpenChannel(ctx, ch, a.ChannelTempID, dlcerrors.New(dlcerrors.KindInternal, "missing funding reservation for offerer"))
	}
	signedPacket, err := m.cfg.Wallet.SignFundingPSBT(ctx, packet, handle)
	if err != nil {
		return m.failOpenChannel(ctx, ch, a.ChannelTempID, dlcerrors.Wrap(dlcerrors.KindWalletError, err))
	}
	ownWitnesses, err := extractOwnWitnesses(signedPacket, workingTx, c.OfferParams.FundingInputs)
	if err != nil {
		return m.failOpenChannel(ctx, ch, a.ChannelTempID, err)
	}

	sign := &dlcwire.SignChannel{
		ChannelTempID: a.ChannelTempID,
		ContractSign: dlcwire.Sign{
			TempContractID:   a.ChannelTempID,
			FundingTxid:      fundingTx.TxHash(),
			CetAdaptorSigs:   ownAdaptorSigs,
			FundingWitnesses: ownWitnesses,
		},
	}
	if err := m.cfg.Transport.SendTo(peer, sign); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("accept_channel").Inc()
	return nil
}

// handleSignChannel mirrors handleSign: once the funding transaction is
// finalized and broadcast, the channel's pending-phase bookkeeping migrates
// to its real, derived ChannelID and the channel is persisted to Storage
// for the first time.
func (m *Manager) handleSignChannel(ctx context.Context, peer *btcec.PublicKey, s *dlcwire.SignChannel) error {
	lock := m.contractLock(s.ChannelTempID)
	lock.Lock()
	defer lock.Unlock()

	ch, ok := m.getPendingChannel(s.ChannelTempID)
	if !ok {
		return dlcerrors.ErrChannelNotFound
	}
	c := ch.SignedSubContract
	if c.IsOfferer || c.State != dlc.StateAccepted {
		return dlcerrors.ErrBadStateTransition
	}

	fundingID := c.FundingTx.TxHash()
	if fundingID != chainhash.Hash(s.ContractSign.FundingTxid) {
		return m.failOpenChannel(ctx, ch, s.ChannelTempID, dlcerrors.New(dlcerrors.KindInvalidParameter, "SignChannel funding txid does not match locally built funding transaction"))
	}

	_, err := buildOutcomes(&c.ContractInfo, c.TotalCollateral())
	if err != nil {
		return err
	}
	redeemScript, err := txbuilder.FundingRedeemScript(c.OfferParams.FundingPubKey, c.AcceptParams.FundingPubKey)
	if err != nil {
		return err
	}
	_, bufferAmt, err := txbuilder.FundingTxOut(c.FundingTx, redeemScript)
	if err != nil {
		return err
	}
	if err := verifyChannelCETSigs(c.OfferParams.FundingPubKey, bufferAmt, c.Cets, redeemScript, s.ContractSign.CetAdaptorSigs); err != nil {
		return m.failOpenChannel(ctx, ch, s.ChannelTempID, err)
	}

	allInputs := append(append([]dlc.FundingInput(nil), c.OfferParams.FundingInputs...), c.AcceptParams.FundingInputs...)
	workingTx := copyTx(c.FundingTx)
	packet, err := newFundingPacket(workingTx, allInputs)
	if err != nil {
		return m.failOpenChannel(ctx, ch, s.ChannelTempID, err)
	}
	handle, haveReservation := m.forgetReservation(c.TempID)
	if !haveReservation {
		return m.failOpenChannel(ctx, ch, s.ChannelTempID, dlcerrors.New(dlcerrors.KindInternal, "missing funding reservation for accepter"))
	}
	signedPacket, err := m.cfg.Wallet.SignFundingPSBT(ctx, packet, handle)
	if err != nil {
		return m.failOpenChannel(ctx, ch, s.ChannelTempID, dlcerrors.Wrap(dlcerrors.KindWalletError, err))
	}
	if err := applyCounterpartyWitnesses(signedPacket, workingTx, c.OfferParams.FundingInputs, s.ContractSign.FundingWitnesses); err != nil {
		return m.failOpenChannel(ctx, ch, s.ChannelTempID, err)
	}
	finalTx, err := finalizeFunding(signedPacket)
	if err != nil {
		return m.failOpenChannel(ctx, ch, s.ChannelTempID, err)
	}

	c.FundingTx = finalTx
	c.CounterpartyAdaptorSigs = s.ContractSign.CetAdaptorSigs
	c.State = dlc.StateSigned

	realID := dlc.DeriveChannelID(finalTx.TxHash(), ch.OfferTempID, ch.AcceptTempID)
	pendingKey := dlc.ChannelID(s.ChannelTempID)
	m.migrateChannelRevocation(pendingKey, realID)

	fundingOutpoint, _, err := txbuilder.FundingTxOut(finalTx, redeemScript)
	if err != nil {
		return err
	}

	ch.ID = realID
	ch.FundingTx = finalTx
	ch.FundingOutpoint = fundingOutpoint
	ch.State = dlc.ChannelEstablished

	if err := m.cfg.Storage.PutChannel(ch); err != nil {
		return err
	}
	m.forgetPendingChannel(s.ChannelTempID)

	if err := m.cfg.Blockchain.Broadcast(ctx, finalTx); err != nil {
		log.Errorf("broadcasting channel funding tx %v failed, will not retry: %v", fundingID, err)
	}

	m.metrics.messagesHandled.WithLabelValues("sign_channel").Inc()
	return nil
}

// failOpenChannel fails the sub-contract backing a still-pending channel and
// drops the pending-phase bookkeeping, since no ChannelID (and therefore no
// Storage entry) exists yet to mark failed.
func (m *Manager) failOpenChannel(ctx context.Context, ch *dlc.DLCChannel, temp dlc.TempContractID, cause error) error {
	err := m.failSign(ctx, ch.SignedSubContract, cause)
	m.forgetPendingChannel(temp)
	return err
}

// InitiateSettle proposes collapsing a channel's current sub-contract into a
// direct split at ownPayout/counterpartyPayout, forgoing any further
// oracle-dependent outcome. Settle never advances UpdateIndex or exchanges a
// new publish point: both parties already hold the keys for the update
// being settled, and SettleConfirm/SettleFinalize's revealed secret is
// purely a defensive bookkeeping measure (see DESIGN.md).
func (m *Manager) InitiateSettle(ctx context.Context, channelID dlc.ChannelID, ownPayout, counterpartyPayout btcutil.Amount) error {
	lock := m.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := m.cfg.Storage.GetChannel(channelID)
	if err != nil {
		return err
	}
	if ch.State != dlc.ChannelEstablished && ch.State != dlc.ChannelRenewed {
		return dlcerrors.ErrBadStateTransition
	}

	offerAmt, acceptAmt := ownPayout, counterpartyPayout
	if !ch.IsOfferer {
		offerAmt, acceptAmt = counterpartyPayout, ownPayout
	}

	ch.PendingSettleOfferPayout = offerAmt
	ch.PendingSettleAcceptPayout = acceptAmt
	ch.State = dlc.ChannelSettledOffered
	if err := m.cfg.Storage.PutChannel(ch); err != nil {
		return err
	}

	offer := &dlcwire.SettleOffer{OfferPayout: offerAmt, AcceptPayout: acceptAmt}
	offer.ChannelID = channelID
	offer.UpdateIndex = ch.UpdateIndex
	if err := m.cfg.Transport.SendTo(ch.CounterpartyPubKey, offer); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("settle_offer_sent").Inc()
	return nil
}

// handleSettleOffer rebuilds the proposed settlement transaction
// deterministically from the channel's live buffer/sub-contract state and
// the proposed split, then signs it under the current update's tweaked key.
func (m *Manager) handleSettleOffer(ctx context.Context, peer *btcec.PublicKey, o *dlcwire.SettleOffer) error {
	lock := m.channelLock(o.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := m.cfg.Storage.GetChannel(o.ChannelID)
	if err != nil {
		return err
	}
	if (ch.State != dlc.ChannelEstablished && ch.State != dlc.ChannelRenewed) || o.UpdateIndex != ch.UpdateIndex {
		return dlcerrors.ErrBadStateTransition
	}

	parent, parentOutpoint, err := currentBufferParent(ch)
	if err != nil {
		return err
	}
	sub := ch.SignedSubContract
	settleTx, err := txbuilder.BuildSettle(parentOutpoint, sub.OfferParams, sub.AcceptParams, o.OfferPayout, o.AcceptPayout)
	if err != nil {
		return err
	}
	redeemScript, err := channelRedeemScript(ch)
	if err != nil {
		return err
	}
	producer, ok := m.channelProducer(ch.ID)
	if !ok {
		return dlcerrors.New(dlcerrors.KindInternal, "missing revocation producer for channel")
	}
	parentAmt := btcutil.Amount(parent.TxOut[parentOutpoint.Index].Value)
	ownSig, err := m.signChannelUpdate(ctx, ch.OwnBasePubKey, producer.SecretForIndex(ch.UpdateIndex), settleTx, parentAmt, redeemScript)
	if err != nil {
		return err
	}

	ch.PendingSettleOfferPayout = o.OfferPayout
	ch.PendingSettleAcceptPayout = o.AcceptPayout
	ch.PendingSettleOwnSig = ownSig
	ch.State = dlc.ChannelSettledAccepted
	if err := m.cfg.Storage.PutChannel(ch); err != nil {
		return err
	}

	accept := &dlcwire.SettleAccept{SettleSig: ownSig}
	accept.ChannelID = o.ChannelID
	accept.UpdateIndex = o.UpdateIndex
	if err := m.cfg.Transport.SendTo(peer, accept); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("settle_offer").Inc()
	return nil
}

// handleSettleAccept verifies the counterparty's settle signature, produces
// this side's own, and broadcasts: the initiator already holds both
// signatures at this point, so it doesn't wait for SettleFinalize to close
// out on-chain.
func (m *Manager) handleSettleAccept(ctx context.Context, peer *btcec.PublicKey, a *dlcwire.SettleAccept) error {
	lock := m.channelLock(a.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := m.cfg.Storage.GetChannel(a.ChannelID)
	if err != nil {
		return err
	}
	if ch.State != dlc.ChannelSettledOffered || a.UpdateIndex != ch.UpdateIndex {
		return dlcerrors.ErrBadStateTransition
	}

	parent, parentOutpoint, err := currentBufferParent(ch)
	if err != nil {
		return err
	}
	sub := ch.SignedSubContract
	settleTx, err := txbuilder.BuildSettle(parentOutpoint, sub.OfferParams, sub.AcceptParams, ch.PendingSettleOfferPayout, ch.PendingSettleAcceptPayout)
	if err != nil {
		return err
	}
	redeemScript, err := channelRedeemScript(ch)
	if err != nil {
		return err
	}
	parentAmt := btcutil.Amount(parent.TxOut[parentOutpoint.Index].Value)

	if err := verifyChannelUpdateSig(ch.CounterpartyPublishBase.Point, settleTx, parentAmt, redeemScript, a.SettleSig); err != nil {
		return err
	}

	producer, ok := m.channelProducer(ch.ID)
	if !ok {
		return dlcerrors.New(dlcerrors.KindInternal, "missing revocation producer for channel")
	}
	ownSig, err := m.signChannelUpdate(ctx, ch.OwnBasePubKey, producer.SecretForIndex(ch.UpdateIndex), settleTx, parentAmt, redeemScript)
	if err != nil {
		return err
	}
	ownRevSecret := producer.SecretForIndex(ch.UpdateIndex)

	ch.PendingSettleOwnSig = ownSig
	ch.State = dlc.ChannelSettled
	if err := m.cfg.Storage.PutChannel(ch); err != nil {
		return err
	}

	if err := m.broadcastChannelUpdateTx(ctx, ch, settleTx, redeemScript, ownSig, a.SettleSig); err != nil {
		return err
	}

	confirm := &dlcwire.SettleConfirm{SettleSig: ownSig, RevocationSecret: ownRevSecret}
	confirm.ChannelID = a.ChannelID
	confirm.UpdateIndex = a.UpdateIndex
	if err := m.cfg.Transport.SendTo(peer, confirm); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("settle_accept").Inc()
	return nil
}

// handleSettleConfirm completes the accepter's view: it now holds both
// signatures (its own, saved in handleSettleOffer, plus the initiator's
// just received): it records the initiator's revealed revocation secret,
// then broadcasts.
func (m *Manager) handleSettleConfirm(ctx context.Context, peer *btcec.PublicKey, c *dlcwire.SettleConfirm) error {
	lock := m.channelLock(c.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := m.cfg.Storage.GetChannel(c.ChannelID)
	if err != nil {
		return err
	}
	if ch.State != dlc.ChannelSettledAccepted || c.UpdateIndex != ch.UpdateIndex {
		return dlcerrors.ErrBadStateTransition
	}

	parent, parentOutpoint, err := currentBufferParent(ch)
	if err != nil {
		return err
	}
	sub := ch.SignedSubContract
	settleTx, err := txbuilder.BuildSettle(parentOutpoint, sub.OfferParams, sub.AcceptParams, ch.PendingSettleOfferPayout, ch.PendingSettleAcceptPayout)
	if err != nil {
		return err
	}
	redeemScript, err := channelRedeemScript(ch)
	if err != nil {
		return err
	}
	parentAmt := btcutil.Amount(parent.TxOut[parentOutpoint.Index].Value)

	if err := verifyChannelUpdateSig(ch.CounterpartyPublishBase.Point, settleTx, parentAmt, redeemScript, c.SettleSig); err != nil {
		return err
	}

	store, ok := m.channelStore(ch.ID)
	if !ok {
		return dlcerrors.New(dlcerrors.KindInternal, "missing revocation store for channel")
	}
	if err := store.Insert(ch.UpdateIndex, c.RevocationSecret); err != nil {
		return err
	}

	producer, ok := m.channelProducer(ch.ID)
	if !ok {
		return dlcerrors.New(dlcerrors.KindInternal, "missing revocation producer for channel")
	}
	ownRevSecret := producer.SecretForIndex(ch.UpdateIndex)

	ch.State = dlc.ChannelSettled
	if err := m.cfg.Storage.PutChannel(ch); err != nil {
		return err
	}

	if err := m.broadcastChannelUpdateTx(ctx, ch, settleTx, redeemScript, ch.PendingSettleOwnSig, c.SettleSig); err != nil {
		return err
	}

	finalize := &dlcwire.SettleFinalize{RevocationSecret: ownRevSecret}
	finalize.ChannelID = c.ChannelID
	finalize.UpdateIndex = c.UpdateIndex
	if err := m.cfg.Transport.SendTo(peer, finalize); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("settle_confirm").Inc()
	return nil
}

// handleSettleFinalize records the accepter's revealed revocation secret;
// the settlement transaction was already broadcast in handleSettleAccept.
func (m *Manager) handleSettleFinalize(ctx context.Context, peer *btcec.PublicKey, f *dlcwire.SettleFinalize) error {
	lock := m.channelLock(f.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := m.cfg.Storage.GetChannel(f.ChannelID)
	if err != nil {
		return err
	}
	if ch.State != dlc.ChannelSettled || f.UpdateIndex != ch.UpdateIndex {
		return dlcerrors.ErrBadStateTransition
	}

	store, ok := m.channelStore(ch.ID)
	if !ok {
		return dlcerrors.New(dlcerrors.KindInternal, "missing revocation store for channel")
	}
	if err := store.Insert(ch.UpdateIndex, f.RevocationSecret); err != nil {
		return err
	}

	m.metrics.messagesHandled.WithLabelValues("settle_finalize").Inc()
	return nil
}

// InitiateRenew proposes replacing a channel's current sub-contract with a
// new one over a fresh buffer transaction, at update index UpdateIndex+1.
// Unlike settle, renew genuinely needs a new tweaked point, exchanged as
// OfferPublishPoint; the buffer transaction itself can't be built until the
// counterparty's matching point is known, so it's deferred to
// handleRenewOffer/handleRenewAccept.
func (m *Manager) InitiateRenew(ctx context.Context, channelID dlc.ChannelID, input *dlc.ContractInput) error {
	if err := validateContractInput(input); err != nil {
		return err
	}
	lock := m.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := m.cfg.Storage.GetChannel(channelID)
	if err != nil {
		return err
	}
	if ch.State != dlc.ChannelEstablished && ch.State != dlc.ChannelRenewed {
		return dlcerrors.ErrBadStateTransition
	}

	producer, ok := m.channelProducer(channelID)
	if !ok {
		return dlcerrors.New(dlcerrors.KindInternal, "missing revocation producer for channel")
	}
	newIndex := ch.UpdateIndex + 1
	ownPoint := revocation.TweakPublishBase(ch.OwnBasePubKey, producer.SecretForIndex(newIndex))

	m.rememberPendingRenew(channelID, &pendingRenew{
		updateIndex:      newIndex,
		contractInfo:     input.ContractInfo,
		offerCollateral:  input.OfferCollateral,
		acceptCollateral: input.AcceptCollateral,
		cetLockTime:      input.CetLockTime,
		ownPoint:         ownPoint,
	})

	ch.State = dlc.ChannelRenewOffered
	if err := m.cfg.Storage.PutChannel(ch); err != nil {
		return err
	}

	offer := &dlcwire.RenewOffer{
		ContractInfo:      input.ContractInfo,
		OfferCollateral:   input.OfferCollateral,
		AcceptCollateral:  input.AcceptCollateral,
		CetLockTime:       input.CetLockTime,
		OfferPublishPoint: ownPoint,
	}
	offer.ChannelID = channelID
	offer.UpdateIndex = newIndex
	if err := m.cfg.Transport.SendTo(ch.CounterpartyPubKey, offer); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("renew_offer_sent").Inc()
	return nil
}

// handleRenewOffer generates this side's new point, builds the new buffer
// transaction and sub-contract CETs against it, signs them, and replies
// RenewAccept.
func (m *Manager) handleRenewOffer(ctx context.Context, peer *btcec.PublicKey, o *dlcwire.RenewOffer) error {
	lock := m.channelLock(o.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	if err := validateContractInput(&dlc.ContractInput{
		OfferCollateral:  o.OfferCollateral,
		AcceptCollateral: o.AcceptCollateral,
		CetLockTime:      o.CetLockTime,
		ContractInfo:     o.ContractInfo,
	}); err != nil {
		return err
	}

	ch, err := m.cfg.Storage.GetChannel(o.ChannelID)
	if err != nil {
		return err
	}
	if (ch.State != dlc.ChannelEstablished && ch.State != dlc.ChannelRenewed) || o.UpdateIndex != ch.UpdateIndex+1 {
		return dlcerrors.ErrBadStateTransition
	}

	producer, ok := m.channelProducer(ch.ID)
	if !ok {
		return dlcerrors.New(dlcerrors.KindInternal, "missing revocation producer for channel")
	}
	ownPoint := revocation.TweakPublishBase(ch.OwnBasePubKey, producer.SecretForIndex(o.UpdateIndex))

	_, parentOutpoint, err := currentBufferParent(ch)
	if err != nil {
		return err
	}

	total := o.OfferCollateral + o.AcceptCollateral
	bufferTx, bufferRedeemScript, err := txbuilder.BuildBuffer(parentOutpoint, o.OfferPublishPoint, ownPoint, total)
	if err != nil {
		return err
	}
	bufferOutpoint := wire.OutPoint{Hash: bufferTx.TxHash(), Index: 0}

	established := ch.SignedSubContract
	offerParams := bufferPartyParams(established.OfferParams, o.OfferPublishPoint, o.OfferCollateral)
	acceptParams := bufferPartyParams(established.AcceptParams, ownPoint, o.AcceptCollateral)

	outcomes, err := buildOutcomes(&o.ContractInfo, total)
	if err != nil {
		return err
	}
	cets, err := buildCETsForOutcomes(bufferOutpoint, offerParams, acceptParams, outcomes, o.CetLockTime, ch.SignedSubContract.FeeRateSatPerVb)
	if err != nil {
		return err
	}

	bufferAmt := btcutil.Amount(bufferTx.TxOut[0].Value)
	ownAdaptorSigs, err := m.signChannelCETs(ctx, ch.OwnBasePubKey, producer.SecretForIndex(o.UpdateIndex), bufferAmt, cets, bufferRedeemScript)
	if err != nil {
		return err
	}

	m.rememberPendingRenew(ch.ID, &pendingRenew{
		updateIndex:        o.UpdateIndex,
		contractInfo:       o.ContractInfo,
		offerCollateral:    o.OfferCollateral,
		acceptCollateral:   o.AcceptCollateral,
		cetLockTime:        o.CetLockTime,
		ownPoint:           ownPoint,
		counterpartyPoint:  o.OfferPublishPoint,
		bufferTx:           bufferTx,
		bufferOutpoint:     bufferOutpoint,
		bufferRedeemScript: bufferRedeemScript,
		offerParams:        offerParams,
		acceptParams:       acceptParams,
		outcomes:           outcomes,
		cets:               cets,
		ownAdaptorSigs:     ownAdaptorSigs,
	})

	ch.State = dlc.ChannelRenewAccepted
	if err := m.cfg.Storage.PutChannel(ch); err != nil {
		return err
	}

	accept := &dlcwire.RenewAccept{CetAdaptorSigs: ownAdaptorSigs, AcceptPublishPoint: ownPoint}
	accept.ChannelID = o.ChannelID
	accept.UpdateIndex = o.UpdateIndex
	if err := m.cfg.Transport.SendTo(peer, accept); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("renew_offer").Inc()
	return nil
}

// handleRenewAccept now has both parties' points: it builds the same buffer
// transaction and CET set the responder did, verifies their adaptor
// signatures, and signs its own, replying RenewConfirm.
func (m *Manager) handleRenewAccept(ctx context.Context, peer *btcec.PublicKey, a *dlcwire.RenewAccept) error {
	lock := m.channelLock(a.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := m.cfg.Storage.GetChannel(a.ChannelID)
	if err != nil {
		return err
	}
	if ch.State != dlc.ChannelRenewOffered || a.UpdateIndex != ch.UpdateIndex+1 {
		return dlcerrors.ErrBadStateTransition
	}
	pr, ok := m.getPendingRenew(a.ChannelID)
	if !ok || pr.updateIndex != a.UpdateIndex {
		return dlcerrors.New(dlcerrors.KindInternal, "no pending renew for channel")
	}

	_, parentOutpoint, err := currentBufferParent(ch)
	if err != nil {
		return err
	}

	total := pr.offerCollateral + pr.acceptCollateral
	bufferTx, bufferRedeemScript, err := txbuilder.BuildBuffer(parentOutpoint, pr.ownPoint, a.AcceptPublishPoint, total)
	if err != nil {
		return err
	}
	bufferOutpoint := wire.OutPoint{Hash: bufferTx.TxHash(), Index: 0}

	established := ch.SignedSubContract
	offerParams := bufferPartyParams(established.OfferParams, pr.ownPoint, pr.offerCollateral)
	acceptParams := bufferPartyParams(established.AcceptParams, a.AcceptPublishPoint, pr.acceptCollateral)

	outcomes, err := buildOutcomes(&pr.contractInfo, total)
	if err != nil {
		return err
	}
	cets, err := buildCETsForOutcomes(bufferOutpoint, offerParams, acceptParams, outcomes, pr.cetLockTime, ch.SignedSubContract.FeeRateSatPerVb)
	if err != nil {
		return err
	}

	bufferAmt := btcutil.Amount(bufferTx.TxOut[0].Value)
	if err := verifyChannelCETSigs(a.AcceptPublishPoint, bufferAmt, cets, bufferRedeemScript, a.CetAdaptorSigs); err != nil {
		return err
	}

	producer, ok := m.channelProducer(ch.ID)
	if !ok {
		return dlcerrors.New(dlcerrors.KindInternal, "missing revocation producer for channel")
	}
	ownAdaptorSigs, err := m.signChannelCETs(ctx, ch.OwnBasePubKey, producer.SecretForIndex(a.UpdateIndex), bufferAmt, cets, bufferRedeemScript)
	if err != nil {
		return err
	}

	pr.counterpartyPoint = a.AcceptPublishPoint
	pr.bufferTx = bufferTx
	pr.bufferOutpoint = bufferOutpoint
	pr.bufferRedeemScript = bufferRedeemScript
	pr.offerParams = offerParams
	pr.acceptParams = acceptParams
	pr.outcomes = outcomes
	pr.cets = cets
	pr.ownAdaptorSigs = ownAdaptorSigs
	pr.counterpartyAdaptorSigs = a.CetAdaptorSigs

	ch.State = dlc.ChannelRenewConfirmed
	if err := m.cfg.Storage.PutChannel(ch); err != nil {
		return err
	}

	confirm := &dlcwire.RenewConfirm{CetAdaptorSigs: ownAdaptorSigs}
	confirm.ChannelID = a.ChannelID
	confirm.UpdateIndex = a.UpdateIndex
	if err := m.cfg.Transport.SendTo(peer, confirm); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("renew_accept").Inc()
	return nil
}

// handleRenewConfirm is the responder's commit point: once the initiator's
// adaptor signatures verify, the new buffer/sub-contract becomes the
// channel's live state and the old update's revocation secret is revealed.
func (m *Manager) handleRenewConfirm(ctx context.Context, peer *btcec.PublicKey, c *dlcwire.RenewConfirm) error {
	lock := m.channelLock(c.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := m.cfg.Storage.GetChannel(c.ChannelID)
	if err != nil {
		return err
	}
	if ch.State != dlc.ChannelRenewAccepted || c.UpdateIndex != ch.UpdateIndex+1 {
		return dlcerrors.ErrBadStateTransition
	}
	pr, ok := m.getPendingRenew(c.ChannelID)
	if !ok || pr.updateIndex != c.UpdateIndex {
		return dlcerrors.New(dlcerrors.KindInternal, "no pending renew for channel")
	}

	bufferAmt := btcutil.Amount(pr.bufferTx.TxOut[0].Value)
	if err := verifyChannelCETSigs(pr.counterpartyPoint, bufferAmt, pr.cets, pr.bufferRedeemScript, c.CetAdaptorSigs); err != nil {
		return err
	}

	oldIndex := ch.UpdateIndex
	producer, ok := m.channelProducer(ch.ID)
	if !ok {
		return dlcerrors.New(dlcerrors.KindInternal, "missing revocation producer for channel")
	}
	ownRevSecret := producer.SecretForIndex(oldIndex)

	installRenew(ch, pr, c.CetAdaptorSigs)
	if err := m.cfg.Storage.PutChannel(ch); err != nil {
		return err
	}
	m.forgetPendingRenew(ch.ID)

	finalize := &dlcwire.RenewFinalize{}
	finalize.ChannelID = c.ChannelID
	finalize.UpdateIndex = c.UpdateIndex
	if err := m.cfg.Transport.SendTo(peer, finalize); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	revoke := &dlcwire.RenewRevoke{RevocationSecret: ownRevSecret}
	revoke.ChannelID = c.ChannelID
	revoke.UpdateIndex = oldIndex
	if err := m.cfg.Transport.SendTo(peer, revoke); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("renew_confirm").Inc()
	return nil
}

// handleRenewFinalize is the initiator's commit point, mirroring
// handleRenewConfirm: both sigsets were already verified in handleRenewAccept,
// so this installs the new state and reveals its own old-index secret.
func (m *Manager) handleRenewFinalize(ctx context.Context, peer *btcec.PublicKey, f *dlcwire.RenewFinalize) error {
	lock := m.channelLock(f.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := m.cfg.Storage.GetChannel(f.ChannelID)
	if err != nil {
		return err
	}
	if ch.State != dlc.ChannelRenewConfirmed || f.UpdateIndex != ch.UpdateIndex+1 {
		return dlcerrors.ErrBadStateTransition
	}
	pr, ok := m.getPendingRenew(f.ChannelID)
	if !ok || pr.updateIndex != f.UpdateIndex {
		return dlcerrors.New(dlcerrors.KindInternal, "no pending renew for channel")
	}

	oldIndex := ch.UpdateIndex
	producer, ok := m.channelProducer(ch.ID)
	if !ok {
		return dlcerrors.New(dlcerrors.KindInternal, "missing revocation producer for channel")
	}
	ownRevSecret := producer.SecretForIndex(oldIndex)

	installRenew(ch, pr, pr.counterpartyAdaptorSigs)
	if err := m.cfg.Storage.PutChannel(ch); err != nil {
		return err
	}
	m.forgetPendingRenew(ch.ID)

	revoke := &dlcwire.RenewRevoke{RevocationSecret: ownRevSecret}
	revoke.ChannelID = f.ChannelID
	revoke.UpdateIndex = oldIndex
	if err := m.cfg.Transport.SendTo(peer, revoke); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("renew_finalize").Inc()
	return nil
}

// handleRenewRevoke records a revealed old-update secret. Store.Insert
// itself verifies the secret is consistent with the hash chain's already
// stored ancestors, so no separate point-equality check is needed here.
func (m *Manager) handleRenewRevoke(ctx context.Context, peer *btcec.PublicKey, r *dlcwire.RenewRevoke) error {
	lock := m.channelLock(r.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := m.cfg.Storage.GetChannel(r.ChannelID)
	if err != nil {
		return err
	}

	store, ok := m.channelStore(ch.ID)
	if !ok {
		return dlcerrors.New(dlcerrors.KindInternal, "missing revocation store for channel")
	}
	if err := store.Insert(r.UpdateIndex, r.RevocationSecret); err != nil {
		return err
	}

	idx := r.UpdateIndex
	ch.RevokedUpdateIndex = &idx
	if err := m.cfg.Storage.PutChannel(ch); err != nil {
		return err
	}

	m.metrics.messagesHandled.WithLabelValues("renew_revoke").Inc()
	return nil
}

// installRenew commits a verified pendingRenew as the channel's new live
// sub-contract. The renewed sub-contract carries no refund transaction:
// periodic_check's refund sweep only covers top-level contracts, and a
// channel that never reaches attestation is expected to settle or
// collaboratively close instead (see DESIGN.md).
func installRenew(ch *dlc.DLCChannel, pr *pendingRenew, counterpartyAdaptorSigs map[string]dlc.AdaptorSignature) {
	sub := &dlc.Contract{
		TempID:                  ch.OfferTempID,
		CounterpartyPubKey:      ch.CounterpartyPubKey,
		IsOfferer:               ch.IsOfferer,
		OfferCollateral:         pr.offerCollateral,
		AcceptCollateral:        pr.acceptCollateral,
		CetLockTime:             pr.cetLockTime,
		ContractInfo:            pr.contractInfo,
		State:                   dlc.StateSigned,
		OfferParams:             pr.offerParams,
		AcceptParams:            pr.acceptParams,
		FundingTx:               pr.bufferTx,
		Cets:                    pr.cets,
		OwnAdaptorSigs:          pr.ownAdaptorSigs,
		CounterpartyAdaptorSigs: counterpartyAdaptorSigs,
	}

	ch.BufferTx = pr.bufferTx
	ch.SignedSubContract = sub
	ch.UpdateIndex = pr.updateIndex
	ch.OwnPublishBase = dlc.PublishBase{UpdateIndex: pr.updateIndex, Point: pr.ownPoint}
	ch.CounterpartyPublishBase = dlc.PublishBase{UpdateIndex: pr.updateIndex, Point: pr.counterpartyPoint}
	ch.OfferCollateral = pr.offerCollateral
	ch.AcceptCollateral = pr.acceptCollateral
	ch.State = dlc.ChannelRenewed
}

// InitiateCollaborativeClose proposes paying out a channel's current state
// directly on-chain and ending it, with no further settle/renew possible
// afterward.
func (m *Manager) InitiateCollaborativeClose(ctx context.Context, channelID dlc.ChannelID, ownPayout, counterpartyPayout btcutil.Amount) error {
	lock := m.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := m.cfg.Storage.GetChannel(channelID)
	if err != nil {
		return err
	}
	if ch.State != dlc.ChannelEstablished && ch.State != dlc.ChannelRenewed && ch.State != dlc.ChannelSettled {
		return dlcerrors.ErrBadStateTransition
	}

	offerAmt, acceptAmt := ownPayout, counterpartyPayout
	if !ch.IsOfferer {
		offerAmt, acceptAmt = counterpartyPayout, ownPayout
	}

	parent, parentOutpoint, err := currentBufferParent(ch)
	if err != nil {
		return err
	}
	sub := ch.SignedSubContract
	closeTx, err := txbuilder.BuildCollaborativeClose(parentOutpoint, sub.OfferParams, sub.AcceptParams, offerAmt, acceptAmt)
	if err != nil {
		return err
	}

	redeemScript, err := channelRedeemScript(ch)
	if err != nil {
		return err
	}
	producer, ok := m.channelProducer(channelID)
	if !ok {
		return dlcerrors.New(dlcerrors.KindInternal, "missing revocation producer for channel")
	}
	parentAmt := btcutil.Amount(parent.TxOut[parentOutpoint.Index].Value)
	ownSig, err := m.signChannelUpdate(ctx, ch.OwnBasePubKey, producer.SecretForIndex(ch.UpdateIndex), closeTx, parentAmt, redeemScript)
	if err != nil {
		return err
	}

	ch.State = dlc.ChannelClosedCollaborative
	if err := m.cfg.Storage.PutChannel(ch); err != nil {
		return err
	}

	offer := &dlcwire.CollaborativeCloseOffer{OfferPayout: offerAmt, AcceptPayout: acceptAmt, CloseSig: ownSig}
	offer.ChannelID = channelID
	offer.UpdateIndex = ch.UpdateIndex
	if err := m.cfg.Transport.SendTo(ch.CounterpartyPubKey, offer); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	m.metrics.messagesHandled.WithLabelValues("collaborative_close_sent").Inc()
	return nil
}

// handleCollaborativeCloseOffer is the only message in the close handshake:
// it verifies, countersigns, and broadcasts directly, with no accept/confirm
// round trip since there's no future channel state left to protect with a
// revealed revocation secret.
func (m *Manager) handleCollaborativeCloseOffer(ctx context.Context, peer *btcec.PublicKey, o *dlcwire.CollaborativeCloseOffer) error {
	lock := m.channelLock(o.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := m.cfg.Storage.GetChannel(o.ChannelID)
	if err != nil {
		return err
	}
	if (ch.State != dlc.ChannelEstablished && ch.State != dlc.ChannelRenewed && ch.State != dlc.ChannelSettled) || o.UpdateIndex != ch.UpdateIndex {
		return dlcerrors.ErrBadStateTransition
	}

	parent, parentOutpoint, err := currentBufferParent(ch)
	if err != nil {
		return err
	}
	sub := ch.SignedSubContract
	closeTx, err := txbuilder.BuildCollaborativeClose(parentOutpoint, sub.OfferParams, sub.AcceptParams, o.OfferPayout, o.AcceptPayout)
	if err != nil {
		return err
	}

	redeemScript, err := channelRedeemScript(ch)
	if err != nil {
		return err
	}
	parentAmt := btcutil.Amount(parent.TxOut[parentOutpoint.Index].Value)

	if err := verifyChannelUpdateSig(ch.CounterpartyPublishBase.Point, closeTx, parentAmt, redeemScript, o.CloseSig); err != nil {
		return err
	}

	producer, ok := m.channelProducer(ch.ID)
	if !ok {
		return dlcerrors.New(dlcerrors.KindInternal, "missing revocation producer for channel")
	}
	ownSig, err := m.signChannelUpdate(ctx, ch.OwnBasePubKey, producer.SecretForIndex(ch.UpdateIndex), closeTx, parentAmt, redeemScript)
	if err != nil {
		return err
	}

	ch.State = dlc.ChannelClosedCollaborative
	if err := m.cfg.Storage.PutChannel(ch); err != nil {
		return err
	}

	if err := m.broadcastChannelUpdateTx(ctx, ch, closeTx, redeemScript, ownSig, o.CloseSig); err != nil {
		return err
	}

	m.metrics.messagesHandled.WithLabelValues("collaborative_close").Inc()
	return nil
}

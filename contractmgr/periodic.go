package contractmgr

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/dlcd-io/dlcd/adaptor"
	"github.com/dlcd-io/dlcd/chainmonitor"
	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
	"github.com/dlcd-io/dlcd/oracle"
	"github.com/dlcd-io/dlcd/trie"
	"github.com/dlcd-io/dlcd/txbuilder"
)

// PeriodicCheck is the idempotent sweep spec.md §4.7 describes: for every
// contract not yet in a terminal state, it queries the chain monitor and
// oracle collaborators and advances state accordingly. force bypasses
// nothing today (there is no internal rate limit beyond the Start loop's
// own ticker) but is accepted so a caller can always request an
// out-of-band pass, e.g. right after sending a message.
func (m *Manager) PeriodicCheck(ctx context.Context, force bool) error {
	started := time.Now()
	defer func() {
		m.metrics.periodicDuration.Observe(time.Since(started).Seconds())
	}()

	if err := m.checkSigned(ctx); err != nil {
		log.Errorf("periodic_check: signed contracts: %v", err)
	}
	if err := m.checkConfirmed(ctx); err != nil {
		log.Errorf("periodic_check: confirmed contracts: %v", err)
	}
	if err := m.checkPreClosed(ctx); err != nil {
		log.Errorf("periodic_check: preclosed contracts: %v", err)
	}

	m.refreshStateMetrics()
	return nil
}

func (m *Manager) refreshStateMetrics() {
	counts := make(map[dlc.State]int)
	for s := dlc.StateOffered; s <= dlc.StateRejected; s++ {
		contracts, err := m.cfg.Storage.ContractsByState(s)
		if err != nil {
			continue
		}
		counts[s] = len(contracts)
	}
	m.metrics.setStateCounts(counts)
}

// isNotFound spots storage's empty-result sentinels (KindNotFound), which a
// periodic sweep treats as "nothing to do", not a failure.
func isNotFound(err error) bool {
	var e *dlcerrors.Error
	return errors.As(err, &e) && e.Kind == dlcerrors.KindNotFound
}

// checkSigned tracks a Signed contract's funding transaction toward
// confirmation, rebroadcasts it (accept party only) when it is seen
// neither on chain nor in the mempool, and flags a contract whose
// safety margin to refund_locktime has run out. The flag sets
// FailureKind/FailureMsg and leaves the state at Signed; no refund is
// broadcast from Signed, only from Confirmed.
func (m *Manager) checkSigned(ctx context.Context) error {
	contracts, err := m.cfg.Storage.ContractsByState(dlc.StateSigned)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, c := range contracts {
		if err := m.advanceSigned(ctx, c); err != nil {
			log.Errorf("contract %v: %v", c.TempID, err)
		}
	}
	return nil
}

func (m *Manager) advanceSigned(ctx context.Context, c *dlc.Contract) error {
	lock := m.contractLock(c.TempID)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := m.cfg.Storage.GetContract(contractKey(c))
	if err != nil {
		return err
	}
	c = fresh
	if c.State != dlc.StateSigned {
		return nil
	}

	txid := c.FundingTx.TxHash()
	report, err := m.monitor.CheckConfirmations(ctx, txid, 0)
	if err != nil {
		return err
	}

	if report.Status == chainmonitor.StatusConfirmed && report.Confirmations >= m.cfg.FundingConfirmations {
		c.State = dlc.StateConfirmed
		return m.putContract(c)
	}

	if report.Status == chainmonitor.StatusNotSeen && !c.IsOfferer {
		// Only the accept party holds the fully witnessed funding
		// transaction, so only it can rebroadcast one that never made it
		// into the mempool.
		schedKey := "funding:" + c.TempID.String()
		if m.broadcastSched.ShouldAttempt(schedKey) {
			if err := m.cfg.Blockchain.Broadcast(ctx, c.FundingTx); err != nil {
				m.broadcastSched.RecordFailure(schedKey)
				log.Errorf("rebroadcasting funding tx for contract %v failed, will retry: %v", c.TempID, err)
			} else {
				m.broadcastSched.Forget(schedKey)
			}
		}
	}

	height, err := m.monitor.BestHeight(ctx)
	if err != nil {
		return err
	}
	if int64(height) >= int64(c.RefundLockTime)-int64(m.cfg.RefundSafetyBlocks) &&
		report.Status != chainmonitor.StatusConfirmed {

		c.FailureKind = dlcerrors.KindExpired.String()
		c.FailureMsg = dlcerrors.ErrExpiredBeforeFunding.Error()
		return m.putContract(c)
	}
	return nil
}

// checkConfirmed polls the oracle for attestations on every Confirmed
// contract, broadcasting the matching CET and advancing to PreClosed once
// one is available, or broadcasting the refund transaction once
// refund_locktime is reached with no attestation, per spec.md §4.6's
// "Execute" and "Refund" transitions.
func (m *Manager) checkConfirmed(ctx context.Context) error {
	contracts, err := m.cfg.Storage.ContractsByState(dlc.StateConfirmed)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, c := range contracts {
		if err := m.advanceConfirmed(ctx, c); err != nil {
			log.Errorf("contract %v: %v", c.TempID, err)
		}
	}
	return nil
}

func (m *Manager) advanceConfirmed(ctx context.Context, c *dlc.Contract) error {
	lock := m.contractLock(c.TempID)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := m.cfg.Storage.GetContract(contractKey(c))
	if err != nil {
		return err
	}
	c = fresh
	if c.State != dlc.StateConfirmed {
		return nil
	}

	txid := c.FundingTx.TxHash()
	report, err := m.monitor.CheckConfirmations(ctx, txid, m.cfg.FundingConfirmations)
	if err != nil {
		return err
	}
	if report.Status == chainmonitor.StatusReorgedOut {
		c.State = dlc.StateSigned
		m.metrics.reorgsObserved.Inc()
		return m.putContract(c)
	}

	if advanced, err := m.checkFrontrun(ctx, c); err != nil {
		log.Errorf("contract %v: frontrun check: %v", c.TempID, err)
	} else if advanced {
		return nil
	}

	path, t, err := m.pollAttestation(ctx, c)
	if err != nil {
		return err
	}
	if path != "" {
		return m.broadcastCET(ctx, c, path, t)
	}

	height, err := m.monitor.BestHeight(ctx)
	if err != nil {
		return err
	}
	if int64(height) >= int64(c.RefundLockTime) {
		return m.broadcastRefund(ctx, c)
	}
	return nil
}

// pollAttestation checks the oracle(s) named by c's contract info for a
// published attestation, returning the matching outcome path and the
// extracted adaptor scalar once every required oracle has attested. It
// returns an empty path, not an error, when nothing has attested yet.
func (m *Manager) pollAttestation(ctx context.Context, c *dlc.Contract) (string, *btcec.ModNScalar, error) {
	switch c.ContractInfo.Kind {
	case dlc.ContractInfoEnumKind:
		return m.pollEnumAttestation(ctx, &c.ContractInfo)
	case dlc.ContractInfoNumericKind:
		return m.pollNumericAttestation(ctx, &c.ContractInfo, c.TotalCollateral())
	default:
		return "", nil, dlcerrors.New(dlcerrors.KindInvalidParameter, "unknown contract info kind")
	}
}

// pollEnumAttestation mirrors buildEnumOutcomes' announcement set: the
// single named oracle, or every announcement for an all-agree multi-oracle
// enum contract, whose scalars sum the same way their adaptor points did at
// signing time.
func (m *Manager) pollEnumAttestation(ctx context.Context, info *dlc.ContractInfo) (string, *btcec.ModNScalar, error) {
	anns := info.Enum.OracleParams.Announcements
	if len(anns) == 0 {
		anns = []dlc.Announcement{info.Enum.Oracle}
	}

	var t btcec.ModNScalar
	var outcome string
	for i := range anns {
		att, err := m.cfg.Oracle.GetAttestation(ctx, anns[i].EventID)
		if err != nil {
			return "", nil, nil // not yet attested; not an error condition
		}
		if err := oracle.ValidateAttestation(&anns[i], att); err != nil {
			return "", nil, dlcerrors.Wrap(dlcerrors.KindOracleMismatch, err)
		}
		if len(att.Values) == 0 {
			return "", nil, dlcerrors.New(dlcerrors.KindOracleMismatch, "empty attestation")
		}
		s := scalarFromSig(att.Signatures[0])
		if i == 0 {
			outcome = att.Values[0]
			t = s
			continue
		}
		if att.Values[0] != outcome {
			return "", nil, dlcerrors.New(dlcerrors.KindOracleMismatch, "oracles attested different outcomes")
		}
		t.Add(&s)
	}
	return outcome, &t, nil
}

func (m *Manager) pollNumericAttestation(ctx context.Context, info *dlc.ContractInfo, total btcutil.Amount) (string, *btcec.ModNScalar, error) {
	anns := info.Numeric.OracleParams.Announcements
	if len(anns) == 0 {
		return "", nil, dlcerrors.New(dlcerrors.KindInvalidParameter, "no oracle announcements")
	}

	// Single-oracle case: poll the one announcement directly.
	if len(anns) == 1 {
		att, err := m.cfg.Oracle.GetAttestation(ctx, anns[0].EventID)
		if err != nil {
			return "", nil, nil
		}
		if err := oracle.ValidateAttestation(&anns[0], att); err != nil {
			return "", nil, dlcerrors.Wrap(dlcerrors.KindOracleMismatch, err)
		}
		digits, err := digitsFromValues(att.Values, info.Numeric.OracleParams.Base)
		if err != nil {
			return "", nil, err
		}
		leaves, err := trie.Build(&info.Numeric.Function, total, info.Numeric.OracleParams.Base, info.Numeric.OracleParams.Digits)
		if err != nil {
			return "", nil, err
		}
		leaf, err := trie.Lookup(leaves, digits)
		if err != nil {
			return "", nil, nil // no leaf matches yet/ever; treated as not-yet-attested
		}
		// The leaf's adaptor point only sums the prefix digits'
		// commitments, so only those signatures' scalars unlock it.
		t := sumScalars(att.Signatures[:len(leaf.Prefix)])
		return encodeDigitPath(leaf.Prefix), &t, nil
	}

	// Multi-oracle: poll whatever has attested so far rather than
	// blocking on every announcement, since a threshold-of-n or
	// bounded-disagreement contract can resolve on fewer than n.
	base, digits := info.Numeric.OracleParams.Base, info.Numeric.OracleParams.Digits
	atts := make([]*oracle.Attestation, len(anns))
	present := 0
	for i, ann := range anns {
		att, err := m.cfg.Oracle.GetAttestation(ctx, ann.EventID)
		if err != nil {
			continue
		}
		if err := oracle.ValidateAttestation(&anns[i], att); err != nil {
			return "", nil, dlcerrors.Wrap(dlcerrors.KindOracleMismatch, err)
		}
		atts[i] = att
		present++
	}

	leaves, err := trie.Build(&info.Numeric.Function, total, base, digits)
	if err != nil {
		return "", nil, err
	}

	if info.Numeric.OracleParams.MaxDisagreement != nil {
		return resolveBoundedNumeric(anns, atts, leaves, base, *info.Numeric.OracleParams.MaxDisagreement)
	}

	threshold := info.Numeric.OracleParams.Threshold
	if threshold == 0 {
		threshold = len(anns)
	}
	if present < threshold {
		return "", nil, nil
	}
	return resolveSubsetNumeric(anns, atts, leaves, base, threshold)
}

// resolveSubsetNumeric picks, among the oracles that have attested so far,
// whichever size-threshold subset agrees on a digit path, and returns the
// path and combined adaptor scalar for exactly that subset's CET: the one
// subsetNumericOutcomes built at signing time for this combination.
func resolveSubsetNumeric(anns []dlc.Announcement, atts []*oracle.Attestation, leaves []trie.Leaf, base uint32, threshold int) (string, *btcec.ModNScalar, error) {
	presentIdx := make([]int, 0, len(atts))
	attestedDigits := make([][]uint32, 0, len(atts))
	for i, att := range atts {
		if att == nil {
			continue
		}
		digits, err := digitsFromValues(att.Values, base)
		if err != nil {
			return "", nil, err
		}
		presentIdx = append(presentIdx, i)
		attestedDigits = append(attestedDigits, digits)
	}

	leaf, err := trie.MultiOracleExact(leaves, attestedDigits, threshold)
	if err != nil {
		return "", nil, nil
	}

	agreeing := make([]int, 0, len(presentIdx))
	for i, digits := range attestedDigits {
		if hasDigitPrefix(digits, leaf.Prefix) {
			agreeing = append(agreeing, presentIdx[i])
		}
	}
	if len(agreeing) < threshold {
		return "", nil, nil
	}
	subset := agreeing[:threshold]

	var t btcec.ModNScalar
	first := true
	for _, idx := range subset {
		s := sumScalars(atts[idx].Signatures[:len(leaf.Prefix)])
		if first {
			t = s
			first = false
			continue
		}
		t.Add(&s)
	}
	return encodeSubsetPath(subset, leaf.Prefix), &t, nil
}

func hasDigitPrefix(digits, prefix []uint32) bool {
	if len(prefix) > len(digits) {
		return false
	}
	for i, d := range prefix {
		if digits[i] != d {
			return false
		}
	}
	return true
}

// resolveBoundedNumeric requires both oracles of a two-oracle
// bounded-disagreement contract to have attested, then checks their actual
// values are within maxDisagreement and looks up the matching
// boundedNumericOutcomes CET by each oracle's own leaf bucket.
func resolveBoundedNumeric(anns []dlc.Announcement, atts []*oracle.Attestation, leaves []trie.Leaf, base uint32, maxDisagreement uint64) (string, *btcec.ModNScalar, error) {
	if len(anns) != 2 {
		return "", nil, dlcerrors.New(dlcerrors.KindInvalidParameter, "bounded-disagreement numeric contracts support exactly two oracles")
	}
	if atts[0] == nil || atts[1] == nil {
		return "", nil, nil
	}

	digitsA, err := digitsFromValues(atts[0].Values, base)
	if err != nil {
		return "", nil, err
	}
	digitsB, err := digitsFromValues(atts[1].Values, base)
	if err != nil {
		return "", nil, err
	}

	if _, err := trie.MultiOracleBounded(leaves, [][]uint32{digitsA, digitsB}, base, maxDisagreement); err != nil {
		return "", nil, nil
	}

	leafA, err := trie.Lookup(leaves, digitsA)
	if err != nil {
		return "", nil, nil
	}
	leafB, err := trie.Lookup(leaves, digitsB)
	if err != nil {
		return "", nil, nil
	}

	sA := sumScalars(atts[0].Signatures[:len(leafA.Prefix)])
	sB := sumScalars(atts[1].Signatures[:len(leafB.Prefix)])
	sA.Add(&sB)
	return encodeBoundedPath([][]uint32{leafA.Prefix, leafB.Prefix}), &sA, nil
}

func digitsFromValues(values []string, base uint32) ([]uint32, error) {
	digits := make([]uint32, len(values))
	for i, v := range values {
		d, err := parseDigit(v)
		if err != nil {
			return nil, err
		}
		digits[i] = d
	}
	return digits, nil
}

func parseDigit(v string) (uint32, error) {
	var d uint32
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0, dlcerrors.New(dlcerrors.KindOracleMismatch, "attested value is not a decimal digit")
		}
		d = d*10 + uint32(r-'0')
	}
	return d, nil
}

func scalarFromSig(sig [64]byte) btcec.ModNScalar {
	var s btcec.ModNScalar
	s.SetByteSlice(sig[32:])
	return s
}

func sumScalars(sigs [][64]byte) btcec.ModNScalar {
	var sum btcec.ModNScalar
	for i, sig := range sigs {
		s := scalarFromSig(sig)
		if i == 0 {
			sum = s
			continue
		}
		sum.Add(&s)
	}
	return sum
}

// broadcastCET decrypts both parties' adaptor signatures for path using the
// oracle-revealed scalar t, assembles the funding witness, and broadcasts
// the chosen CET, per spec.md §4.2's adapt/combine/broadcast sequence.
func (m *Manager) broadcastCET(ctx context.Context, c *dlc.Contract, path string, t *btcec.ModNScalar) error {
	var cet *dlc.CET
	for i := range c.Cets {
		if c.Cets[i].OutcomePath == path {
			cet = &c.Cets[i]
			break
		}
	}
	if cet == nil {
		return dlcerrors.New(dlcerrors.KindOracleMismatch, "attested outcome path has no matching CET")
	}

	schedKey := "cet:" + c.TempID.String()
	if !m.broadcastSched.ShouldAttempt(schedKey) {
		return nil
	}

	tx, err := finalizeOutcomeTx(c, cet.Tx, cet.OutcomePath, t)
	if err != nil {
		return err
	}

	if err := m.cfg.Blockchain.Broadcast(ctx, tx); err != nil {
		m.broadcastSched.RecordFailure(schedKey)
		log.Errorf("broadcasting CET for contract %v failed, will retry: %v", c.TempID, err)
		return nil
	}
	m.broadcastSched.Forget(schedKey)

	c.BroadcastCET = tx
	c.AttestedOutcome = path
	c.State = dlc.StatePreClosed
	return m.putContract(c)
}

// finalizeOutcomeTx decrypts this contract's own and counterparty's
// adaptor signatures for outcomePath with t and assembles the spending
// witness for the CET tx. The refund transaction is assembled separately,
// by broadcastRefund, from plain signatures.
func finalizeOutcomeTx(c *dlc.Contract, tx *wire.MsgTx, outcomePath string, t *btcec.ModNScalar) (*wire.MsgTx, error) {
	ownEncoded, ok := c.OwnAdaptorSigs[outcomePath]
	if !ok {
		return nil, dlcerrors.New(dlcerrors.KindInternal, "missing own adaptor signature for outcome")
	}
	cpEncoded, ok := c.CounterpartyAdaptorSigs[outcomePath]
	if !ok {
		return nil, dlcerrors.New(dlcerrors.KindInternal, "missing counterparty adaptor signature for outcome")
	}

	ownSig := adapt(ownEncoded, t)
	cpSig := adapt(cpEncoded, t)

	redeemScript, err := txbuilder.FundingRedeemScript(c.OfferParams.FundingPubKey, c.AcceptParams.FundingPubKey)
	if err != nil {
		return nil, err
	}

	var offerSig, acceptSig []byte
	if c.IsOfferer {
		offerSig, acceptSig = ownSig[:], cpSig[:]
	} else {
		offerSig, acceptSig = cpSig[:], ownSig[:]
	}

	out := copyTx(tx)
	witness, err := txbuilder.SpendFundingWitness(
		redeemScript,
		c.OfferParams.FundingPubKey.SerializeCompressed(), offerSig,
		c.AcceptParams.FundingPubKey.SerializeCompressed(), acceptSig,
	)
	if err != nil {
		return nil, err
	}
	out.TxIn[0].Witness = witness
	return out, nil
}

// broadcastRefund decrypts nothing (the refund is an ordinary signature on
// both sides) and simply combines the two plain signatures exchanged during
// the handshake, broadcasting once refund_locktime is reached with no
// attestation seen.
func (m *Manager) broadcastRefund(ctx context.Context, c *dlc.Contract) error {
	schedKey := "refund:" + c.TempID.String()
	if !m.broadcastSched.ShouldAttempt(schedKey) {
		return nil
	}

	redeemScript, err := txbuilder.FundingRedeemScript(c.OfferParams.FundingPubKey, c.AcceptParams.FundingPubKey)
	if err != nil {
		return err
	}

	var offerSig, acceptSig []byte
	if c.IsOfferer {
		offerSig, acceptSig = c.OwnRefundSig, c.CounterpartyRefundSig
	} else {
		offerSig, acceptSig = c.CounterpartyRefundSig, c.OwnRefundSig
	}

	out := copyTx(c.RefundTx)
	witness, err := txbuilder.SpendFundingWitness(
		redeemScript,
		c.OfferParams.FundingPubKey.SerializeCompressed(), offerSig,
		c.AcceptParams.FundingPubKey.SerializeCompressed(), acceptSig,
	)
	if err != nil {
		return err
	}
	out.TxIn[0].Witness = witness

	if err := m.cfg.Blockchain.Broadcast(ctx, out); err != nil {
		m.broadcastSched.RecordFailure(schedKey)
		log.Errorf("broadcasting refund for contract %v failed, will retry: %v", c.TempID, err)
		return nil
	}
	m.broadcastSched.Forget(schedKey)

	c.State = dlc.StateRefunded
	return m.putContract(c)
}

// checkPreClosed tracks a broadcast CET toward its own confirmation depth,
// reverting to Confirmed if it's reorged out so the next pass re-derives
// and rebroadcasts it.
func (m *Manager) checkPreClosed(ctx context.Context) error {
	contracts, err := m.cfg.Storage.ContractsByState(dlc.StatePreClosed)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, c := range contracts {
		if err := m.advancePreClosed(ctx, c); err != nil {
			log.Errorf("contract %v: %v", c.TempID, err)
		}
	}
	return nil
}

func (m *Manager) advancePreClosed(ctx context.Context, c *dlc.Contract) error {
	lock := m.contractLock(c.TempID)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := m.cfg.Storage.GetContract(contractKey(c))
	if err != nil {
		return err
	}
	c = fresh
	if c.State != dlc.StatePreClosed || c.BroadcastCET == nil {
		return nil
	}

	txid := c.BroadcastCET.TxHash()
	report, err := m.monitor.CheckConfirmations(ctx, txid, 0)
	if err != nil {
		return err
	}

	switch report.Status {
	case chainmonitor.StatusReorgedOut, chainmonitor.StatusNotSeen:
		// A broadcast CET that has vanished from both chain and mempool
		// was reorged out (or never propagated); fall back to Confirmed
		// so the next pass re-derives and rebroadcasts it.
		c.State = dlc.StateConfirmed
		c.BroadcastCET = nil
		c.AttestedOutcome = ""
		m.metrics.reorgsObserved.Inc()
		return m.putContract(c)
	case chainmonitor.StatusConfirmed:
		if report.Confirmations >= m.cfg.CetReorgDepth {
			pnl := realizedPnL(c)
			c.RealizedPnL = &pnl
			c.State = dlc.StateClosed
			return m.putContract(c)
		}
	}
	return nil
}

// realizedPnL computes this party's net result versus its original
// collateral: positive if this CET's payout exceeded what was put at risk.
func realizedPnL(c *dlc.Contract) int64 {
	var ownPayout int64
	var collateral int64
	if c.IsOfferer {
		collateral = int64(c.OfferCollateral)
	} else {
		collateral = int64(c.AcceptCollateral)
	}
	for _, out := range c.BroadcastCET.TxOut {
		var script []byte
		if c.IsOfferer {
			script = c.OfferParams.PayoutScript
		} else {
			script = c.AcceptParams.PayoutScript
		}
		if string(out.PkScript) == string(script) {
			ownPayout = out.Value
			break
		}
	}
	return ownPayout - collateral
}

func adapt(encoded dlc.AdaptorSignature, t *btcec.ModNScalar) [64]byte {
	sig := adaptor.Parse([65]byte(encoded))
	return adaptor.Adapt(sig, t)
}

func contractKey(c *dlc.Contract) []byte {
	if c.ID != nil {
		return c.ID[:]
	}
	return c.TempID[:]
}


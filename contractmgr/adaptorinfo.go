package contractmgr

import (
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/dlcerrors"
	"github.com/dlcd-io/dlcd/oracle"
	"github.com/dlcd-io/dlcd/payout"
	"github.com/dlcd-io/dlcd/trie"
)

// outcome is one leaf of a contract's adaptor info: a distinct CET, the
// payout split it encodes, and the point its adaptor signature is
// encrypted to. OutcomePath is the string both parties use as the key
// into CetAdaptorSigs/OwnAdaptorSigs/CounterpartyAdaptorSigs, and into
// dlc.CET.OutcomePath.
type outcome struct {
	path  string
	split payout.Split
	point *btcec.PublicKey
}

// buildOutcomes expands a contract's adaptor info into the full set of
// distinct CET outcomes, per spec.md §4.3: one per enumerated label, or
// one per digit-trie leaf for a numeric contract.
func buildOutcomes(info *dlc.ContractInfo, total btcutil.Amount) ([]outcome, error) {
	switch info.Kind {
	case dlc.ContractInfoEnumKind:
		return buildEnumOutcomes(info.Enum)
	case dlc.ContractInfoNumericKind:
		return buildNumericOutcomes(info.Numeric, total)
	default:
		return nil, dlcerrors.New(dlcerrors.KindInvalidParameter, "unknown contract info kind")
	}
}

func buildEnumOutcomes(info *dlc.ContractInfoEnum) ([]outcome, error) {
	anns := info.OracleParams.Announcements
	if len(anns) == 0 {
		anns = []dlc.Announcement{info.Oracle}
	}

	outcomes := make([]outcome, 0, len(info.Outcomes))
	for _, o := range info.Outcomes {
		var point *btcec.PublicKey
		if len(anns) == 1 {
			point = oracle.EnumOutcomeAdaptorPoint(&anns[0], o.Outcome)
		} else {
			point = oracle.CombinedEnumAdaptorPoint(anns, o.Outcome)
		}
		outcomes = append(outcomes, outcome{
			path:  o.Outcome,
			split: payout.Split{OfferPayout: o.OfferPayout, AcceptPayout: o.AcceptPayout},
			point: point,
		})
	}
	return outcomes, nil
}

func buildNumericOutcomes(info *dlc.ContractInfoNumeric, total btcutil.Amount) ([]outcome, error) {
	anns := info.OracleParams.Announcements
	if len(anns) == 0 {
		return nil, dlcerrors.New(dlcerrors.KindInvalidParameter, "numeric contract has no oracle announcements")
	}

	leaves, err := trie.Build(&info.Function, total, info.OracleParams.Base, info.OracleParams.Digits)
	if err != nil {
		return nil, err
	}

	if len(anns) == 1 {
		return singleOracleNumericOutcomes(anns, leaves), nil
	}

	if info.OracleParams.MaxDisagreement != nil {
		return boundedNumericOutcomes(anns, leaves, info.OracleParams.Base, info.OracleParams.Digits, *info.OracleParams.MaxDisagreement)
	}

	threshold := info.OracleParams.Threshold
	if threshold == 0 || threshold == len(anns) {
		return combinedNumericOutcomes(anns, leaves), nil
	}
	return subsetNumericOutcomes(anns, leaves, threshold)
}

func singleOracleNumericOutcomes(anns []dlc.Announcement, leaves []trie.Leaf) []outcome {
	outcomes := make([]outcome, 0, len(leaves))
	for _, leaf := range leaves {
		outcomes = append(outcomes, outcome{
			path:  encodeDigitPath(leaf.Prefix),
			split: leaf.Split,
			point: oracle.DigitPathAdaptorPoint(&anns[0], leaf.Prefix),
		})
	}
	return outcomes
}

// combinedNumericOutcomes is the n-of-n "all agree" case: every oracle must
// attest the same digit path, so one adaptor point per leaf, summing every
// announcement's commitment, suffices.
func combinedNumericOutcomes(anns []dlc.Announcement, leaves []trie.Leaf) []outcome {
	outcomes := make([]outcome, 0, len(leaves))
	for _, leaf := range leaves {
		outcomes = append(outcomes, outcome{
			path:  encodeDigitPath(leaf.Prefix),
			split: leaf.Split,
			point: oracle.CombinedDigitPathAdaptorPoint(anns, leaf.Prefix),
		})
	}
	return outcomes
}

// subsetNumericOutcomes handles threshold-of-n exact digit-path agreement
// for threshold < n: since signing can't know in advance which subset of
// oracles will end up agreeing, it builds one CET per (leaf, size-threshold
// subset) combination. atTestation time (pollNumericAttestation) picks
// whichever of these subsets actually agreed and looks the matching
// outcome back up by its canonical path.
func subsetNumericOutcomes(anns []dlc.Announcement, leaves []trie.Leaf, threshold int) ([]outcome, error) {
	if threshold <= 0 || threshold > len(anns) {
		return nil, dlcerrors.New(dlcerrors.KindInvalidParameter, "oracle threshold out of range")
	}
	subsets := combinations(len(anns), threshold)
	outcomes := make([]outcome, 0, len(leaves)*len(subsets))
	for _, leaf := range leaves {
		for _, subset := range subsets {
			outcomes = append(outcomes, outcome{
				path:  encodeSubsetPath(subset, leaf.Prefix),
				split: leaf.Split,
				point: oracle.SubsetDigitPathAdaptorPoint(anns, subset, leaf.Prefix),
			})
		}
	}
	return outcomes, nil
}

// boundedNumericOutcomes handles the Δ-bounded disagreement scheme,
// narrowed to exactly two oracles (see DESIGN.md): every pair of leaves
// whose digit ranges are within maxDisagreement of each other becomes one
// CET, each oracle free to attest its own leaf of that pair independently.
// The payout for a pair is the payout at the midpoint of the two leaves'
// lower bounds; at attestation time resolveBoundedNumeric finds the pair's
// CET by the two oracles' leaf prefixes.
func boundedNumericOutcomes(anns []dlc.Announcement, leaves []trie.Leaf, base, digits uint32, maxDisagreement uint64) ([]outcome, error) {
	if len(anns) != 2 {
		return nil, dlcerrors.New(dlcerrors.KindInvalidParameter, "bounded-disagreement numeric contracts support exactly two oracles")
	}

	var outcomes []outcome
	for _, leafA := range leaves {
		loA, hiA := leafRange(leafA, base, digits)
		for _, leafB := range leaves {
			loB, hiB := leafRange(leafB, base, digits)
			if !withinDisagreement(loA, hiA, loB, hiB, maxDisagreement) {
				continue
			}
			mid := (loA + loB) / 2
			midDigits := trie.Digits(mid, base, digits)
			resolved, err := trie.Lookup(leaves, midDigits)
			if err != nil {
				return nil, err
			}
			outcomes = append(outcomes, outcome{
				path:  encodeBoundedPath([][]uint32{leafA.Prefix, leafB.Prefix}),
				split: resolved.Split,
				point: oracle.BoundedDigitPathAdaptorPoint(anns, [][]uint32{leafA.Prefix, leafB.Prefix}),
			})
		}
	}
	return outcomes, nil
}

// leafRange returns the inclusive [lo, hi] range of full-width values a
// (possibly-compressed) trie leaf covers.
func leafRange(leaf trie.Leaf, base, digits uint32) (uint64, uint64) {
	scale := pow(base, digits-uint32(len(leaf.Prefix)))
	lo := trie.Value(leaf.Prefix, base) * scale
	return lo, lo + scale - 1
}

func pow(base, exp uint32) uint64 {
	r := uint64(1)
	for i := uint32(0); i < exp; i++ {
		r *= uint64(base)
	}
	return r
}

// withinDisagreement reports whether two value ranges are close enough
// that some pair of values they contain could differ by at most
// maxDisagreement: true whenever the ranges overlap or their gap is within
// the bound.
func withinDisagreement(loA, hiA, loB, hiB, maxDisagreement uint64) bool {
	if hiA+maxDisagreement < loB {
		return false
	}
	if hiB+maxDisagreement < loA {
		return false
	}
	return true
}

// combinations returns every size-k subset of {0, ..., n-1}, as ascending
// index slices, in lexicographic order.
func combinations(n, k int) [][]int {
	if k <= 0 || k > n {
		return nil
	}
	var out [][]int
	combo := make([]int, k)
	var rec func(start, depth int)
	rec = func(start, depth int) {
		if depth == k {
			out = append(out, append([]int(nil), combo...))
			return
		}
		for i := start; i < n; i++ {
			combo[depth] = i
			rec(i+1, depth+1)
		}
	}
	rec(0, 0)
	return out
}

// encodeSubsetPath renders a (subset, digit path) pair as the wire/CET key
// for a threshold-of-n exact-agreement outcome, e.g. "t:0,2:1.5.3".
func encodeSubsetPath(subset []int, prefix []uint32) string {
	idx := make([]string, len(subset))
	for i, s := range subset {
		idx[i] = strconv.Itoa(s)
	}
	return "t:" + strings.Join(idx, ",") + ":" + encodeDigitPath(prefix)
}

// encodeBoundedPath renders one digit path per oracle as the wire/CET key
// for a bounded-disagreement outcome, e.g. "b:0:1.5|1:1.6".
func encodeBoundedPath(prefixes [][]uint32) string {
	parts := make([]string, len(prefixes))
	for i, p := range prefixes {
		parts[i] = strconv.Itoa(i) + ":" + encodeDigitPath(p)
	}
	return "b:" + strings.Join(parts, "|")
}

// encodeDigitPath renders a digit-trie prefix as the dot-joined decimal
// string used as the outcome's wire key, e.g. "0.1.5".
func encodeDigitPath(prefix []uint32) string {
	parts := make([]string, len(prefix))
	for i, d := range prefix {
		parts[i] = strconv.FormatUint(uint64(d), 10)
	}
	return strings.Join(parts, ".")
}

// decodeDigitPath is encodeDigitPath's inverse.
func decodeDigitPath(path string) ([]uint32, error) {
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, ".")
	out := make([]uint32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, dlcerrors.Wrap(dlcerrors.KindInternal, err)
		}
		out[i] = uint32(v)
	}
	return out, nil
}

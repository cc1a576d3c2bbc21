// Package aggregate computes reputation summaries over a filtered view of
// an agent's feedback: non-revoked entries, optionally restricted by a
// web-of-trust address set and by tag equality.
//
// summaryValue is the rescaled SUM of matching values, not an average:
// every matching value is rescaled to the maximum decimals observed among
// the matches, then summed algebraically. The same interpretation is used
// everywhere a summary is surfaced.
package aggregate

import (
	"math/big"

	"trustregd/internal/registry"
	"trustregd/internal/store"
)

// Summary is the result of one getSummary call. Value is expressed at the
// Decimals scale. The zero Summary (0, 0, 0) means nothing matched.
type Summary struct {
	Count    uint64
	Value    *big.Int
	Decimals uint8
}

// FeedbackReader is the store surface the aggregator needs.
type FeedbackReader interface {
	ListFeedback(agentID uint64, f store.FeedbackFilter) ([]registry.FeedbackEntry, error)
}

// Aggregator computes summaries on demand from stored feedback.
type Aggregator struct {
	r FeedbackReader
}

// New creates an Aggregator over the given reader.
func New(r FeedbackReader) *Aggregator {
	return &Aggregator{r: r}
}

// Summary aggregates the agent's non-revoked feedback restricted by the
// trust set and tag filters. Empty filters mean no restriction.
func (a *Aggregator) Summary(agentID uint64, trust TrustSet, tag1, tag2 string) (Summary, error) {
	entries, err := a.r.ListFeedback(agentID, store.FeedbackFilter{
		Clients: trust.Addresses(),
		Tag1:    tag1,
		Tag2:    tag2,
	})
	if err != nil {
		return Summary{}, err
	}
	return Reduce(entries), nil
}

// Reduce folds already-filtered entries into a Summary. Exposed separately
// so callers holding an entry slice (for example an IPC readAll result)
// can summarize without another store round trip.
func Reduce(entries []registry.FeedbackEntry) Summary {
	if len(entries) == 0 {
		return Summary{Value: new(big.Int)}
	}

	var maxDecimals uint8
	for _, e := range entries {
		if e.ValueDecimals > maxDecimals {
			maxDecimals = e.ValueDecimals
		}
	}

	sum := new(big.Int)
	scaled := new(big.Int)
	for _, e := range entries {
		scaled.Set(e.Value)
		if shift := maxDecimals - e.ValueDecimals; shift > 0 {
			scaled.Mul(scaled, pow10(shift))
		}
		sum.Add(sum, scaled)
	}

	return Summary{
		Count:    uint64(len(entries)),
		Value:    sum,
		Decimals: maxDecimals,
	}
}

// Rescale returns value expressed at the target decimal scale. The target
// must be at least the value's own scale.
func Rescale(value *big.Int, from, to uint8) *big.Int {
	out := new(big.Int).Set(value)
	if to > from {
		out.Mul(out, pow10(to-from))
	}
	return out
}

var ten = big.NewInt(10)

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(ten, big.NewInt(int64(n)), nil)
}

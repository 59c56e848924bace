package detect

import (
	"sort"

	"github.com/kalambet/scrubd/internal/adapter"
)

// DefaultHighPrecision are the structured-identifier categories whose rule
// matches always win a merge.
var DefaultHighPrecision = []string{
	CategorySSN, CategoryCreditCard, CategoryAadhaar, CategoryPAN,
	CategoryEmail, CategoryIPAddress, CategoryPhoneUS, CategoryPhoneIN,
}

// Options tune detection for one job.
type Options struct {
	// ModelThreshold drops model entities scoring below it.
	ModelThreshold float64
	HighPrecision  []string
	Disabled       []string
}

// Filter applies the threshold and disabled categories.
func Filter(entities []adapter.Entity, opts Options) []adapter.Entity {
	disabled := set(opts.Disabled)
	out := entities[:0:0]
	for _, e := range entities {
		if disabled[e.Category] {
			continue
		}
		if e.Source == adapter.SourceModel && e.Confidence < opts.ModelThreshold {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Merge resolves overlapping detections into one entity per cluster of
// overlapping spans. The merged span is the union of the cluster. The
// category is taken from the winning member, chosen in order by:
//
//  1. a rule match on a high-precision category
//  2. higher confidence
//  3. rule source over model source
//  4. longer span
//  5. earlier start, then lexically smaller category
//
// The result is sorted by start and does not depend on input order.
func Merge(entities []adapter.Entity, highPrecision []string) []adapter.Entity {
	if len(entities) == 0 {
		return nil
	}
	hp := set(highPrecision)

	sorted := append([]adapter.Entity(nil), entities...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End > b.End
		}
		return beats(a, b, hp)
	})

	var out []adapter.Entity
	cluster := sorted[0]
	winner := sorted[0]
	for _, e := range sorted[1:] {
		if e.Start < cluster.End {
			cluster.End = max(cluster.End, e.End)
			if beats(e, winner, hp) {
				winner = e
			}
			continue
		}
		out = append(out, resolve(cluster, winner))
		cluster, winner = e, e
	}
	out = append(out, resolve(cluster, winner))
	return out
}

func resolve(span, winner adapter.Entity) adapter.Entity {
	return adapter.Entity{
		Category:   winner.Category,
		Start:      span.Start,
		End:        span.End,
		Confidence: winner.Confidence,
		Source:     winner.Source,
	}
}

// beats reports whether a wins over b.
func beats(a, b adapter.Entity, hp map[string]bool) bool {
	aHP := a.Source == adapter.SourceRule && hp[a.Category]
	bHP := b.Source == adapter.SourceRule && hp[b.Category]
	if aHP != bHP {
		return aHP
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	aRule, bRule := a.Source == adapter.SourceRule, b.Source == adapter.SourceRule
	if aRule != bRule {
		return aRule
	}
	if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
		return la > lb
	}
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	if a.Category != b.Category {
		return a.Category < b.Category
	}
	return a.Source < b.Source
}

func set(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

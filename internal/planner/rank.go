package planner

import "sort"

var typeRank = map[Type]int{TypeWalk: 0, TypeDirect: 1, TypeTransfer: 2}

// rank dedups by signature, drops transfers slower than the fastest direct
// unless they save MaterialLegReduction legs, and sorts by duration. Direct
// itineraries get DirectPreferenceMin of head start; ties go to the simpler
// type, then the signature.
func (p *Planner) rank(in []Itinerary) []Itinerary {
	seen := make(map[string]bool, len(in))
	var uniq []Itinerary
	for _, it := range in {
		if seen[it.Signature] {
			continue
		}
		seen[it.Signature] = true
		uniq = append(uniq, it)
	}

	var fastest *Itinerary
	for i := range uniq {
		if uniq[i].Type == TypeDirect && (fastest == nil || uniq[i].DurationMin < fastest.DurationMin) {
			fastest = &uniq[i]
		}
	}
	out := make([]Itinerary, 0, len(uniq))
	for _, it := range uniq {
		if it.Type == TypeTransfer && fastest != nil && it.DurationMin > fastest.DurationMin &&
			len(fastest.Legs)-len(it.Legs) < p.opts.MaterialLegReduction {
			continue
		}
		out = append(out, it)
	}

	key := func(it Itinerary) float64 {
		if it.Type == TypeDirect {
			return it.DurationMin - p.opts.DirectPreferenceMin
		}
		return it.DurationMin
	}
	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := key(out[i]), key(out[j])
		if ki != kj {
			return ki < kj
		}
		if typeRank[out[i].Type] != typeRank[out[j].Type] {
			return typeRank[out[i].Type] < typeRank[out[j].Type]
		}
		return out[i].Signature < out[j].Signature
	})

	if len(out) > p.opts.MaxItineraries {
		out = out[:p.opts.MaxItineraries]
	}
	return out
}

package aggregate

import (
	"sort"

	"marketfeed/internal/provider"
)

// Row is one line of the flat, per-market view.
type Row struct {
	provider.Quote
	Fallback bool `json:"fallback"`
}

// LatestByMarket collapses quotes by (Market, Symbol), keeping the newest.
// A live quote always beats a synthesized one. For equal timestamps later
// input wins. Output is sorted by market, then symbol.
func LatestByMarket(sets ...map[string]provider.Quote) []Row {
	type key struct {
		market provider.Market
		symbol string
	}
	latest := make(map[key]provider.Quote)
	for _, set := range sets {
		for _, q := range set {
			k := key{q.Market, q.Symbol}
			cur, ok := latest[k]
			switch {
			case !ok:
			case cur.IsFallback() && !q.IsFallback():
			case !cur.IsFallback() && q.IsFallback():
				continue
			case q.FetchedAt.Before(cur.FetchedAt):
				continue
			}
			latest[k] = q
		}
	}

	out := make([]Row, 0, len(latest))
	for _, q := range latest {
		out = append(out, Row{Quote: q, Fallback: q.IsFallback()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Market != out[j].Market {
			return out[i].Market < out[j].Market
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

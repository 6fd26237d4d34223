package amm

import (
	"strings"
)

// Pairing canonicalizes token pairs so that (A, B) and (B, A) name the same
// pool. Base assets come first in list order, unlisted assets next, quote
// assets last; ties fall back to alphabetical order.
type Pairing struct {
	rank map[string]int
}

const (
	unlistedRank = 100
	quoteRank    = 1000
)

// DefaultBaseAssets are the majors that always lead a pair.
var DefaultBaseAssets = []string{"BTC", "ETH", "SOL", "PAXG", "XAUT"}

// DefaultQuoteAssets are the settlement stables that always trail a pair.
var DefaultQuoteAssets = []string{"USDT", "USDC"}

// NewPairing builds a canonicalizer from ordered base and quote lists.
func NewPairing(bases, quotes []string) Pairing {
	rank := make(map[string]int, len(bases)+len(quotes))
	for i, b := range bases {
		rank[normalize(b)] = i
	}
	for i, q := range quotes {
		rank[normalize(q)] = quoteRank + i
	}
	return Pairing{rank: rank}
}

func (p Pairing) rankOf(token string) int {
	if r, ok := p.rank[token]; ok {
		return r
	}
	return unlistedRank
}

// Order returns the tokens as (base, quote).
func (p Pairing) Order(tokenA, tokenB string) (string, string) {
	a, b := normalize(tokenA), normalize(tokenB)
	ra, rb := p.rankOf(a), p.rankOf(b)
	if ra < rb || (ra == rb && a <= b) {
		return a, b
	}
	return b, a
}

// ID returns the canonical "BASE/QUOTE" pair identifier.
func (p Pairing) ID(tokenA, tokenB string) string {
	base, quote := p.Order(tokenA, tokenB)
	return base + "/" + quote
}

// IsQuote reports whether token is a configured quote asset.
func (p Pairing) IsQuote(token string) bool {
	return p.rankOf(normalize(token)) >= quoteRank
}

func normalize(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

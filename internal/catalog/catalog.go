// Package catalog lists the assets structured derivatives can be issued on
// and handles product ticker formatting and parsing.
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/obelisk/execution-engine/internal/model"
)

// Asset categories, in catalog display order.
const (
	CategoryRWAGold    = "rwa_gold"
	CategoryStablecoin = "stablecoin"
	CategoryETF        = "etf"
	CategoryCommodity  = "commodity"
	CategoryCrypto     = "crypto"
	CategoryStock      = "stock"
)

var categoryRank = map[string]int{
	CategoryRWAGold:    0,
	CategoryStablecoin: 1,
	CategoryETF:        2,
	CategoryCommodity:  3,
	CategoryCrypto:     4,
	CategoryStock:      5,
}

// tickerRegex matches: OBL-{ASSET}[P|Y]
// Examples: OBL-PAXG, OBL-ETHP, OBL-GC=FY
var tickerRegex = regexp.MustCompile(`^OBL-([A-Z0-9=]+)$`)

var (
	ErrInvalidTicker    = errors.New("catalog: invalid ticker format")
	ErrUnsupportedAsset = errors.New("catalog: unsupported asset")
	ErrInvalidCategory  = errors.New("catalog: unknown category")
)

// Asset is one supported underlying.
type Asset struct {
	Symbol      string `json:"symbol" yaml:"symbol"`
	Name        string `json:"name" yaml:"name"`
	Category    string `json:"category" yaml:"category"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// Ticker is a parsed product ticker.
type Ticker struct {
	Ticker  string        `json:"ticker"`
	Asset   string        `json:"asset"`
	Product model.Product `json:"product"`
}

// Catalog is an immutable set of supported assets.
type Catalog struct {
	assets map[string]Asset
	order  []string // display order: category rank, then insertion
}

// New builds a catalog. Symbols are upper-cased; a repeated symbol
// replaces the earlier definition.
func New(assets ...Asset) (*Catalog, error) {
	c := &Catalog{assets: make(map[string]Asset, len(assets))}
	for _, a := range assets {
		a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
		if a.Symbol == "" {
			return nil, fmt.Errorf("%w: empty symbol", ErrUnsupportedAsset)
		}
		if _, ok := categoryRank[a.Category]; !ok {
			return nil, fmt.Errorf("%w: %s (%s)", ErrInvalidCategory, a.Category, a.Symbol)
		}
		if _, dup := c.assets[a.Symbol]; !dup {
			c.order = append(c.order, a.Symbol)
		}
		c.assets[a.Symbol] = a
	}
	sort.SliceStable(c.order, func(i, j int) bool {
		return categoryRank[c.assets[c.order[i]].Category] < categoryRank[c.assets[c.order[j]].Category]
	})
	return c, nil
}

// Default returns the standard catalog: majors, tokenized gold, USD
// stablecoins, equity ETFs, stocks and commodity futures.
func Default() *Catalog {
	c, err := New(DefaultAssets()...)
	if err != nil {
		panic(err) // static table
	}
	return c
}

// DefaultAssets returns the built-in asset table.
func DefaultAssets() []Asset {
	return []Asset{
		{Symbol: "BTC", Name: "Bitcoin", Category: CategoryCrypto},
		{Symbol: "ETH", Name: "Ethereum", Category: CategoryCrypto},
		{Symbol: "SOL", Name: "Solana", Category: CategoryCrypto},
		{Symbol: "PAXG", Name: "Paxos Gold", Category: CategoryRWAGold, Description: "1 troy oz gold (LBMA vault, London)"},
		{Symbol: "XAUT", Name: "Tether Gold", Category: CategoryRWAGold, Description: "1 troy oz gold (private vault, Switzerland)"},
		{Symbol: "USDT", Name: "Tether USD", Category: CategoryStablecoin},
		{Symbol: "DAI", Name: "DAI", Category: CategoryStablecoin},
		{Symbol: "USDE", Name: "Ethena USDe", Category: CategoryStablecoin, Description: "Synthetic dollar, tradeable depeg"},
		{Symbol: "FDUSD", Name: "First Digital USD", Category: CategoryStablecoin},
		{Symbol: "FRAX", Name: "Frax Finance", Category: CategoryStablecoin, Description: "Algorithmic stablecoin"},
		{Symbol: "NVDA", Name: "NVIDIA", Category: CategoryStock},
		{Symbol: "AAPL", Name: "Apple", Category: CategoryStock},
		{Symbol: "SPY", Name: "S&P 500 ETF", Category: CategoryETF},
		{Symbol: "QQQ", Name: "Nasdaq ETF", Category: CategoryETF},
		{Symbol: "GLD", Name: "Gold ETF", Category: CategoryETF},
		{Symbol: "GC=F", Name: "Gold Futures", Category: CategoryCommodity, Description: "1 futures contract (~100 troy oz)"},
		{Symbol: "CL=F", Name: "WTI Crude Oil", Category: CategoryCommodity},
	}
}

// Lookup returns the asset for symbol (case-insensitive).
func (c *Catalog) Lookup(symbol string) (Asset, bool) {
	a, ok := c.assets[strings.ToUpper(strings.TrimSpace(symbol))]
	return a, ok
}

// Assets returns every asset in display order.
func (c *Catalog) Assets() []Asset {
	out := make([]Asset, len(c.order))
	for i, sym := range c.order {
		out[i] = c.assets[sym]
	}
	return out
}

// TickerFor formats the product ticker for an asset.
func TickerFor(asset string, product model.Product) string {
	suffix := ""
	switch product {
	case model.ProductProtected:
		suffix = "P"
	case model.ProductYield:
		suffix = "Y"
	}
	return "OBL-" + strings.ToUpper(asset) + suffix
}

// ParseTicker parses and validates a product ticker.
// Format: OBL-{ASSET} (standard), OBL-{ASSET}P (protected), OBL-{ASSET}Y (yield).
//
// An exact asset match wins over a suffix, so OBL-SPY is the standard SPY
// product and OBL-SPYY its yield variant.
func (c *Catalog) ParseTicker(ticker string) (*Ticker, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected OBL-{asset}[P|Y])", ErrInvalidTicker, ticker)
	}
	body := matches[1]

	if _, ok := c.assets[body]; ok {
		return &Ticker{Ticker: ticker, Asset: body, Product: model.ProductStandard}, nil
	}

	var product model.Product
	switch body[len(body)-1] {
	case 'P':
		product = model.ProductProtected
	case 'Y':
		product = model.ProductYield
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, body)
	}
	asset := body[:len(body)-1]
	if _, ok := c.assets[asset]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	return &Ticker{Ticker: ticker, Asset: asset, Product: product}, nil
}

// Package venue defines the execution-venue contract consumed by the order
// router and ships three adapters: a paper simulator, an executor backed by
// the internal liquidity pools, and a generic JSON-over-HTTP venue client.
package venue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/obelisk/execution-engine/internal/model"
)

var (
	// ErrVenueUnavailable matches any venue error with CodeUnavailable.
	ErrVenueUnavailable = errors.New("venue: unavailable")

	// ErrRateLimited matches any venue error with CodeRateLimited.
	ErrRateLimited = errors.New("venue: rate limited")
)

// Status is the successful outcome of an execution call.
type Status string

const (
	// StatusFilled means the order executed; Fills carry the executions.
	StatusFilled Status = "filled"
	// StatusAccepted means the venue is holding the order; fills arrive later.
	StatusAccepted Status = "accepted"
)

// Result is a venue's successful answer to Execute.
type Result struct {
	Venue     string          `json:"venue"`
	Status    Status          `json:"status"`
	TxID      string          `json:"tx_id"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Fee       decimal.Decimal `json:"fee"`
	Fills     []model.Fill    `json:"fills"`
	Simulated bool            `json:"simulated"`
	Message   string          `json:"message,omitempty"`
}

// Executor executes normalized orders on one venue.
type Executor interface {
	Name() string
	Execute(ctx context.Context, order model.Order) (*Result, error)
}

// Canceler is implemented by venues that can cancel resting orders.
type Canceler interface {
	Cancel(ctx context.Context, order model.Order) error
}

// Code classifies a venue failure.
type Code string

const (
	CodeRateLimited Code = "rate_limited"
	CodeUnavailable Code = "unavailable"
	CodeRejected    Code = "rejected"
	CodeTimeout     Code = "timeout"
)

// Error is the structured failure returned by venue adapters.
type Error struct {
	Venue   string
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s: %s", e.Venue, e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRateLimited) and errors.Is(err,
// ErrVenueUnavailable) match on the code.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Code == CodeRateLimited
	case ErrVenueUnavailable:
		return e.Code == CodeUnavailable
	}
	return false
}

// NewError builds a structured venue error.
func NewError(venue string, code Code, format string, args ...any) *Error {
	return &Error{Venue: venue, Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsRateLimited reports whether err signals a rate limit. Structured errors
// are decided by their code; anything else falls back to the message text
// third-party adapters commonly use.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code == CodeRateLimited
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}

// CodeOf returns the structured code of err, or CodeUnavailable for
// unstructured failures.
func CodeOf(err error) Code {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if IsRateLimited(err) {
		return CodeRateLimited
	}
	return CodeUnavailable
}

// SplitSymbol splits "ETH/USDC", "ETH-PERP" or "ETH" into base and quote,
// defaulting the quote to defaultQuote.
func SplitSymbol(symbol, defaultQuote string) (base, quote string) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.TrimSuffix(s, "-PERP")
	if i := strings.IndexAny(s, "/-"); i > 0 {
		return s[:i], s[i+1:]
	}
	return s, defaultQuote
}

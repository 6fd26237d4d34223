package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/obelisk/execution-engine/internal/model"
	"github.com/obelisk/execution-engine/internal/venue"
)

// Tier is the execution-strictness level of an order. Tier 0 orders may be
// filled on paper; tier 1 and above require real execution. It decodes from
// JSON as either a number or a "TIER<n>" string.
type Tier int

func (t *Tier) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*t = 0
		return nil
	}
	n, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = Tier(n)
	return nil
}

// ParseTier accepts "", "2" or "TIER2".
func ParseTier(s string) (int, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "TIER")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad tier %q", ErrInvalidOrder, s)
	}
	return n, nil
}

// RequiresRealExecution reports whether the order must never be simulated.
func RequiresRealExecution(o model.Order) bool {
	return o.Tier >= 1 || o.RealExecution
}

// Venues names the configured venue roles. Empty names are unconfigured.
type Venues struct {
	Primary   string // central order-book venue
	OnChain   string // on-chain swap venue
	Secondary string // perpetuals venue
}

// Plan is the ordered list of venues one order will try.
type Plan struct {
	Steps          []string
	AllowSimulated bool
	Skipped        []string // configured venues left out while cooling down
}

// BuildPlan decides the venue cascade for an order.
//
// Real-execution orders try the on-chain venue then the secondary venue and
// never accept a simulated result. Normal orders try the primary venue then
// fall back to secondary and on-chain (on-chain first in on-chain priority
// mode); without fallback only the first venue is tried. Paper is appended
// only when no real venue is configured at all and the order allows it.
func BuildPlan(roles Venues, fallback, onChainPriority bool, order model.Order,
	configured func(string) bool, cooling func(string) bool) Plan {

	var candidates []string
	realOnly := RequiresRealExecution(order)
	switch {
	case realOnly:
		candidates = []string{roles.OnChain, roles.Secondary}
	case onChainPriority:
		candidates = []string{roles.OnChain, roles.Primary, roles.Secondary}
	default:
		candidates = []string{roles.Primary, roles.Secondary, roles.OnChain}
	}
	if !realOnly && !fallback {
		if first := firstConfigured(candidates, configured); first != "" {
			candidates = []string{first}
		}
	}

	var plan Plan
	anyReal := firstConfigured([]string{roles.Primary, roles.OnChain, roles.Secondary}, configured) != ""
	seen := make(map[string]bool)
	for _, name := range candidates {
		if name == "" || seen[name] || !configured(name) {
			continue
		}
		seen[name] = true
		if cooling(name) {
			plan.Skipped = append(plan.Skipped, name)
			continue
		}
		plan.Steps = append(plan.Steps, name)
	}

	plan.AllowSimulated = !realOnly && !order.RejectPaper
	if !anyReal && plan.AllowSimulated {
		plan.Steps = append(plan.Steps, venue.PaperName)
	}
	return plan
}

func firstConfigured(names []string, configured func(string) bool) string {
	for _, n := range names {
		if n != "" && configured(n) {
			return n
		}
	}
	return ""
}

// attemptFunc executes an order on one named venue.
type attemptFunc func(ctx context.Context, venueName string) (*venue.Result, error)

// tryNext folds the plan left to right: each venue is tried once and the
// first success ends the fold. The returned trail lists exactly the venues
// attempted, in order.
func tryNext(ctx context.Context, steps []string, try attemptFunc, trail []model.Attempt) (*venue.Result, string, []model.Attempt) {
	if len(steps) == 0 {
		return nil, "", trail
	}
	name := steps[0]
	res, err := try(ctx, name)
	if err == nil {
		return res, name, append(trail, model.Attempt{Venue: name, Outcome: string(res.Status)})
	}
	trail = append(trail, model.Attempt{Venue: name, Outcome: outcomeOf(err), Error: err.Error()})
	if ctx.Err() != nil {
		// Cancelled by the caller: stop without touching more venues.
		return nil, "", trail
	}
	return tryNext(ctx, steps[1:], try, trail)
}

func outcomeOf(err error) string {
	switch venue.CodeOf(err) {
	case venue.CodeRateLimited:
		return "rate_limited"
	case venue.CodeTimeout:
		return "timeout"
	case venue.CodeRejected:
		return "rejected"
	}
	return "failed"
}

// trailError concatenates the per-venue failures of a cascade.
func trailError(trail []model.Attempt, skipped []string) error {
	if len(trail) == 0 {
		if len(skipped) > 0 {
			return fmt.Errorf("%w: cooling down: %s", venue.ErrRateLimited, strings.Join(skipped, ", "))
		}
		return ErrNoVenue
	}
	parts := make([]string, len(trail))
	for i, a := range trail {
		parts[i] = a.Venue + ": " + a.Error
	}
	return fmt.Errorf("%w: %s", ErrAllVenuesFailed, strings.Join(parts, "; "))
}

var errSimulated = errors.New("simulated result rejected for real execution")

// Package segment computes rider segments from profile data.
//
// Segments are CEL boolean expressions over the rider profile. The built-in
// keys NEW_USER, INACTIVE_30_DAYS and HIGH_VALUE are always available; with
// the expression strategy, any other segment key is itself compiled as a
// CEL expression.
package segment

import (
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/cel-go/cel"

	"github.com/xenking/ride-coupons/internal/domain/coupon"
)

// Built-in segment keys.
const (
	NewUser        = "NEW_USER"
	Inactive30Days = "INACTIVE_30_DAYS"
	HighValue      = "HIGH_VALUE"
)

// Builtins maps built-in segment keys to their rules.
var Builtins = map[string]string{
	NewUser:        `signed_up_at > now - duration("168h")`,
	Inactive30Days: `!has_ridden || last_ride_at < now - duration("720h")`,
	HighValue:      `completed_rides >= 10`,
}

// Strategy selects how unknown segment keys are handled.
type Strategy string

const (
	// StrategyBuiltin only recognizes Builtins; other keys never match.
	StrategyBuiltin Strategy = "builtin"
	// StrategyExpression compiles unknown keys as CEL expressions.
	StrategyExpression Strategy = "expression"
)

// ErrNotBool is returned when a segment expression does not yield a bool.
var ErrNotBool = errors.New("segment expression must evaluate to bool")

var _ coupon.SegmentMatcher = (*Matcher)(nil)

// Matcher evaluates segment rules. Compiled programs are cached, so a
// Matcher is safe for concurrent use and cheap to call repeatedly.
type Matcher struct {
	env      *cel.Env
	strategy Strategy

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// New creates a Matcher. All built-in rules are compiled eagerly.
func New(strategy Strategy) (*Matcher, error) {
	switch strategy {
	case "":
		strategy = StrategyBuiltin
	case StrategyBuiltin, StrategyExpression:
	default:
		return nil, errors.Errorf("unknown segment strategy %q", strategy)
	}

	env, err := cel.NewEnv(
		cel.Variable("now", cel.TimestampType),
		cel.Variable("signed_up_at", cel.TimestampType),
		cel.Variable("last_ride_at", cel.TimestampType),
		cel.Variable("has_ridden", cel.BoolType),
		cel.Variable("completed_rides", cel.IntType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create cel env")
	}

	m := &Matcher{
		env:      env,
		strategy: strategy,
		programs: make(map[string]cel.Program, len(Builtins)),
	}
	for key, expr := range Builtins {
		prg, err := m.compile(expr)
		if err != nil {
			return nil, errors.Wrapf(err, "compile builtin %s", key)
		}
		m.programs[key] = prg
	}
	return m, nil
}

// MatchSegment reports whether p belongs to the segment named key at now.
// Unknown keys report false unless the expression strategy is enabled.
func (m *Matcher) MatchSegment(key string, p coupon.Profile, now time.Time) (bool, error) {
	prg, ok, err := m.program(key)
	if err != nil || !ok {
		return false, err
	}

	lastRide := time.Time{}
	if p.LastRideAt != nil {
		lastRide = *p.LastRideAt
	}
	out, _, err := prg.Eval(map[string]any{
		"now":             now.UTC(),
		"signed_up_at":    p.SignedUpAt.UTC(),
		"last_ride_at":    lastRide.UTC(),
		"has_ridden":      p.LastRideAt != nil,
		"completed_rides": int64(p.CompletedRides),
	})
	if err != nil {
		return false, errors.Wrapf(err, "eval segment %s", key)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, ErrNotBool
	}
	return v, nil
}

func (m *Matcher) program(key string) (cel.Program, bool, error) {
	m.mu.RLock()
	prg, ok := m.programs[key]
	m.mu.RUnlock()
	if ok {
		return prg, true, nil
	}
	if m.strategy != StrategyExpression {
		return nil, false, nil
	}

	prg, err := m.compile(key)
	if err != nil {
		return nil, false, errors.Wrapf(err, "compile segment %q", key)
	}
	m.mu.Lock()
	m.programs[key] = prg
	m.mu.Unlock()
	return prg, true, nil
}

func (m *Matcher) compile(expr string) (cel.Program, error) {
	ast, iss := m.env.Compile(expr)
	if iss.Err() != nil {
		return nil, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, ErrNotBool
	}
	prg, err := m.env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "program")
	}
	return prg, nil
}

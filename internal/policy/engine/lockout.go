// Package engine evaluates the account lockout policy with OPA Rego.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
)

const lockoutQuery = "data.acad.lockout.decision"

// DefaultLockoutPolicy locks once the recent failures reach the threshold. Each lockout doubles
// the previous duration, capped at max_seconds.
const DefaultLockoutPolicy = `package acad.lockout

default lock := false

default duration_seconds := 0

lock if input.failed_count >= input.threshold

duration_seconds := d if {
	lock
	shift := min([input.lockout_count, 20])
	d := min([bits.lsh(input.base_seconds, shift), input.max_seconds])
}

decision := {"lock": lock, "duration_seconds": duration_seconds}
`

// LockoutInput is what the policy sees about the account.
type LockoutInput struct {
	FailedCount  int
	Threshold    int
	LockoutCount int
	BaseDuration time.Duration
	MaxDuration  time.Duration
}

// LockoutDecision is the policy output.
type LockoutDecision struct {
	Lock     bool
	Duration time.Duration
}

// LockoutPolicy is a compiled lockout policy. It is safe for concurrent use.
type LockoutPolicy struct {
	query rego.PreparedEvalQuery
}

// NewLockoutPolicy compiles module, or DefaultLockoutPolicy when module is empty. A custom module
// must define data.acad.lockout.decision as {"lock": bool, "duration_seconds": number}.
func NewLockoutPolicy(ctx context.Context, module string) (*LockoutPolicy, error) {
	if module == "" {
		module = DefaultLockoutPolicy
	}
	q, err := rego.New(
		rego.Query(lockoutQuery),
		rego.Module("lockout.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile lockout policy: %w", err)
	}
	return &LockoutPolicy{query: q}, nil
}

// LoadLockoutPolicy compiles the rego file at path, or the default policy when path is empty.
func LoadLockoutPolicy(ctx context.Context, path string) (*LockoutPolicy, error) {
	if path == "" {
		return NewLockoutPolicy(ctx, "")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lockout policy: %w", err)
	}
	return NewLockoutPolicy(ctx, string(b))
}

// Decide evaluates the policy. Any evaluation problem is an error; callers fail closed.
func (p *LockoutPolicy) Decide(ctx context.Context, in LockoutInput) (LockoutDecision, error) {
	input := map[string]interface{}{
		"failed_count":  in.FailedCount,
		"threshold":     in.Threshold,
		"lockout_count": in.LockoutCount,
		"base_seconds":  int64(in.BaseDuration / time.Second),
		"max_seconds":   int64(in.MaxDuration / time.Second),
	}
	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return LockoutDecision{}, fmt.Errorf("eval lockout policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return LockoutDecision{}, errors.New("lockout policy returned no decision")
	}
	obj, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return LockoutDecision{}, fmt.Errorf("lockout policy decision has type %T", rs[0].Expressions[0].Value)
	}
	var out LockoutDecision
	if out.Lock, ok = obj["lock"].(bool); !ok {
		return LockoutDecision{}, errors.New("lockout policy decision has no boolean lock")
	}
	secs, err := number(obj["duration_seconds"])
	if err != nil {
		return LockoutDecision{}, err
	}
	out.Duration = time.Duration(secs) * time.Second
	if out.Lock && out.Duration <= 0 {
		return LockoutDecision{}, errors.New("lockout policy locked without a duration")
	}
	return out, nil
}

// HealthCheck evaluates a below-threshold input.
func (p *LockoutPolicy) HealthCheck(ctx context.Context) error {
	_, err := p.Decide(ctx, LockoutInput{Threshold: 1, BaseDuration: time.Minute, MaxDuration: time.Minute})
	return err
}

func number(v interface{}) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	}
	return 0, fmt.Errorf("lockout policy duration_seconds has type %T", v)
}

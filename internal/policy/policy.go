// Package policy implements the config-driven expression
// language that gates session behavior: a small language over a
// fixed variable namespace with side-effecting builtins for
// backend queries, DNS lookups and counter/key-value access.
//
// Expressions are parsed once at configuration load and
// re-evaluated per invocation against a session's variables;
// evaluation may perform backend I/O and is never assumed pure.
package policy

import (
	"context"

	"github.com/pkg/errors"
)

// Session variable names. The namespace is fixed; parsing an
// expression that references anything else fails.
const (
	VRecipient       = "recipient"
	VRecipientDomain = "rcpt_domain"
	VSender          = "sender"
	VSenderDomain    = "sender_domain"
	VMX              = "mx"
	VHeloDomain      = "helo_domain"
	VAuthenticatedAs = "authenticated_as"
	VListener        = "listener"
	VRemoteIP        = "remote_ip"
	VLocalIP         = "local_ip"
	VPriority        = "priority"
)

var variables = map[string]struct{}{
	VRecipient:       {},
	VRecipientDomain: {},
	VSender:          {},
	VSenderDomain:    {},
	VMX:              {},
	VHeloDomain:      {},
	VAuthenticatedAs: {},
	VListener:        {},
	VRemoteIP:        {},
	VLocalIP:         {},
	VPriority:        {},
}

// Variables carries the per-evaluation session context.
type Variables map[string]Value

// Expr is a parsed, immutable expression. Safe for concurrent
// evaluation.
type Expr struct {
	src  string
	root node
}

// Parse compiles src against the builtin table in funcs.
func Parse(src string, funcs *Funcs) (*Expr, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, errors.WithMessagef(err, "parse '%s'", src)
	}

	p := &parser{tokens: tokens, funcs: funcs}

	root, err := p.parseExpr()
	if err != nil {
		return nil, errors.WithMessagef(err, "parse '%s'", src)
	}

	if t := p.peek(); t.kind != tkEOF {
		return nil, errors.Errorf("parse '%s': trailing '%s' at offset %d", src, t.text, t.pos)
	}

	return &Expr{src: src, root: root}, nil
}

func (e *Expr) String() string {
	return e.src
}

// Eval evaluates the expression against vars. Builtins may hit
// backends, so ctx carries the caller's timeout.
func (e *Expr) Eval(ctx context.Context, vars Variables) (Value, error) {
	return e.root.eval(ctx, vars)
}

func (e *Expr) EvalString(ctx context.Context, vars Variables) (string, error) {
	v, err := e.Eval(ctx, vars)
	if err != nil {
		return "", err
	}
	return ToString(v)
}

func (e *Expr) EvalBool(ctx context.Context, vars Variables) (bool, error) {
	v, err := e.Eval(ctx, vars)
	if err != nil {
		return false, err
	}
	return ToBool(v)
}

// Branch is one arm of a Rule: when When evaluates true (or is
// nil, the else arm), the rule yields Then.
type Branch struct {
	When *Expr
	Then Value
}

// Rule is an ordered if/then chain with an optional trailing
// else, the shape session policy takes in configuration.
type Rule struct {
	branches []Branch
}

func NewRule(branches ...Branch) *Rule {
	return &Rule{branches: branches}
}

// Eval returns the first matching branch's value, or nil when no
// branch matches.
func (r *Rule) Eval(ctx context.Context, vars Variables) (Value, error) {
	for _, b := range r.branches {
		if b.When == nil {
			return b.Then, nil
		}

		ok, err := b.When.EvalBool(ctx, vars)
		if err != nil {
			return nil, err
		}
		if ok {
			return b.Then, nil
		}
	}

	return nil, nil
}

func (r *Rule) EvalBool(ctx context.Context, vars Variables) (bool, error) {
	v, err := r.Eval(ctx, vars)
	if err != nil {
		return false, err
	}
	return ToBool(v)
}

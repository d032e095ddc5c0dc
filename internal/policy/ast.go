package policy

import (
	"context"

	"github.com/pkg/errors"
)

type node interface {
	eval(ctx context.Context, vars Variables) (Value, error)
}

type literalNode struct {
	v Value
}

func (n *literalNode) eval(ctx context.Context, vars Variables) (Value, error) {
	return n.v, nil
}

type varNode struct {
	name string
}

func (n *varNode) eval(ctx context.Context, vars Variables) (Value, error) {
	// the namespace is validated at parse time; a variable with
	// no session value yet is simply empty
	return vars[n.name], nil
}

type notNode struct {
	x node
}

func (n *notNode) eval(ctx context.Context, vars Variables) (Value, error) {
	v, err := n.x.eval(ctx, vars)
	if err != nil {
		return nil, err
	}

	b, err := ToBool(v)
	if err != nil {
		return nil, err
	}

	return !b, nil
}

type binaryNode struct {
	op    tokenKind
	left  node
	right node
}

func (n *binaryNode) eval(ctx context.Context, vars Variables) (Value, error) {
	// boolean operators short-circuit; a skipped side-effecting
	// builtin is simply not invoked
	switch n.op {
	case tkAnd, tkOr:
		l, err := n.left.eval(ctx, vars)
		if err != nil {
			return nil, err
		}
		lb, err := ToBool(l)
		if err != nil {
			return nil, err
		}

		if n.op == tkAnd && !lb {
			return false, nil
		}
		if n.op == tkOr && lb {
			return true, nil
		}

		r, err := n.right.eval(ctx, vars)
		if err != nil {
			return nil, err
		}
		return ToBool(r)
	}

	l, err := n.left.eval(ctx, vars)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(ctx, vars)
	if err != nil {
		return nil, err
	}

	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	numeric := lInt && rInt

	switch n.op {
	case tkPlus:
		if numeric {
			return li + ri, nil
		}
		ls, err := ToString(l)
		if err != nil {
			return nil, err
		}
		rs, err := ToString(r)
		if err != nil {
			return nil, err
		}
		return ls + rs, nil

	case tkEq, tkNe, tkLt, tkLe, tkGt, tkGe:
		var cmp int
		if numeric {
			switch {
			case li < ri:
				cmp = -1
			case li > ri:
				cmp = 1
			}
		} else {
			ls, err := ToString(l)
			if err != nil {
				return nil, err
			}
			rs, err := ToString(r)
			if err != nil {
				return nil, err
			}
			switch {
			case ls < rs:
				cmp = -1
			case ls > rs:
				cmp = 1
			}
		}

		switch n.op {
		case tkEq:
			return cmp == 0, nil
		case tkNe:
			return cmp != 0, nil
		case tkLt:
			return cmp < 0, nil
		case tkLe:
			return cmp <= 0, nil
		case tkGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	}

	return nil, errors.Errorf("unhandled operator %d", n.op)
}

type indexNode struct {
	x     node
	index node
}

func (n *indexNode) eval(ctx context.Context, vars Variables) (Value, error) {
	v, err := n.x.eval(ctx, vars)
	if err != nil {
		return nil, err
	}
	iv, err := n.index.eval(ctx, vars)
	if err != nil {
		return nil, err
	}

	i, err := ToInt(iv)
	if err != nil {
		return nil, err
	}

	list, ok := v.([]string)
	if !ok {
		return nil, errors.Errorf("cannot index %T", v)
	}

	if i < 0 || int(i) >= len(list) {
		return "", nil
	}

	return list[i], nil
}

type callNode struct {
	name  string
	fn    builtinFn
	funcs *Funcs
	args  []node
}

func (n *callNode) eval(ctx context.Context, vars Variables) (Value, error) {
	args := make([]Value, 0, len(n.args))
	for _, arg := range n.args {
		v, err := arg.eval(ctx, vars)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}

	v, err := n.fn(ctx, n.funcs, args)
	if err != nil {
		return nil, errors.WithMessage(err, n.name)
	}

	return v, nil
}

package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jawr/mxgate/internal/dnsx"
	"github.com/jawr/mxgate/internal/store"
)

// fakeQuerier maps "query|arg1|arg2" to a scalar result.
type fakeQuerier struct {
	rows map[string]string
}

func (f *fakeQuerier) QueryScalar(ctx context.Context, query string, args ...interface{}) (string, bool, error) {
	parts := []string{query}
	for _, arg := range args {
		parts = append(parts, arg.(string))
	}

	v, ok := f.rows[strings.Join(parts, "|")]
	return v, ok, nil
}

func testFuncs() *Funcs {
	mx := dnsx.NewMXCache(nil)
	mx.Add("test.org", []dnsx.MX{
		{Host: "mx.foobar.org", Pref: 10},
		{Host: "mx2.foobar.org", Pref: 20},
	}, time.Now().Add(time.Minute))

	return &Funcs{
		Stores: map[string]store.Store{
			"sql": store.NewMemory(),
		},
		Queriers: map[string]Querier{
			"sql": &fakeQuerier{
				rows: map[string]string{
					"SELECT description FROM domains WHERE name = $1|foobar.org":     "Main domain",
					"SELECT addr FROM allowed_ips WHERE addr = $1 LIMIT 1|10.0.0.50": "10.0.0.50",
				},
			},
		},
		MX: mx,
	}
}

func TestEvalBuiltins(t *testing.T) {
	funcs := testFuncs()
	ctx := context.Background()

	tests := []struct {
		name   string
		expr   string
		vars   Variables
		expect string
	}{
		{
			name:   "sql",
			expr:   "sql_query('sql', 'SELECT description FROM domains WHERE name = $1', 'foobar.org')",
			expect: "Main domain",
		},
		{
			name:   "sql_miss",
			expr:   "sql_query('sql', 'SELECT description FROM domains WHERE name = $1', 'nope.org')",
			expect: "",
		},
		{
			name:   "dns",
			expr:   "dns_query(rcpt_domain, 'mx')[0]",
			vars:   Variables{VRecipientDomain: "test.org"},
			expect: "mx.foobar.org",
		},
		{
			name:   "key_get",
			expr:   "key_get('sql', 'hello') + '-' + key_exists('sql', 'hello') + '-' + key_set('sql', 'hello', 'world') + '-' + key_get('sql', 'hello') + '-' + key_exists('sql', 'hello')",
			expect: "-0-1-world-1",
		},
		{
			name:   "counter_get",
			expr:   "counter_get('sql', 'county') + '-' + counter_incr('sql', 'county', 1) + '-' + counter_incr('sql', 'county', 1) + '-' + counter_get('sql', 'county')",
			expect: "0-1-2-2",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, err := Parse(tc.expr, funcs)
			if err != nil {
				t.Fatal(err)
			}

			got, err := e.EvalString(ctx, tc.vars)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.expect {
				t.Fatalf("got %q, want %q", got, tc.expect)
			}
		})
	}
}

func TestEvalOperators(t *testing.T) {
	funcs := testFuncs()
	ctx := context.Background()

	tests := []struct {
		expr   string
		vars   Variables
		expect bool
	}{
		{"1 + 1 == 2", nil, true},
		{"'a' + 'b' == 'ab'", nil, true},
		{"remote_ip == '10.0.0.50'", Variables{VRemoteIP: "10.0.0.50"}, true},
		{"remote_ip == '10.0.0.50'", Variables{VRemoteIP: "10.0.0.1"}, false},
		{"!(1 == 2)", nil, true},
		{"1 < 2 && 'x' != ''", nil, true},
		{"false || priority >= 0", Variables{VPriority: int64(0)}, true},
		// unset variable is empty, not an error
		{"helo_domain == ''", nil, true},
	}

	for _, tc := range tests {
		e, err := Parse(tc.expr, funcs)
		if err != nil {
			t.Fatalf("%s: %s", tc.expr, err)
		}

		got, err := e.EvalBool(ctx, tc.vars)
		if err != nil {
			t.Fatalf("%s: %s", tc.expr, err)
		}
		if got != tc.expect {
			t.Fatalf("%s: got %v, want %v", tc.expr, got, tc.expect)
		}
	}
}

func TestParseErrors(t *testing.T) {
	funcs := testFuncs()

	for _, expr := range []string{
		"",
		"no_such_func('a')",
		"no_such_variable",
		"key_get('sql')",             // arity
		"key_get('sql', 'a', 'b')",   // arity
		"'unterminated",
		"1 +",
		"(1 == 1",
		"1 = 1",
	} {
		if _, err := Parse(expr, funcs); err == nil {
			t.Fatalf("expected parse error for %q", expr)
		}
	}
}

func TestEvalCoercionError(t *testing.T) {
	funcs := testFuncs()

	e, err := Parse("counter_incr('sql', 'c', 'notanumber')", funcs)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.Eval(context.Background(), nil); err == nil {
		t.Fatal("expected coercion error")
	}
}

func TestEvalUnknownBackend(t *testing.T) {
	funcs := testFuncs()

	e, err := Parse("key_get('nosuch', 'k')", funcs)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.Eval(context.Background(), nil); err == nil {
		t.Fatal("expected unknown backend error")
	}
}

func TestRule(t *testing.T) {
	funcs := testFuncs()
	ctx := context.Background()

	allow, err := Parse("sql_query('sql', 'SELECT addr FROM allowed_ips WHERE addr = $1 LIMIT 1', remote_ip)", funcs)
	if err != nil {
		t.Fatal(err)
	}

	rule := NewRule(
		Branch{When: allow, Then: true},
		Branch{Then: false},
	)

	got, err := rule.EvalBool(ctx, Variables{VRemoteIP: "10.0.0.50"})
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Fatal("allow-listed ip should match")
	}

	got, err = rule.EvalBool(ctx, Variables{VRemoteIP: "10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Fatal("unlisted ip should fall through to else")
	}
}

func TestRuleShortCircuit(t *testing.T) {
	funcs := testFuncs()
	ctx := context.Background()

	// the right side would fail on an unknown backend; && must
	// not evaluate it
	e, err := Parse("false && key_get('nosuch', 'k') == 'x'", funcs)
	if err != nil {
		t.Fatal(err)
	}

	got, err := e.EvalBool(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Fatal("expected false")
	}
}

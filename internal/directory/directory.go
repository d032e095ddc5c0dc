package directory

import (
	"context"

	"github.com/pkg/errors"
)

// ErrUnavailable marks a backend that could not be reached or
// timed out. Callers must map it to a temporary failure, never
// a permanent one; a flapping database is not proof that an
// address does not exist.
var ErrUnavailable = errors.New("directory backend unavailable")

// IsUnavailable reports whether err is (or wraps) ErrUnavailable.
func IsUnavailable(err error) bool {
	return errors.Cause(err) == ErrUnavailable
}

// Type classifies a directory principal.
type Type int

const (
	TypeIndividual Type = iota
	TypeList
	TypeDomain
)

func (t Type) String() string {
	switch t {
	case TypeIndividual:
		return "individual"
	case TypeList:
		return "list"
	case TypeDomain:
		return "domain"
	default:
		return "unknown"
	}
}

// Principal is an identity record resolved from a backend. The
// session engine only ever reads these; creation and updates
// happen through administrative tooling elsewhere.
type Principal struct {
	Name        string
	Type        Type
	Secret      string
	Description string
	Quota       int64

	// Emails holds the principal's addresses, primary first.
	// Ordering is owned by the backend (primary addresses sort
	// before aliases, then lexicographically).
	Emails []string

	// Members holds a mailing list's member addresses in
	// membership order. Internal members resolve to other
	// principals, external members are plain addresses.
	Members []string
}

// PrimaryEmail returns the principal's canonical address, or ""
// when the principal has no addresses at all.
func (p *Principal) PrimaryEmail() string {
	if len(p.Emails) == 0 {
		return ""
	}
	return p.Emails[0]
}

// Directory is the capability a session needs from an identity
// backend. One concrete implementation is bound per configured
// directory name at startup; there is no runtime switching.
//
// Lookup misses return (nil, nil); an error always means the
// backend itself misbehaved.
type Directory interface {
	// QueryByName does an exact lookup by principal name.
	QueryByName(ctx context.Context, name string) (*Principal, error)

	// QueryByCredentials looks up the principal named by
	// identity and verifies secret against its stored secret in
	// the same call. A mismatch and a miss are indistinguishable
	// to the caller.
	QueryByCredentials(ctx context.Context, identity, secret string) (*Principal, error)

	// QueryByAddress resolves an email address to its owning
	// principal.
	QueryByAddress(ctx context.Context, address string) (*Principal, error)

	// Search does a substring match over primary addresses,
	// ascending, truncated to SearchLimit. Backs VRFY.
	Search(ctx context.Context, fragment string) ([]string, error)

	// Expand resolves address as a mailing list and returns the
	// expanded membership, each internal member as its primary
	// address, truncated to ExpandLimit. A non-list or unknown
	// address yields (nil, nil).
	Expand(ctx context.Context, address string) ([]string, error)

	// DomainExists reports whether the backend hosts any address
	// under domain. Distinguishes "unknown recipient" from
	// "domain not local".
	DomainExists(ctx context.Context, domain string) (bool, error)
}

// Result truncation bounds. ExpandLimit bounds amplification
// from EXPN; SearchLimit bounds VRFY enumeration.
const (
	ExpandLimit = 50
	SearchLimit = 5
)

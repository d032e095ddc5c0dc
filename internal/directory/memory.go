package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is the built-in directory backend. It holds principals
// in process memory, guarded by a RWMutex; the session engine
// only reads, administrative tooling writes. Mailing lists and
// locally hosted domains commonly live here even when
// individuals come from SQL.
type Memory struct {
	mu sync.RWMutex

	// principal name -> record
	principals map[string]*Principal

	// address -> principal name
	byAddress map[string]string

	// hosted domain -> present
	domains map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		principals: make(map[string]*Principal),
		byAddress:  make(map[string]string),
		domains:    make(map[string]struct{}),
	}
}

// Add registers a principal and indexes its addresses. A domain
// principal also marks its name as locally hosted.
func (m *Memory) Add(p *Principal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := strings.ToLower(p.Name)
	m.principals[name] = p

	for _, email := range p.Emails {
		m.byAddress[strings.ToLower(email)] = name
	}

	if p.Type == TypeDomain {
		m.domains[name] = struct{}{}
	}
}

func (m *Memory) QueryByName(ctx context.Context, name string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.principals[strings.ToLower(name)]
	if !ok {
		return nil, nil
	}
	return p, nil
}

func (m *Memory) QueryByCredentials(ctx context.Context, identity, secret string) (*Principal, error) {
	m.mu.RLock()
	p, ok := m.principals[strings.ToLower(identity)]
	m.mu.RUnlock()

	if !ok {
		// same cost as a mismatch, no existence oracle
		burnVerify(secret)
		return nil, nil
	}

	if !verifySecret(p.Secret, secret) {
		return nil, nil
	}

	return p, nil
}

func (m *Memory) QueryByAddress(ctx context.Context, address string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.lookupAddress(address), nil
}

// lookupAddress resolves an address to its principal, trying the
// address index first and falling back to principal names keyed
// by address (lists are commonly named after their address).
// Callers hold at least a read lock.
func (m *Memory) lookupAddress(address string) *Principal {
	address = strings.ToLower(address)

	if name, ok := m.byAddress[address]; ok {
		return m.principals[name]
	}
	if p, ok := m.principals[address]; ok {
		return p
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, fragment string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fragment = strings.ToLower(fragment)

	var out []string
	for address := range m.byAddress {
		if !strings.Contains(address, fragment) {
			continue
		}
		p := m.principals[m.byAddress[address]]
		if p == nil || p.Type != TypeIndividual {
			continue
		}
		// only primary addresses back VRFY
		if p.PrimaryEmail() != address {
			continue
		}
		out = append(out, address)
	}

	sort.Strings(out)

	if len(out) > SearchLimit {
		out = out[:SearchLimit]
	}

	return out, nil
}

func (m *Memory) Expand(ctx context.Context, address string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.lookupAddress(address)
	if list == nil || list.Type != TypeList {
		return nil, nil
	}

	visited := make(map[string]struct{})
	out := m.expand(list, visited, nil)

	if len(out) > ExpandLimit {
		out = out[:ExpandLimit]
	}

	return out, nil
}

// expand walks a membership graph depth-first. The visited set
// breaks cycles: a revisited list contributes nothing rather
// than recursing forever. Membership order is preserved.
func (m *Memory) expand(list *Principal, visited map[string]struct{}, out []string) []string {
	name := strings.ToLower(list.Name)
	if _, ok := visited[name]; ok {
		return out
	}
	visited[name] = struct{}{}

	for _, member := range list.Members {
		p := m.lookupAddress(member)
		if p == nil {
			// external member, passed through as-is
			out = append(out, strings.ToLower(member))
			continue
		}

		if p.Type == TypeList {
			out = m.expand(p, visited, out)
			continue
		}

		out = append(out, p.PrimaryEmail())
	}

	return out
}

func (m *Memory) DomainExists(ctx context.Context, domain string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.domains[strings.ToLower(domain)]
	return ok, nil
}

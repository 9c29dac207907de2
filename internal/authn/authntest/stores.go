// Package authntest provides in-memory account stores for tests.
package authntest

import (
	"context"
	"strings"
	"sync"

	"ldapauth/internal/authn"
)

// Accounts implements authn.AccountStore. Generated ids start at 100.
type Accounts struct {
	mu      sync.Mutex
	next    int64
	byID    map[int64]authn.Account
	creates int
}

// Creates returns how many accounts were created.
func (m *Accounts) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// NewAccounts returns a store holding seed.
func NewAccounts(seed ...authn.Account) *Accounts {
	// Account 1 is the site administrator and never provisioned.
	m := &Accounts{next: 100, byID: map[int64]authn.Account{}}
	for _, a := range seed {
		m.byID[a.ID] = a
		if a.ID >= m.next {
			m.next = a.ID + 1
		}
	}
	return m
}

func (m *Accounts) find(match func(authn.Account) bool) []authn.Account {
	var out []authn.Account
	for _, a := range m.byID {
		if match(a) {
			out = append(out, a)
		}
	}
	return out
}

func (m *Accounts) one(match func(authn.Account) bool) *authn.Account {
	found := m.find(match)
	if len(found) == 0 {
		return nil
	}
	a := found[0]
	return &a
}

func (m *Accounts) FindByID(_ context.Context, id int64) (*authn.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *Accounts) FindByName(_ context.Context, name string) (*authn.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.one(func(a authn.Account) bool { return strings.EqualFold(a.Name, name) }), nil
}

func (m *Accounts) FindByEmail(_ context.Context, email string) (*authn.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.one(func(a authn.Account) bool { return email != "" && strings.EqualFold(a.Email, email) }), nil
}

func (m *Accounts) FindByPUID(_ context.Context, serverID, attribute, puid string) (*authn.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := m.find(func(a authn.Account) bool {
		return a.Link.ServerID == serverID && a.Link.PUIDAttribute == attribute && a.Link.PUID == puid
	})
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	default:
		return nil, authn.ErrMultipleAccounts
	}
}

func (m *Accounts) Create(_ context.Context, a *authn.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.next
	m.next++
	m.byID[a.ID] = *a
	m.creates++
	return nil
}

func (m *Accounts) Save(_ context.Context, a *authn.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[a.ID] = *a
	return nil
}

// Count returns the number of stored accounts.
func (m *Accounts) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Get returns a copy of account id, or the zero value.
func (m *Accounts) Get(id int64) authn.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

// Identities implements authn.IdentityMap.
type Identities struct {
	mu    sync.Mutex
	names map[string]int64
}

func NewIdentities() *Identities {
	return &Identities{names: map[string]int64{}}
}

func identityKey(namespace, name string) string {
	return namespace + "|" + strings.ToLower(name)
}

func (m *Identities) Lookup(_ context.Context, namespace, name string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.names[identityKey(namespace, name)]
	return id, ok, nil
}

func (m *Identities) Associate(_ context.Context, namespace, name string, accountID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, id := range m.names {
		if id == accountID && strings.HasPrefix(k, namespace+"|") {
			delete(m.names, k)
		}
	}
	m.names[identityKey(namespace, name)] = accountID
	return nil
}

func (m *Identities) IsMapped(_ context.Context, namespace string, accountID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, id := range m.names {
		if id == accountID && strings.HasPrefix(k, namespace+"|") {
			return true, nil
		}
	}
	return false, nil
}

package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// account pairs the credential record with the authorization state so both
// views of one user can never drift apart.
type account struct {
	user    User
	subject Subject
}

// MemoryStore keeps the user catalogue in process memory. It backs
// development setups and tests; production deployments use the SQL store.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*account
	byID     map[int64]*account
	lastID   int64
}

// NewMemoryStore provisions the store from the given seeds. Seeds with a
// blank username are ignored, and the first seed wins when a username
// repeats.
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{
		accounts: make(map[string]*account),
		byID:     make(map[int64]*account),
	}
	for _, seed := range seeds {
		username := strings.TrimSpace(seed.Username)
		if username == "" {
			continue
		}
		if _, exists := store.accounts[username]; exists {
			continue
		}
		if err := store.upsert(username, seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// ApplySeed implements SeedWriter. Unlike construction-time seeding it
// treats a repeated username as an update and keeps the account's ID.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed entry missing username")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsert(username, seed)
}

// upsert creates or replaces the account for username. Callers hold the
// lock; NewMemoryStore runs before the store is shared so it skips it.
func (s *MemoryStore) upsert(username string, seed Seed) error {
	hashed, err := HashPassword(seed.Password)
	if err != nil {
		return err
	}
	if s.accounts == nil {
		s.accounts = make(map[string]*account)
		s.byID = make(map[int64]*account)
	}

	acct, known := s.accounts[username]
	if !known {
		s.lastID++
		acct = &account{}
		acct.user.ID = s.lastID
		acct.subject.ID = s.lastID
		s.accounts[username] = acct
		s.byID[acct.user.ID] = acct
	}

	acct.user.Username = username
	acct.user.PasswordHash = hashed
	acct.user.Disabled = seed.Disabled

	acct.subject = Subject{
		ID:          acct.user.ID,
		Username:    username,
		Roles:       normaliseSet(seed.Roles),
		Permissions: normaliseSet(seed.Permissions),
		Disabled:    seed.Disabled,
	}
	acct.subject.normalise()
	return nil
}

// FindUserByUsername returns a copy of the credential record.
func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[strings.TrimSpace(username)]
	if !ok {
		return nil, errors.New("user not found")
	}
	user := acct.user
	return &user, nil
}

// LoadSubject returns a detached copy of the subject for the user.
func (s *MemoryStore) LoadSubject(_ context.Context, userID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.byID[userID]
	if !ok {
		return nil, errors.New("subject not found")
	}
	return acct.subject.Clone(), nil
}

var _ Store = (*MemoryStore)(nil)
var _ SeedWriter = (*MemoryStore)(nil)

// normaliseSet lowercases, trims, dedupes, and sorts a role or permission
// list so stored sets compare deterministically.
func normaliseSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		seen[value] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for value := range seen {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

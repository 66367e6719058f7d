// Package credentials resolves named provider credentials for the relay.
package credentials

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrNotFound is returned when no credential is stored under a name.
var ErrNotFound = errors.New("credential not found")

// Credential is what a host stores for one provider.
type Credential struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url"`
}

// Store looks up a credential by name.
type Store interface {
	Lookup(ctx context.Context, name string) (*Credential, error)
}

// Resolve looks up name and treats any failure as "no credential". The relay
// goes on with an empty API key, which the provider will typically reject.
func Resolve(ctx context.Context, store Store, name string) Credential {
	if store == nil || name == "" {
		return Credential{}
	}
	cred, err := store.Lookup(ctx, name)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("credential lookup failed", "credential", name, "error", err)
		}
		return Credential{}
	}
	if cred == nil {
		return Credential{}
	}
	return *cred
}

// StaticStore serves credentials from memory, typically credentials.yaml.
type StaticStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewStaticStore(creds map[string]Credential) *StaticStore {
	s := &StaticStore{}
	s.Replace(creds)
	return s
}

// Replace swaps the whole credential set, used on config reload.
func (s *StaticStore) Replace(creds map[string]Credential) {
	cp := make(map[string]Credential, len(creds))
	for k, v := range creds {
		cp[k] = v
	}
	s.mu.Lock()
	s.creds = cp
	s.mu.Unlock()
}

func (s *StaticStore) Lookup(_ context.Context, name string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &cred, nil
}

// ChainStore tries each store in order and returns the first hit.
type ChainStore []Store

func (c ChainStore) Lookup(ctx context.Context, name string) (*Credential, error) {
	var firstErr error
	for _, s := range c {
		if s == nil {
			continue
		}
		cred, err := s.Lookup(ctx, name)
		if err == nil && cred != nil {
			return cred, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, ErrNotFound
}

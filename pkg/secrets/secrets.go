// Package secrets supplies venue API credentials. Two providers exist: a
// static map loaded from configuration and a Vault-backed one. Credentials
// are never logged.
package secrets

import (
	"fmt"
	"sync"

	"github.com/xarb-io/xarb/pkg/types"
)

// Static serves credentials from an in-memory map, typically loaded from
// the venues.credentials config section.
type Static struct {
	mu    sync.RWMutex
	creds map[string]types.Credentials
}

// NewStatic builds a provider over the given map. Venue keys are matched
// exactly.
func NewStatic(creds map[string]types.Credentials) *Static {
	if creds == nil {
		creds = make(map[string]types.Credentials)
	}
	return &Static{creds: creds}
}

// Get returns the credentials for a venue. Unknown venues yield empty
// credentials and no error; public-data connectors need none.
func (s *Static) Get(venue string) (types.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds[venue], nil
}

// Set replaces credentials for a venue.
func (s *Static) Set(venue string, c types.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[venue] = c
}

// Chain queries providers in order and returns the first non-empty result.
type Chain []types.CredentialsProvider

func (c Chain) Get(venue string) (types.Credentials, error) {
	var lastErr error
	for _, p := range c {
		creds, err := p.Get(venue)
		if err != nil {
			lastErr = err
			continue
		}
		if creds.Key != "" {
			return creds, nil
		}
	}
	if lastErr != nil {
		return types.Credentials{}, fmt.Errorf("no provider yielded credentials for %s: %w", venue, lastErr)
	}
	return types.Credentials{}, nil
}

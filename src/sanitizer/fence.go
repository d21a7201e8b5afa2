package sanitizer

import (
	"context"
	"errors"
	"sync"

	"github.com/Easy-Infra-Ltd/easy-guard/src/vault"
)

var errVaultFenced = errors.New("vault no longer accepts writes from this scan")

// fencedVault forwards to a Vault until closed. invoke closes it once it
// stops waiting on a scanner, so a scanner abandoned after a timeout cannot
// add entries behind its recorded failure. close waits for a Put in flight.
type fencedVault struct {
	vault.Vault

	mu     sync.RWMutex
	closed bool
}

func (f *fencedVault) Put(ctx context.Context, entityType, value string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return "", errVaultFenced
	}
	return f.Vault.Put(ctx, entityType, value)
}

func (f *fencedVault) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

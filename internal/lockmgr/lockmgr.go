// Package lockmgr wraps the metadata store's lock table in the three
// named scopes the engine coordinates on: global, storage:<name>, and
// version:<uid>. Acquisition is non-blocking: a uniqueness violation on
// (scope, name) means someone else holds it, and the caller fails fast
// rather than waiting, matching the "attempt + fail fast" discipline.
package lockmgr

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benji-backup/benji/internal/berrors"
	"github.com/benji-backup/benji/internal/metadata"
	"github.com/benji-backup/benji/internal/types"
)

// Manager acquires and releases named advisory locks backed by the
// metadata store. Each process instance gets a random Owner token so
// stale locks from a crashed process can be told apart from its own.
type Manager struct {
	store  metadata.Store
	owner  string
	logger zerolog.Logger
}

func New(store metadata.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		owner:  uuid.NewString(),
		logger: logger,
	}
}

// Owner is this process instance's lock owner token.
func (m *Manager) Owner() string { return m.owner }

// Held is a released-on-Close handle to an acquired lock.
type Held struct {
	m     *Manager
	scope types.LockScope
	name  string
}

// Acquire attempts to take scope:name, failing immediately with
// ErrLockConflict if it is already held by someone else. If override is
// true, any existing lock is deleted first (recovery from a crashed
// process holding a stale lock).
func (m *Manager) Acquire(ctx context.Context, scope types.LockScope, name, reason string, override bool) (*Held, error) {
	if override {
		if err := m.store.OverrideLock(ctx, scope, name); err != nil {
			return nil, fmt.Errorf("overriding lock %s:%s: %w", scope, name, err)
		}
		m.logger.Warn().Str("scope", string(scope)).Str("name", name).Msg("overrode existing lock")
	}
	if err := m.store.AcquireLock(ctx, scope, name, m.owner, reason); err != nil {
		return nil, fmt.Errorf("%w: %s:%s: %s", berrors.ErrLockConflict, scope, name, reason)
	}
	return &Held{m: m, scope: scope, name: name}, nil
}

// Release drops the lock. On a nil Held it does nothing; releasing a
// lock that is no longer held returns the store's ErrNotFound.
func (h *Held) Release(ctx context.Context) error {
	if h == nil {
		return nil
	}
	return h.m.store.ReleaseLock(ctx, h.scope, h.name, h.m.owner)
}

// VersionName builds the version:<uid> scoped lock name.
func VersionName(uid string) (types.LockScope, string) {
	return types.LockScopeVersion, uid
}

// GlobalName builds the global scoped lock name.
func GlobalName(name string) (types.LockScope, string) {
	return types.LockScopeGlobal, name
}

// sharedStoragePrefix namespaces concurrent backups' storage locks so
// they don't collide on the (scope, name) uniqueness constraint, while
// still being discoverable as a group by AcquireStorageExclusive.
func sharedStoragePrefix(storage string) string { return storage + "#backup#" }

// AcquireStorageShared takes a non-exclusive hold on storage, the mode
// `backup` needs: many backups may run concurrently against the same
// Storage, but none may run while `rm`/`cleanup` hold it exclusively.
// Concurrent exclusive acquisition is still possible to race past this
// check; the grace window in cleanup is what actually protects
// correctness, this lock only serializes the common case.
func (m *Manager) AcquireStorageShared(ctx context.Context, storage, reason string) (*Held, error) {
	name := sharedStoragePrefix(storage) + m.owner
	if err := m.store.AcquireLock(ctx, types.LockScopeStorage, name, m.owner, reason); err != nil {
		return nil, fmt.Errorf("%w: storage:%s: %s", berrors.ErrLockConflict, storage, reason)
	}
	return &Held{m: m, scope: types.LockScopeStorage, name: name}, nil
}

// AcquireStorageExclusive takes the bare storage:<name> lock that
// `rm` and `cleanup` require, refusing if any AcquireStorageShared
// holder is currently registered for the same storage.
func (m *Manager) AcquireStorageExclusive(ctx context.Context, storage, reason string, override bool) (*Held, error) {
	n, err := m.store.CountLocksWithPrefix(ctx, types.LockScopeStorage, sharedStoragePrefix(storage))
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, fmt.Errorf("%w: storage:%s held by %d concurrent backup(s)", berrors.ErrLockConflict, storage, n)
	}
	return m.Acquire(ctx, types.LockScopeStorage, storage, reason, override)
}

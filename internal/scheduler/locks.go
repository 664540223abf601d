package scheduler

import (
	"sort"
	"sync"
	"time"
)

// DefaultLockTTL bounds how long a hung task can keep a file blocked.
const DefaultLockTTL = 5 * time.Minute

// FileLock is an advisory, expiring lease on a single file.
// Invariant: at most one unexpired lease exists per file at any instant.
type FileLock struct {
	File       string
	AgentID    string
	TaskID     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// ExpiredAt reports whether the lease is dead at the given instant.
func (l *FileLock) ExpiredAt(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// FileLockManager hands out per-file leases. Locks are advisory: they gate
// dispatch decisions, they do not stop a process from writing. The TTL
// exists so a hung task blocks its files for a bounded time.
type FileLockManager struct {
	mu    sync.Mutex
	ttl   time.Duration
	locks map[string]*FileLock // keyed by file path
	now   func() time.Time
}

// NewFileLockManager creates a manager whose leases expire after ttl.
// A non-positive ttl falls back to DefaultLockTTL.
func NewFileLockManager(ttl time.Duration) *FileLockManager {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &FileLockManager{
		ttl:   ttl,
		locks: make(map[string]*FileLock),
		now:   time.Now,
	}
}

// Acquire leases file to (agentID, taskID). It returns nil when another
// agent holds an unexpired lease; that is a scheduling signal, not an
// error. Re-acquiring a file the same agent already holds succeeds and
// starts a fresh lease.
func (m *FileLockManager) Acquire(file, agentID, taskID string) *FileLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.locks[file]; ok && !cur.ExpiredAt(now) && cur.AgentID != agentID {
		return nil
	}
	lock := &FileLock{
		File:       file,
		AgentID:    agentID,
		TaskID:     taskID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	m.locks[file] = lock
	lease := *lock
	return &lease
}

// AcquireAll leases every file to (agentID, taskID), or nothing at all.
// On conflict it returns the blocking lease and leaves the table untouched.
// Files are processed in sorted order so the reported conflict is
// deterministic.
func (m *FileLockManager) AcquireAll(files []string, agentID, taskID string) ([]*FileLock, *FileLock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	sorted := make([]string, len(files))
	copy(sorted, files)
	sort.Strings(sorted)

	for _, file := range sorted {
		if cur, ok := m.locks[file]; ok && !cur.ExpiredAt(now) && cur.AgentID != agentID {
			blocking := *cur
			return nil, &blocking
		}
	}

	acquired := make([]*FileLock, 0, len(sorted))
	for _, file := range sorted {
		lock := &FileLock{
			File:       file,
			AgentID:    agentID,
			TaskID:     taskID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(m.ttl),
		}
		m.locks[file] = lock
		lease := *lock
		acquired = append(acquired, &lease)
	}
	return acquired, nil
}

// Release drops the lease on file if agentID holds it. It returns false
// when the file is unlocked or held by someone else.
func (m *FileLockManager) Release(file, agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[file]
	if !ok || cur.AgentID != agentID {
		return false
	}
	delete(m.locks, file)
	return true
}

// ReleaseAll drops every lease held by agentID and returns the freed files
// in sorted order. Used on task completion, failure, and timeout so no
// exit path can leak a lock.
func (m *FileLockManager) ReleaseAll(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var freed []string
	for file, lock := range m.locks {
		if lock.AgentID == agentID {
			freed = append(freed, file)
			delete(m.locks, file)
		}
	}
	sort.Strings(freed)
	return freed
}

// IsLocked reports whether file has an unexpired lease.
func (m *FileLockManager) IsLocked(file string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[file]
	return ok && !cur.ExpiredAt(m.now())
}

// IsLockedByOther reports whether an agent other than agentID holds an
// unexpired lease on file.
func (m *FileLockManager) IsLockedByOther(file, agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[file]
	return ok && !cur.ExpiredAt(m.now()) && cur.AgentID != agentID
}

// ConflictingLocks returns the unexpired leases held by other agents over
// any of the given files. An empty result means agentID could take the
// whole set right now.
func (m *FileLockManager) ConflictingLocks(files []string, agentID string) []*FileLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var conflicts []*FileLock
	for _, file := range files {
		if cur, ok := m.locks[file]; ok && !cur.ExpiredAt(now) && cur.AgentID != agentID {
			c := *cur
			conflicts = append(conflicts, &c)
		}
	}
	return conflicts
}

// CleanupExpired removes dead leases and returns them so the caller can
// report each reclaim.
func (m *FileLockManager) CleanupExpired() []*FileLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []*FileLock
	for file, lock := range m.locks {
		if lock.ExpiredAt(now) {
			e := *lock
			expired = append(expired, &e)
			delete(m.locks, file)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].File < expired[j].File })
	return expired
}

// Locks returns a snapshot of all unexpired leases, sorted by file.
func (m *FileLockManager) Locks() []*FileLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]*FileLock, 0, len(m.locks))
	for _, lock := range m.locks {
		if lock.ExpiredAt(now) {
			continue
		}
		c := *lock
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

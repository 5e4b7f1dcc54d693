package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
)

// lockFile is the on-disk shape of <run_root>/.lock (spec.md §3).
type lockFile struct {
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at"`
	LeaseSecs  int    `json:"lease_seconds"`
	Reason     string `json:"reason"`
}

// LockHandle is the opaque handle returned by AcquireLock. Callers use it
// to refresh, release, or start a heartbeat.
type LockHandle struct {
	path    string
	ownerID string
	mu      sync.Mutex
}

func lockPath(runRoot string) string {
	return filepath.Join(runRoot, ".lock")
}

// AcquireLock atomically creates <run_root>/.lock. An existing lock file
// that is unparseable or expired (acquired_at + lease < now) is treated as
// stale and replaced; a live lock yields LockHeld.
func AcquireLock(runRoot string, leaseSeconds int, reason string) (*LockHandle, error) {
	path := lockPath(runRoot)

	if existing, err := readLockFile(path); err == nil {
		if !lockExpired(existing) {
			return nil, coreerr.New(coreerr.LockHeld, fmt.Sprintf("run lock held by %s", existing.OwnerID))
		}
		slog.Warn("replacing expired run lock", "run_root", runRoot, "prior_owner", existing.OwnerID)
	}

	ownerID := uuid.NewString()
	lf := lockFile{
		OwnerID:    ownerID,
		AcquiredAt: nowUTC(),
		LeaseSecs:  leaseSeconds,
		Reason:     reason,
	}
	if err := WriteJSONAtomic(path, lf); err != nil {
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &LockHandle{path: path, ownerID: ownerID}, nil
}

// RefreshLock re-writes the lock file's acquired_at/lease, but only if the
// on-disk owner_id still matches this handle's — otherwise LockNotOwned.
func RefreshLock(h *LockHandle, leaseSeconds int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	existing, err := readLockFile(h.path)
	if err != nil {
		return coreerr.Wrap(coreerr.LockNotOwned, "lock file missing or unreadable", err)
	}
	if existing.OwnerID != h.ownerID {
		return coreerr.New(coreerr.LockNotOwned, "lock owner changed")
	}
	existing.AcquiredAt = nowUTC()
	existing.LeaseSecs = leaseSeconds
	return WriteJSONAtomic(h.path, existing)
}

// ReleaseLock best-effort deletes the lock file, but only if still owned.
func ReleaseLock(h *LockHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	existing, err := readLockFile(h.path)
	if err != nil {
		return nil // already gone
	}
	if existing.OwnerID != h.ownerID {
		return nil // someone else's lock now, not ours to remove
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// OwnerID returns this handle's owner identifier.
func (h *LockHandle) OwnerID() string {
	return h.ownerID
}

func readLockFile(path string) (lockFile, error) {
	var lf lockFile
	data, err := os.ReadFile(path)
	if err != nil {
		return lf, err
	}
	if err := json.Unmarshal(data, &lf); err != nil {
		return lf, fmt.Errorf("corrupt lock file: %w", err)
	}
	if lf.OwnerID == "" {
		return lf, fmt.Errorf("corrupt lock file: missing owner_id")
	}
	return lf, nil
}

func lockExpired(lf lockFile) bool {
	acquired, err := time.Parse(time.RFC3339Nano, lf.AcquiredAt)
	if err != nil {
		return true // unparseable timestamp -> treat as stale
	}
	return time.Now().UTC().After(acquired.Add(time.Duration(lf.LeaseSecs) * time.Second))
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Heartbeat periodically refreshes a LockHandle until Stop is called. After
// MaxFailures consecutive refresh failures, OnFailure is invoked exactly
// once — callers MUST treat that invocation as lock loss (spec.md §4.1,
// §5). This mirrors the teacher's queue worker poll-loop lifecycle
// (stopCh/wg) but drives a refresh instead of a poll.
type Heartbeat struct {
	handle      *LockHandle
	interval    time.Duration
	maxFailures int
	onFailure   func()

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StartHeartbeat launches a goroutine that refreshes handle every
// intervalMs milliseconds. leaseSeconds is the lease duration presented on
// each refresh.
func StartHeartbeat(handle *LockHandle, intervalMs int, leaseSeconds int, maxFailures int, onFailure func()) *Heartbeat {
	hb := &Heartbeat{
		handle:      handle,
		interval:    time.Duration(intervalMs) * time.Millisecond,
		maxFailures: maxFailures,
		onFailure:   onFailure,
		stopCh:      make(chan struct{}),
	}
	hb.wg.Add(1)
	go hb.run(leaseSeconds)
	return hb
}

func (hb *Heartbeat) run(leaseSeconds int) {
	defer hb.wg.Done()
	failures := 0
	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-hb.stopCh:
			return
		case <-ticker.C:
			if err := RefreshLock(hb.handle, leaseSeconds); err != nil {
				failures++
				slog.Warn("heartbeat refresh failed", "owner_id", hb.handle.OwnerID(), "failures", failures, "error", err)
				if failures >= hb.maxFailures {
					if hb.onFailure != nil {
						hb.onFailure()
					}
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// Stop signals the heartbeat goroutine to exit and waits for it.
func (hb *Heartbeat) Stop() {
	hb.stopOnce.Do(func() { close(hb.stopCh) })
	hb.wg.Wait()
}

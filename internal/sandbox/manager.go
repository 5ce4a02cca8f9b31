package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/turntable/internal/config"
	"github.com/zulandar/turntable/internal/coord"
	"github.com/zulandar/turntable/internal/models"
	"gorm.io/gorm"
)

// pollStep is the sleep between checks while waiting out a competing
// provisioner.
const pollStep = 250 * time.Millisecond

var (
	// ErrNoSandbox means the conversation has no live sandbox.
	ErrNoSandbox = errors.New("sandbox: no active sandbox")
	// ErrProvisionFailed means every provisioning attempt was exhausted.
	ErrProvisionFailed = errors.New("sandbox: could not provision the environment")
)

// ProvisionOpts carries optional attributes for a new sandbox.
type ProvisionOpts struct {
	Framework string
	Packages  []string
	// Restore replays previously archived state into the fresh sandbox.
	// Restore failures are logged, never fatal.
	Restore bool
}

// Manager guarantees at most one live sandbox per conversation. The
// persisted record is a cache; the backend is the source of truth for
// liveness, and the cross-process invariant is held by the provision lock
// plus a double-check after acquisition.
type Manager struct {
	db      *gorm.DB
	backend Backend
	cfg     config.SandboxConfig
	cache   *livenessCache
	now     func() time.Time
	sleep   func(time.Duration)
}

// ManagerOpts holds parameters for creating a Manager. Now and Sleep default
// to the real clock and are injectable so tests run with zero delay.
type ManagerOpts struct {
	DB      *gorm.DB
	Backend Backend
	Config  config.SandboxConfig
	Now     func() time.Time
	Sleep   func(time.Duration)
}

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("sandbox: manager: db is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("sandbox: manager: backend is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	ttl := time.Duration(opts.Config.LivenessCacheSec) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Manager{
		db:      opts.DB,
		backend: opts.Backend,
		cfg:     opts.Config,
		cache:   newLivenessCache(ttl, now),
		now:     now,
		sleep:   sleep,
	}, nil
}

// LockName returns the provisioning lock name for a conversation.
func LockName(conversationID string) string {
	return "provision:" + conversationID
}

// Active returns the conversation's live sandbox, refreshing its expiry, or
// ErrNoSandbox. Backend health checks are memoized for a short window.
func (m *Manager) Active(ctx context.Context, conversationID string) (*models.Sandbox, error) {
	var sb models.Sandbox
	err := m.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		First(&sb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSandbox
	}
	if err != nil {
		return nil, fmt.Errorf("sandbox: lookup %s: %w", conversationID, err)
	}

	if sb.Expired(m.now()) {
		// Lapsed lease: drop the record and let the sweeper reap the
		// resource.
		m.deleteRecord(ctx, &sb)
		return nil, ErrNoSandbox
	}

	alive, cached := m.cache.get(sb.ResourceID)
	if !cached {
		alive, err = m.backend.Inspect(ctx, sb.ResourceID)
		if err != nil {
			return nil, fmt.Errorf("sandbox: inspect %s: %w", sb.ResourceID, err)
		}
		m.cache.set(sb.ResourceID, alive)
	}
	if !alive {
		m.deleteRecord(ctx, &sb)
		return nil, ErrNoSandbox
	}

	if err := m.refreshExpiry(ctx, &sb); err != nil {
		log.Printf("sandbox: refresh expiry for %s: %v", sb.ID, err)
	}
	return &sb, nil
}

// Provision returns the conversation's sandbox, creating it if needed.
// Creation is single-writer-wins: concurrent provisioners for the same
// conversation race for the lock, and the losers end up returning the
// winner's sandbox.
func (m *Manager) Provision(ctx context.Context, userID, conversationID string, opts ProvisionOpts) (*models.Sandbox, error) {
	attempts := m.cfg.ProvisionAttempts
	if attempts <= 0 {
		attempts = 5
	}
	lockTTL := time.Duration(m.cfg.LockTTLSec) * time.Second
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}

	for attempt := 0; attempt < attempts; attempt++ {
		// Fast path: no lock needed when a sandbox already exists.
		if sb, err := m.Active(ctx, conversationID); err == nil {
			return sb, nil
		} else if !errors.Is(err, ErrNoSandbox) {
			return nil, err
		}

		token, err := coord.Acquire(m.db, LockName(conversationID), lockTTL)
		if errors.Is(err, coord.ErrLockHeld) {
			// Another provisioner is in flight; wait for its sandbox or
			// for the lock to clear, then retry.
			if sb := m.pollForWinner(ctx, conversationID); sb != nil {
				return sb, nil
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		sb, err := m.createLocked(ctx, userID, conversationID, token, opts)
		if err != nil {
			return nil, err
		}
		return sb, nil
	}
	return nil, ErrProvisionFailed
}

// createLocked runs the critical section: double-check, create, persist.
// The lock is always released before returning, success or not.
func (m *Manager) createLocked(ctx context.Context, userID, conversationID, token string, opts ProvisionOpts) (*models.Sandbox, error) {
	lockName := LockName(conversationID)
	release := func() {
		if err := coord.Release(m.db, lockName, token); err != nil {
			log.Printf("sandbox: release %s: %v", lockName, err)
		}
	}

	// Close the race where a sandbox appeared between the fast path and
	// lock acquisition.
	if sb, err := m.Active(ctx, conversationID); err == nil {
		release()
		return sb, nil
	} else if !errors.Is(err, ErrNoSandbox) {
		release()
		return nil, err
	}

	resourceID, err := m.backend.Create(ctx, map[string]string{
		LabelSandbox:      "true",
		LabelConversation: conversationID,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("sandbox: create for %s: %w", conversationID, err)
	}

	if opts.Restore {
		if out, err := m.backend.Exec(ctx, resourceID, []string{"turntable-restore"}); err != nil {
			log.Printf("sandbox: restore into %s: %v (output: %s)", resourceID, err, out)
		}
	}

	packages, err := json.Marshal(opts.Packages)
	if err != nil {
		packages = []byte("[]")
	}
	sb := &models.Sandbox{
		ID:             "sbx_" + uuid.NewString()[:8],
		ResourceID:     resourceID,
		ConversationID: conversationID,
		UserID:         userID,
		Framework:      opts.Framework,
		Packages:       string(packages),
		ExpiresAt:      m.now().Add(time.Duration(m.cfg.TTLMinutes) * time.Minute),
	}
	if err := m.db.WithContext(ctx).Create(sb).Error; err != nil {
		// Don't leak the resource behind a failed record write.
		if derr := m.backend.Destroy(ctx, resourceID); derr != nil {
			log.Printf("sandbox: destroy after failed persist: %v", derr)
		}
		release()
		return nil, fmt.Errorf("sandbox: persist for %s: %w", conversationID, err)
	}

	m.cache.set(resourceID, true)
	release()
	log.Printf("sandbox: provisioned %s (resource %s) for conversation %s", sb.ID, resourceID, conversationID)
	return sb, nil
}

// pollForWinner waits (bounded by the poll timeout, distinct from the lock
// TTL) for a competing provisioner to finish. Returns the winner's sandbox,
// or nil when the caller should retry the attempt loop.
func (m *Manager) pollForWinner(ctx context.Context, conversationID string) *models.Sandbox {
	timeout := time.Duration(m.cfg.PollTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	deadline := m.now().Add(timeout)

	for m.now().Before(deadline) {
		if ctx.Err() != nil {
			return nil
		}
		if sb, err := m.Active(ctx, conversationID); err == nil {
			return sb
		}
		held, err := coord.Held(m.db, LockName(conversationID))
		if err != nil {
			log.Printf("sandbox: poll lock for %s: %v", conversationID, err)
			return nil
		}
		if !held {
			// Winner released (or crashed past its TTL) without a
			// sandbox appearing; retry the attempt loop.
			return nil
		}
		m.sleep(pollStep)
	}
	return nil
}

func (m *Manager) refreshExpiry(ctx context.Context, sb *models.Sandbox) error {
	expires := m.now().Add(time.Duration(m.cfg.TTLMinutes) * time.Minute)
	err := m.db.WithContext(ctx).Model(&models.Sandbox{}).
		Where("id = ?", sb.ID).
		Update("expires_at", expires).Error
	if err != nil {
		return err
	}
	sb.ExpiresAt = expires
	return nil
}

func (m *Manager) deleteRecord(ctx context.Context, sb *models.Sandbox) {
	if err := m.db.WithContext(ctx).Delete(sb).Error; err != nil {
		log.Printf("sandbox: delete record %s: %v", sb.ID, err)
	}
	m.cache.invalidate(sb.ResourceID)
}

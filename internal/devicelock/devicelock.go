// Package devicelock implements the local device security state machine. The
// device is either Unlocked or Locked: an idle timeout or an explicit lock
// request transitions to Locked, a passphrase check transitions back. While
// locked, every operation except unlock and recovery-key load is rejected.
package devicelock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/allisson/go-pwdhash"

	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
)

// State is the lock machine state.
type State int

const (
	StateUnlocked State = iota
	StateLocked
)

// String renders a state for logging.
func (s State) String() string {
	if s == StateLocked {
		return "locked"
	}
	return "unlocked"
}

// Machine is the device lock state machine. Safe for concurrent use.
type Machine struct {
	mu sync.Mutex

	hasher            *pwdhash.PasswordHasher
	passphraseHash    string
	lockout           time.Duration
	heartbeatInterval time.Duration
	logger            *slog.Logger
	now               func() time.Time

	state        State
	lastActiveAt time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// NewMachine creates an unlocked machine. A lockout of zero disables the idle
// timeout; a machine without a passphrase cannot be locked.
func NewMachine(lockout, heartbeatInterval time.Duration, logger *slog.Logger, opts ...Option) *Machine {
	hasher, err := pwdhash.New(pwdhash.WithPolicy(pwdhash.PolicyInteractive))
	if err != nil {
		// Only reachable with an invalid policy.
		panic(err)
	}

	m := &Machine{
		hasher:            hasher,
		lockout:           lockout,
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
		now:               func() time.Time { return time.Now().UTC() },
		state:             StateUnlocked,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastActiveAt = m.now()
	return m
}

// SetPassphrase hashes and stores the device passphrase, enabling explicit
// locks and unlocks.
func (m *Machine) SetPassphrase(passphrase string) error {
	if passphrase == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "passphrase must not be blank")
	}

	hash, err := m.hasher.Hash([]byte(passphrase))
	if err != nil {
		return apperrors.Wrap(err, "failed to hash passphrase")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.passphraseHash = hash
	return nil
}

// State returns the current state after applying the idle-timeout check.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkIdleLocked()
	return m.state
}

// Locked reports whether the device is locked.
func (m *Machine) Locked() bool {
	return m.State() == StateLocked
}

// Gate rejects the caller with ErrLocked when the device is locked, unless
// the operation is one of the few allowed while locked.
func (m *Machine) Gate(allowedWhileLocked bool) error {
	if allowedWhileLocked {
		return nil
	}
	if m.Locked() {
		return apperrors.Wrap(apperrors.ErrLocked, "device is locked")
	}
	return nil
}

// Touch re-arms the lockout timer. Called after every successful authorized
// action and by the heartbeat of an active client.
func (m *Machine) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateLocked {
		return
	}
	m.lastActiveAt = m.now()
}

// Lock transitions to Locked. Locking without a configured passphrase would
// strand the user, so it is rejected with ErrInvalidState.
func (m *Machine) Lock() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.passphraseHash == "" {
		return apperrors.Wrap(apperrors.ErrInvalidState, "cannot lock device without a passphrase")
	}
	m.state = StateLocked
	return nil
}

// Unlock verifies the passphrase and transitions to Unlocked. A wrong
// passphrase returns ErrUnauthorized without revealing more.
func (m *Machine) Unlock(passphrase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.passphraseHash == "" {
		return apperrors.Wrap(apperrors.ErrInvalidState, "no passphrase configured")
	}
	ok, err := m.hasher.Verify([]byte(passphrase), m.passphraseHash)
	if err != nil || !ok {
		return apperrors.Wrap(apperrors.ErrUnauthorized, "invalid passphrase")
	}

	m.state = StateUnlocked
	m.lastActiveAt = m.now()
	return nil
}

// Recover transitions to Unlocked after a successful recovery-key load,
// bypassing the passphrase check. Callers verify the recovery key first.
func (m *Machine) Recover() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateUnlocked
	m.lastActiveAt = m.now()
}

// Run drives the periodic idle-timeout heartbeat until ctx is done.
func (m *Machine) Run(ctx context.Context) {
	if m.heartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			before := m.state
			m.checkIdleLocked()
			after := m.state
			m.mu.Unlock()
			if before != after && m.logger != nil {
				m.logger.Info("device locked after idle timeout",
					slog.String("lockout", m.lockout.String()),
				)
			}
		}
	}
}

// checkIdleLocked applies the idle-timeout transition. Caller holds mu.
func (m *Machine) checkIdleLocked() {
	if m.state == StateLocked || m.lockout <= 0 || m.passphraseHash == "" {
		return
	}
	if m.now().Sub(m.lastActiveAt) > m.lockout {
		m.state = StateLocked
	}
}

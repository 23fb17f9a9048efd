package closet

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Unlock releases a held named lock. It must be called exactly once.
type Unlock func()

// LockProvider serializes critical sections by name: only one section per
// name runs at a time within the runtime. The sync engine and the reconciler
// both take the "closet" lock before mutating vault and DB together, so a
// download and a reclamation sweep can never interleave.
type LockProvider interface {
	Acquire(ctx context.Context, name string) (Unlock, error)
}

// WithLock runs fn while holding the named lock.
func WithLock(ctx context.Context, locks LockProvider, name string, fn func() error) error {
	release, err := locks.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// FIFOLockProvider is the production provider: waiters for a name are
// granted the lock strictly in arrival order.
type FIFOLockProvider struct {
	mu    sync.Mutex
	locks map[string]*fifoLock
}

type fifoLock struct {
	held    bool
	waiters []chan struct{}
}

// NewFIFOLockProvider creates an empty provider.
func NewFIFOLockProvider() *FIFOLockProvider {
	return &FIFOLockProvider{locks: make(map[string]*fifoLock)}
}

// Acquire blocks until the named lock is granted or ctx is done.
func (p *FIFOLockProvider) Acquire(ctx context.Context, name string) (Unlock, error) {
	waiterID := uuid.NewString()

	p.mu.Lock()
	l, ok := p.locks[name]
	if !ok {
		l = &fifoLock{}
		p.locks[name] = l
	}

	if !l.held {
		l.held = true
		p.mu.Unlock()
		log.Trace().Str("lock", name).Str("waiter", waiterID).Msg("lock acquired")
		return p.releaseFunc(name, waiterID), nil
	}

	grant := make(chan struct{})
	l.waiters = append(l.waiters, grant)
	p.mu.Unlock()
	log.Trace().Str("lock", name).Str("waiter", waiterID).Msg("queued for lock")

	select {
	case <-grant:
		log.Trace().Str("lock", name).Str("waiter", waiterID).Msg("lock acquired")
		return p.releaseFunc(name, waiterID), nil

	case <-ctx.Done():
		p.mu.Lock()
		// The grant may have raced ctx cancellation; if it did, the lock
		// is ours and must be passed on, not leaked.
		select {
		case <-grant:
			p.passOnLocked(l)
		default:
			l.waiters = removeWaiter(l.waiters, grant)
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (p *FIFOLockProvider) releaseFunc(name, waiterID string) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.passOnLocked(p.locks[name])
			p.mu.Unlock()
			log.Trace().Str("lock", name).Str("waiter", waiterID).Msg("lock released")
		})
	}
}

// passOnLocked hands the lock to the oldest waiter, or marks it free.
// Caller holds p.mu.
func (p *FIFOLockProvider) passOnLocked(l *fifoLock) {
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(next)
		return
	}
	l.held = false
}

func removeWaiter(waiters []chan struct{}, target chan struct{}) []chan struct{} {
	for i, w := range waiters {
		if w == target {
			return append(waiters[:i], waiters[i+1:]...)
		}
	}
	return waiters
}

// StrictLockProvider is a test-only provider that never blocks: it errors
// with ErrLockOverlap the instant two critical sections for the same name
// are observed overlapping. Used purely to verify that callers serialize.
type StrictLockProvider struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewStrictLockProvider creates an empty tripwire provider.
func NewStrictLockProvider() *StrictLockProvider {
	return &StrictLockProvider{held: make(map[string]bool)}
}

// Acquire grants the lock immediately, or trips if it is already held.
func (p *StrictLockProvider) Acquire(ctx context.Context, name string) (Unlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held[name] {
		return nil, fmt.Errorf("lock %q acquired while already held: %w", name, ErrLockOverlap)
	}
	p.held[name] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.held, name)
			p.mu.Unlock()
		})
	}, nil
}

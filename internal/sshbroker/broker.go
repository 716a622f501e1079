// Package sshbroker owns exclusive per-executor session leases and the SSH
// session lifecycle: ephemeral key issuance, key installation via the miner,
// and unconditional teardown.
package sshbroker

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"

	"github.com/one-covenant/basilica-sub000/internal/basilicaerr"
	"github.com/one-covenant/basilica-sub000/internal/config"
	"github.com/one-covenant/basilica-sub000/internal/metrics"
)

// lease is one exclusive hold on an executor.
type lease struct {
	executorID string
	acquiredAt time.Time
	released   chan struct{}
}

// Broker enforces at most one concurrent validator session per executor,
// process-wide, keyed by executor id. Leases are non-reentrant: a second
// acquire for the same executor fails (or waits, when configured) instead of
// blocking the same task forever.
type Broker struct {
	cfg config.SSHConfig
	rec *metrics.Recorder

	mu     sync.Mutex
	leases map[string]*lease

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewBroker builds an empty broker. One broker exists per process.
func NewBroker(cfg config.SSHConfig, rec *metrics.Recorder) *Broker {
	return &Broker{
		cfg:      cfg,
		rec:      rec,
		leases:   make(map[string]*lease),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Lease is a held exclusive session. Release is idempotent and must run on
// every control-flow exit; callers defer it immediately after Acquire.
type Lease struct {
	broker     *Broker
	executorID string
	once       sync.Once
}

// ExecutorID returns the executor this lease covers.
func (l *Lease) ExecutorID() string { return l.executorID }

// Release clears the hold. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.broker.release(l.executorID)
	})
}

func (b *Broker) limiter(executorID string) *rate.Limiter {
	b.limMu.Lock()
	defer b.limMu.Unlock()
	lim, ok := b.limiters[executorID]
	if !ok {
		perMinute := b.cfg.AcquiresPerMinute
		if perMinute <= 0 {
			perMinute = 30
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		b.limiters[executorID] = lim
	}
	return lim
}

// Acquire takes the exclusive lease for executorID. When WaitForLease is
// off, a second concurrent holder fails fast with ErrSessionHeld; when on,
// Acquire waits for the current holder to release or for ctx to end.
func (b *Broker) Acquire(ctx context.Context, executorID string) (*Lease, error) {
	if err := b.limiter(executorID).Wait(ctx); err != nil {
		return nil, basilicaerr.Transient("sshbroker.throttle", err)
	}

	for {
		b.mu.Lock()
		current, held := b.leases[executorID]
		if !held {
			l := &lease{executorID: executorID, acquiredAt: time.Now(), released: make(chan struct{})}
			b.leases[executorID] = l
			b.mu.Unlock()
			if b.rec != nil {
				b.rec.SSHSessionsActive.Inc()
			}
			log.Trace("Acquired executor session lease", "executor", executorID)
			return &Lease{broker: b, executorID: executorID}, nil
		}
		b.mu.Unlock()

		if !b.cfg.WaitForLease {
			if b.rec != nil {
				b.rec.SSHAcquireRejected.Inc()
			}
			return nil, basilicaerr.Newf(basilicaerr.KindTransient, "sshbroker.acquire",
				"%w: executor %s held since %s", basilicaerr.ErrSessionHeld,
				executorID, current.acquiredAt.Format(time.RFC3339))
		}
		select {
		case <-current.released:
			// Holder released; race for the lease again.
		case <-ctx.Done():
			return nil, basilicaerr.Transient("sshbroker.acquire", ctx.Err())
		}
	}
}

func (b *Broker) release(executorID string) {
	b.mu.Lock()
	l, held := b.leases[executorID]
	if held {
		delete(b.leases, executorID)
	}
	b.mu.Unlock()
	if !held {
		return
	}
	close(l.released)
	if b.rec != nil {
		b.rec.SSHSessionsActive.Dec()
	}
	log.Trace("Released executor session lease", "executor", executorID, "held", time.Since(l.acquiredAt))
}

// Held reports whether executorID currently has an active lease.
func (b *Broker) Held(executorID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, held := b.leases[executorID]
	return held
}

// ActiveLeases returns the executor ids currently held, for diagnostics.
func (b *Broker) ActiveLeases() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.leases))
	for id := range b.leases {
		ids = append(ids, id)
	}
	return ids
}

// Package registry is the identity and assignment registry: miner records
// and UID migration, executor upserts and rotation, the GPU-UUID ownership
// state machine, validation logs, miner GPU profiles and the periodic
// reaper. The relational store is the single source of truth; every
// multi-row invariant is enforced inside a transaction.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/event"
	_ "github.com/lib/pq"

	"github.com/one-covenant/basilica-sub000/internal/config"
	"github.com/one-covenant/basilica-sub000/internal/metrics"
	"github.com/one-covenant/basilica-sub000/internal/model"
)

// Store wraps the relational store. One store exists per process and is
// shared by read-only handle.
type Store struct {
	db  *sql.DB
	rec *metrics.Recorder

	// securityFeed broadcasts rejected GPU-UUID and endpoint claims so an
	// alerting collaborator can attach without the core depending on one.
	securityFeed event.Feed
}

// Open connects to the store described by cfg and applies the pool limits.
func Open(cfg config.DatabaseConfig, rec *metrics.Recorder) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	return &Store{db: db, rec: rec}, nil
}

// NewStoreFromDB wraps an existing handle, for tests.
func NewStoreFromDB(db *sql.DB, rec *metrics.Recorder) *Store {
	return &Store{db: db, rec: rec}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// SubscribeSecurityEvents delivers rejected-claim events to ch.
func (s *Store) SubscribeSecurityEvents(ch chan<- model.SecurityEvent) event.Subscription {
	return s.securityFeed.Subscribe(ch)
}

func (s *Store) emitSecurityEvent(ev model.SecurityEvent) {
	ev.At = time.Now().UTC()
	s.securityFeed.Send(ev)
	if s.rec != nil {
		if ev.GPUUUID != "" {
			s.rec.GPURejections.Inc()
		} else {
			s.rec.EndpointConflicts.Inc()
		}
	}
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Package store provides the Postgres persistence layer. Reads and simple
// inserts go through GORM; the state transitions and the overdue claim run
// raw SQL on pgx so their atomicity is a single-statement property of the
// database rather than something the Go code has to coordinate.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
)

const queryTimeout = 5 * time.Second

type handle struct {
	db   *gorm.DB
	pool *pgxpool.Pool
}

// Store groups one sub-store per aggregate, all sharing the same two
// database handles.
type Store struct {
	Sessions   *Sessions
	Contacts   *Contacts
	Profiles   *Profiles
	Logs       *DeliveryLogs
	Heartbeats *Heartbeats
}

func New(db *gorm.DB, pool *pgxpool.Pool) (*Store, error) {
	if db == nil || pool == nil {
		return nil, errors.New("store: both gorm and pgx handles are required")
	}
	h := handle{db: db, pool: pool}
	return &Store{
		Sessions:   &Sessions{h},
		Contacts:   &Contacts{h},
		Profiles:   &Profiles{h},
		Logs:       &DeliveryLogs{h},
		Heartbeats: &Heartbeats{h},
	}, nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}

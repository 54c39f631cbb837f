package gormstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"txcoord/lockmanager"
)

// AdvisoryProvider backs lockmanager advisory locks with MySQL GET_LOCK.
// Each lock pins one pooled connection: GET_LOCK is connection-scoped, so
// the connection stays checked out until release.
type AdvisoryProvider struct {
	store *Store
}

func NewAdvisoryProvider(s *Store) *AdvisoryProvider {
	return &AdvisoryProvider{store: s}
}

var _ lockmanager.AdvisoryProvider = (*AdvisoryProvider)(nil)

func (p *AdvisoryProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	sqlDB, err := p.store.db.DB()
	if err != nil {
		return nil, errors.WithMessage(err, "unwrapping sql.DB")
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "pinning connection")
	}

	seconds := int64(ttl / time.Second)
	var got sql.NullInt64
	row := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", key, seconds)
	if err := row.Scan(&got); err != nil {
		_ = conn.Close()
		return nil, errors.WithMessagef(err, "GET_LOCK(%s)", key)
	}
	if !got.Valid || got.Int64 != 1 {
		_ = conn.Close()
		return nil, errors.Errorf("GET_LOCK(%s) not granted within %ds", key, seconds)
	}

	release := func(ctx context.Context) error {
		defer conn.Close()
		_, err := conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", key)
		return err
	}
	return release, nil
}

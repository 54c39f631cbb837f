// Package gormstore adapts a gorm MySQL connection to the store interface.
// Resource keys follow the "table/id" convention; row locks become
// SELECT ... FOR UPDATE / FOR SHARE, savepoints map onto SQL savepoints
// and advisory locks onto MySQL GET_LOCK on a pinned connection.
package gormstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"txcoord/store"
	"txcoord/txerror"
)

// ErrBadResourceKey is returned for resource keys not in "table/id" form
// or with unsafe identifier characters.
var ErrBadResourceKey = errors.New("gormstore: resource key must be \"table/id\"")

// Store adapts *gorm.DB. The version column used by optimistic checks is
// configurable and defaults to "version".
type Store struct {
	db            *gorm.DB
	versionColumn string
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, versionColumn: "version"}
}

// Open dials MySQL with gorm error translation enabled.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, errors.WithMessage(err, "opening mysql")
	}
	return New(db), nil
}

// WithVersionColumn overrides the column read by optimistic checks.
func (s *Store) WithVersionColumn(column string) *Store {
	clone := *s
	clone.versionColumn = column
	return &clone
}

// DB exposes the underlying gorm handle, for callers that share it.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Begin(ctx context.Context, level store.IsolationLevel) (store.Tx, error) {
	tx := s.db.WithContext(ctx).Begin(&sql.TxOptions{Isolation: sqlIsolation(level)})
	if tx.Error != nil {
		return nil, errors.WithMessage(tx.Error, "begin transaction")
	}
	return &Tx{db: tx}, nil
}

func (s *Store) Classify(err error) txerror.Class {
	return txerror.Classify(err)
}

// ReadVersion reads the committed version of "table/id", 0 when the row
// does not exist.
func (s *Store) ReadVersion(ctx context.Context, resourceKey string) (int64, error) {
	table, id, err := splitResourceKey(resourceKey)
	if err != nil {
		return 0, err
	}
	var version sql.NullInt64
	query := fmt.Sprintf("SELECT `%s` FROM `%s` WHERE id = ?", s.versionColumn, table)
	if err := s.db.WithContext(ctx).Raw(query, id).Scan(&version).Error; err != nil {
		return 0, errors.WithMessagef(err, "reading version of %s", resourceKey)
	}
	return version.Int64, nil
}

func sqlIsolation(level store.IsolationLevel) sql.IsolationLevel {
	switch level {
	case store.ReadUncommitted:
		return sql.LevelReadUncommitted
	case store.RepeatableRead:
		return sql.LevelRepeatableRead
	case store.Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelReadCommitted
	}
}

// Tx is one open gorm transaction.
type Tx struct {
	db *gorm.DB
}

// Exec hands the native *gorm.DB transaction handle to the operation.
func (t *Tx) Exec(ctx context.Context, op store.Operation) error {
	return op(ctx, t.db)
}

func (t *Tx) Commit(context.Context) error {
	return t.db.Commit().Error
}

func (t *Tx) Rollback(context.Context) error {
	return t.db.Rollback().Error
}

func (t *Tx) Savepoint(_ context.Context, name string) error {
	if !safeIdentifier(name) {
		return txerror.Newf(txerror.Fatal, "unsafe savepoint name %q", name)
	}
	return t.db.SavePoint(name).Error
}

func (t *Tx) RollbackToSavepoint(_ context.Context, name string) error {
	if !safeIdentifier(name) {
		return txerror.Newf(txerror.Fatal, "unsafe savepoint name %q", name)
	}
	return t.db.RollbackTo(name).Error
}

func (t *Tx) ReleaseSavepoint(_ context.Context, name string) error {
	if !safeIdentifier(name) {
		return txerror.Newf(txerror.Fatal, "unsafe savepoint name %q", name)
	}
	return t.db.Exec("RELEASE SAVEPOINT " + name).Error
}

// AcquireRowLock takes the store-native row lock for "table/id". The lock
// is held until the transaction terminates; MySQL reports wait timeouts
// and deadlocks through its error numbers, which classify as Retryable.
func (t *Tx) AcquireRowLock(ctx context.Context, resourceKey string, mode store.LockMode) error {
	table, id, err := splitResourceKey(resourceKey)
	if err != nil {
		return err
	}

	var suffix string
	switch mode {
	case store.LockExclusive:
		suffix = "FOR UPDATE"
	case store.LockShared:
		suffix = "FOR SHARE"
	default:
		return txerror.Newf(txerror.Fatal, "row lock mode %s not supported", mode)
	}

	query := fmt.Sprintf("SELECT id FROM `%s` WHERE id = ? %s", table, suffix)
	var locked sql.NullString
	return t.db.WithContext(ctx).Raw(query, id).Scan(&locked).Error
}

func splitResourceKey(resourceKey string) (table, id string, err error) {
	table, id, ok := strings.Cut(resourceKey, "/")
	if !ok || table == "" || id == "" || !safeIdentifier(table) {
		return "", "", txerror.New(txerror.Fatal, errors.WithMessage(ErrBadResourceKey, resourceKey))
	}
	return table, id, nil
}

func safeIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

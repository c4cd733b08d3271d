package ratelimit

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lazyapps/lazycrud/apperr"
	"github.com/lazyapps/lazycrud/store"
)

// Counter is one fixed-window counter row, keyed by (scope, key).
type Counter struct {
	Scope       string    `gorm:"primaryKey;size:128"`
	Key         string    `gorm:"primaryKey;size:128"`
	WindowStart time.Time `gorm:"not null"`
	Count       int       `gorm:"not null"`
}

// TableName returns the database table name.
func (Counter) TableName() string {
	return "rate_limit_counters"
}

// DB is the transactional fixed-window limiter. When the context carries an
// open transaction the check-and-increment joins it, making the guard atomic
// with the guarded write.
type DB struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDB creates a database-backed limiter.
func NewDB(db *gorm.DB) *DB {
	return &DB{db: db, now: time.Now}
}

// SetClock overrides the clock, for tests.
func (l *DB) SetClock(now func() time.Time) {
	l.now = now
}

func (l *DB) conn(ctx context.Context) *gorm.DB {
	if tx, ok := store.TxFromContext(ctx); ok {
		return tx.WithContext(ctx)
	}
	return l.db.WithContext(ctx)
}

// Allow implements Limiter.
func (l *DB) Allow(ctx context.Context, scope, key string, rule Rule) error {
	if rule.Limit <= 0 {
		return nil
	}
	conn := l.conn(ctx)
	now := l.now()

	var c Counter
	err := conn.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("scope = ? AND key = ?", scope, key).
		First(&c).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return conn.Create(&Counter{Scope: scope, Key: key, WindowStart: now, Count: 1}).Error
	}

	if Expired(c.WindowStart, rule.Window, now) {
		return conn.Model(&Counter{}).
			Where("scope = ? AND key = ?", scope, key).
			Updates(map[string]any{"window_start": now, "count": 1}).Error
	}
	if c.Count >= rule.Limit {
		return apperr.RateLimited("")
	}
	return conn.Model(&Counter{}).
		Where("scope = ? AND key = ?", scope, key).
		UpdateColumn("count", gorm.Expr("count + 1")).Error
}

var _ Limiter = (*DB)(nil)

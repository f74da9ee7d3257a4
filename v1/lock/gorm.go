package lock

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultGormTableName = "marquee_locks"

// gormLock is the row model for lock records.
type gormLock struct {
	Name       string    `gorm:"primaryKey;column:name;size:191"`
	Owner      string    `gorm:"column:owner;size:191"`
	AcquiredAt time.Time `gorm:"column:acquired_at"`
	ExpiresAt  time.Time `gorm:"column:expires_at;index"`
}

// Gorm implements Locker on a relational table. The primary key on name is
// the uniqueness constraint; stealing is a conditional UPDATE on expires_at.
type Gorm struct {
	db        *gorm.DB
	tableName string
	opts      options
}

// NewGorm returns a locker backed by db, creating the lock table if needed.
func NewGorm(db *gorm.DB, opts ...Option) *Gorm {
	g := &Gorm{db: db, tableName: defaultGormTableName, opts: buildOptions(opts)}
	if !db.Migrator().HasTable(g.tableName) {
		if err := db.Table(g.tableName).AutoMigrate(&gormLock{}); err != nil {
			g.opts.logger.Warn("lock: cannot create lock table", "table", g.tableName, "error", err)
		}
	}
	return g
}

// Acquire implements Locker.Acquire.
func (g *Gorm) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	cctx, cancel := context.WithTimeout(ctx, g.opts.timeout)
	defer cancel()

	now := g.opts.clock()
	row := gormLock{Name: name, Owner: g.opts.owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	res := g.db.WithContext(cctx).Table(g.tableName).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, g.opts.degrade("lock.acquire", name, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	res = g.db.WithContext(cctx).Table(g.tableName).
		Where("name = ? AND expires_at < ?", name, now).
		Updates(map[string]any{
			"owner":       g.opts.owner,
			"acquired_at": now,
			"expires_at":  now.Add(ttl),
		})
	if res.Error != nil {
		return false, g.opts.degrade("lock.acquire", name, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Release implements Locker.Release.
func (g *Gorm) Release(ctx context.Context, name string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, g.opts.timeout)
	defer cancel()
	res := g.db.WithContext(cctx).Table(g.tableName).Where("name = ?", name).Delete(&gormLock{})
	if res.Error != nil {
		return false, g.opts.degrade("lock.release", name, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Exists implements Locker.Exists.
func (g *Gorm) Exists(ctx context.Context, name string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, g.opts.timeout)
	defer cancel()
	var n int64
	err := g.db.WithContext(cctx).Table(g.tableName).
		Where("name = ? AND expires_at > ?", name, g.opts.clock()).
		Count(&n).Error
	if err != nil {
		return false, g.opts.degrade("lock.exists", name, err)
	}
	return n > 0, nil
}

// Sweep deletes expired rows. Relational stores have no native expiry, so
// callers run this periodically.
func (g *Gorm) Sweep(ctx context.Context) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, g.opts.timeout)
	defer cancel()
	res := g.db.WithContext(cctx).Table(g.tableName).Where("expires_at < ?", g.opts.clock()).Delete(&gormLock{})
	if res.Error != nil {
		return 0, g.opts.degrade("lock.sweep", "*", res.Error)
	}
	return res.RowsAffected, nil
}

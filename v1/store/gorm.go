package store

import (
	"context"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-marquee/v1/cache"
	"github.com/mirkobrombin/go-marquee/v1/lock"
)

// activityRow is the durable last-seen pair per subject.
type activityRow struct {
	SubjectID string    `gorm:"primaryKey;column:subject_id;size:191"`
	LastSeen  time.Time `gorm:"column:last_seen;index"`
}

func (activityRow) TableName() string { return "marquee_activity" }

var upsertColumns = []string{
	"title", "normalized_title", "year", "file_name", "file_size", "mime_type",
	"caption", "chat_id", "message_id", "content_hash", "updated_at",
}

var postgresSearchDDL = []string{
	`ALTER TABLE catalog_records ADD COLUMN IF NOT EXISTS search_vector tsvector
		GENERATED ALWAYS AS (to_tsvector('simple', coalesce(title, '') || ' ' || coalesce(normalized_title, ''))) STORED`,
	`CREATE INDEX IF NOT EXISTS catalog_records_search_idx ON catalog_records USING GIN (search_vector)`,
}

type gormBackend struct {
	db       *gorm.DB
	postgres bool
}

// dialectorFor maps a relational connection string to a GORM dialector.
func dialectorFor(conn string) gorm.Dialector {
	lower := strings.ToLower(conn)
	switch {
	case strings.HasPrefix(lower, "sqlite://"):
		return sqlite.Open(conn[len("sqlite://"):])
	case strings.HasPrefix(lower, "file:"):
		return sqlite.Open(conn)
	}
	return postgres.Open(conn)
}

func openGorm(ctx context.Context, conn string, o options) (backend, error) {
	db, err := gorm.Open(dialectorFor(conn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if db.Dialector.Name() == "sqlite" {
		// sqlite allows a single writer
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return newGormBackend(ctx, db, o)
}

func newGormBackend(ctx context.Context, db *gorm.DB, o options) (*gormBackend, error) {
	cctx, cancel := context.WithTimeout(ctx, o.bulkTimeout)
	defer cancel()
	tx := db.WithContext(cctx)
	if err := tx.AutoMigrate(&Record{}, &activityRow{}); err != nil {
		return nil, err
	}
	g := &gormBackend{db: db, postgres: db.Dialector.Name() == "postgres"}
	if g.postgres {
		for _, stmt := range postgresSearchDDL {
			if err := tx.Exec(stmt).Error; err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// NewGorm returns a HybridStore over an existing GORM connection.
func NewGorm(ctx context.Context, db *gorm.DB, opts ...Option) *HybridStore {
	s := newUnopened(ModeRelational, opts)
	be, err := newGormBackend(ctx, db, s.opts)
	if err != nil {
		s.fatal(err)
		return s
	}
	return s.attach(be)
}

func (g *gormBackend) upsert(ctx context.Context, rec Record) (bool, error) {
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "unique_id"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "catalog_records.content_hash <> excluded.content_hash"},
		}},
	}).Create(&rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (g *gormBackend) count(ctx context.Context) (int64, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&Record{}).Count(&n).Error
	return n, err
}

func (g *gormBackend) search(ctx context.Context, text string, limit int) ([]Record, error) {
	var recs []Record
	tx := g.db.WithContext(ctx).Model(&Record{}).Limit(limit)
	if g.postgres {
		err := tx.Where("search_vector @@ plainto_tsquery('simple', ?)", text).
			Order(clause.OrderBy{Expression: clause.Expr{
				SQL:                "ts_rank(search_vector, plainto_tsquery('simple', ?)) DESC",
				Vars:               []interface{}{text},
				WithoutParentheses: true,
			}}).
			Find(&recs).Error
		return recs, err
	}
	err := tx.Where("normalized_title LIKE ? ESCAPE '\\'", "%"+escapeLike(Normalize(text))+"%").
		Order("added_at DESC").
		Find(&recs).Error
	return recs, err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (g *gormBackend) remove(ctx context.Context, id string) (bool, error) {
	res := g.db.WithContext(ctx).Where("unique_id = ?", id).Delete(&Record{})
	return res.RowsAffected == 1, res.Error
}

func (g *gormBackend) removeMany(ctx context.Context, ids []string) (int64, error) {
	res := g.db.WithContext(ctx).Where("unique_id IN ?", ids).Delete(&Record{})
	return res.RowsAffected, res.Error
}

func (g *gormBackend) scanDedupe(ctx context.Context) ([]Record, error) {
	var (
		out   []Record
		batch []Record
	)
	err := g.db.WithContext(ctx).Model(&Record{}).
		Select("unique_id", "file_name", "file_size", "added_at").
		Where("file_name <> ''").
		FindInBatches(&batch, 1000, func(*gorm.DB, int) error {
			out = append(out, batch...)
			return nil
		}).Error
	return out, err
}

func (g *gormBackend) index(ctx context.Context) ([]cache.IndexEntry, error) {
	var recs []Record
	err := g.db.WithContext(ctx).Model(&Record{}).
		Select("unique_id", "title", "normalized_title", "year").
		Order("unique_id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	entries := make([]cache.IndexEntry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, r.IndexEntry())
	}
	return entries, nil
}

func (g *gormBackend) touch(ctx context.Context, subjectID string, at time.Time) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen"}),
	}).Create(&activityRow{SubjectID: subjectID, LastSeen: at}).Error
}

func (g *gormBackend) countSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&activityRow{}).Where("last_seen >= ?", since).Count(&n).Error
	return n, err
}

func (g *gormBackend) ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (g *gormBackend) locker(opts ...lock.Option) lock.Locker {
	return lock.NewGorm(g.db, opts...)
}

func (g *gormBackend) close(context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

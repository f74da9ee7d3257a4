package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mirkobrombin/go-marquee/v1/cache"
	merrors "github.com/mirkobrombin/go-marquee/v1/errors"
	"github.com/mirkobrombin/go-marquee/v1/lock"
)

const (
	defaultOpTimeout   = 5 * time.Second
	defaultBulkTimeout = 2 * time.Minute
	deleteChunkSize    = 500
)

// backend is implemented once per store kind. HybridStore owns logging,
// error kinds and safe defaults; backends just report errors.
type backend interface {
	upsert(ctx context.Context, rec Record) (changed bool, err error)
	count(ctx context.Context) (int64, error)
	search(ctx context.Context, text string, limit int) ([]Record, error)
	remove(ctx context.Context, id string) (bool, error)
	removeMany(ctx context.Context, ids []string) (int64, error)
	scanDedupe(ctx context.Context) ([]Record, error)
	index(ctx context.Context) ([]cache.IndexEntry, error)
	touch(ctx context.Context, subjectID string, at time.Time) error
	countSince(ctx context.Context, since time.Time) (int64, error)
	ping(ctx context.Context) error
	locker(opts ...lock.Option) lock.Locker
	close(ctx context.Context) error
}

type options struct {
	logger      *slog.Logger
	timeout     time.Duration
	bulkTimeout time.Duration
	now         func() time.Time
	index       *cache.IndexCache
	database    string
	lockOpts    []lock.Option
}

// Option configures a HybridStore.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTimeout bounds single-record backend calls.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBulkTimeout bounds scans and batch deletes.
func WithBulkTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.bulkTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIndexCache serves FuzzyIndex through ic and invalidates it on writes.
func WithIndexCache(ic *cache.IndexCache) Option {
	return func(o *options) { o.index = ic }
}

// WithDatabase names the document database. The default is "marquee".
func WithDatabase(name string) Option {
	return func(o *options) {
		if name != "" {
			o.database = name
		}
	}
}

// WithLockOptions passes options to the locker built over the same backend.
func WithLockOptions(opts ...lock.Option) Option {
	return func(o *options) { o.lockOpts = append(o.lockOpts, opts...) }
}

// SyncReport summarizes a SyncFrom batch.
type SyncReport struct {
	Succeeded int
	Unchanged int
	Failed    int
	Failures  []SyncFailure
}

// SyncFailure names a record that could not be synced.
type SyncFailure struct {
	UniqueID string
	Err      error
}

// HybridStore is the catalog store over whichever backend the connection
// string selects. It never panics and never refuses to construct: failures
// degrade each operation to a safe default plus a kinded error.
type HybridStore struct {
	mode   Mode
	be     backend
	err    error
	lk     lock.Locker
	opts   options
	logger *slog.Logger
}

// Open selects and connects the backend for conn. It never returns an
// error; an unrecognized or unreachable backend puts the store in error
// mode, reported by Err.
func Open(ctx context.Context, conn string, opts ...Option) *HybridStore {
	s := newUnopened(ParseMode(conn), opts)
	var (
		be  backend
		err error
	)
	switch s.mode {
	case ModeDocument:
		be, err = openMongo(ctx, conn, s.opts)
	case ModeRelational:
		be, err = openGorm(ctx, conn, s.opts)
	default:
		err = merrors.ErrUnrecognizedBackend
	}
	if err != nil {
		s.fatal(err)
		return s
	}
	return s.attach(be)
}

func newUnopened(mode Mode, opts []Option) *HybridStore {
	o := options{
		logger:      slog.Default(),
		timeout:     defaultOpTimeout,
		bulkTimeout: defaultBulkTimeout,
		now:         time.Now,
		database:    "marquee",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &HybridStore{mode: mode, opts: o, logger: o.logger}
}

func (s *HybridStore) attach(be backend) *HybridStore {
	s.be = be
	lockOpts := append([]lock.Option{lock.WithLogger(s.logger), lock.WithClock(s.opts.now)}, s.opts.lockOpts...)
	s.lk = be.locker(lockOpts...)
	s.logger.Info("store: opened", "mode", s.mode.String())
	return s
}

func (s *HybridStore) fatal(err error) {
	s.err = merrors.E("store.open", merrors.KindFatal, err)
	s.lk = failedLocker{err: s.err}
	s.logger.Error("store: backend unavailable, running in error mode", "mode", s.mode.String(), "error", err)
}

// Mode returns the backend kind parsed from the connection string.
func (s *HybridStore) Mode() Mode { return s.mode }

// Err returns the fatal error that put the store in error mode, or nil.
func (s *HybridStore) Err() error { return s.err }

// Locker returns a lock.Locker over the same backend.
func (s *HybridStore) Locker() lock.Locker { return s.lk }

// Ready reports whether the backend answers a ping.
func (s *HybridStore) Ready(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	return s.be.ping(cctx) == nil
}

// Close releases the backend connection.
func (s *HybridStore) Close(ctx context.Context) error {
	if s.be == nil {
		return nil
	}
	return s.be.close(ctx)
}

func (s *HybridStore) degrade(op string, err error, attrs ...any) error {
	s.logger.Warn("store: "+op+" failed", append(attrs, "error", err)...)
	return merrors.Transient("store."+op, err)
}

func (s *HybridStore) now() time.Time { return s.opts.now().UTC() }

// AddOrUpdate upserts rec by UniqueID. It returns true when the record was
// inserted or its content changed, and false when the stored copy already
// had the same content or the write failed.
func (s *HybridStore) AddOrUpdate(ctx context.Context, rec Record) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if err := rec.Validate(); err != nil {
		return false, fmt.Errorf("store.add_or_update: %w", err)
	}
	changed, err := s.upsert(ctx, rec)
	if err != nil {
		return false, s.degrade("add_or_update", err, "id", rec.UniqueID)
	}
	if changed {
		s.invalidateIndex(ctx)
	}
	return changed, nil
}

func (s *HybridStore) upsert(ctx context.Context, rec Record) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	return s.be.upsert(cctx, rec.prepare(s.now()))
}

// Count returns the number of stored records.
func (s *HybridStore) Count(ctx context.Context) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	n, err := s.be.count(cctx)
	if err != nil {
		return 0, s.degrade("count", err)
	}
	return n, nil
}

// Search runs the backend's full-text query. limit <= 0 means 20.
func (s *HybridStore) Search(ctx context.Context, text string, limit int) ([]Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit <= 0 {
		limit = 20
	}
	if Normalize(text) == "" {
		return nil, nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	recs, err := s.be.search(cctx, text, limit)
	if err != nil {
		return nil, s.degrade("search", err, "query", text)
	}
	return recs, nil
}

// RemoveByKey deletes the record with id. It returns false when none existed.
func (s *HybridStore) RemoveByKey(ctx context.Context, id string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	ok, err := s.be.remove(cctx, id)
	if err != nil {
		return false, s.degrade("remove_by_key", err, "id", id)
	}
	if ok {
		s.invalidateIndex(ctx)
	}
	return ok, nil
}

// SyncFrom upserts records one by one. A bad record is counted and skipped;
// it never aborts the batch. The error is PartialBatch when any record
// failed.
func (s *HybridStore) SyncFrom(ctx context.Context, records []Record) (SyncReport, error) {
	const op = "store.sync_from"
	var rep SyncReport
	if s.err != nil {
		return rep, s.err
	}
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			for _, rest := range records[i:] {
				rep.Failed++
				rep.Failures = append(rep.Failures, SyncFailure{UniqueID: rest.UniqueID, Err: err})
			}
			break
		}
		if err := rec.Validate(); err != nil {
			rep.Failed++
			rep.Failures = append(rep.Failures, SyncFailure{UniqueID: rec.UniqueID, Err: err})
			continue
		}
		changed, err := s.upsert(ctx, rec)
		switch {
		case err != nil:
			rep.Failed++
			rep.Failures = append(rep.Failures, SyncFailure{UniqueID: rec.UniqueID, Err: err})
			s.logger.Debug("store: sync record failed", "id", rec.UniqueID, "error", err)
		case changed:
			rep.Succeeded++
		default:
			rep.Unchanged++
		}
	}
	if rep.Succeeded > 0 {
		s.invalidateIndex(ctx)
	}
	s.logger.Info("store: sync finished", "succeeded", rep.Succeeded, "unchanged", rep.Unchanged, "failed", rep.Failed)
	if rep.Failed > 0 {
		return rep, merrors.E(op, merrors.KindPartialBatch, fmt.Errorf("%d of %d records failed", rep.Failed, len(records)))
	}
	return rep, nil
}

// FindDuplicatesAndDelete groups records by DedupeKey, keeps the most
// recently added one per group (larger UniqueID on ties) and deletes the
// rest in chunks. It returns how many records were removed.
func (s *HybridStore) FindDuplicatesAndDelete(ctx context.Context) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.bulkTimeout)
	defer cancel()

	recs, err := s.be.scanDedupe(cctx)
	if err != nil {
		return 0, s.degrade("find_duplicates", err)
	}
	doomed := duplicates(recs)
	if len(doomed) == 0 {
		return 0, nil
	}

	removed := 0
	for start := 0; start < len(doomed); start += deleteChunkSize {
		end := min(start+deleteChunkSize, len(doomed))
		n, err := s.be.removeMany(cctx, doomed[start:end])
		removed += int(n)
		if err != nil {
			s.invalidateIndex(ctx)
			return removed, s.degrade("delete_duplicates", err, "removed", removed, "pending", len(doomed)-start)
		}
	}
	s.invalidateIndex(ctx)
	s.logger.Info("store: duplicates removed", "count", removed)
	return removed, nil
}

// duplicates returns the ids to delete, keeping one record per dedupe key.
func duplicates(recs []Record) []string {
	keep := make(map[string]Record)
	var doomed []string
	for _, r := range recs {
		key := r.DedupeKey()
		if key == "" {
			continue
		}
		cur, ok := keep[key]
		if !ok {
			keep[key] = r
			continue
		}
		if newer(r, cur) {
			keep[key] = r
			doomed = append(doomed, cur.UniqueID)
		} else {
			doomed = append(doomed, r.UniqueID)
		}
	}
	sort.Strings(doomed)
	return doomed
}

func newer(a, b Record) bool {
	if !a.AddedAt.Equal(b.AddedAt) {
		return a.AddedAt.After(b.AddedAt)
	}
	return a.UniqueID > b.UniqueID
}

// FuzzyIndex returns the fuzzy index, through the index cache when one is
// configured.
func (s *HybridStore) FuzzyIndex(ctx context.Context) ([]cache.IndexEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	rebuild := func(ctx context.Context) ([]cache.IndexEntry, error) {
		cctx, cancel := context.WithTimeout(ctx, s.opts.bulkTimeout)
		defer cancel()
		return s.be.index(cctx)
	}
	var (
		entries []cache.IndexEntry
		err     error
	)
	if s.opts.index != nil {
		entries, err = s.opts.index.LoadOrRebuild(ctx, rebuild)
	} else {
		entries, err = rebuild(ctx)
	}
	if err != nil {
		return nil, s.degrade("fuzzy_index", err)
	}
	return entries, nil
}

// RebuildIndex rebuilds the fuzzy index from the backend and saves it.
func (s *HybridStore) RebuildIndex(ctx context.Context) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	var gen uint64
	if s.opts.index != nil {
		gen = s.opts.index.Generation()
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.bulkTimeout)
	defer cancel()
	entries, err := s.be.index(cctx)
	if err != nil {
		return 0, s.degrade("rebuild_index", err)
	}
	if s.opts.index != nil && !s.opts.index.SaveIfGeneration(ctx, entries, gen) {
		s.logger.Warn("store: rebuilt index could not be cached", "entries", len(entries))
	}
	return len(entries), nil
}

func (s *HybridStore) invalidateIndex(ctx context.Context) {
	if s.opts.index != nil {
		s.opts.index.Invalidate(ctx)
	}
}

// RecordActivity stores the last-seen time of subjectID.
func (s *HybridStore) RecordActivity(ctx context.Context, subjectID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	if err := s.be.touch(cctx, subjectID, s.now()); err != nil {
		return false, s.degrade("record_activity", err, "subject", subjectID)
	}
	return true, nil
}

// CountActive counts subjects seen within window. It is the durable
// fallback for cache.Activity.
func (s *HybridStore) CountActive(ctx context.Context, window time.Duration) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	n, err := s.be.countSince(cctx, s.now().Add(-window))
	if err != nil {
		return 0, s.degrade("count_active", err)
	}
	return n, nil
}

// failedLocker is handed out in error mode so callers still get a Locker
// that conservatively reports "not acquired".
type failedLocker struct{ err error }

func (f failedLocker) Acquire(context.Context, string, time.Duration) (bool, error) {
	return false, f.err
}
func (f failedLocker) Release(context.Context, string) (bool, error) { return false, f.err }
func (f failedLocker) Exists(context.Context, string) (bool, error)  { return false, f.err }

var _ cache.ActivitySource = (*HybridStore)(nil)

package metrics

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver, no CGO required. Registers itself as
	// "sqlite" in database/sql.
	_ "modernc.org/sqlite"

	"github.com/torvus/raspictl/internal/ctlerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Aggregation is a supported collapse function over a query range.
type Aggregation string

const (
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggAvg   Aggregation = "avg"
	AggCount Aggregation = "count"
)

// DefaultRetention is the retention window applied when
// Config.RetentionSeconds is left at zero, per spec.md §4.4.
const DefaultRetention = 7 * 24 * 3600 // seconds

// Store is the time-series store (C4 "Store"). One writer (the sampler),
// many readers (queries). SQLite's single-writer limitation is enforced by
// capping the pool at one open connection.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (creating if absent) the metrics database at dsn and applies
// embedded migrations. dsn is a modernc.org/sqlite data source, e.g. a file
// path or "file::memory:?cache=shared" for tests.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("metrics: opening sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := runMigrations(sqlDB, logger); err != nil {
		sqlDB.Close()
		return nil, err
	}

	gdb, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("metrics: initializing gorm: %w", err)
	}

	return &Store{db: gdb, logger: logger.Named("metrics.store")}, nil
}

func runMigrations(sqlDB *sql.DB, logger *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("metrics: migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("metrics: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("metrics: migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("metrics: applying migrations: %w", err)
	}
	logger.Info("metrics store migrations applied")
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertBatch writes samples in one transaction. Writes for a tick complete
// before the caller's subsequent retention pass begins (spec.md §5 ordering
// guarantee (b)); that ordering is the caller's responsibility (see Sampler).
func (s *Store) InsertBatch(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	rows := make([]row, 0, len(samples))
	for _, smp := range samples {
		meta := "{}"
		if len(smp.Metadata) > 0 {
			b, err := json.Marshal(smp.Metadata)
			if err != nil {
				return ctlerr.Internalf(err, nil, "metrics: encoding metadata")
			}
			meta = string(b)
		}
		rows = append(rows, row{
			Timestamp:  smp.Timestamp,
			MetricType: string(smp.MetricType),
			Value:      smp.Value,
			Metadata:   meta,
		})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return ctlerr.Internalf(err, nil, "metrics: inserting batch")
	}
	return nil
}

// EnforceRetention deletes rows older than retentionSeconds relative to now
// (seconds since epoch). Called after every sampler tick's batch write.
func (s *Store) EnforceRetention(ctx context.Context, now float64, retentionSeconds int64) error {
	if retentionSeconds <= 0 {
		retentionSeconds = DefaultRetention
	}
	cutoff := now - float64(retentionSeconds)
	if err := s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&row{}).Error; err != nil {
		return ctlerr.Internalf(err, nil, "metrics: enforcing retention")
	}
	return nil
}

// QueryOptions filters and paginates a range query, per spec.md §4.4
// "Query semantics".
type QueryOptions struct {
	Start, End float64 // half-open [Start, End)
	MetricType string  // "" = no filter
	Offset     int
	Limit      int // must be in [1, 1000] if set; 0 means "use default"
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Validate enforces the boundary cases from spec.md §8: limit out of range
// is invalid_argument.
func (o QueryOptions) Validate() error {
	if o.Limit != 0 && (o.Limit < 1 || o.Limit > maxLimit) {
		return ctlerr.InvalidArgumentf(map[string]any{"parameter": "limit", "value": o.Limit}, "metrics: limit must be in [1, %d]", maxLimit)
	}
	return nil
}

// Query returns samples in [Start, End) ordered by timestamp ascending, with
// pagination. An empty range is not an error: it returns no rows.
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]Sample, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultLimit
	}

	q := s.db.WithContext(ctx).Model(&row{}).Where("timestamp >= ? AND timestamp < ?", opts.Start, opts.End)
	if opts.MetricType != "" {
		q = q.Where("metric_type = ?", opts.MetricType)
	}

	var rows []row
	if err := q.Order("timestamp ASC").Offset(opts.Offset).Limit(limit).Find(&rows).Error; err != nil {
		return nil, ctlerr.Internalf(err, nil, "metrics: querying samples")
	}

	out := make([]Sample, 0, len(rows))
	for _, r := range rows {
		var meta map[string]any
		if r.Metadata != "" && r.Metadata != "{}" {
			_ = json.Unmarshal([]byte(r.Metadata), &meta)
		}
		out = append(out, Sample{Timestamp: r.Timestamp, MetricType: MetricType(r.MetricType), Value: r.Value, Metadata: meta})
	}
	return out, nil
}

// AggregateResult is one collapsed row per metric_type across a range.
type AggregateResult struct {
	MetricType string
	Value      float64
}

// Aggregate collapses the range [Start, End) to one row per metric_type
// using the given aggregation function, computed in the store per spec.md
// §4.4.
func (s *Store) Aggregate(ctx context.Context, opts QueryOptions, agg Aggregation) ([]AggregateResult, error) {
	var expr string
	switch agg {
	case AggMin:
		expr = "MIN(value)"
	case AggMax:
		expr = "MAX(value)"
	case AggAvg:
		expr = "AVG(value)"
	case AggCount:
		expr = "COUNT(*)"
	default:
		return nil, ctlerr.InvalidArgumentf(map[string]any{"parameter": "aggregation", "value": string(agg)}, "metrics: unknown aggregation %q", agg)
	}

	q := s.db.WithContext(ctx).Model(&row{}).Where("timestamp >= ? AND timestamp < ?", opts.Start, opts.End)
	if opts.MetricType != "" {
		q = q.Where("metric_type = ?", opts.MetricType)
	}

	type aggRow struct {
		MetricType string
		Value      float64
	}
	var rows []aggRow
	if err := q.Select("metric_type, " + expr + " AS value").Group("metric_type").Scan(&rows).Error; err != nil {
		return nil, ctlerr.Internalf(err, nil, "metrics: aggregating samples")
	}

	out := make([]AggregateResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, AggregateResult{MetricType: r.MetricType, Value: r.Value})
	}
	return out, nil
}

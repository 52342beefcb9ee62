package usagestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	_ "modernc.org/sqlite"
)

const dayLayout = "2006-01-02"

// Store persists per-credential daily recognition seconds in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.UsageStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the usage store. A file that cannot be read as a database
// is moved aside and replaced with an empty one.
func Open(ctx context.Context, cfg config.UsageStoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	s, err := open(ctx, cfg, log)
	if err == nil {
		return s, nil
	}

	aside := fmt.Sprintf("%s.corrupt-%d", cfg.Path, time.Now().Unix())
	log.Warn("usage store unreadable, starting empty",
		slog.String("error", err.Error()),
		slog.String("moved_to", aside))
	if renameErr := os.Rename(cfg.Path, aside); renameErr != nil && !os.IsNotExist(renameErr) {
		return nil, fmt.Errorf("move corrupt usage store: %w", renameErr)
	}
	return open(ctx, cfg, log)
}

func open(ctx context.Context, cfg config.UsageStoreConfig, log *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init usage schema: %w", err)
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("usage store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS usage (
    credential TEXT NOT NULL,
    day TEXT NOT NULL,
    seconds INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (credential, day)
);
CREATE INDEX IF NOT EXISTS idx_usage_day ON usage(day);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns every credential's total for day.
func (s *Store) Load(ctx context.Context, day string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT credential, seconds FROM usage WHERE day = ?`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]int)
	for rows.Next() {
		var credential string
		var seconds int
		if err := rows.Scan(&credential, &seconds); err != nil {
			return nil, err
		}
		totals[credential] = seconds
	}
	return totals, rows.Err()
}

// Put records the absolute total for credential on day.
func (s *Store) Put(ctx context.Context, day, credential string, seconds int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage(credential, day, seconds, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(credential, day) DO UPDATE SET seconds=excluded.seconds, updated_at=excluded.updated_at`,
		credential, day, seconds, s.clock().UTC())
	return err
}

// Prune drops records older than the configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := s.clock().AddDate(0, 0, -s.cfg.RetentionDays).Format(dayLayout)
	_, err := s.db.ExecContext(ctx, `DELETE FROM usage WHERE day < ?`, cutoff)
	return err
}

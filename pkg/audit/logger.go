// Package audit keeps a durable record of accounting events in its own SQLite
// database, separate from the ledger so retention never touches money facts.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/tokenmeter/pkg/models"
	"github.com/pario-ai/tokenmeter/pkg/store"
)

// Logger writes and queries audit entries.
type Logger struct {
	db      *sql.DB
	cfg     models.AuditConfig
	log     zerolog.Logger
	done    chan struct{}
	wg      sync.WaitGroup
	exclude map[models.AuditAction]bool
}

// New opens the audit database, creates the schema and starts the retention
// loop.
func New(cfg models.AuditConfig, logger zerolog.Logger) (*Logger, error) {
	db, err := sql.Open("sqlite", store.DSN(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	exc := make(map[models.AuditAction]bool)
	for _, v := range cfg.ExcludeActions {
		exc[models.AuditAction(v)] = true
	}

	l := &Logger{
		db:      db,
		cfg:     cfg,
		log:     logger.With().Str("component", "audit").Logger(),
		done:    make(chan struct{}),
		exclude: exc,
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id      TEXT NOT NULL DEFAULT '',
		subscription_id INTEGER NOT NULL,
		action          TEXT NOT NULL,
		tokens          INTEGER NOT NULL DEFAULT 0,
		from_value      TEXT NOT NULL DEFAULT '',
		to_value        TEXT NOT NULL DEFAULT '',
		detail          TEXT NOT NULL DEFAULT '',
		created_at      DATETIME NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_subscription ON audit_log(subscription_id, created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_log(request_id)`)
	return err
}

// Log inserts an audit entry unless its action is excluded. A nil Logger
// discards everything.
func (l *Logger) Log(ctx context.Context, entry models.AuditEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if l.exclude[entry.Action] {
		return nil
	}

	detail := entry.Detail
	if l.cfg.MaxDetailSize > 0 && len(detail) > l.cfg.MaxDetailSize {
		detail = detail[:l.cfg.MaxDetailSize]
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log
		(request_id, subscription_id, action, tokens, from_value, to_value, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.SubscriptionID, string(entry.Action), entry.Tokens,
		entry.FromValue, entry.ToValue, detail, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	return nil
}

// Query returns audit entries matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	q := `SELECT id, request_id, subscription_id, action, tokens, from_value, to_value, detail, created_at
		FROM audit_log WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.SubscriptionID != 0 {
		q += " AND subscription_id = ?"
		args = append(args, opts.SubscriptionID)
	}
	if opts.Action != "" {
		q += " AND action = ?"
		args = append(args, string(opts.Action))
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}

	q += " ORDER BY created_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var action string
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.SubscriptionID, &action, &e.Tokens,
			&e.FromValue, &e.ToValue, &e.Detail, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Action = models.AuditAction(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns aggregate counts grouped by action and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT action, substr(created_at, 1, 10) as day, count(*) as cnt
		 FROM audit_log GROUP BY action, day ORDER BY day DESC, action`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var action string
		var day sql.NullString
		if err := rows.Scan(&action, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Action = models.AuditAction(action)
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period. A
// non-positive retention keeps everything.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			n, err := l.Cleanup(context.Background())
			if err != nil {
				l.log.Warn().Err(err).Msg("audit retention sweep failed")
				continue
			}
			if n > 0 {
				l.log.Info().Int64("deleted", n).Msg("audit retention sweep")
			}
		}
	}
}

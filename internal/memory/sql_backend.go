package memory

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite"

	"github.com/NikhilSetiya/agentctx/pkg/errors"
	"github.com/NikhilSetiya/agentctx/pkg/logging"
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect names a SQL backend flavour
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLBackend persists entries in SQLite, PostgreSQL or MySQL through sqlx. The schema
// is managed with golang-migrate from embedded migrations.
type SQLBackend struct {
	db      *sqlx.DB
	dialect Dialect
	logger  *logging.Logger
}

// OpenSQLite opens a SQLite database. A path without an extension is treated
// as a directory holding memory.db.
func OpenSQLite(ctx context.Context, path string, logger *logging.Logger) (*SQLBackend, error) {
	path, err := sqlitePath(path)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(DialectSQLite, path); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.NewStorageError("open", err)
	}
	// Pragmas are per connection; one connection keeps them in force and
	// serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, errors.NewStorageError("open", fmt.Errorf("pragma %q: %w", p, err))
		}
	}

	return newSQLBackend(db, DialectSQLite, logger), nil
}

// sqlitePath resolves the database file and creates its directory. A path
// without an extension is treated as a directory holding memory.db.
func sqlitePath(path string) (string, error) {
	if path == "" {
		return "", errors.NewValidationError("sqlite backend requires a path")
	}
	if filepath.Ext(path) == "" {
		path = filepath.Join(path, "memory.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", errors.NewStorageError("open", err)
	}
	return path, nil
}

// mysqlMigrationDSN enables multi statements, since migration files carry
// several statements each
func mysqlMigrationDSN(dsn string) (string, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", errors.NewValidationError("invalid mysql dsn").WithCause(err)
	}
	cfg.MultiStatements = true
	return cfg.FormatDSN(), nil
}

// OpenPostgres connects to PostgreSQL using dsn
func OpenPostgres(ctx context.Context, dsn string, logger *logging.Logger) (*SQLBackend, error) {
	if dsn == "" {
		return nil, errors.NewValidationError("postgres backend requires a dsn")
	}
	if err := runMigrations(DialectPostgres, dsn); err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.NewStorageError("open", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(10 * time.Minute)

	return newSQLBackend(db, DialectPostgres, logger), nil
}

// OpenMySQL connects to MySQL using a go-sql-driver dsn
func OpenMySQL(ctx context.Context, dsn string, logger *logging.Logger) (*SQLBackend, error) {
	if dsn == "" {
		return nil, errors.NewValidationError("mysql backend requires a dsn")
	}
	migrationDSN, err := mysqlMigrationDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(DialectMySQL, migrationDSN); err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, "mysql", dsn)
	if err != nil {
		return nil, errors.NewStorageError("open", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return newSQLBackend(db, DialectMySQL, logger), nil
}

func newSQLBackend(db *sqlx.DB, dialect Dialect, logger *logging.Logger) *SQLBackend {
	return &SQLBackend{
		db:      db,
		dialect: dialect,
		logger:  logging.OrNop(logger).Named("sql_backend_" + string(dialect)),
	}
}

type entryRow struct {
	ID           string `db:"id"`
	Type         string `db:"type"`
	Content      string `db:"content"`
	Priority     int    `db:"priority"`
	TokenCount   int    `db:"token_count"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
	AccessedAt   int64  `db:"accessed_at"`
	AccessCount  int    `db:"access_count"`
	SessionID    string `db:"session_id"`
	TaskID       string `db:"task_id"`
	Tags         string `db:"tags"`
	IsSummarized int    `db:"is_summarized"`
	SummaryOf    string `db:"summary_of"`
}

type checkpointRow struct {
	ID        string `db:"id"`
	SessionID string `db:"session_id"`
	CreatedAt int64  `db:"created_at"`
	State     string `db:"state"`
	EntryIDs  string `db:"entry_ids"`
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func decodeStrings(raw string) []string {
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil || len(values) == 0 {
		return nil
	}
	return values
}

func toEntryRow(e *Entry) entryRow {
	summarized := 0
	if e.IsSummarized {
		summarized = 1
	}
	return entryRow{
		ID:           e.ID,
		Type:         string(e.Type),
		Content:      e.Content,
		Priority:     e.Priority,
		TokenCount:   e.TokenCount,
		CreatedAt:    toNanos(e.CreatedAt),
		UpdatedAt:    toNanos(e.UpdatedAt),
		AccessedAt:   toNanos(e.AccessedAt),
		AccessCount:  e.AccessCount,
		SessionID:    e.SessionID,
		TaskID:       e.TaskID,
		Tags:         encodeStrings(e.Tags),
		IsSummarized: summarized,
		SummaryOf:    encodeStrings(e.SummaryOf),
	}
}

func (r entryRow) entry() *Entry {
	return &Entry{
		ID:           r.ID,
		Type:         EntryType(r.Type),
		Content:      r.Content,
		Priority:     r.Priority,
		TokenCount:   r.TokenCount,
		CreatedAt:    fromNanos(r.CreatedAt),
		UpdatedAt:    fromNanos(r.UpdatedAt),
		AccessedAt:   fromNanos(r.AccessedAt),
		AccessCount:  r.AccessCount,
		SessionID:    r.SessionID,
		TaskID:       r.TaskID,
		Tags:         decodeStrings(r.Tags),
		IsSummarized: r.IsSummarized != 0,
		SummaryOf:    decodeStrings(r.SummaryOf),
	}
}

const upsertEntry = `
INSERT INTO memory_entries (
	id, type, content, priority, token_count, created_at, updated_at, accessed_at,
	access_count, session_id, task_id, tags, is_summarized, summary_of
) VALUES (
	:id, :type, :content, :priority, :token_count, :created_at, :updated_at, :accessed_at,
	:access_count, :session_id, :task_id, :tags, :is_summarized, :summary_of
)
ON CONFLICT (id) DO UPDATE SET
	type = excluded.type,
	content = excluded.content,
	priority = excluded.priority,
	token_count = excluded.token_count,
	updated_at = excluded.updated_at,
	accessed_at = excluded.accessed_at,
	access_count = excluded.access_count,
	session_id = excluded.session_id,
	task_id = excluded.task_id,
	tags = excluded.tags,
	is_summarized = excluded.is_summarized,
	summary_of = excluded.summary_of`

var excludedColumn = regexp.MustCompile(`excluded\.(\w+)`)

// upsert rewrites an ON CONFLICT statement into MySQL's form when needed
func (b *SQLBackend) upsert(stmt string) string {
	if b.dialect != DialectMySQL {
		return stmt
	}
	stmt = strings.Replace(stmt, "ON CONFLICT (id) DO UPDATE SET", "ON DUPLICATE KEY UPDATE", 1)
	return excludedColumn.ReplaceAllString(stmt, "VALUES($1)")
}

func (b *SQLBackend) Put(ctx context.Context, entry *Entry) error {
	if _, err := b.db.NamedExecContext(ctx, b.upsert(upsertEntry), toEntryRow(entry)); err != nil {
		return errors.NewStorageError("put", err)
	}
	return nil
}

func (b *SQLBackend) Get(ctx context.Context, id string) (*Entry, error) {
	var row entryRow
	err := b.db.GetContext(ctx, &row, b.db.Rebind(`SELECT * FROM memory_entries WHERE id = ?`), id)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("memory entry")
		}
		return nil, errors.NewStorageError("get", err)
	}
	return row.entry(), nil
}

func (b *SQLBackend) Delete(ctx context.Context, id string) error {
	result, err := b.db.ExecContext(ctx, b.db.Rebind(`DELETE FROM memory_entries WHERE id = ?`), id)
	if err != nil {
		return errors.NewStorageError("delete", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.NewStorageError("delete", err)
	}
	if affected == 0 {
		return errors.NewNotFoundError("memory entry")
	}
	return nil
}

// List pushes the indexed filters into SQL; tag and limit are applied after
// decoding since tags are stored as JSON.
func (b *SQLBackend) List(ctx context.Context, query Query) ([]*Entry, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if !query.IncludeSummarized {
		conditions = append(conditions, "is_summarized = 0")
	}
	if query.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, query.SessionID)
	}
	if query.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, query.TaskID)
	}
	if query.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(query.Type))
	}

	stmt := "SELECT * FROM memory_entries"
	if len(conditions) > 0 {
		stmt += " WHERE " + strings.Join(conditions, " AND ")
	}
	stmt += " ORDER BY created_at, id"

	var rows []entryRow
	if err := b.db.SelectContext(ctx, &rows, b.db.Rebind(stmt), args...); err != nil {
		return nil, errors.NewStorageError("list", err)
	}

	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.entry())
	}
	return filterEntries(entries, query), nil
}

const upsertCheckpoint = `
INSERT INTO checkpoints (id, session_id, created_at, state, entry_ids)
VALUES (:id, :session_id, :created_at, :state, :entry_ids)
ON CONFLICT (id) DO UPDATE SET
	session_id = excluded.session_id,
	created_at = excluded.created_at,
	state = excluded.state,
	entry_ids = excluded.entry_ids`

func (b *SQLBackend) PutCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	row := checkpointRow{
		ID:        checkpoint.ID,
		SessionID: checkpoint.SessionID,
		CreatedAt: toNanos(checkpoint.CreatedAt),
		State:     string(checkpoint.State),
		EntryIDs:  encodeStrings(checkpoint.EntryIDs),
	}
	if _, err := b.db.NamedExecContext(ctx, b.upsert(upsertCheckpoint), row); err != nil {
		return errors.NewStorageError("put checkpoint", err)
	}
	return nil
}

func (r checkpointRow) checkpoint() *Checkpoint {
	entryIDs := decodeStrings(r.EntryIDs)
	if entryIDs == nil {
		entryIDs = []string{}
	}
	return &Checkpoint{
		ID:        r.ID,
		SessionID: r.SessionID,
		CreatedAt: fromNanos(r.CreatedAt),
		State:     json.RawMessage(r.State),
		EntryIDs:  entryIDs,
	}
}

func (b *SQLBackend) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	var row checkpointRow
	err := b.db.GetContext(ctx, &row, b.db.Rebind(`SELECT * FROM checkpoints WHERE id = ?`), id)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("checkpoint")
		}
		return nil, errors.NewStorageError("get checkpoint", err)
	}
	return row.checkpoint(), nil
}

func (b *SQLBackend) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	var rows []checkpointRow
	var err error
	if sessionID == "" {
		err = b.db.SelectContext(ctx, &rows, `SELECT * FROM checkpoints ORDER BY created_at, id`)
	} else {
		err = b.db.SelectContext(ctx, &rows, b.db.Rebind(`SELECT * FROM checkpoints WHERE session_id = ? ORDER BY created_at, id`), sessionID)
	}
	if err != nil {
		return nil, errors.NewStorageError("list checkpoints", err)
	}

	out := make([]*Checkpoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.checkpoint())
	}
	return out, nil
}

func (b *SQLBackend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return errors.NewStorageError("ping", err)
	}
	return nil
}

func (b *SQLBackend) Close() error {
	return b.db.Close()
}

// Dialect reports which database the backend talks to
func (b *SQLBackend) Dialect() Dialect {
	return b.dialect
}

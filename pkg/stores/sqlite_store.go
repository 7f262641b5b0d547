package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/careflow/careflow/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.DocumentStore on SQLite. Documents are kept
// as JSON next to the columns used for filtering.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	tracer trace.Tracer
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" json:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" json:"busy_timeout"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	return &SQLiteStore{
		cfg:    cfg,
		tracer: otel.Tracer("github.com/careflow/careflow/pkg/stores"),
	}, nil
}

// Init opens the database in WAL mode with immediate write transactions.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies every pending migration.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrateDown reverts every applied migration.
func (s *SQLiteStore) MigrateDown(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to revert migrations: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version and whether the last
// migration left the schema dirty.
func (s *SQLiteStore) SchemaVersion() (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, dirty, nil
}

func (s *SQLiteStore) migrator() (*migrate.Migrate, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateEventDefinition persists a new event definition, assigning an ID if empty.
func (s *SQLiteStore) CreateEventDefinition(ctx context.Context, def *engine.EventDefinition) (err error) {
	ctx, end := s.span(ctx, "create_event_definition")
	defer func() { end(err) }()

	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	if def.LastUpdated.IsZero() {
		def.LastUpdated = now
	}

	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode event definition: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_definitions (id, name, status, owner_task_id, document, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, string(def.Status), def.OwnerTaskID, string(doc),
		def.CreatedAt.UnixNano(), def.LastUpdated.UnixNano(),
	)
	if err != nil {
		return classify("create_event_definition", fmt.Errorf("failed to create event definition: %w", err))
	}
	return nil
}

// GetEventDefinition retrieves an event definition by ID.
func (s *SQLiteStore) GetEventDefinition(ctx context.Context, id string) (_ *engine.EventDefinition, err error) {
	ctx, end := s.span(ctx, "get_event_definition")
	defer func() { end(err) }()

	var doc string
	err = s.db.QueryRowContext(ctx, `SELECT document FROM event_definitions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("EventDefinition", id)
	}
	if err != nil {
		return nil, classify("get_event_definition", fmt.Errorf("failed to get event definition: %w", err))
	}
	return decode[engine.EventDefinition](doc)
}

// UpdateEventDefinition replaces a stored event definition.
func (s *SQLiteStore) UpdateEventDefinition(ctx context.Context, def *engine.EventDefinition) (err error) {
	ctx, end := s.span(ctx, "update_event_definition")
	defer func() { end(err) }()

	def.LastUpdated = time.Now().UTC()
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode event definition: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE event_definitions
		SET name = ?, status = ?, owner_task_id = ?, document = ?, last_updated = ?
		WHERE id = ?`,
		def.Name, string(def.Status), def.OwnerTaskID, string(doc), def.LastUpdated.UnixNano(), def.ID,
	)
	if err != nil {
		return classify("update_event_definition", fmt.Errorf("failed to update event definition: %w", err))
	}
	return expectRow(result, "EventDefinition", def.ID)
}

// DeleteEventDefinition removes an event definition.
func (s *SQLiteStore) DeleteEventDefinition(ctx context.Context, id string) (err error) {
	ctx, end := s.span(ctx, "delete_event_definition")
	defer func() { end(err) }()

	result, err := s.db.ExecContext(ctx, `DELETE FROM event_definitions WHERE id = ?`, id)
	if err != nil {
		return classify("delete_event_definition", fmt.Errorf("failed to delete event definition: %w", err))
	}
	return expectRow(result, "EventDefinition", id)
}

// SearchEventDefinitions lists event definitions matching the query, oldest first.
func (s *SQLiteStore) SearchEventDefinitions(ctx context.Context, query engine.EventDefinitionQuery) (_ *engine.EventDefinitionPage, err error) {
	ctx, end := s.span(ctx, "search_event_definitions")
	defer func() { end(err) }()

	var where filter
	where.eq("name", query.Name)
	where.eq("status", string(query.Status))
	where.eq("owner_task_id", query.OwnerTaskID)

	total, docs, err := s.search(ctx, "event_definitions", where, "created_at, id", query.Limit, query.Offset)
	if err != nil {
		return nil, classify("search_event_definitions", fmt.Errorf("failed to search event definitions: %w", err))
	}

	page := &engine.EventDefinitionPage{Entries: make([]*engine.EventDefinition, 0, len(docs)), Total: total}
	for _, doc := range docs {
		def, err := decode[engine.EventDefinition](doc)
		if err != nil {
			return nil, err
		}
		page.Entries = append(page.Entries, def)
	}
	return page, nil
}

// CreateTask persists a new task together with its creation record in one transaction.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *engine.Task, record *engine.Provenance) (err error) {
	ctx, end := s.span(ctx, "create_task")
	defer func() { end(err) }()

	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, part_of, task_rank, status, document, authored_on, last_modified)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.PartOf, string(task.Rank), string(task.Status), string(doc),
			task.AuthoredOn.UnixNano(), task.LastModified.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		return insertProvenance(ctx, tx, record)
	})
	return classify("create_task", err)
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (_ *engine.Task, err error) {
	ctx, end := s.span(ctx, "get_task")
	defer func() { end(err) }()

	var doc string
	err = s.db.QueryRowContext(ctx, `SELECT document FROM tasks WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("Task", id)
	}
	if err != nil {
		return nil, classify("get_task", fmt.Errorf("failed to get task: %w", err))
	}
	return decode[engine.Task](doc)
}

// UpdateTask replaces a stored task. A non-nil record is appended in the same transaction.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *engine.Task, record *engine.Provenance) (err error) {
	ctx, end := s.span(ctx, "update_task")
	defer func() { end(err) }()

	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET part_of = ?, task_rank = ?, status = ?, document = ?, last_modified = ?
			WHERE id = ?`,
			task.PartOf, string(task.Rank), string(task.Status), string(doc), task.LastModified.UnixNano(), task.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		if err := expectRow(result, "Task", task.ID); err != nil {
			return err
		}
		return insertProvenance(ctx, tx, record)
	})
	return classify("update_task", err)
}

// DeleteTasks removes the given tasks and every provenance record targeting them.
func (s *SQLiteStore) DeleteTasks(ctx context.Context, ids []string) (err error) {
	if len(ids) == 0 {
		return nil
	}
	ctx, end := s.span(ctx, "delete_tasks")
	defer func() { end(err) }()

	marks, args := placeholders(ids)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM provenance WHERE target IN (`+marks+`)`, args...); err != nil {
			return fmt.Errorf("failed to delete provenance: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id IN (`+marks+`)`, args...); err != nil {
			return fmt.Errorf("failed to delete tasks: %w", err)
		}
		return nil
	})
	return classify("delete_tasks", err)
}

// SearchTasks lists tasks matching the query, oldest first.
func (s *SQLiteStore) SearchTasks(ctx context.Context, query engine.TaskQuery) (_ *engine.TaskPage, err error) {
	ctx, end := s.span(ctx, "search_tasks")
	defer func() { end(err) }()

	var where filter
	where.eq("part_of", query.PartOf)
	where.eq("task_rank", string(query.Rank))
	statuses := make([]string, len(query.Statuses))
	for i, st := range query.Statuses {
		statuses[i] = string(st)
	}
	where.in("status", statuses)

	total, docs, err := s.search(ctx, "tasks", where, "authored_on, id", query.Limit, query.Offset)
	if err != nil {
		return nil, classify("search_tasks", fmt.Errorf("failed to search tasks: %w", err))
	}

	page := &engine.TaskPage{Entries: make([]*engine.Task, 0, len(docs)), Total: total}
	for _, doc := range docs {
		task, err := decode[engine.Task](doc)
		if err != nil {
			return nil, err
		}
		page.Entries = append(page.Entries, task)
	}
	return page, nil
}

// AppendProvenance appends an audit-only record.
func (s *SQLiteStore) AppendProvenance(ctx context.Context, record *engine.Provenance) (err error) {
	ctx, end := s.span(ctx, "append_provenance")
	defer func() { end(err) }()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		return insertProvenance(ctx, tx, record)
	})
	return classify("append_provenance", err)
}

// ListProvenance returns records matching the query in recorded order.
func (s *SQLiteStore) ListProvenance(ctx context.Context, query engine.ProvenanceQuery) (_ []*engine.Provenance, err error) {
	ctx, end := s.span(ctx, "list_provenance")
	defer func() { end(err) }()

	var where filter
	where.in("target", query.Targets)
	where.eq("activity", query.Activity)

	rows, err := s.db.QueryContext(ctx, `SELECT document FROM provenance`+where.sql()+` ORDER BY recorded, seq`, where.args...)
	if err != nil {
		return nil, classify("list_provenance", fmt.Errorf("failed to list provenance: %w", err))
	}
	defer rows.Close()

	records := []*engine.Provenance{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan provenance: %w", err)
		}
		record, err := decode[engine.Provenance](doc)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_provenance", fmt.Errorf("error iterating provenance: %w", err))
	}
	return records, nil
}

func insertProvenance(ctx context.Context, tx *sql.Tx, record *engine.Provenance) error {
	if record == nil {
		return nil
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Recorded.IsZero() {
		record.Recorded = time.Now().UTC()
	}
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode provenance: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO provenance (id, target, activity, recorded, document)
		VALUES (?, ?, ?, ?, ?)`,
		record.ID, record.Target, record.Activity, record.Recorded.UnixNano(), string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to append provenance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) search(ctx context.Context, table string, where filter, order string, limit, offset int) (int, []string, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+where.sql(), where.args...).Scan(&total); err != nil {
		return 0, nil, err
	}

	query := `SELECT document FROM ` + table + where.sql() + ` ORDER BY ` + order
	args := append([]interface{}(nil), where.args...)
	if limit > 0 || offset > 0 {
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var docs []string
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return 0, nil, err
		}
		docs = append(docs, doc)
	}
	return total, docs, rows.Err()
}

func (s *SQLiteStore) span(ctx context.Context, operation string) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "store."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "sqlite"),
			attribute.String("db.operation", operation),
		),
	)
	return ctx, func(err error) {
		if err != nil && !engine.IsNotFound(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// filter accumulates WHERE clauses.
type filter struct {
	clauses []string
	args    []interface{}
}

func (f *filter) eq(column, value string) {
	if value == "" {
		return
	}
	f.clauses = append(f.clauses, column+" = ?")
	f.args = append(f.args, value)
}

func (f *filter) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	marks, args := placeholders(values)
	f.clauses = append(f.clauses, column+" IN ("+marks+")")
	f.args = append(f.args, args...)
}

func (f *filter) sql() string {
	if len(f.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.clauses, " AND ")
}

func placeholders(values []string) (string, []interface{}) {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(values)), ","), args
}

func decode[T any](doc string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return &v, nil
}

func expectRow(result sql.Result, resourceType, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError(resourceType, id)
	}
	return nil
}

// classify turns busy and locked database errors into transient store errors.
// Other errors pass through unchanged.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
			return engine.NewTransientStoreError(operation, err)
		}
	}
	return err
}

package datasources

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/automations/rules"
)

var (
	// ErrDataSourceNotFound is returned for unknown data source IDs
	ErrDataSourceNotFound = errors.New("data source not found")

	// ErrDataSourceExists is returned when creating a duplicate ID
	ErrDataSourceExists = errors.New("data source already exists")
)

// DataSource is one table of rows with its schema, rules and engine. A
// DataSource is immutable; schema changes swap in a new value.
type DataSource struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Schema    Schema    `json:"schema"`
	CreatedAt time.Time `json:"createdAt"`

	Engine *rules.Engine `json:"-"`
	Rows   RowStore      `json:"-"`

	store rules.RuleStore
}

// Run evaluates the active rules against rows, or against the stored rows
// when rows is nil
func (ds *DataSource) Run(ctx context.Context, rows []*rules.DataRow, mode rules.Mode) (*rules.Report, error) {
	if rows == nil {
		var err error
		if rows, err = ds.Rows.List(ctx); err != nil {
			return nil, err
		}
	}
	return ds.Engine.Run(ctx, rows, mode)
}

// Manager manages the engines of all data sources. With a nil *sql.DB every
// store is in memory.
type Manager struct {
	sources map[string]*DataSource
	db      *sql.DB
	runner  *rules.Runner
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewManager creates a manager. Every engine shares runner, and with it the
// pattern verdict cache.
func NewManager(db *sql.DB, runner *rules.Runner, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		var err error
		if runner, err = rules.NewRunner(nil, nil, rules.WithLogger(logger)); err != nil {
			return nil, err
		}
	}
	return &Manager{
		sources: make(map[string]*DataSource),
		db:      db,
		runner:  runner,
		logger:  logger,
	}, nil
}

// Runner returns the shared runner
func (m *Manager) Runner() *rules.Runner {
	return m.runner
}

// LoadAll loads every data source from the database and initializes its engine
func (m *Manager) LoadAll(ctx context.Context) error {
	if m.db == nil {
		return nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, schema, created_at
		FROM data_sources
		ORDER BY created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to fetch data sources: %w", err)
	}
	defer rows.Close()

	var loaded []*DataSource
	for rows.Next() {
		var (
			ds         DataSource
			schemaJSON []byte
		)
		if err := rows.Scan(&ds.ID, &ds.Name, &schemaJSON, &ds.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan data source row: %w", err)
		}
		if err := json.Unmarshal(schemaJSON, &ds.Schema); err != nil {
			return fmt.Errorf("invalid schema for data source %s: %w", ds.ID, err)
		}
		loaded = append(loaded, &ds)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating data source rows: %w", err)
	}

	for _, ds := range loaded {
		built, err := m.build(ds.ID, ds.Name, ds.Schema, ds.CreatedAt, nil, nil)
		if err != nil {
			return fmt.Errorf("failed to initialize data source %s: %w", ds.ID, err)
		}
		m.mu.Lock()
		m.sources[ds.ID] = built
		m.mu.Unlock()
	}

	m.logger.Info("data sources loaded", "count", len(loaded))
	return nil
}

// Create registers a new data source. An empty id is replaced with a UUID.
func (m *Manager) Create(ctx context.Context, id, name string, schema Schema) (*DataSource, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if strings.TrimSpace(name) == "" {
		return nil, &rules.ValidationError{Field: "name", Problems: []string{"name is required"}}
	}
	if schema == nil {
		schema = Schema{}
	}
	if err := ValidateSchema(schema); err != nil {
		return nil, &rules.ValidationError{Field: "schema", Problems: []string{err.Error()}}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sources[id]; exists {
		return nil, fmt.Errorf("data source %s: %w", id, ErrDataSourceExists)
	}

	// Nothing is written until the engine is built, and nothing is
	// registered until the write succeeds.
	createdAt := time.Now().UTC()
	ds, err := m.build(id, name, schema, createdAt, nil, nil)
	if err != nil {
		return nil, err
	}

	if m.db != nil {
		schemaJSON, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal schema: %w", err)
		}
		if _, err := m.db.ExecContext(ctx, `
			INSERT INTO data_sources (id, name, schema, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)
		`, id, name, schemaJSON, createdAt); err != nil {
			return nil, fmt.Errorf("failed to insert data source: %w", err)
		}
	}
	m.sources[id] = ds

	m.logger.Info("data source created", "data_source_id", id, "columns", len(schema))
	return ds, nil
}

// build wires the stores and engine of a data source. Nil stores are created
// for the manager's backend.
func (m *Manager) build(id, name string, schema Schema, createdAt time.Time, store rules.RuleStore, rows RowStore) (*DataSource, error) {
	logger := m.logger.With("data_source_id", id)

	if store == nil {
		if m.db != nil {
			store = rules.NewPostgresRuleStore(m.db, id)
		} else {
			store = rules.NewInMemoryRuleStore()
		}
	}
	if rows == nil {
		if m.db != nil {
			rows = NewPostgresRowStore(m.db, id, logger)
		} else {
			rows = NewInMemoryRowStore(logger)
		}
	}

	engine, err := rules.NewEngine(store, m.runner,
		rules.WithCommitter(rows),
		rules.WithRuleCheck(schema.CheckRule),
		rules.WithEngineLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return &DataSource{
		ID:        id,
		Name:      name,
		Schema:    schema,
		CreatedAt: createdAt,
		Engine:    engine,
		Rows:      rows,
		store:     store,
	}, nil
}

// Get returns a data source
func (m *Manager) Get(id string) (*DataSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ds, exists := m.sources[id]
	if !exists {
		return nil, fmt.Errorf("data source %s: %w", id, ErrDataSourceNotFound)
	}
	return ds, nil
}

// List returns every data source ordered by creation time
func (m *Manager) List() []*DataSource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*DataSource, 0, len(m.sources))
	for _, ds := range m.sources {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateSchema replaces the schema of a data source. Every stored rule must
// fit the new schema. A new engine is built and swapped in atomically, so
// runs in flight finish on the old one.
func (m *Manager) UpdateSchema(ctx context.Context, id string, schema Schema) (*DataSource, error) {
	if schema == nil {
		schema = Schema{}
	}
	if err := ValidateSchema(schema); err != nil {
		return nil, &rules.ValidationError{Field: "schema", Problems: []string{err.Error()}}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.sources[id]
	if !exists {
		return nil, fmt.Errorf("data source %s: %w", id, ErrDataSourceNotFound)
	}

	stored, err := current.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	for _, rule := range stored {
		if err := schema.CheckRule(rule); err != nil {
			return nil, fmt.Errorf("schema change breaks rule %s: %w", rule.ID, err)
		}
	}

	ds, err := m.build(id, current.Name, schema, current.CreatedAt, current.store, current.Rows)
	if err != nil {
		return nil, err
	}

	if m.db != nil {
		schemaJSON, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal schema: %w", err)
		}
		if _, err := m.db.ExecContext(ctx, `
			UPDATE data_sources
			SET schema = $1, updated_at = NOW()
			WHERE id = $2
		`, schemaJSON, id); err != nil {
			return nil, fmt.Errorf("failed to save schema: %w", err)
		}
	}
	m.sources[id] = ds

	m.logger.Info("data source schema updated", "data_source_id", id, "columns", len(schema), "rules", len(stored))
	return ds, nil
}

// Delete removes a data source. Rules, rows and group memberships go with
// it through the foreign keys.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sources[id]; !exists {
		return fmt.Errorf("data source %s: %w", id, ErrDataSourceNotFound)
	}

	if m.db != nil {
		if _, err := m.db.ExecContext(ctx, `DELETE FROM data_sources WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete data source: %w", err)
		}
	}

	delete(m.sources, id)
	m.logger.Info("data source deleted", "data_source_id", id)
	return nil
}

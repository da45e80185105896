package datasources

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/liamcoop/automations/rules"
)

// RowStore holds the materialized rows of one data source and applies the
// mutations of commit-mode runs to them. Rows the store does not hold are
// skipped on commit.
type RowStore interface {
	rules.OutcomeCommitter

	// List returns every row in insertion order
	List(ctx context.Context) ([]*rules.DataRow, error)

	// Put inserts or replaces rows by ID. Rows without an ID get one.
	Put(ctx context.Context, rows []*rules.DataRow) error

	// Members returns the IDs of the rows in group, sorted
	Members(ctx context.Context, group string) ([]string, error)
}

func checkCommit(report *rules.Report) error {
	if report == nil {
		return errors.New("nil report")
	}
	if report.Mode != rules.ModeCommit {
		return fmt.Errorf("run %s is a %s run and cannot be committed", report.RunID, report.Mode)
	}
	return nil
}

// InMemoryRowStore implements RowStore in memory
type InMemoryRowStore struct {
	rows   map[string]*rules.DataRow
	order  []string
	groups map[string]map[string]struct{}
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewInMemoryRowStore creates an empty row store
func NewInMemoryRowStore(logger *slog.Logger) *InMemoryRowStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryRowStore{
		rows:   make(map[string]*rules.DataRow),
		groups: make(map[string]map[string]struct{}),
		logger: logger,
	}
}

// List returns clones of the stored rows
func (s *InMemoryRowStore) List(_ context.Context) ([]*rules.DataRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*rules.DataRow, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rows[id].Clone())
	}
	return out, nil
}

// Put stores clones of rows
func (s *InMemoryRowStore) Put(_ context.Context, rows []*rules.DataRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		if row == nil {
			continue
		}
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		if _, exists := s.rows[row.ID]; !exists {
			s.order = append(s.order, row.ID)
		}
		s.rows[row.ID] = row.Clone()
	}
	return nil
}

// Members returns the row IDs in group
func (s *InMemoryRowStore) Members(_ context.Context, group string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.groups[group]))
	for id := range s.groups[group] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Commit applies every row mutation of report under one lock
func (s *InMemoryRowStore) Commit(_ context.Context, report *rules.Report) error {
	if err := checkCommit(report); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	applied, skipped := 0, 0
	for _, rr := range report.Rows {
		if rr.Mutation.Empty() {
			continue
		}
		row, ok := s.rows[rr.RowID]
		if !ok {
			skipped++
			continue
		}

		for _, change := range rr.Mutation.FieldChanges {
			row.Set(change.Field, change.NewValue)
		}
		for _, g := range rr.Mutation.GroupsAdded {
			if s.groups[g] == nil {
				s.groups[g] = make(map[string]struct{})
			}
			s.groups[g][rr.RowID] = struct{}{}
		}
		for _, g := range rr.Mutation.GroupsRemoved {
			delete(s.groups[g], rr.RowID)
		}
		applied++
	}

	s.logger.Info("run committed", "run_id", report.RunID, "rows_applied", applied, "rows_skipped", skipped)
	return nil
}

// PostgresRowStore implements RowStore on the data_rows and
// group_memberships tables
type PostgresRowStore struct {
	db           *sql.DB
	dataSourceID string
	logger       *slog.Logger
}

// NewPostgresRowStore creates a row store for one data source
func NewPostgresRowStore(db *sql.DB, dataSourceID string, logger *slog.Logger) *PostgresRowStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRowStore{db: db, dataSourceID: dataSourceID, logger: logger}
}

// List returns the rows ordered by insertion
func (s *PostgresRowStore) List(ctx context.Context) ([]*rules.DataRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fields
		FROM data_rows
		WHERE data_source_id = $1
		ORDER BY position ASC
	`, s.dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rows: %w", err)
	}
	defer rows.Close()

	var out []*rules.DataRow
	for rows.Next() {
		var (
			id     string
			fields []byte
		)
		if err := rows.Scan(&id, &fields); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := rules.NewDataRow(id)
		if err := json.Unmarshal(fields, row); err != nil {
			return nil, fmt.Errorf("row %s: decode fields: %w", id, err)
		}
		row.ID = id
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// Put upserts rows in one transaction
func (s *PostgresRowStore) Put(ctx context.Context, rows []*rules.DataRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		if row == nil {
			continue
		}
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		fields, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("row %s: encode fields: %w", row.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO data_rows (id, data_source_id, fields)
			VALUES ($1, $2, $3)
			ON CONFLICT (data_source_id, id) DO UPDATE
			SET fields = EXCLUDED.fields, updated_at = NOW()
		`, row.ID, s.dataSourceID, fields)
		if err != nil {
			return fmt.Errorf("failed to store row %s: %w", row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rows: %w", err)
	}
	return nil
}

// Members returns the row IDs in group
func (s *PostgresRowStore) Members(ctx context.Context, group string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id
		FROM group_memberships
		WHERE data_source_id = $1 AND group_name = $2
		ORDER BY row_id ASC
	`, s.dataSourceID, group)
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan group member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Commit applies the field changes and group memberships of report in a
// single transaction. Either every mutation is stored or none is.
func (s *PostgresRowStore) Commit(ctx context.Context, report *rules.Report) error {
	if err := checkCommit(report); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	applied, skipped := 0, 0
	for _, rr := range report.Rows {
		if rr.Mutation.Empty() || rr.RowID == "" {
			if !rr.Mutation.Empty() {
				skipped++
			}
			continue
		}

		ok, err := s.applyMutation(ctx, tx, rr.RowID, &rr.Mutation)
		if err != nil {
			return fmt.Errorf("row %s: %w", rr.RowID, err)
		}
		if !ok {
			skipped++
			continue
		}
		applied++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	s.logger.Info("run committed",
		"run_id", report.RunID,
		"data_source_id", s.dataSourceID,
		"rows_applied", applied,
		"rows_skipped", skipped)
	return nil
}

// applyMutation returns false when the row is not stored
func (s *PostgresRowStore) applyMutation(ctx context.Context, tx *sql.Tx, rowID string, mut *rules.Mutation) (bool, error) {
	var fields []byte
	err := tx.QueryRowContext(ctx, `
		SELECT fields
		FROM data_rows
		WHERE data_source_id = $1 AND id = $2
		FOR UPDATE
	`, s.dataSourceID, rowID).Scan(&fields)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock row: %w", err)
	}

	if len(mut.FieldChanges) > 0 {
		row := rules.NewDataRow(rowID)
		if err := json.Unmarshal(fields, row); err != nil {
			return false, fmt.Errorf("decode fields: %w", err)
		}
		for _, change := range mut.FieldChanges {
			row.Set(change.Field, change.NewValue)
		}
		updated, err := json.Marshal(row)
		if err != nil {
			return false, fmt.Errorf("encode fields: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE data_rows
			SET fields = $1, updated_at = NOW()
			WHERE data_source_id = $2 AND id = $3
		`, updated, s.dataSourceID, rowID); err != nil {
			return false, fmt.Errorf("failed to update fields: %w", err)
		}
	}

	for _, group := range mut.GroupsAdded {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_memberships (data_source_id, group_name, row_id)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, s.dataSourceID, group, rowID); err != nil {
			return false, fmt.Errorf("failed to add to group %q: %w", group, err)
		}
	}
	for _, group := range mut.GroupsRemoved {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM group_memberships
			WHERE data_source_id = $1 AND group_name = $2 AND row_id = $3
		`, s.dataSourceID, group, rowID); err != nil {
			return false, fmt.Errorf("failed to remove from group %q: %w", group, err)
		}
	}
	return true, nil
}

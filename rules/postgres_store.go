package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL. Condition
// trees and actions are stored as JSON documents.
type PostgresRuleStore struct {
	db           *sql.DB
	dataSourceID string
}

// NewPostgresRuleStore creates a PostgreSQL-backed RuleStore for one data source
func NewPostgresRuleStore(db *sql.DB, dataSourceID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:           db,
		dataSourceID: dataSourceID,
	}
}

const ruleColumns = `id, name, enabled, priority, conditions, actions, created_at, updated_at`

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(rule *Rule) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM rules WHERE id = $1 AND data_source_id = $2)
	`, rule.ID, s.dataSourceID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	conditions, actions, err := encodeRule(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO rules (id, data_source_id, name, enabled, priority, conditions, actions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rule.ID, s.dataSourceID, rule.Name, rule.Enabled, rule.Priority,
		conditions, actions, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	rule.DataSourceID = s.dataSourceID
	rule.CreatedAt = now
	rule.UpdatedAt = now
	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND data_source_id = $2
	`, id, s.dataSourceID)

	rule, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns every rule of the data source ordered by priority
func (s *PostgresRuleStore) List() ([]*Rule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE data_source_id = $1
		ORDER BY priority ASC, created_at ASC
	`)
}

// ListActive returns enabled rules ordered by priority
func (s *PostgresRuleStore) ListActive() ([]*Rule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE data_source_id = $1 AND enabled = true
		ORDER BY priority ASC, created_at ASC
	`)
}

func (s *PostgresRuleStore) query(q string) ([]*Rule, error) {
	rows, err := s.db.Query(q, s.dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var list []*Rule
	for rows.Next() {
		rule, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		list = append(list, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return list, nil
}

// Update modifies an existing rule
func (s *PostgresRuleStore) Update(rule *Rule) error {
	conditions, actions, err := encodeRule(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now().UTC()
	result, err := s.db.Exec(`
		UPDATE rules
		SET name = $1, enabled = $2, priority = $3, conditions = $4, actions = $5, updated_at = $6
		WHERE id = $7 AND data_source_id = $8
	`, rule.Name, rule.Enabled, rule.Priority, conditions, actions, rule.UpdatedAt,
		rule.ID, s.dataSourceID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound)
	}
	rule.DataSourceID = s.dataSourceID
	return nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM rules
		WHERE id = $1 AND data_source_id = $2
	`, id, s.dataSourceID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *PostgresRuleStore) scan(row scanner) (*Rule, error) {
	var (
		rule       Rule
		conditions []byte
		actions    []byte
	)
	if err := row.Scan(&rule.ID, &rule.Name, &rule.Enabled, &rule.Priority,
		&conditions, &actions, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return nil, err
	}

	rule.DataSourceID = s.dataSourceID
	rule.Conditions = &ConditionGroup{}
	if err := json.Unmarshal(conditions, rule.Conditions); err != nil {
		return nil, fmt.Errorf("rule %s: decode conditions: %w", rule.ID, err)
	}
	if err := json.Unmarshal(actions, &rule.Actions); err != nil {
		return nil, fmt.Errorf("rule %s: decode actions: %w", rule.ID, err)
	}
	return &rule, nil
}

func encodeRule(rule *Rule) (conditions, actions []byte, err error) {
	if rule.Conditions == nil {
		return nil, nil, &ValidationError{RuleID: rule.ID, Field: "conditions", Problems: []string{"conditions is required"}}
	}
	conditions, err = json.Marshal(rule.Conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode conditions: %w", err)
	}
	actions, err = json.Marshal(rule.Actions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode actions: %w", err)
	}
	return conditions, actions, nil
}

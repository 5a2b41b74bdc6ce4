package database

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mappy4ever/DexTrends-sub010/internal/models"
)

// OpType is the kind of a generic batch mutation
type OpType string

const (
	OpInsert OpType = "insert"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

var (
	// ErrUnscopedMutation rejects updates and deletes without match conditions.
	ErrUnscopedMutation = errors.New("update and delete require conditions")
	// ErrAppendOnly rejects updates and deletes on tables that only grow.
	ErrAppendOnly = errors.New("table is append-only")
)

// appendOnlyTables accept inserts only. Job rows may still be updated while running.
var appendOnlyTables = map[string]bool{
	TablePriceHistory: true,
	TableEvents:       true,
}

// Operation is one row-level mutation against a store table.
type Operation struct {
	Type       OpType         `json:"type"`
	Data       map[string]any `json:"data,omitempty"`
	Conditions map[string]any `json:"conditions,omitempty"`
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ApplyOperation executes a single mutation. Column names are validated since they are
// interpolated into SQL.
func (s *Store) ApplyOperation(ctx context.Context, table string, op Operation) error {
	if err := ValidateTable(table); err != nil {
		return err
	}
	if err := validateColumns(op.Data); err != nil {
		return err
	}
	if err := validateColumns(op.Conditions); err != nil {
		return err
	}

	if op.Type == OpUpdate || op.Type == OpDelete {
		if appendOnlyTables[table] || (table == TableCollectionJobs && op.Type == OpDelete) {
			return fmt.Errorf("%w: %s %s", ErrAppendOnly, op.Type, table)
		}
	}

	db := s.db.WithContext(ctx)
	switch op.Type {
	case OpInsert:
		if len(op.Data) == 0 {
			return errors.New("insert requires data")
		}
		return db.Table(table).Create(op.Data).Error
	case OpUpdate:
		if len(op.Conditions) == 0 {
			return ErrUnscopedMutation
		}
		if len(op.Data) == 0 {
			return errors.New("update requires data")
		}
		if table == TableCollectionJobs {
			return s.updateRunningJobs(ctx, op)
		}
		return db.Table(table).Where(op.Conditions).Updates(op.Data).Error
	case OpDelete:
		if len(op.Conditions) == 0 {
			return ErrUnscopedMutation
		}
		where, args := conditionsClause(op.Conditions)
		return db.Exec("DELETE FROM "+table+" WHERE "+where, args...).Error
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// updateRunningJobs applies op only to matching jobs that are still running. A match that
// is already terminal reports ErrJobFinalized.
func (s *Store) updateRunningJobs(ctx context.Context, op Operation) error {
	db := s.db.WithContext(ctx)
	result := db.Table(TableCollectionJobs).
		Where(op.Conditions).
		Where("status = ?", models.JobRunning).
		Updates(op.Data)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var matched int64
	if err := db.Table(TableCollectionJobs).Where(op.Conditions).Count(&matched).Error; err != nil {
		return err
	}
	if matched > 0 {
		return ErrJobFinalized
	}
	return nil
}

func validateColumns(m map[string]any) error {
	for col := range m {
		if !identifierPattern.MatchString(col) {
			return fmt.Errorf("invalid column name %q", col)
		}
	}
	return nil
}

// conditionsClause builds "a = ? AND b = ?" in a stable column order.
func conditionsClause(conds map[string]any) (string, []any) {
	cols := make([]string, 0, len(conds))
	for col := range conds {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	parts := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		parts[i] = col + " = ?"
		args[i] = conds[col]
	}
	return strings.Join(parts, " AND "), args
}

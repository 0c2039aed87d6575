package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"elfcore/internal/logging"
	"elfcore/internal/qerr"
)

// entitySpec describes one entity the generic repository may touch. Every
// identifier that ends up in SQL comes from this allow-list; values are
// always bound as parameters.
type entitySpec struct {
	table   string
	columns map[string]bool
}

func spec(table string, cols ...string) entitySpec {
	m := make(map[string]bool, len(cols))
	for _, c := range cols {
		m[c] = true
	}
	return entitySpec{table: table, columns: m}
}

// entityAllowList is the fixed set of entities exposed through raw CRUD.
// Confidence-bearing heuristic columns are deliberately absent: those
// writes belong to the lifecycle engine.
var entityAllowList = map[string]entitySpec{
	"learnings": spec("learnings",
		"id", "type", "filepath", "title", "summary", "tags", "domain", "severity", "created_at", "updated_at"),
	"decisions": spec("decisions",
		"id", "title", "context", "options_considered", "decision", "rationale", "domain", "status", "superseded_by", "created_at", "updated_at"),
	"invariants": spec("invariants",
		"id", "statement", "rationale", "domain", "scope", "validation_type", "severity", "status",
		"violation_count", "last_validated_at", "last_violated_at", "created_at", "updated_at"),
	"violations": spec("violations",
		"id", "rule_id", "rule_name", "violation_date", "description", "session_id", "acknowledged", "created_at", "updated_at"),
	"experiments": spec("experiments",
		"id", "name", "hypothesis", "domain", "status", "started_at", "created_at", "updated_at"),
	"ceo_reviews": spec("ceo_reviews",
		"id", "subject", "description", "domain", "status", "created_at", "updated_at"),
	"assumptions": spec("assumptions",
		"id", "statement", "domain", "status", "impact", "created_at", "updated_at"),
	"session_summaries": spec("session_summaries",
		"id", "session_id", "summary", "tool_calls", "failures", "patterns_seen", "created_at"),
}

// Repository is a generic allow-listed CRUD layer over the fixed entity
// set. It exists for the auxiliary entities external drivers store; the
// core engines own their tables directly.
type Repository struct {
	store *Store
}

// NewRepository creates a repository over the store.
func NewRepository(s *Store) *Repository {
	return &Repository{store: s}
}

func (r *Repository) resolve(entity string) (entitySpec, error) {
	sp, ok := entityAllowList[entity]
	if !ok {
		return entitySpec{}, qerr.Validation("unknown entity: %q", entity)
	}
	return sp, nil
}

func (sp entitySpec) checkColumn(col string) error {
	if !sp.columns[col] {
		return qerr.Validation("unknown column %q for entity %q", col, sp.table)
	}
	return nil
}

func checkDirection(dir string) (string, error) {
	switch strings.ToUpper(dir) {
	case "", "ASC":
		return "ASC", nil
	case "DESC":
		return "DESC", nil
	default:
		return "", qerr.Validation("invalid sort direction: %q", dir)
	}
}

// GetByID fetches one row as a column→value map.
func (r *Repository) GetByID(ctx context.Context, entity string, id int64) (map[string]any, error) {
	sp, err := r.resolve(entity)
	if err != nil {
		return nil, err
	}
	rows, err := r.store.db.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE id = ?", sp.table), id)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to query %s", sp.table)
	}
	defer rows.Close()

	results, err := rowsToMaps(rows)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// ListAll returns every row of an entity ordered by the given column.
func (r *Repository) ListAll(ctx context.Context, entity, orderBy, direction string, limit int) ([]map[string]any, error) {
	return r.ListWithFilters(ctx, entity, nil, orderBy, direction, limit)
}

// ListWithFilters returns rows matching equality filters.
func (r *Repository) ListWithFilters(ctx context.Context, entity string, filters map[string]any, orderBy, direction string, limit int) ([]map[string]any, error) {
	sp, err := r.resolve(entity)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM %s", sp.table)
	args := make([]any, 0, len(filters)+1)

	if len(filters) > 0 {
		cols := make([]string, 0, len(filters))
		for col := range filters {
			if err := sp.checkColumn(col); err != nil {
				return nil, err
			}
			cols = append(cols, col)
		}
		sort.Strings(cols)
		clauses := make([]string, 0, len(cols))
		for _, col := range cols {
			clauses = append(clauses, col+" = ?")
			args = append(args, filters[col])
		}
		sb.WriteString(" WHERE " + strings.Join(clauses, " AND "))
	}

	if orderBy != "" {
		if err := sp.checkColumn(orderBy); err != nil {
			return nil, err
		}
		dir, err := checkDirection(direction)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s", orderBy, dir)
	}
	if limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := r.store.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to query %s", sp.table)
	}
	defer rows.Close()
	return rowsToMaps(rows)
}

// Create inserts a row and returns its id.
func (r *Repository) Create(ctx context.Context, entity string, values map[string]any) (int64, error) {
	sp, err := r.resolve(entity)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, qerr.Validation("no values to insert")
	}

	cols := make([]string, 0, len(values))
	for col := range values {
		if col == "id" {
			return 0, qerr.Validation("id is assigned by the store")
		}
		if err := sp.checkColumn(col); err != nil {
			return 0, err
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = "?"
		args[i] = values[col]
	}

	res, err := r.store.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			sp.table, strings.Join(cols, ", "), strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return 0, qerr.Wrap(qerr.CodeDatabase, err, "failed to insert into %s", sp.table)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, qerr.Wrap(qerr.CodeDatabase, err, "failed to read insert id")
	}
	logging.StoreDebug("Repository insert: %s id=%d", sp.table, id)
	return id, nil
}

// Update applies column updates to one row.
func (r *Repository) Update(ctx context.Context, entity string, id int64, values map[string]any) error {
	sp, err := r.resolve(entity)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return qerr.Validation("no values to update")
	}

	cols := make([]string, 0, len(values))
	for col := range values {
		if col == "id" {
			return qerr.Validation("id is immutable")
		}
		if err := sp.checkColumn(col); err != nil {
			return err
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		sets[i] = col + " = ?"
		args = append(args, values[col])
	}
	args = append(args, id)

	_, err = r.store.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			sp.table, strings.Join(sets, ", ")), args...)
	if err != nil {
		return qerr.Wrap(qerr.CodeDatabase, err, "failed to update %s", sp.table)
	}
	return nil
}

// Delete removes one row.
func (r *Repository) Delete(ctx context.Context, entity string, id int64) error {
	sp, err := r.resolve(entity)
	if err != nil {
		return err
	}
	_, err = r.store.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", sp.table), id)
	if err != nil {
		return qerr.Wrap(qerr.CodeDatabase, err, "failed to delete from %s", sp.table)
	}
	return nil
}

// Exists reports whether a row with the id exists.
func (r *Repository) Exists(ctx context.Context, entity string, id int64) (bool, error) {
	sp, err := r.resolve(entity)
	if err != nil {
		return false, err
	}
	var n int
	err = r.store.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", sp.table), id).Scan(&n)
	if err != nil {
		return false, qerr.Wrap(qerr.CodeDatabase, err, "failed to count %s", sp.table)
	}
	return n > 0, nil
}

// Count returns the number of rows matching the filters.
func (r *Repository) Count(ctx context.Context, entity string, filters map[string]any) (int64, error) {
	sp, err := r.resolve(entity)
	if err != nil {
		return 0, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT COUNT(*) FROM %s", sp.table)
	args := make([]any, 0, len(filters))
	if len(filters) > 0 {
		cols := make([]string, 0, len(filters))
		for col := range filters {
			if err := sp.checkColumn(col); err != nil {
				return 0, err
			}
			cols = append(cols, col)
		}
		sort.Strings(cols)
		clauses := make([]string, 0, len(cols))
		for _, col := range cols {
			clauses = append(clauses, col+" = ?")
			args = append(args, filters[col])
		}
		sb.WriteString(" WHERE " + strings.Join(clauses, " AND "))
	}

	var n int64
	if err := r.store.db.QueryRowContext(ctx, sb.String(), args...).Scan(&n); err != nil {
		return 0, qerr.Wrap(qerr.CodeDatabase, err, "failed to count %s", sp.table)
	}
	return n, nil
}

// rowsToMaps converts a result set into column→value maps.
func rowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to read columns")
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to scan row")
		}
		m := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				m[col] = string(b)
			} else {
				m[col] = vals[i]
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

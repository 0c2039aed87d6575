package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"elfcore/internal/qerr"
	"elfcore/internal/types"
)

const patternCols = `id, pattern_type, pattern_text, signature, pattern_hash,
	occurrence_count, first_seen, last_seen, session_ids, domain, project_path,
	strength, promoted_to_heuristic_id, created_at, updated_at`

// ScanPattern reads one pattern from a row selected with patternCols.
func ScanPattern(row rowScanner) (*types.Pattern, error) {
	var p types.Pattern
	var sessionIDs string
	var projectPath sql.NullString
	var promoted sql.NullInt64

	err := row.Scan(&p.ID, &p.PatternType, &p.PatternText, &p.Signature, &p.PatternHash,
		&p.OccurrenceCount, &p.FirstSeen, &p.LastSeen, &sessionIDs, &p.Domain, &projectPath,
		&p.Strength, &promoted, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sessionIDs), &p.SessionIDs); err != nil {
		p.SessionIDs = nil
	}
	if projectPath.Valid {
		p.ProjectPath = &projectPath.String
	}
	if promoted.Valid {
		p.PromotedToHeuristicID = &promoted.Int64
	}
	p.FirstSeen = p.FirstSeen.UTC()
	p.LastSeen = p.LastSeen.UTC()
	return &p, nil
}

// GetPatternByHash fetches a pattern by its dedup hash, or nil.
func (s *Store) GetPatternByHash(ctx context.Context, hash string) (*types.Pattern, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+patternCols+" FROM patterns WHERE pattern_hash = ?", hash)
	p, err := ScanPattern(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to load pattern %s", hash)
	}
	return p, nil
}

// GetPattern fetches a pattern by id, or nil.
func (s *Store) GetPattern(ctx context.Context, id int64) (*types.Pattern, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+patternCols+" FROM patterns WHERE id = ?", id)
	p, err := ScanPattern(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to load pattern %d", id)
	}
	return p, nil
}

// ListUnpromotedPatterns returns patterns not yet promoted, optionally
// scoped to a project path.
func (s *Store) ListUnpromotedPatterns(ctx context.Context, projectPath string) ([]*types.Pattern, error) {
	query := "SELECT " + patternCols + " FROM patterns WHERE promoted_to_heuristic_id IS NULL"
	args := []any{}
	if projectPath != "" {
		query += " AND (project_path IS NULL OR project_path = ?)"
		args = append(args, projectPath)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to list patterns")
	}
	defer rows.Close()

	var out []*types.Pattern
	for rows.Next() {
		p, err := ScanPattern(rows)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to scan pattern")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListAllPatterns returns every pattern row.
func (s *Store) ListAllPatterns(ctx context.Context) ([]*types.Pattern, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+patternCols+" FROM patterns")
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to list patterns")
	}
	defer rows.Close()

	var out []*types.Pattern
	for rows.Next() {
		p, err := ScanPattern(rows)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to scan pattern")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarshalSessionIDs encodes a session id list for storage, keeping only
// the last 10 entries.
func MarshalSessionIDs(ids []string) string {
	if len(ids) > 10 {
		ids = ids[len(ids)-10:]
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(b)
}

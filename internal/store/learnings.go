package store

import (
	"context"
	"strings"

	"elfcore/internal/qerr"
	"elfcore/internal/types"
)

const learningCols = `id, type, filepath, title, summary, tags, domain, severity, created_at, updated_at`

func scanLearning(row rowScanner) (*types.Learning, error) {
	var l types.Learning
	err := row.Scan(&l.ID, &l.Type, &l.Filepath, &l.Title, &l.Summary, &l.Tags,
		&l.Domain, &l.Severity, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

func (s *Store) collectLearnings(ctx context.Context, query string, args ...any) ([]*types.Learning, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to query learnings")
	}
	defer rows.Close()

	var out []*types.Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to scan learning")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// InsertLearning records a learning event. The filepath must be unique.
func (s *Store) InsertLearning(ctx context.Context, l *types.Learning) (int64, error) {
	severity := l.Severity
	if severity == 0 {
		severity = 3
	}
	now := types.FormatTime(types.NowUTC())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO learnings (type, filepath, title, summary, tags, domain, severity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Type, l.Filepath, l.Title, l.Summary, l.Tags, l.Domain, severity, now, now)
	if err != nil {
		return 0, qerr.Wrap(qerr.CodeDatabase, err, "failed to insert learning")
	}
	return res.LastInsertId()
}

// ListDomainLearnings returns the most recent learnings in a domain.
func (s *Store) ListDomainLearnings(ctx context.Context, domain string, limit int) ([]*types.Learning, error) {
	return s.collectLearnings(ctx,
		"SELECT "+learningCols+" FROM learnings WHERE domain = ? ORDER BY created_at DESC LIMIT ?",
		domain, limit)
}

// ListRecentLearnings returns the most recent learnings, optionally
// filtered by type.
func (s *Store) ListRecentLearnings(ctx context.Context, learningType string, limit int) ([]*types.Learning, error) {
	if learningType != "" {
		return s.collectLearnings(ctx,
			"SELECT "+learningCols+" FROM learnings WHERE type = ? ORDER BY created_at DESC LIMIT ?",
			learningType, limit)
	}
	return s.collectLearnings(ctx,
		"SELECT "+learningCols+" FROM learnings ORDER BY created_at DESC LIMIT ?", limit)
}

// ListLearningsByTags returns learnings whose comma-separated tags column
// contains any of the given tags, via substring match.
func (s *Store) ListLearningsByTags(ctx context.Context, tags []string, limit int) ([]*types.Learning, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	clauses := make([]string, 0, len(tags))
	args := make([]any, 0, len(tags)+1)
	for _, tag := range tags {
		clauses = append(clauses, `tags LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likeEscape(tag)+"%")
	}
	args = append(args, limit)
	return s.collectLearnings(ctx,
		"SELECT "+learningCols+" FROM learnings WHERE "+strings.Join(clauses, " OR ")+
			" ORDER BY created_at DESC LIMIT ?", args...)
}

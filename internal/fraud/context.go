package fraud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"elfcore/internal/logging"
	"elfcore/internal/qerr"
	"elfcore/internal/types"
)

// contextPreviewLen caps how much raw context text is retained. Only the
// hash, this preview, and the applied heuristic ids are stored.
const contextPreviewLen = 100

// TrackContext records a privacy-reduced fingerprint of the session
// context a set of heuristics was applied under, for later selectivity
// analysis. Rows are purged after the configured retention window.
func (d *Detector) TrackContext(ctx context.Context, sessionID, contextText string, appliedHeuristics []int64) error {
	sum := sha256.Sum256([]byte(contextText))
	preview := contextText
	if len(preview) > contextPreviewLen {
		preview = preview[:contextPreviewLen]
	}
	applied, err := json.Marshal(appliedHeuristics)
	if err != nil {
		applied = []byte("[]")
	}

	_, err = d.store.DB().ExecContext(ctx, `
		INSERT INTO session_contexts (session_id, context_hash, context_preview, applied_heuristics, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, hex.EncodeToString(sum[:]), preview, string(applied),
		types.FormatTime(types.NowUTC()))
	if err != nil {
		return qerr.Wrap(qerr.CodeDatabase, err, "failed to track session context")
	}
	return nil
}

// CleanupContexts deletes session-context rows older than the retention
// window.
func (d *Detector) CleanupContexts(ctx context.Context) (int64, error) {
	days := d.cfg.ContextRetainDays
	if days <= 0 {
		days = 7
	}
	cutoff := types.FormatTime(types.NowUTC().AddDate(0, 0, -days))
	res, err := d.store.DB().ExecContext(ctx,
		"DELETE FROM session_contexts WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, qerr.Wrap(qerr.CodeDatabase, err, "failed to purge session contexts")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Fraud("Purged %d expired session contexts", n)
	}
	return n, nil
}

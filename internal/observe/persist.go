package observe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"elfcore/internal/logging"
	"elfcore/internal/qerr"
	"elfcore/internal/store"
	"elfcore/internal/types"
)

// typeMultiplier scales initial strength per pattern kind.
var typeMultiplier = map[string]float64{
	"retry":            1.2,
	"error":            1.0,
	"success_sequence": 1.3,
	"search":           0.8,
	"tool_sequence":    0.9,
}

// hashPattern computes the dedup hash: first 16 hex chars of
// sha256("type:signature").
func hashPattern(kind, signature string) string {
	sum := sha256.Sum256([]byte(kind + ":" + signature))
	return hex.EncodeToString(sum[:])[:16]
}

// initialStrength computes the strength of a freshly observed pattern.
func initialStrength(kind string, occurrences int) float64 {
	base := 0.3 + minF(0.3, float64(occurrences)*0.05)
	mult, ok := typeMultiplier[kind]
	if !ok {
		mult = 1.0
	}
	return minF(1.0, base*mult)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// kindToPatternType maps extractor kinds onto the stored pattern_type
// enum.
func kindToPatternType(kind string) string {
	switch kind {
	case "retry":
		return types.PatternRetry
	case "error":
		return types.PatternError
	case "search":
		return types.PatternSearch
	case "success_sequence":
		return types.PatternSuccessSequence
	case "tool_sequence":
		return types.PatternToolSequence
	default:
		return kind
	}
}

// persist upserts extracted patterns. An existing row (by hash) is
// reinforced: occurrence_count increments, last_seen moves, strength rises
// by 0.05 capped at 1, and session ids merge keeping the last 10. A new
// row gets the kind-scaled initial strength.
func (o *Observer) persist(ctx context.Context, extracted []Extracted, sessionID, projectPath string) (created, reinforced int, err error) {
	for _, p := range extracted {
		hash := hashPattern(p.Kind, p.Signature)

		existing, err := o.store.GetPatternByHash(ctx, hash)
		if err != nil {
			return created, reinforced, err
		}

		now := types.FormatTime(types.NowUTC())
		if existing != nil {
			ids := existing.SessionIDs
			if len(ids) == 0 || ids[len(ids)-1] != sessionID {
				ids = append(ids, sessionID)
			}
			newStrength := minF(1.0, existing.Strength+0.05)
			_, err = o.store.DB().ExecContext(ctx, `
				UPDATE patterns SET
					occurrence_count = occurrence_count + 1,
					last_seen = ?, strength = ?, session_ids = ?, updated_at = ?
				WHERE id = ?`,
				now, newStrength, store.MarshalSessionIDs(ids), now, existing.ID)
			if err != nil {
				return created, reinforced, qerr.Wrap(qerr.CodeDatabase, err, "failed to reinforce pattern %s", hash)
			}
			reinforced++
			logging.ObserverDebug("Reinforced pattern %s (strength %.2f -> %.2f)", hash, existing.Strength, newStrength)
			continue
		}

		var projectPathVal any
		if projectPath != "" {
			projectPathVal = projectPath
		}
		_, err = o.store.DB().ExecContext(ctx, `
			INSERT INTO patterns (
				pattern_type, pattern_text, signature, pattern_hash,
				occurrence_count, first_seen, last_seen, session_ids,
				domain, project_path, strength, created_at, updated_at
			) VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?)`,
			kindToPatternType(p.Kind), p.Text, p.Signature, hash,
			now, now, store.MarshalSessionIDs([]string{sessionID}),
			p.Domain, projectPathVal, initialStrength(p.Kind, 1), now, now)
		if err != nil {
			// A concurrent session may have inserted the same hash; fold
			// into reinforcement on conflict.
			if existing2, gerr := o.store.GetPatternByHash(ctx, hash); gerr == nil && existing2 != nil {
				reinforced++
				continue
			}
			return created, reinforced, qerr.Wrap(qerr.CodeDatabase, err, "failed to insert pattern %s", hash)
		}
		created++
		logging.ObserverDebug("New pattern %s kind=%s domain=%s", hash, p.Kind, p.Domain)
	}
	return created, reinforced, nil
}

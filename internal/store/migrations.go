package store

import (
	"database/sql"
	"fmt"

	"elfcore/internal/logging"
)

// Migration defines an additive column migration. Destructive changes are
// not part of this core.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists schema migrations for databases created by older
// builds where tables exist but are missing newer columns.
var pendingMigrations = []Migration{
	// EMA smoothing columns (added with the lifecycle engine)
	{"heuristics", "confidence_ema", "REAL"},
	{"heuristics", "ema_alpha", "REAL DEFAULT 0.3"},
	{"heuristics", "ema_warmup_remaining", "INTEGER DEFAULT 3"},
	// Rate limiting columns
	{"heuristics", "update_count_today", "INTEGER DEFAULT 0"},
	{"heuristics", "update_count_reset_date", "TEXT DEFAULT ''"},
	// Fraud tracking columns
	{"heuristics", "fraud_flags", "INTEGER DEFAULT 0"},
	{"heuristics", "is_quarantined", "INTEGER DEFAULT 0"},
	{"heuristics", "last_fraud_check", "DATETIME"},
	// Location scoping
	{"heuristics", "project_path", "TEXT"},
	{"patterns", "project_path", "TEXT"},
	// Dormancy support
	{"heuristics", "dormant_since", "DATETIME"},
	{"heuristics", "revival_conditions", "TEXT DEFAULT ''"},
	{"heuristics", "times_revived", "INTEGER DEFAULT 0"},
	// Audit trail smoothing detail
	{"confidence_updates", "raw_target_confidence", "REAL DEFAULT 0"},
	{"confidence_updates", "smoothed_delta", "REAL DEFAULT 0"},
	{"confidence_updates", "alpha_used", "REAL DEFAULT 0"},
	// Query audit bucket counts
	{"building_queries", "heuristic_count", "INTEGER DEFAULT 0"},
	{"building_queries", "learning_count", "INTEGER DEFAULT 0"},
}

// RunMigrations applies additive schema migrations for existing databases.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	applied := 0
	skipped := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			skipped++
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			skipped++
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			logging.Get(logging.CategoryStore).Warn("Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
			skipped++
			continue
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	logging.StoreDebug("Schema migrations complete: applied=%d, skipped=%d", applied, skipped)
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
	return err == nil && count > 0
}

package store

// Schema versions:
// v1: learnings, heuristics, patterns, decisions, invariants, violations
// v2: confidence_updates audit trail, domain_metadata + count triggers
// v3: fraud tables (reports, signals, responses, baselines, contexts)
// v4: meta-observer tables (observations, rollups, config, alerts)
// v5: building_queries audit, auxiliary driver tables
const CurrentSchemaVersion = 5

// schemaStatements declares every core table idempotently. Missing columns
// on known tables are handled by RunMigrations, not here.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER NOT NULL,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS learnings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL CHECK (type IN ('failure','success','heuristic','experiment','observation')),
		filepath TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		summary TEXT DEFAULT '',
		tags TEXT DEFAULT '',
		domain TEXT DEFAULT '',
		severity INTEGER DEFAULT 3 CHECK (severity BETWEEN 1 AND 5),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_learnings_domain ON learnings(domain);
	CREATE INDEX IF NOT EXISTS idx_learnings_type ON learnings(type);
	CREATE INDEX IF NOT EXISTS idx_learnings_created ON learnings(created_at DESC);`,

	`CREATE TABLE IF NOT EXISTS heuristics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT NOT NULL,
		rule TEXT NOT NULL,
		explanation TEXT DEFAULT '',
		source_type TEXT DEFAULT 'observation',
		source_id INTEGER,
		confidence REAL DEFAULT 0.5 CHECK (confidence >= 0 AND confidence <= 1),
		confidence_ema REAL CHECK (confidence_ema IS NULL OR (confidence_ema >= 0 AND confidence_ema <= 1)),
		ema_alpha REAL DEFAULT 0.3,
		ema_warmup_remaining INTEGER DEFAULT 3,
		times_validated INTEGER DEFAULT 0 CHECK (times_validated >= 0),
		times_violated INTEGER DEFAULT 0 CHECK (times_violated >= 0),
		times_contradicted INTEGER DEFAULT 0 CHECK (times_contradicted >= 0),
		times_revived INTEGER DEFAULT 0 CHECK (times_revived >= 0),
		is_golden INTEGER DEFAULT 0,
		status TEXT DEFAULT 'active' CHECK (status IN ('active','dormant','quarantined','evicted')),
		dormant_since DATETIME,
		revival_conditions TEXT DEFAULT '',
		last_used_at DATETIME,
		last_confidence_update DATETIME,
		update_count_today INTEGER DEFAULT 0,
		update_count_reset_date TEXT DEFAULT '',
		min_applications INTEGER DEFAULT 10,
		fraud_flags INTEGER DEFAULT 0,
		is_quarantined INTEGER DEFAULT 0,
		last_fraud_check DATETIME,
		project_path TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_heuristics_identity
		ON heuristics(domain, rule, IFNULL(project_path, ''));
	CREATE INDEX IF NOT EXISTS idx_heuristics_domain ON heuristics(domain, status);
	CREATE INDEX IF NOT EXISTS idx_heuristics_confidence ON heuristics(confidence DESC);
	CREATE INDEX IF NOT EXISTS idx_heuristics_fraud_check ON heuristics(last_fraud_check);`,

	`CREATE TABLE IF NOT EXISTS patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern_type TEXT NOT NULL CHECK (pattern_type IN ('retry','error','search','success_sequence','tool_sequence')),
		pattern_text TEXT NOT NULL,
		signature TEXT NOT NULL,
		pattern_hash TEXT NOT NULL UNIQUE,
		occurrence_count INTEGER DEFAULT 1 CHECK (occurrence_count >= 1),
		first_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		session_ids TEXT DEFAULT '[]',
		domain TEXT DEFAULT '',
		project_path TEXT,
		strength REAL DEFAULT 0.3 CHECK (strength >= 0 AND strength <= 1),
		promoted_to_heuristic_id INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_type ON patterns(pattern_type);
	CREATE INDEX IF NOT EXISTS idx_patterns_strength ON patterns(strength DESC);
	CREATE INDEX IF NOT EXISTS idx_patterns_promoted ON patterns(promoted_to_heuristic_id);`,

	`CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		context TEXT DEFAULT '',
		options_considered TEXT DEFAULT '',
		decision TEXT NOT NULL,
		rationale TEXT DEFAULT '',
		domain TEXT DEFAULT '',
		status TEXT DEFAULT 'accepted' CHECK (status IN ('accepted','proposed','superseded')),
		superseded_by INTEGER REFERENCES decisions(id),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_domain ON decisions(domain, status);`,

	`CREATE TABLE IF NOT EXISTS invariants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		statement TEXT NOT NULL,
		rationale TEXT DEFAULT '',
		domain TEXT DEFAULT '',
		scope TEXT DEFAULT 'codebase' CHECK (scope IN ('codebase','module','function','runtime')),
		validation_type TEXT DEFAULT '',
		severity TEXT DEFAULT 'warning' CHECK (severity IN ('error','warning','info')),
		status TEXT DEFAULT 'active' CHECK (status IN ('active','retired')),
		violation_count INTEGER DEFAULT 0,
		last_validated_at DATETIME,
		last_violated_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_invariants_domain ON invariants(domain, status);`,

	`CREATE TABLE IF NOT EXISTS violations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id INTEGER DEFAULT 0,
		rule_name TEXT NOT NULL,
		violation_date DATETIME DEFAULT CURRENT_TIMESTAMP,
		description TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		acknowledged INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_violations_date ON violations(violation_date DESC);
	CREATE INDEX IF NOT EXISTS idx_violations_ack ON violations(acknowledged);`,

	`CREATE TABLE IF NOT EXISTS confidence_updates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		heuristic_id INTEGER NOT NULL,
		old_confidence REAL NOT NULL,
		new_confidence REAL NOT NULL,
		delta REAL NOT NULL,
		update_type TEXT NOT NULL CHECK (update_type IN ('success','failure','contradiction','revival','decay','manual')),
		reason TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		agent_id TEXT DEFAULT '',
		rate_limited INTEGER DEFAULT 0,
		raw_target_confidence REAL DEFAULT 0,
		smoothed_delta REAL DEFAULT 0,
		alpha_used REAL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_confupd_heuristic ON confidence_updates(heuristic_id, created_at);`,

	`CREATE TABLE IF NOT EXISTS domain_metadata (
		domain TEXT PRIMARY KEY,
		soft_limit INTEGER DEFAULT 5,
		hard_limit INTEGER DEFAULT 10,
		ceo_override_limit INTEGER,
		current_count INTEGER DEFAULT 0,
		state TEXT DEFAULT 'normal' CHECK (state IN ('normal','overflow','critical')),
		overflow_entered_at DATETIME,
		expansion_min_confidence REAL DEFAULT 0.70,
		expansion_min_validations INTEGER DEFAULT 3,
		expansion_min_novelty REAL DEFAULT 0.60,
		grace_period_days INTEGER DEFAULT 7,
		max_overflow_days INTEGER DEFAULT 28,
		avg_confidence REAL DEFAULT 0,
		health_score REAL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS domain_baselines (
		domain TEXT PRIMARY KEY,
		avg_success_rate REAL DEFAULT 0,
		std_success_rate REAL DEFAULT 0,
		avg_update_frequency REAL DEFAULT 0,
		std_update_frequency REAL DEFAULT 0,
		sample_count INTEGER DEFAULT 0,
		last_updated DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS domain_baseline_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT NOT NULL,
		avg_success_rate REAL DEFAULT 0,
		std_success_rate REAL DEFAULT 0,
		avg_update_frequency REAL DEFAULT 0,
		std_update_frequency REAL DEFAULT 0,
		sample_count INTEGER DEFAULT 0,
		drift REAL DEFAULT 0,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_baseline_history_domain ON domain_baseline_history(domain, recorded_at);`,

	`CREATE TABLE IF NOT EXISTS fraud_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		heuristic_id INTEGER NOT NULL,
		combined_score REAL DEFAULT 0,
		posterior REAL DEFAULT 0,
		classification TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_fraud_reports_heuristic ON fraud_reports(heuristic_id, created_at);`,

	`CREATE TABLE IF NOT EXISTS anomaly_signals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id INTEGER NOT NULL REFERENCES fraud_reports(id),
		heuristic_id INTEGER NOT NULL,
		signal_type TEXT NOT NULL,
		score REAL DEFAULT 0,
		severity TEXT DEFAULT 'medium',
		reason TEXT DEFAULT '',
		evidence TEXT DEFAULT '{}',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_signals_report ON anomaly_signals(report_id);`,

	`CREATE TABLE IF NOT EXISTS fraud_responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id INTEGER NOT NULL REFERENCES fraud_reports(id),
		heuristic_id INTEGER NOT NULL,
		response_type TEXT NOT NULL,
		acknowledged INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS session_contexts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		context_hash TEXT NOT NULL,
		context_preview TEXT DEFAULT '',
		applied_heuristics TEXT DEFAULT '[]',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_session_contexts_created ON session_contexts(created_at);`,

	`CREATE TABLE IF NOT EXISTS metric_observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		metric_name TEXT NOT NULL,
		value REAL NOT NULL,
		observed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		domain TEXT,
		metadata TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_obs_unique
		ON metric_observations(metric_name, observed_at, IFNULL(domain, ''));
	CREATE INDEX IF NOT EXISTS idx_obs_metric_time
		ON metric_observations(metric_name, observed_at DESC);`,

	`CREATE TABLE IF NOT EXISTS metric_hourly_rollups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		metric_name TEXT NOT NULL,
		hour_start DATETIME NOT NULL,
		domain TEXT,
		min_value REAL NOT NULL,
		max_value REAL NOT NULL,
		avg_value REAL NOT NULL,
		sample_count INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_rollup_unique
		ON metric_hourly_rollups(metric_name, hour_start, IFNULL(domain, ''));`,

	`CREATE TABLE IF NOT EXISTS meta_observer_config (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		metric_name TEXT UNIQUE NOT NULL,
		z_score_threshold REAL DEFAULT 3.0,
		false_positive_count INTEGER DEFAULT 0,
		true_positive_count INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS meta_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_type TEXT NOT NULL,
		severity TEXT DEFAULT 'warning',
		metric_name TEXT DEFAULT '',
		current_value REAL,
		baseline_value REAL,
		message TEXT DEFAULT '',
		context TEXT DEFAULT '',
		state TEXT DEFAULT 'new' CHECK (state IN ('new','active','ack','resolved')),
		first_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		resolved_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_meta_alerts_dedup ON meta_alerts(alert_type, metric_name, state);`,

	`CREATE TABLE IF NOT EXISTS building_queries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_type TEXT NOT NULL,
		session_id TEXT DEFAULT '',
		agent_id TEXT DEFAULT '',
		domain TEXT DEFAULT '',
		tags TEXT DEFAULT '',
		limit_requested INTEGER DEFAULT 0,
		results_returned INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		status TEXT DEFAULT 'success' CHECK (status IN ('success','error','timeout')),
		error_message TEXT DEFAULT '',
		error_code TEXT DEFAULT '',
		heuristic_count INTEGER DEFAULT 0,
		learning_count INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_building_queries_type ON building_queries(query_type, created_at);`,

	`CREATE TABLE IF NOT EXISTS experiments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		hypothesis TEXT DEFAULT '',
		domain TEXT DEFAULT '',
		status TEXT DEFAULT 'active',
		started_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS ceo_reviews (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject TEXT NOT NULL,
		description TEXT DEFAULT '',
		domain TEXT DEFAULT '',
		status TEXT DEFAULT 'pending',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS assumptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		statement TEXT NOT NULL,
		domain TEXT DEFAULT '',
		status TEXT DEFAULT 'active',
		impact TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS session_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		summary TEXT DEFAULT '',
		tool_calls INTEGER DEFAULT 0,
		failures INTEGER DEFAULT 0,
		patterns_seen INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,

	// Triggers keep domain_metadata.current_count and state consistent with
	// the active heuristic population on every mutation path.
	`CREATE TRIGGER IF NOT EXISTS trg_heuristics_insert AFTER INSERT ON heuristics
	BEGIN
		INSERT INTO domain_metadata (domain) VALUES (NEW.domain)
			ON CONFLICT(domain) DO NOTHING;
		UPDATE domain_metadata SET
			current_count = (SELECT COUNT(*) FROM heuristics WHERE domain = NEW.domain AND status = 'active'),
			avg_confidence = COALESCE((SELECT AVG(confidence) FROM heuristics WHERE domain = NEW.domain AND status = 'active'), 0),
			updated_at = CURRENT_TIMESTAMP
		WHERE domain = NEW.domain;
		UPDATE domain_metadata SET
			state = CASE
				WHEN current_count > MAX(hard_limit, IFNULL(ceo_override_limit, 0)) THEN 'critical'
				WHEN current_count > soft_limit THEN 'overflow'
				ELSE 'normal' END,
			overflow_entered_at = CASE
				WHEN current_count > soft_limit AND overflow_entered_at IS NULL THEN CURRENT_TIMESTAMP
				WHEN current_count <= soft_limit THEN NULL
				ELSE overflow_entered_at END
		WHERE domain = NEW.domain;
	END;`,

	`CREATE TRIGGER IF NOT EXISTS trg_heuristics_update AFTER UPDATE OF status, confidence, domain ON heuristics
	BEGIN
		INSERT INTO domain_metadata (domain) VALUES (NEW.domain)
			ON CONFLICT(domain) DO NOTHING;
		UPDATE domain_metadata SET
			current_count = (SELECT COUNT(*) FROM heuristics WHERE domain = domain_metadata.domain AND status = 'active'),
			avg_confidence = COALESCE((SELECT AVG(confidence) FROM heuristics WHERE domain = domain_metadata.domain AND status = 'active'), 0),
			updated_at = CURRENT_TIMESTAMP
		WHERE domain IN (OLD.domain, NEW.domain);
		UPDATE domain_metadata SET
			state = CASE
				WHEN current_count > MAX(hard_limit, IFNULL(ceo_override_limit, 0)) THEN 'critical'
				WHEN current_count > soft_limit THEN 'overflow'
				ELSE 'normal' END,
			overflow_entered_at = CASE
				WHEN current_count > soft_limit AND overflow_entered_at IS NULL THEN CURRENT_TIMESTAMP
				WHEN current_count <= soft_limit THEN NULL
				ELSE overflow_entered_at END
		WHERE domain IN (OLD.domain, NEW.domain);
	END;`,

	`CREATE TRIGGER IF NOT EXISTS trg_heuristics_delete AFTER DELETE ON heuristics
	BEGIN
		UPDATE domain_metadata SET
			current_count = (SELECT COUNT(*) FROM heuristics WHERE domain = OLD.domain AND status = 'active'),
			avg_confidence = COALESCE((SELECT AVG(confidence) FROM heuristics WHERE domain = OLD.domain AND status = 'active'), 0),
			updated_at = CURRENT_TIMESTAMP
		WHERE domain = OLD.domain;
		UPDATE domain_metadata SET
			state = CASE
				WHEN current_count > MAX(hard_limit, IFNULL(ceo_override_limit, 0)) THEN 'critical'
				WHEN current_count > soft_limit THEN 'overflow'
				ELSE 'normal' END,
			overflow_entered_at = CASE
				WHEN current_count > soft_limit AND overflow_entered_at IS NULL THEN CURRENT_TIMESTAMP
				WHEN current_count <= soft_limit THEN NULL
				ELSE overflow_entered_at END
		WHERE domain = OLD.domain;
	END;`,
}

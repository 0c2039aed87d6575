// Package types holds the entities persisted by the knowledge core and the
// enumerations shared across its engines.
package types

import "time"

// TimeLayout is the storage format for every timestamp column. Values are
// naive UTC; they must be produced and compared in UTC everywhere.
const TimeLayout = "2006-01-02 15:04:05"

// NowUTC returns the current time in UTC truncated to whole seconds, the
// resolution the store keeps.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// FormatTime renders a timestamp in the storage layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a storage-layout timestamp as UTC.
func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, s, time.UTC)
}

// Learning types.
const (
	LearningFailure     = "failure"
	LearningSuccess     = "success"
	LearningHeuristic   = "heuristic"
	LearningExperiment  = "experiment"
	LearningObservation = "observation"
)

// Heuristic source types.
const (
	SourceFailure       = "failure"
	SourceSuccess       = "success"
	SourceObservation   = "observation"
	SourceAutoDistilled = "auto_distilled"
)

// Heuristic statuses.
const (
	StatusActive      = "active"
	StatusDormant     = "dormant"
	StatusQuarantined = "quarantined"
	StatusEvicted     = "evicted"
)

// Domain capacity states.
const (
	DomainNormal   = "normal"
	DomainOverflow = "overflow"
	DomainCritical = "critical"
)

// Confidence update types.
const (
	UpdateSuccess       = "success"
	UpdateFailure       = "failure"
	UpdateContradiction = "contradiction"
	UpdateRevival       = "revival"
	UpdateDecay         = "decay"
	UpdateManual        = "manual"
)

// Pattern kinds extracted by the observer.
const (
	PatternRetry           = "retry"
	PatternError           = "error"
	PatternSearch          = "search"
	PatternSuccessSequence = "success_sequence"
	PatternToolSequence    = "tool_sequence"
)

// Meta-alert states.
const (
	AlertNew      = "new"
	AlertActive   = "active"
	AlertAck      = "ack"
	AlertResolved = "resolved"
)

// Query audit statuses.
const (
	QueryStatusSuccess = "success"
	QueryStatusError   = "error"
	QueryStatusTimeout = "timeout"
)

// Learning is a recorded event with a sibling markdown write-up.
type Learning struct {
	ID        int64
	Type      string
	Filepath  string
	Title     string
	Summary   string
	Tags      string // comma-separated token list
	Domain    string
	Severity  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Heuristic is an actionable rule with evolving confidence.
type Heuristic struct {
	ID                   int64
	Domain               string
	Rule                 string
	Explanation          string
	SourceType           string
	SourceID             *int64 // weak reference, never a DB foreign key
	Confidence           float64
	ConfidenceEMA        *float64
	EMAAlpha             float64
	EMAWarmupRemaining   int
	TimesValidated       int
	TimesViolated        int
	TimesContradicted    int
	TimesRevived         int
	IsGolden             bool
	Status               string
	DormantSince         *time.Time
	RevivalConditions    string // token list
	LastUsedAt           *time.Time
	LastConfidenceUpdate *time.Time
	UpdateCountToday     int
	UpdateCountResetDate string // YYYY-MM-DD in UTC
	MinApplications      int
	FraudFlags           int
	IsQuarantined        bool
	LastFraudCheck       *time.Time
	ProjectPath          *string // NULL = global
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TotalApplications is the evidence count the lifecycle and fraud engines
// gate on.
func (h *Heuristic) TotalApplications() int {
	return h.TimesValidated + h.TimesViolated
}

// Pattern is a proto-heuristic observed in session logs.
type Pattern struct {
	ID                    int64
	PatternType           string
	PatternText           string
	Signature             string
	PatternHash           string // first 16 hex of sha256("type:signature")
	OccurrenceCount       int
	FirstSeen             time.Time
	LastSeen              time.Time
	SessionIDs            []string // capped at the last 10
	Domain                string
	ProjectPath           *string
	Strength              float64
	PromotedToHeuristicID *int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Decision is an architecture decision record.
type Decision struct {
	ID                int64
	Title             string
	Context           string
	OptionsConsidered string
	Decision          string
	Rationale         string
	Domain            string
	Status            string // accepted, proposed, superseded
	SupersededBy      *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Invariant is a declared property with violation tracking.
type Invariant struct {
	ID              int64
	Statement       string
	Rationale       string
	Domain          string
	Scope           string // codebase, module, function, runtime
	ValidationType  string
	Severity        string // error, warning, info
	Status          string // active, retired
	ViolationCount  int
	LastValidatedAt *time.Time
	LastViolatedAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Violation records a rule violation observed in a session.
type Violation struct {
	ID            int64
	RuleID        int64
	RuleName      string
	ViolationDate time.Time
	Description   string
	SessionID     string
	Acknowledged  bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ConfidenceUpdate is the append-only audit trail of confidence movement.
type ConfidenceUpdate struct {
	ID                  int64
	HeuristicID         int64
	OldConfidence       float64
	NewConfidence       float64
	Delta               float64
	UpdateType          string
	Reason              string
	SessionID           string
	AgentID             string
	RateLimited         bool
	RawTargetConfidence float64
	SmoothedDelta       float64
	AlphaUsed           float64
	CreatedAt           time.Time
}

// DomainMetadata tracks elastic capacity per domain.
type DomainMetadata struct {
	Domain                  string
	SoftLimit               int
	HardLimit               int
	CEOOverrideLimit        *int
	CurrentCount            int
	State                   string
	OverflowEnteredAt       *time.Time
	ExpansionMinConfidence  float64
	ExpansionMinValidations int
	ExpansionMinNovelty     float64
	GracePeriodDays         int
	MaxOverflowDays         int
	AvgConfidence           float64
	HealthScore             float64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// EffectiveHardLimit folds in a CEO override when one is set.
func (d *DomainMetadata) EffectiveHardLimit() int {
	if d.CEOOverrideLimit != nil && *d.CEOOverrideLimit > d.HardLimit {
		return *d.CEOOverrideLimit
	}
	return d.HardLimit
}

// DomainBaseline is the statistical baseline the fraud detector compares
// against.
type DomainBaseline struct {
	Domain             string
	AvgSuccessRate     float64
	StdSuccessRate     float64
	AvgUpdateFrequency float64
	StdUpdateFrequency float64
	SampleCount        int
	LastUpdated        time.Time
}

// AnomalySignal is one detector's finding for a heuristic.
type AnomalySignal struct {
	ID          int64
	ReportID    int64
	HeuristicID int64
	SignalType  string
	Score       float64
	Severity    string
	Reason      string
	Evidence    string // opaque JSON blob
	CreatedAt   time.Time
}

// FraudReport is the fused verdict over all firing signals.
type FraudReport struct {
	ID             int64
	HeuristicID    int64
	CombinedScore  float64
	Posterior      float64
	Classification string // clean, low_confidence, suspicious, fraud_likely, fraud_confirmed
	Signals        []AnomalySignal
	CreatedAt      time.Time
}

// MetricObservation is one point in a named metric series.
type MetricObservation struct {
	ID         int64
	MetricName string
	Value      float64
	ObservedAt time.Time
	Domain     string // empty = no domain
	Metadata   string // opaque JSON blob
}

// MetaAlert is an alert raised by the meta-observer.
type MetaAlert struct {
	ID            int64
	AlertType     string
	Severity      string
	MetricName    string
	CurrentValue  *float64
	BaselineValue *float64
	Message       string
	Context       string
	State         string
	FirstSeen     time.Time
	LastSeen      time.Time
	ResolvedAt    *time.Time
}

// BuildingQuery is the audit row recorded for every Query API call.
type BuildingQuery struct {
	ID              int64
	QueryType       string
	SessionID       string
	AgentID         string
	Domain          string
	Tags            string
	LimitRequested  int
	ResultsReturned int
	DurationMs      int64
	Status          string
	ErrorMessage    string
	ErrorCode       string
	HeuristicCount  int
	LearningCount   int
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Experiment is an auxiliary entity the core stores for external drivers.
type Experiment struct {
	ID         int64
	Name       string
	Hypothesis string
	Domain     string
	Status     string
	StartedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CEOReview is a pending human-review item persisted for external drivers.
type CEOReview struct {
	ID          int64
	Subject     string
	Description string
	Domain      string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Assumption is a recorded assumption with a validation status.
type Assumption struct {
	ID        int64
	Statement string
	Domain    string
	Status    string
	Impact    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionSummary is the per-session digest the observer persists.
type SessionSummary struct {
	ID           int64
	SessionID    string
	Summary      string
	ToolCalls    int
	Failures     int
	PatternsSeen int
	CreatedAt    time.Time
}

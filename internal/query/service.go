// Package query exposes the typed operation set every external driver
// consumes. Each operation validates its inputs, runs under a
// caller-provided timeout, logs an audit row on entry and exit, and is
// safe to call concurrently.
package query

import (
	"context"
	"errors"
	"time"

	"elfcore/internal/config"
	"elfcore/internal/distill"
	"elfcore/internal/embedding"
	"elfcore/internal/fraud"
	"elfcore/internal/lifecycle"
	"elfcore/internal/logging"
	"elfcore/internal/metaobserver"
	"elfcore/internal/observe"
	"elfcore/internal/qerr"
	"elfcore/internal/retrieval"
	"elfcore/internal/store"
)

// Service is the per-process entry point to the knowledge core. It
// carries the data root, caches, and the caller's current location
// explicitly; there is no ambient global state.
type Service struct {
	cfg   *config.Config
	store *store.Store

	repo      *store.Repository
	lifecycle *lifecycle.Engine
	distiller *distill.Distiller
	fraud     *fraud.Detector
	meta      *metaobserver.Observer
	observer  *observe.Observer
	golden    *retrieval.GoldenRules
	builder   *retrieval.ContextBuilder
	ranker    *retrieval.SemanticRanker

	// currentLocation scopes heuristic visibility for this process.
	currentLocation string
	sessionID       string
	agentID         string
}

// Option configures a Service.
type Option func(*Service)

// WithLocation pins the caller's current project path.
func WithLocation(path string) Option {
	return func(s *Service) { s.currentLocation = path }
}

// WithSession attributes audit rows to a session and agent.
func WithSession(sessionID, agentID string) Option {
	return func(s *Service) { s.sessionID = sessionID; s.agentID = agentID }
}

// New opens the store under the configured data root and wires every
// engine.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	return build(cfg, st, opts...)
}

// NewWithStore wires a service over an already-open store (tests).
func NewWithStore(cfg *config.Config, st *store.Store, opts ...Option) (*Service, error) {
	return build(cfg, st, opts...)
}

func build(cfg *config.Config, st *store.Store, opts ...Option) (*Service, error) {
	engine, err := embedding.NewEngine(cfg.Embedding, cfg.EmbeddingCacheDir())
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeConfiguration, err, "failed to initialize embedding engine")
	}

	lc := lifecycle.New(st, cfg.Lifecycle)
	lc.SetMarkdownDir(cfg.HeuristicsDir())
	golden := retrieval.NewGoldenRules(cfg.GoldenRulesPath())

	s := &Service{
		cfg:       cfg,
		store:     st,
		repo:      store.NewRepository(st),
		lifecycle: lc,
		distiller: distill.New(st, cfg.Distill, cfg.GoldenRulesPath()),
		fraud:     fraud.New(st, cfg.Fraud),
		meta:      metaobserver.New(st, cfg.MetaObserver),
		observer:  observe.New(st),
		golden:    golden,
		builder:   retrieval.NewContextBuilder(st, golden, cfg.Context),
		ranker:    retrieval.NewSemanticRanker(st, engine),
	}
	for _, opt := range opts {
		opt(s)
	}
	logging.Boot("Query service ready (location=%q)", s.currentLocation)
	return s, nil
}

// Close releases the store and watchers.
func (s *Service) Close() error {
	s.golden.Close()
	return s.store.Close()
}

// Store exposes the underlying store for the scheduler and tests.
func (s *Service) Store() *store.Store { return s.store }

// Repository exposes allow-listed CRUD over the auxiliary entities.
func (s *Service) Repository() *store.Repository { return s.repo }

// Lifecycle exposes the lifecycle engine for drivers that record
// heuristics directly.
func (s *Service) Lifecycle() *lifecycle.Engine { return s.lifecycle }

// Fraud exposes the fraud detector for the scheduler.
func (s *Service) Fraud() *fraud.Detector { return s.fraud }

// Distiller exposes the distiller for the scheduler.
func (s *Service) Distiller() *distill.Distiller { return s.distiller }

// Meta exposes the meta-observer for the scheduler.
func (s *Service) Meta() *metaobserver.Observer { return s.meta }

// opContext applies the caller's timeout, clamped to the configured
// ceiling; zero selects the default.
func (s *Service) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout()
	}
	if max := s.cfg.MaxTimeout(); timeout > max {
		timeout = max
	}
	return context.WithTimeout(ctx, timeout)
}

// normalizeErr maps context expiry onto the stable timeout code.
func normalizeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return qerr.Timeout("operation aborted at suspension point: %v", err)
	}
	return err
}

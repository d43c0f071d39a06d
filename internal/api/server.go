// Package api exposes the pipeline over HTTP: operator endpoints to trigger
// and repair runs, rule management, analytics, and the storefront surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"gemdesk/internal/blob"
	"gemdesk/internal/eventbus"
	"gemdesk/internal/heatmap"
	"gemdesk/internal/models"
	"gemdesk/internal/queue"
	"gemdesk/internal/repository"

	"github.com/gorilla/mux"
)

// BuildCommit is set by main to the git commit hash baked in at build time.
var BuildCommit = "dev"

// Store is the repository surface the handlers use. *repository.Repository
// satisfies it; tests plug in fakes.
type Store interface {
	Ping(ctx context.Context) error

	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ListRuns(ctx context.Context, feed string, limit int) ([]models.Run, error)
	DeleteRun(ctx context.Context, runID string) error
	CancelRun(ctx context.Context, runID string) (bool, error)
	ListPartitions(ctx context.Context, runID string) ([]models.Partition, error)
	FailedWorkerRuns(ctx context.Context, runID string) ([]models.WorkerRun, error)
	SetPartitionStatus(ctx context.Context, runID string, partitionID int, status string) error
	ConsolidationProgress(ctx context.Context, runID string) (map[string]int64, error)

	QueryTable(ctx context.Context, q repository.TableQuery) ([]map[string]interface{}, error)
	ListErrors(ctx context.Context, service string, limit int) ([]models.ErrorLogEntry, error)

	CreatePricingRule(ctx context.Context, rule models.PricingRule) (int64, error)
	UpdatePricingRule(ctx context.Context, rule models.PricingRule) (bool, error)
	DeletePricingRule(ctx context.Context, id int64) (bool, error)
	ListPricingRules(ctx context.Context, activeOnly bool) ([]models.PricingRule, error)
	GetPricingRule(ctx context.Context, id int64) (*models.PricingRule, error)
	CreateRatingRule(ctx context.Context, rule models.RatingRule) (int64, error)
	UpdateRatingRule(ctx context.Context, rule models.RatingRule) (bool, error)
	DeleteRatingRule(ctx context.Context, id int64) (bool, error)
	ListRatingRules(ctx context.Context, activeOnly bool) ([]models.RatingRule, error)
	GetRatingRule(ctx context.Context, id int64) (*models.RatingRule, error)
	GetReapplyJob(ctx context.Context, id string) (*models.ReapplyJob, error)

	GetDiamond(ctx context.Context, id int64) (*models.Diamond, error)
	ListDiamonds(ctx context.Context, f repository.DiamondFilter) ([]models.Diamond, error)
	PlaceHold(ctx context.Context, hold models.Hold) (*models.Hold, error)
	ReleaseHold(ctx context.Context, holdID string) (bool, error)
	RecordPurchase(ctx context.Context, p models.Purchase) (*models.Purchase, error)
	SetDiamondAvailability(ctx context.Context, id int64, availability string) (bool, error)
}

// Pipeline is the scheduler surface the operator endpoints call.
type Pipeline interface {
	TriggerRun(ctx context.Context, feed, explicitType string) (*models.Run, error)
	Republish(ctx context.Context, runID string) (int, error)
	Preview(ctx context.Context, feed string) (*heatmap.Result, error)
}

// Resumer restarts consolidation of failed items for a run.
type Resumer interface {
	Resume(ctx context.Context, runID, feed string) error
}

// Reapplier is the bulk rule-reapplication surface.
type Reapplier interface {
	Start(ctx context.Context, kind, feedFilter, triggerType string, ruleSnapshot json.RawMessage) (*models.ReapplyJob, error)
	Revert(ctx context.Context, jobID string) (int64, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	ShouldAutoTrigger(ctx context.Context, kind string) (bool, error)
}

type Server struct {
	store      Store
	sched      Pipeline
	resumer    Resumer
	reapplier  Reapplier
	bus        queue.Bus
	blobs      blob.Store
	events     *eventbus.Bus
	auth       *AuthMiddleware
	limiter    *ipLimiter
	httpServer *http.Server
}

type Option func(*Server)

func WithAuth(a *AuthMiddleware) Option   { return func(s *Server) { s.auth = a } }
func WithRateLimiter(l *ipLimiter) Option { return func(s *Server) { s.limiter = l } }
func WithEventBus(b *eventbus.Bus) Option { return func(s *Server) { s.events = b } }
func WithReapplier(r Reapplier) Option    { return func(s *Server) { s.reapplier = r } }
func WithResumer(r Resumer) Option        { return func(s *Server) { s.resumer = r } }
func WithScheduler(p Pipeline) Option     { return func(s *Server) { s.sched = p } }

func NewServer(store Store, bus queue.Bus, blobs blob.Store, port string, opts ...Option) *Server {
	s := &Server{
		store: store,
		bus:   bus,
		blobs: blobs,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = newIPLimiterFromEnv()
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(s.limiter.middleware)
	s.registerRoutes(r)

	s.httpServer = &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	return s
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, Idempotency-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	writeAPIResponse(w, map[string]string{"status": status, "commit": BuildCommit}, nil, nil)
}

// Package app wires the stores, services and background workers into one
// application.
package app

import (
	"context"
	"net/http"

	"github.com/zoozapp/trust-engine/internal/app/domain/referral"
	"github.com/zoozapp/trust-engine/internal/app/httpapi"
	"github.com/zoozapp/trust-engine/internal/app/metrics"
	gatesvc "github.com/zoozapp/trust-engine/internal/app/services/gate"
	graphsvc "github.com/zoozapp/trust-engine/internal/app/services/graph"
	identitysvc "github.com/zoozapp/trust-engine/internal/app/services/identity"
	ledgersvc "github.com/zoozapp/trust-engine/internal/app/services/ledger"
	referralsvc "github.com/zoozapp/trust-engine/internal/app/services/referral"
	reputationsvc "github.com/zoozapp/trust-engine/internal/app/services/reputation"
	"github.com/zoozapp/trust-engine/internal/app/storage"
	"github.com/zoozapp/trust-engine/internal/app/storage/memory"
	"github.com/zoozapp/trust-engine/internal/app/system"
	"github.com/zoozapp/trust-engine/internal/config"
	"github.com/zoozapp/trust-engine/pkg/logger"
)

// Stores groups the persistence interfaces the application consumes. Any nil
// field falls back to a shared in-memory store.
type Stores struct {
	Directory  storage.DirectoryStore
	Graph      storage.GraphStore
	Reputation storage.ReputationStore
	Ledger     storage.LedgerStore
	Referral   storage.ReferralStore
}

func (s *Stores) fillDefaults() {
	var mem *memory.Store
	fallback := func() *memory.Store {
		if mem == nil {
			mem = memory.New()
		}
		return mem
	}
	if s.Directory == nil {
		s.Directory = fallback()
	}
	if s.Graph == nil {
		s.Graph = fallback()
	}
	if s.Reputation == nil {
		s.Reputation = fallback()
	}
	if s.Ledger == nil {
		s.Ledger = fallback()
	}
	if s.Referral == nil {
		s.Referral = fallback()
	}
}

// Application owns the service graph and background worker lifecycles.
type Application struct {
	Identity   *identitysvc.Service
	Graph      *graphsvc.Service
	Reputation *reputationsvc.Service
	Ledger     *ledgersvc.Service
	Referral   *referralsvc.Service
	Gate       *gatesvc.Service
	Worker     *reputationsvc.Worker

	manager *system.Manager
	handler *httpapi.Handler
	log     *logger.Logger
}

// New builds the application from configuration and stores.
func New(cfg config.Config, stores Stores, log *logger.Logger) *Application {
	if log == nil {
		log = logger.NewDefault("app")
	}
	stores.fillDefaults()

	ledgerService := ledgersvc.New(stores.Ledger, stores.Directory, log.WithField("component", "ledger"))

	rewardCfg := referralsvc.RewardConfig{
		Levels: [3]int64{cfg.Rewards.ReferralLevel1, cfg.Rewards.ReferralLevel2, cfg.Rewards.ReferralLevel3},
		Secondary: map[referral.EventType]int64{
			referral.EventTrustReciprocated: cfg.Rewards.TrustReciprocate,
			referral.EventTrustReceived:     cfg.Rewards.TrustReceived,
		},
		IntentTTL:      cfg.Rewards.IntentTTL,
		DefaultMaxUses: cfg.Rewards.CodeMaxUses,
	}
	referralService := referralsvc.New(rewardCfg, stores.Referral, stores.Directory, ledgerService, log.WithField("component", "referral"))

	engine := reputationsvc.NewEngine(reputationsvc.Config{
		MaxGenerations:  cfg.Scoring.MaxGenerations,
		Decay:           []float64{1.0, 0.5, 0.25},
		StrongThreshold: cfg.Scoring.StrongThreshold,
		StrongWeight:    1.0,
		WeakWeight:      cfg.Scoring.WeakWeight,
		MinClusterSize:  2,
	}, stores.Graph, stores.Reputation)
	reputationService := reputationsvc.New(engine, stores.Reputation, log.WithField("component", "reputation"))
	worker := reputationsvc.NewWorker(reputationsvc.WorkerConfig{
		Interval:              cfg.Scoring.RecomputeInterval,
		FullRecomputeSchedule: cfg.Scoring.FullRecomputeSchedule,
	}, reputationService, stores.Directory, log.WithField("component", "reputation-worker"))

	graphService := graphsvc.New(stores.Graph, stores.Directory, worker, referralService, log.WithField("component", "graph"))

	identityService := identitysvc.New(stores.Directory, referralService, log.WithField("component", "identity"))

	gateService := gatesvc.New(identityService, reputationService, cfg.Gate.ContinuationTTL, log.WithField("component", "gate"))
	janitor := gatesvc.NewJanitor(gateService, cfg.Gate.SweepInterval, log.WithField("component", "gate-janitor"))

	manager := system.NewManager(log.WithField("component", "system"))
	manager.Register(worker)
	manager.Register(janitor)

	handler := httpapi.NewHandler(identityService, graphService, reputationService, ledgerService, referralService, gateService, log.WithField("component", "httpapi"))

	return &Application{
		Identity:   identityService,
		Graph:      graphService,
		Reputation: reputationService,
		Ledger:     ledgerService,
		Referral:   referralService,
		Gate:       gateService,
		Worker:     worker,
		manager:    manager,
		handler:    handler,
		log:        log,
	}
}

// Start launches the background workers.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop drains the background workers.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Handler returns the HTTP handler with metrics and auth middleware applied.
func (a *Application) Handler(authCfg httpapi.AuthConfig) http.Handler {
	mux := http.NewServeMux()
	a.handler.Register(mux)
	return metrics.InstrumentHandler(httpapi.AuthMiddleware(authCfg, a.log)(mux))
}

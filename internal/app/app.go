// Package app opens the shared dependencies of the engine binaries and
// assembles the send path from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/outreach/internal/compliance"
	"github.com/austindbirch/outreach/internal/config"
	"github.com/austindbirch/outreach/internal/content"
	"github.com/austindbirch/outreach/internal/db"
	"github.com/austindbirch/outreach/internal/discovery"
	"github.com/austindbirch/outreach/internal/handlers"
	"github.com/austindbirch/outreach/internal/health"
	"github.com/austindbirch/outreach/internal/kv"
	"github.com/austindbirch/outreach/internal/logging"
	"github.com/austindbirch/outreach/internal/outreach"
	"github.com/austindbirch/outreach/internal/reputation"
	"github.com/austindbirch/outreach/internal/sender"
	"github.com/austindbirch/outreach/internal/sequencer"
	"github.com/austindbirch/outreach/internal/taskqueue"
	"github.com/austindbirch/outreach/internal/timing"
	"github.com/austindbirch/outreach/internal/transport"
)

// Deps are the connections every binary shares
type Deps struct {
	Config     config.Config
	Pool       *pgxpool.Pool
	KV         *kv.Redis
	Store      *outreach.PostgresStore
	Tasks      *taskqueue.PostgresStore
	Queue      *taskqueue.Queue
	Timing     *timing.PostgresService
	Reputation *reputation.Service
}

// Open connects to Postgres and Redis and applies the schema
func Open(ctx context.Context, cfg config.Config) (*Deps, error) {
	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	rdb := kv.NewRedis(cfg.Redis)
	if err := rdb.Ping(ctx); err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	tasks := taskqueue.NewPostgresStore(pool)
	return &Deps{
		Config:     cfg,
		Pool:       pool,
		KV:         rdb,
		Store:      outreach.NewPostgresStore(pool),
		Tasks:      tasks,
		Queue:      taskqueue.NewQueue(tasks, taskqueue.WithMaxRetries(cfg.Dispatcher.MaxRetries)),
		Timing:     timing.NewPostgresService(pool, timing.DefaultMinSamples),
		Reputation: reputation.NewService(rdb),
	}, nil
}

func (d *Deps) Close() {
	_ = d.KV.Close()
	d.Pool.Close()
}

// Checker reports on both stores and the heartbeats of both worker roles
func (d *Deps) Checker() health.Checker {
	return health.Checker{
		DB:    d.Pool,
		KV:    d.KV,
		Store: d.KV,
		Roles: []string{outreach.RoleDispatcher, outreach.RoleSequencer},
	}
}

// From is the footer identity used in rendered messages
func (d *Deps) From() content.Sender {
	return content.Sender{
		Name:           d.Config.Sender.SenderName,
		PostalAddress:  d.Config.Sender.PostalAddress,
		UnsubscribeURL: d.Config.Sender.UnsubscribeURL,
	}
}

// Identity is the sender identity the sequencer gates on
func (d *Deps) Identity() sequencer.Identity {
	return sequencer.Identity{
		FromAddress:   d.Config.Sender.FromAddress,
		PostalAddress: d.Config.Sender.PostalAddress,
		Domain:        d.Config.SenderDomain(),
	}
}

// Services are the optional outbound integrations. A nil field means the
// integration is not configured.
type Services struct {
	AWS      aws.Config
	Email    *transport.SESEmail
	SMS      *transport.SNSSMS
	GenAI    *content.GenAIGenerator
	Finder   *discovery.HTTPFinder
	Executor *sender.Executor
}

// Integrations builds the outbound clients. Missing credentials leave the
// matching service nil and are logged rather than failing startup.
func (d *Deps) Integrations(ctx context.Context, logger *logging.Logger) (*Services, error) {
	cfg := d.Config
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	svc := &Services{
		AWS: awsCfg,
		SMS: transport.NewSNSSMS(awsCfg, cfg.Sender.SMSCostUSD),
	}
	if cfg.Discovery.BaseURL != "" {
		svc.Finder = discovery.NewHTTPFinder(cfg.Discovery.BaseURL, cfg.Discovery.Timeout)
	}
	if cfg.GenAI.APIKey != "" {
		if svc.GenAI, err = content.NewGenAIGenerator(ctx, cfg.GenAI); err != nil {
			return nil, err
		}
	} else {
		logger.Plain().Warn("GENAI_API_KEY not set, AI templates and reply classification disabled")
	}

	email, err := transport.NewSESEmail(awsCfg, transport.SESOptions{
		From:           cfg.Sender.FromAddress,
		Domain:         cfg.SenderDomain(),
		UnsubscribeURL: cfg.Sender.UnsubscribeURL,
		CostUSD:        cfg.Sender.EmailCostUSD,
	})
	if err != nil {
		logger.Plain().WithError(err).Warn("Email sender not configured")
		return svc, nil
	}
	svc.Email = email

	opts := []sender.Option{
		sender.WithReputation(d.Reputation),
		sender.WithSignals(d.Timing),
		sender.WithSendMarkers(d.KV),
		sender.WithIdentity(d.From(), cfg.SenderDomain()),
		sender.WithLogger(logger),
	}
	if svc.Finder != nil {
		opts = append(opts, sender.WithFinder(svc.Finder))
	}
	if svc.GenAI != nil {
		opts = append(opts, sender.WithGenerator(svc.GenAI))
	}
	svc.Executor = sender.NewExecutor(d.Store, email, opts...)
	return svc, nil
}

// Handlers maps every task type to its handler with whatever integrations
// are configured.
func (d *Deps) Handlers(svc *Services, logger *logging.Logger) *handlers.Handlers {
	opts := []handlers.Option{
		handlers.WithIdentity(d.Identity()),
		handlers.WithSignals(d.Timing),
		handlers.WithReputation(d.Reputation),
		handlers.WithReputationCheck(d.Reputation),
		handlers.WithSMS(compliance.NewRuleGate(), svc.SMS, d.Config.Sender.SMSFollowupTemplate, d.From()),
		handlers.WithWarmup(sequencer.NewWarmup(d.KV, nil)),
		handlers.WithBreaker(sequencer.NewBreaker(d.KV, d.Config.Sequencer.CircuitCooldown)),
		handlers.WithLogger(logger),
	}
	if svc.Finder != nil {
		opts = append(opts, handlers.WithFinder(svc.Finder))
	}
	if svc.GenAI != nil {
		opts = append(opts, handlers.WithClassifier(svc.GenAI))
	}
	if svc.Executor != nil {
		opts = append(opts, handlers.WithExecutor(svc.Executor))
	}
	return handlers.New(d.Store, d.Queue, opts...)
}

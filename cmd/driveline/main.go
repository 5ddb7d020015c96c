// Command driveline runs the conversational gateway: provider webhooks,
// the dealership control API, and the background workers behind them.
//
// # Configuration
//
// Environment variables:
//
//	DRIVELINE_ADDR                   - HTTP listen address (default: ":8080")
//	DRIVELINE_MONGO_URL              - Mongo connection URL (required)
//	DRIVELINE_MONGO_DB               - Mongo database name (default: "driveline")
//	DRIVELINE_REDIS_URL              - Redis URL for memory, dedupe, and the
//	                                   routing index (optional; in-process
//	                                   fallbacks are used when unset)
//	DRIVELINE_TWILIO_ACCOUNT_SID     - Twilio credentials and sender number
//	DRIVELINE_TWILIO_AUTH_TOKEN
//	DRIVELINE_TWILIO_FROM
//	DRIVELINE_TELNYX_API_KEY         - Telnyx credentials and sender number
//	DRIVELINE_TELNYX_WEBHOOK_SECRET
//	DRIVELINE_TELNYX_FROM
//	DRIVELINE_ANTHROPIC_API_KEY      - reply model key (preferred)
//	DRIVELINE_OPENAI_API_KEY         - reply model key (fallback)
//	DRIVELINE_MODEL                  - reply model identifier (default:
//	                                   "claude-sonnet-4-20250514" or "gpt-4o")
//	DRIVELINE_MODEL_TPM              - reply model token budget per minute
//	                                   (default: 80000; shared across nodes
//	                                   when Redis is configured)
//	DRIVELINE_EMBEDDING_API_KEY      - OpenAI embeddings key (required)
//	DRIVELINE_JWT_SECRET             - control API token secret (required)
//	DRIVELINE_INVITE_SALT            - invite token hash salt (required)
//	DRIVELINE_ALLOWED_ORIGINS        - comma-separated CORS allow-list
//	DRIVELINE_PREVIEW_ORIGIN_PATTERN - regexp admitting preview origins
//	DRIVELINE_DEFAULT_DEALERSHIP_ID  - last-resort routing fallback (optional)
//	DRIVELINE_TEMPORAL_HOSTPORT      - Temporal server for durable tasks
//	                                   (optional; in-process pool when unset)
//	DRIVELINE_DEBUG                  - enable debug logs ("1" or "true")
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/driveline-ai/driveline/features/directory/replicated"
	openaiembed "github.com/driveline-ai/driveline/features/embeddings/openai"
	memorymongo "github.com/driveline-ai/driveline/features/memory/mongo"
	memoryredis "github.com/driveline-ai/driveline/features/memory/redis"
	"github.com/driveline-ai/driveline/features/model/anthropic"
	modelmiddleware "github.com/driveline-ai/driveline/features/model/middleware"
	openaimodel "github.com/driveline-ai/driveline/features/model/openai"
	"github.com/driveline-ai/driveline/features/provider/telnyx"
	"github.com/driveline-ai/driveline/features/provider/twilio"
	storemongo "github.com/driveline-ai/driveline/features/store/mongo"
	temporaltasks "github.com/driveline-ai/driveline/features/tasks/temporal"
	"github.com/driveline-ai/driveline/gateway"
	"github.com/driveline-ai/driveline/runtime/directory"
	"github.com/driveline-ai/driveline/runtime/memory"
	"github.com/driveline-ai/driveline/runtime/model"
	"github.com/driveline-ai/driveline/runtime/orchestrator"
	"github.com/driveline-ai/driveline/runtime/prompt"
	"github.com/driveline-ai/driveline/runtime/provider"
	"github.com/driveline-ai/driveline/runtime/replytiming"
	"github.com/driveline-ai/driveline/runtime/retrieval"
	"github.com/driveline-ai/driveline/runtime/settings"
	"github.com/driveline-ai/driveline/runtime/tasks"
	"github.com/driveline-ai/driveline/runtime/telemetry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debugEnabled() {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	mongoURL := os.Getenv("DRIVELINE_MONGO_URL")
	if mongoURL == "" {
		return errors.New("DRIVELINE_MONGO_URL is required")
	}
	jwtSecret := os.Getenv("DRIVELINE_JWT_SECRET")
	if jwtSecret == "" {
		return errors.New("DRIVELINE_JWT_SECRET is required")
	}
	inviteSalt := os.Getenv("DRIVELINE_INVITE_SALT")
	if inviteSalt == "" {
		return errors.New("DRIVELINE_INVITE_SALT is required")
	}

	// Mongo-backed domain stores.
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mongoClient, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(mongoURL))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}()
	stores, err := storemongo.New(storemongo.Options{
		Client:   mongoClient,
		Database: envOr("DRIVELINE_MONGO_DB", "driveline"),
	})
	if err != nil {
		return fmt.Errorf("build stores: %w", err)
	}
	pingers := []health.Pinger{stores}

	// Redis backs conversation memory, webhook dedupe, and the replicated
	// number index. All three fall back to in-process implementations so
	// development runs without Redis.
	var (
		memories    memory.Store
		dedupe      gateway.DedupeGuard
		numberIndex directory.NumberIndex
		indexSync   gateway.NumberIndexSync
		tpmMap      *rmap.Map
	)
	if redisURL := os.Getenv("DRIVELINE_REDIS_URL"); redisURL != "" {
		redisOpts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}

		store, err := memoryredis.NewStore(memoryredis.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("build memory store: %w", err)
		}
		guard, err := memoryredis.NewDedupeGuard(rdb)
		if err != nil {
			return fmt.Errorf("build dedupe guard: %w", err)
		}
		routing, err := rmap.Join(ctx, "driveline-directory", rdb)
		if err != nil {
			return fmt.Errorf("join routing map: %w", err)
		}
		index := replicated.New(routing)
		if err := index.Rebuild(ctx, stores.Tenant); err != nil {
			return fmt.Errorf("rebuild routing index: %w", err)
		}
		tpmMap, err = rmap.Join(ctx, "driveline-model-tpm", rdb)
		if err != nil {
			return fmt.Errorf("join model budget map: %w", err)
		}

		memories = store
		dedupe = guard
		numberIndex = index
		indexSync = index
		pingers = append(pingers, store)
	} else {
		log.Printf(ctx, "redis not configured, conversation memory persists in mongo")
		store, err := memorymongo.NewStore(memorymongo.Options{
			Client:   mongoClient,
			Database: envOr("DRIVELINE_MONGO_DB", "driveline"),
		})
		if err != nil {
			return fmt.Errorf("build memory store: %w", err)
		}
		memories = store
	}

	// Messaging provider adapters.
	var adapters []provider.Adapter
	if sid := os.Getenv("DRIVELINE_TWILIO_ACCOUNT_SID"); sid != "" {
		adapter, err := twilio.New(twilio.Options{
			AccountSID: sid,
			AuthToken:  os.Getenv("DRIVELINE_TWILIO_AUTH_TOKEN"),
			From:       os.Getenv("DRIVELINE_TWILIO_FROM"),
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("build twilio adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}
	if key := os.Getenv("DRIVELINE_TELNYX_API_KEY"); key != "" {
		adapter, err := telnyx.New(telnyx.Options{
			APIKey:        key,
			WebhookSecret: os.Getenv("DRIVELINE_TELNYX_WEBHOOK_SECRET"),
			From:          os.Getenv("DRIVELINE_TELNYX_FROM"),
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("build telnyx adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}
	registry, err := provider.NewRegistry(adapters...)
	if err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}

	// Model and embedding clients. The reply model sits behind the adaptive
	// limiter so provider throttling slows the whole fleet instead of failing
	// individual conversations.
	llm, err := newModelClient()
	if err != nil {
		return err
	}
	modelTPM, err := envFloatOr("DRIVELINE_MODEL_TPM", 80000)
	if err != nil {
		return fmt.Errorf("parse model tpm: %w", err)
	}
	limiter := modelmiddleware.NewAdaptiveRateLimiter(ctx, tpmMap, "reply-model", modelTPM, 2*modelTPM)
	llm = limiter.Middleware()(llm)
	embedder, err := openaiembed.NewFromAPIKey(os.Getenv("DRIVELINE_EMBEDDING_API_KEY"))
	if err != nil {
		return fmt.Errorf("build embedding client: %w", err)
	}

	resolver, err := settings.NewResolver(settings.MustDefaultCatalog(), stores.Settings)
	if err != nil {
		return fmt.Errorf("build settings resolver: %w", err)
	}
	retriever := retrieval.New(stores.Inventory, embedder,
		retrieval.WithLogger(logger), retrieval.WithMetrics(metrics))

	var dirOpts []directory.Option
	if raw := os.Getenv("DRIVELINE_DEFAULT_DEALERSHIP_ID"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse default dealership id: %w", err)
		}
		dirOpts = append(dirOpts, directory.WithDefaultDealership(id))
	}
	if numberIndex == nil {
		numberIndex = directory.NewTenantIndex(stores.Tenant)
	}
	dir := directory.NewResolver(stores.Lead, numberIndex, dirOpts...)

	// Background tasks: Temporal when configured, in-process pool otherwise.
	queue, startTasks, stopTasks, err := newTaskQueue(logger, metrics, retriever, registry)
	if err != nil {
		return err
	}

	// Delayed sends still pending at shutdown become durable tasks instead of
	// firing early. Sends scheduled without transport details fire inline.
	handoffPending := func(remaining time.Duration, msg replytiming.Outbound, send replytiming.SendFunc) {
		if msg.Provider == "" {
			send(context.Background())
			return
		}
		_, err := queue.Enqueue(context.Background(), tasks.KindDelayedSend, tasks.DelayedSendPayload{
			DealershipID: msg.DealershipID,
			Provider:     msg.Provider,
			To:           msg.To,
			Text:         msg.Text,
			FireAt:       time.Now().Add(remaining),
		})
		if err != nil {
			log.Errorf(ctx, err, "persist delayed send, firing inline")
			send(context.Background())
		}
	}
	scheduler := replytiming.NewScheduler(
		replytiming.WithLogger(logger), replytiming.WithMetrics(metrics),
		replytiming.WithHandoff(handoffPending))

	orch, err := orchestrator.New(orchestrator.Config{
		Providers: registry,
		Directory: dir,
		Tenants:   stores.Tenant,
		Leads:     stores.Lead,
		Inventory: stores.Inventory,
		Approvals: stores.Approval,
		Memory:    memories,
		Settings:  resolver,
		Retriever: retriever,
		Prompts:   prompt.New(llm),
		Planner:   replytiming.NewPlanner(),
		Scheduler: scheduler,
		Tasks:     queue,
	}, orchestrator.WithLogger(logger), orchestrator.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	var previewPattern *regexp.Regexp
	if raw := os.Getenv("DRIVELINE_PREVIEW_ORIGIN_PATTERN"); raw != "" {
		previewPattern, err = regexp.Compile(raw)
		if err != nil {
			return fmt.Errorf("compile preview origin pattern: %w", err)
		}
	}

	gw, err := gateway.New(gateway.Config{
		Addr:                 envOr("DRIVELINE_ADDR", ":8080"),
		JWTSecret:            []byte(jwtSecret),
		InviteTokenSalt:      inviteSalt,
		AllowedOrigins:       splitCSV(os.Getenv("DRIVELINE_ALLOWED_ORIGINS")),
		PreviewOriginPattern: previewPattern,
		Providers:            registry,
		Orchestrator:         orch,
		Tenants:              stores.Tenant,
		Leads:                stores.Lead,
		Inventory:            stores.Inventory,
		Approvals:            stores.Approval,
		Settings:             resolver,
		Tasks:                queue,
		Dedupe:               dedupe,
		NumberIndex:          indexSync,
		Pingers:              pingers,
		Logger:               logger,
		Metrics:              metrics,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	if err := startTasks(); err != nil {
		return fmt.Errorf("start task workers: %w", err)
	}

	// Serve until SIGINT or SIGTERM, then drain: stop intake, fire or hand
	// off pending delayed sends, stop the task workers.
	runCtx, cancelRun := context.WithCancel(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		sig := <-c
		log.Printf(ctx, "received %s, shutting down", sig)
		cancelRun()
	}()

	err = gw.Run(runCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelDrain()
	if derr := scheduler.Drain(drainCtx); derr != nil {
		log.Errorf(ctx, derr, "drain scheduler")
	}
	stopTasks()

	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Printf(ctx, "exited")
	return nil
}

// newModelClient picks the reply model from the configured keys, preferring
// Anthropic.
func newModelClient() (model.Client, error) {
	if key := os.Getenv("DRIVELINE_ANTHROPIC_API_KEY"); key != "" {
		c, err := anthropic.NewFromAPIKey(key, envOr("DRIVELINE_MODEL", "claude-sonnet-4-20250514"))
		if err != nil {
			return nil, fmt.Errorf("build anthropic client: %w", err)
		}
		return c, nil
	}
	if key := os.Getenv("DRIVELINE_OPENAI_API_KEY"); key != "" {
		c, err := openaimodel.NewFromAPIKey(key, envOr("DRIVELINE_MODEL", "gpt-4o"))
		if err != nil {
			return nil, fmt.Errorf("build openai client: %w", err)
		}
		return c, nil
	}
	return nil, errors.New("DRIVELINE_ANTHROPIC_API_KEY or DRIVELINE_OPENAI_API_KEY is required")
}

// taskRegistrar is satisfied by both the in-process manager and the Temporal
// runner.
type taskRegistrar interface {
	tasks.Queue
	Register(kind tasks.Kind, h tasks.HandlerFunc)
}

// newTaskQueue builds the background task queue and returns it with its
// start and stop hooks.
func newTaskQueue(logger telemetry.Logger, metrics telemetry.Metrics, retriever *retrieval.Retriever, registry *provider.Registry) (tasks.Queue, func() error, func(), error) {
	var q taskRegistrar
	start := func() error { return nil }
	stop := func() {}

	if hostPort := os.Getenv("DRIVELINE_TEMPORAL_HOSTPORT"); hostPort != "" {
		runner, err := temporaltasks.New(temporaltasks.Options{
			ClientOptions: &temporalclient.Options{HostPort: hostPort},
			TaskQueue:     "driveline-tasks",
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("build temporal runner: %w", err)
		}
		q = runner
		start = runner.Start
		stop = runner.Stop
	} else {
		mgr := tasks.NewManager(tasks.WithLogger(logger), tasks.WithMetrics(metrics))
		q = mgr
		start = func() error { mgr.Start(); return nil }
		stop = mgr.Stop
	}

	registerTaskHandlers(q, retriever, registry)
	return q, start, stop, nil
}

// registerTaskHandlers binds the gateway's background work to the queue.
func registerTaskHandlers(q taskRegistrar, retriever *retrieval.Retriever, registry *provider.Registry) {
	q.Register(tasks.KindEmbeddingBuild, func(ctx context.Context, task tasks.Task) error {
		p, ok := task.Payload.(tasks.EmbeddingBuildPayload)
		if !ok {
			return fmt.Errorf("embedding build: unexpected payload %T", task.Payload)
		}
		return retriever.RefreshVehicle(ctx, p.VehicleID)
	})
	q.Register(tasks.KindEmbeddingDelete, func(ctx context.Context, task tasks.Task) error {
		p, ok := task.Payload.(tasks.EmbeddingDeletePayload)
		if !ok {
			return fmt.Errorf("embedding delete: unexpected payload %T", task.Payload)
		}
		return retriever.RemoveVehicle(ctx, p.VehicleID)
	})
	q.Register(tasks.KindDelayedSend, func(ctx context.Context, task tasks.Task) error {
		p, ok := task.Payload.(tasks.DelayedSendPayload)
		if !ok {
			return fmt.Errorf("delayed send: unexpected payload %T", task.Payload)
		}
		adapter, ok := registry.Lookup(p.Provider)
		if !ok {
			return fmt.Errorf("delayed send: unknown provider %q", p.Provider)
		}
		_, err := adapter.Send(ctx, p.To, p.Text)
		return err
	})
}

func debugEnabled() bool {
	switch strings.ToLower(os.Getenv("DRIVELINE_DEBUG")) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envFloatOr parses a numeric environment variable, returning a default when
// unset.
func envFloatOr(key string, defaultVal float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// splitCSV splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

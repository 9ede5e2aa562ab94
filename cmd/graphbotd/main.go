// Command graphbotd is a reference wiring of every package in this
// module into one running assistant: a Durable Store, an LLM provider
// wrapped in retry, per-user rate limiting in the runner, the agent graph
// guarded by the prompt-injection/content/max-tool-calls processors, the delegation
// planner and its scheduler/worker/event-bus subsystem, and whichever
// channel adapters are enabled in config.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/graphbot/graphbot/channel/discord"
	"github.com/graphbot/graphbot/channel/socket"
	"github.com/graphbot/graphbot/channel/telegram"
	"github.com/graphbot/graphbot/config"
	"github.com/graphbot/graphbot/eventbus"
	"github.com/graphbot/graphbot/graph"
	"github.com/graphbot/graphbot/guardrail"
	"github.com/graphbot/graphbot/llm"
	"github.com/graphbot/graphbot/llm/anthropic"
	"github.com/graphbot/graphbot/llm/gemini"
	"github.com/graphbot/graphbot/llm/openaicompat"
	"github.com/graphbot/graphbot/planner"
	"github.com/graphbot/graphbot/promptctx"
	"github.com/graphbot/graphbot/ratelimit"
	"github.com/graphbot/graphbot/rbac"
	"github.com/graphbot/graphbot/retry"
	"github.com/graphbot/graphbot/runner"
	"github.com/graphbot/graphbot/scheduler"
	"github.com/graphbot/graphbot/store"
	"github.com/graphbot/graphbot/store/sqlite"
	"github.com/graphbot/graphbot/tool"
	"github.com/graphbot/graphbot/tool/delegate"
	"github.com/graphbot/graphbot/tool/schedule"
	"github.com/graphbot/graphbot/tool/webfetch"
	"github.com/graphbot/graphbot/worker"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load(os.Getenv("GRAPHBOT_CONFIG"))
	logger := slog.Default()

	st := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := st.Init(ctx); err != nil {
		log.Fatalf("graphbotd: store init: %v", err)
	}

	if cfg.Assistant.OwnerUsername != "" {
		if err := bootstrapOwner(ctx, st, cfg.Assistant.OwnerUsername); err != nil {
			log.Fatalf("graphbotd: bootstrap owner: %v", err)
		}
	}

	provider := newProvider(cfg)
	provider = retry.Wrap(provider)

	policy, err := rbac.Load(os.Getenv("GRAPHBOT_ROLES_FILE"), rbac.WithLogger(logger))
	if err != nil {
		log.Fatalf("graphbotd: load role file: %v", err)
	}

	tools := tool.NewRegistry()
	for _, d := range webfetch.New(cfg.Web.FetchShortcuts).Descriptors() {
		tools.Register("web", d)
	}
	ctxBuilder := promptctx.New()

	guards := guardrail.NewChain()
	guards.Add(guardrail.NewInjectionGuard(
		guardrail.InjectionLogger(logger),
		guardrail.TrustedRoles(string(store.RoleOwner)),
	))
	guards.Add(guardrail.NewContentGuard(
		guardrail.MaxOutputLength(20000),
		guardrail.ContentLogger(logger),
	))
	guards.Add(guardrail.NewMaxToolCallsGuard(10))

	g := graph.New(provider, tools, ctxBuilder, st,
		graph.WithIterationLimit(cfg.Assistant.IterationLimit),
		graph.WithLogger(logger),
		graph.WithGuards(guards),
		graph.WithPolicy(policy),
	)

	var limiter runner.RateLimiter
	switch {
	case cfg.Auth.RateLimit.RedisAddr != "":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Auth.RateLimit.RedisAddr})
		limiter = ratelimit.NewDistributedRedis(rdb, cfg.Auth.RateLimit.RequestsPerMinute)
	case cfg.Auth.RateLimit.RequestsPerMinute > 0:
		limiter = ratelimit.New(cfg.Auth.RateLimit.RequestsPerMinute)
	}

	run := runner.New(st, g, provider, policy, tools,
		runner.WithRateLimiter(limiter),
		runner.WithLogger(logger),
		runner.WithModel(cfg.Assistant.Model),
		runner.WithAutoCreateUsers(true),
		runner.WithSessionTokenLimit(cfg.Assistant.SessionTokenLimit),
	)

	events := eventbus.New(st)

	hub := socket.NewHub(run, socket.WithLogger(logger))

	backgroundModel := cfg.Background.Delegation.Model
	if backgroundModel == "" {
		backgroundModel = cfg.Assistant.Model
	}
	plan, err := planner.New(provider, st, backgroundModel)
	if err != nil {
		log.Fatalf("graphbotd: build planner: %v", err)
	}

	backgroundTools := tools.Subregistry()
	dispatcher := scheduler.NewDispatcher(backgroundTools, hub, provider, backgroundModel)
	sched := scheduler.New(st, dispatcher, scheduler.WithLogger(logger))
	bg := worker.New(st, events, dispatcher, hub, worker.WithLogger(logger))

	scheduleTool := schedule.New(sched)
	for _, d := range scheduleTool.Descriptors() {
		tools.Register("scheduling", d)
	}
	delegateTool := delegate.New(plan, sched, dispatcher, bg, backgroundTools)
	for _, d := range delegateTool.Descriptors() {
		tools.Register("delegation", d)
	}

	channels := runChannels(ctx, cfg, run, st, hub, logger)

	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	logger.Info("graphbotd: running", "channels", channels)
	<-ctx.Done()
	logger.Info("graphbotd: shutting down")
}

// newProvider picks the configured LLM backend. anthropic and gemini are
// concrete SDK wrappers; anything else is treated as an OpenAI-compatible
// HTTP backend (base_url required).
func newProvider(cfg config.Config) llm.Provider {
	switch cfg.LLM.Provider {
	case "anthropic":
		return anthropic.New(cfg.LLM.APIKey, cfg.LLM.BaseURL)
	case "gemini":
		p, err := gemini.New(context.Background(), cfg.LLM.APIKey)
		if err != nil {
			log.Fatalf("graphbotd: build gemini provider: %v", err)
		}
		return p
	default:
		return openaicompat.New(cfg.LLM.APIKey, cfg.LLM.BaseURL, openaicompat.WithName(cfg.LLM.Provider))
	}
}

// bootstrapOwner ensures the configured owner username has a User row
// with the owner role, creating one on first startup.
func bootstrapOwner(ctx context.Context, st store.Store, username string) error {
	userID := "owner:" + username
	if _, ok, err := st.GetUser(ctx, userID); err != nil {
		return err
	} else if ok {
		return nil
	}
	if _, err := st.GetOrCreateUser(ctx, userID, username); err != nil {
		return err
	}
	return st.SetUserRole(ctx, userID, store.RoleOwner)
}

// runChannels starts every enabled channel adapter as a background
// goroutine and returns the list of names that were started.
func runChannels(ctx context.Context, cfg config.Config, run *runner.Runner, st store.Store, hub *socket.Hub, logger *slog.Logger) []string {
	var started []string

	if tg := cfg.Channels["telegram"]; tg.Enabled {
		ch, err := telegram.New(tg.Token, run, st, telegram.WithLogger(logger))
		if err != nil {
			logger.Error("telegram: init failed", "error", err)
		} else {
			go func() {
				if err := ch.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("telegram: stopped", "error", err)
				}
			}()
			started = append(started, "telegram")
		}
	}

	if dc := cfg.Channels["discord"]; dc.Enabled {
		ch, err := discord.New(dc.Token, run, st, discord.WithLogger(logger))
		if err != nil {
			logger.Error("discord: init failed", "error", err)
		} else {
			go func() {
				if err := ch.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("discord: stopped", "error", err)
				}
			}()
			started = append(started, "discord")
		}
	}

	if sk := cfg.Channels["socket"]; sk.Enabled {
		addr := sk.Addr
		if addr == "" {
			addr = ":8080"
		}
		srv := &http.Server{Addr: addr, Handler: socketHandler(hub)}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("socket: server stopped", "error", err)
			}
		}()
		started = append(started, "socket")
	}

	return started
}

// socketHandler upgrades requests at /ws to the realtime channel. It
// trusts the "user_id" query parameter as-is: real deployments put an
// authenticating reverse proxy (validating auth.jwt_secret_key) in front
// of this, since this package performs no authentication of its own.
func socketHandler(hub *socket.Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		hub.ServeHTTP(w, r, userID)
	})
	return mux
}

package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/reconly/reconly/config"
	"github.com/reconly/reconly/internal/chat"
	"github.com/reconly/reconly/internal/delivery"
	"github.com/reconly/reconly/internal/feed"
	"github.com/reconly/reconly/internal/fetch"
	"github.com/reconly/reconly/internal/provider"
	"github.com/reconly/reconly/internal/store"
	"github.com/reconly/reconly/internal/telemetry"
)

// Run wires the whole engine and serves the HTTP API until the process
// dies. addr overrides server.address when non-empty.
func Run(cfg *appconfig.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn := cfg.Databases.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}

	// redis is optional; watermarks fall back to postgres reads
	var rdb *redis.Client
	if cfg.Databases.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Databases.Redis.Addr(),
			Password: cfg.Databases.Redis.Password,
			DB:       cfg.Databases.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Databases.Redis.Addr(), err)
		}
	}

	svc, err := buildEngine(cfg, st, rdb)
	if err != nil {
		return err
	}

	baseOpts := feed.Options{
		DelayBetween:       cfg.Feeds.DelayBetweenSources,
		MaxItemsPerSource:  cfg.Feeds.MaxItemsPerSource,
		MaxItemsAllSources: cfg.Feeds.MaxItemsAllSources,
		SnapshotMaxChars:   cfg.Feeds.SnapshotMaxChars,
		SaveSnapshots:      cfg.Feeds.SaveSnapshots,
		Language:           cfg.General.DefaultLanguage,
	}

	secret := []byte(cfg.Server.JWTSecret)
	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	fh := &FeedsHandler{Store: st, Runner: svc, BaseOpts: baseOpts}
	fh.Register(api.Group(""), secret)

	chatLoop, err := buildChatLoop(cfg, st, svc)
	if err != nil {
		return err
	}
	ch := &ChatHandler{Loop: chatLoop}
	ch.Register(api.Group(""), secret)

	sched := &Scheduler{
		Store: st, Runner: svc, Rdb: rdb, Opts: baseOpts,
		Logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
	sched.Start()
	defer sched.Stop()

	if addr == "" {
		addr = cfg.Server.Address
	}
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// BuildStandaloneEngine assembles a feed service for one-shot CLI runs
// without the HTTP layer. The cleanup closes the backing connections.
func BuildStandaloneEngine(cfg *appconfig.Config) (*feed.Service, func(), error) {
	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, cfg.Databases.Postgres.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	var rdb *redis.Client
	if cfg.Databases.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Databases.Redis.Addr(),
			Password: cfg.Databases.Redis.Password,
			DB:       cfg.Databases.Redis.DB,
		})
	}
	svc, err := buildEngine(cfg, st, rdb)
	if err != nil {
		st.DB.Close()
		return nil, nil, err
	}
	cleanup := func() {
		st.DB.Close()
		if rdb != nil {
			rdb.Close()
		}
	}
	return svc, cleanup, nil
}

// buildEngine assembles the feed service from config: provider chain,
// fetchers, watermarks, circuit breaker and delivery sinks.
func buildEngine(cfg *appconfig.Config, st *store.Store, rdb *redis.Client) (*feed.Service, error) {
	providers, err := provider.NewChain(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("building provider chain: %w", err)
	}
	fallback := provider.NewFallback(providers, log.New(log.Writer(), "[LLM] ", log.LstdFlags))

	tele := telemetry.New(nil)
	timeout := cfg.General.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rssFetcher := fetch.NewRSS(timeout, "")
	fetchers := map[string]feed.Fetcher{
		store.SourceTypeRSS:     rssFetcher,
		store.SourceTypeYouTube: rssFetcher,
		store.SourceTypeWebsite: fetch.NewWebsite(timeout, "", cfg.Feeds.SnapshotMaxChars),
	}

	var email delivery.EmailSender
	if cfg.Delivery.SMTP.Host != "" {
		email = delivery.NewSMTPSender(cfg.Delivery.SMTP.Host, cfg.Delivery.SMTP.Port,
			cfg.Delivery.SMTP.Username, cfg.Delivery.SMTP.Password, cfg.Delivery.SMTP.From, nil)
	} else {
		email = &delivery.LogSender{}
	}
	dispatcher := delivery.NewDispatcher(
		delivery.NewWebhook(cfg.Webhook.Secret, cfg.Webhook.Timeout, tele, nil),
		email,
		delivery.NewFileExporter(cfg.Delivery.ExportDir),
		nil,
	)

	feedLogger := log.New(log.Writer(), "[FEED] ", log.LstdFlags)
	svc := feed.NewService(feed.Deps{
		Store:      st,
		Watermarks: store.NewWatermarkStore(st, rdb, nil),
		Summarizer: fallback,
		Fetchers:   fetchers,
		Deliverer:  dispatcher,
		Breaker: feed.NewCircuitBreaker(cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.CooldownWindow, st, feedLogger),
		Telemetry: tele,
		Logger:    feedLogger,
	})
	return svc, nil
}

// buildChatLoop picks the first available provider in the chain for
// interactive chat and registers the built-in tool set.
func buildChatLoop(cfg *appconfig.Config, st *store.Store, svc *feed.Service) (*chat.Loop, error) {
	providers, err := provider.NewChain(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("building chat provider: %w", err)
	}
	fallback := provider.NewFallback(providers, log.New(log.Writer(), "[CHAT] ", log.LstdFlags))
	p, fellBack, err := fallback.ResolveDefaultProvider(context.Background())
	if err != nil {
		// chat degrades to the chain head; it may become available later
		p = providers[0]
	} else if fellBack {
		log.Printf("[CHAT] primary provider unavailable, chatting via %s", p.Name())
	}

	reg := chat.NewRegistry()
	for _, t := range chat.BuiltinTools(st, svc) {
		reg.Register(t)
	}
	loop := chat.NewLoop(p, reg, st, chat.Config{
		MaxToolIterations: cfg.Chat.MaxToolIterations,
		HistoryTokenLimit: cfg.Chat.HistoryTokenLimit,
		KeepRecentTurns:   cfg.Chat.KeepRecentTurns,
	}, log.New(log.Writer(), "[CHAT] ", log.LstdFlags))
	return loop, nil
}

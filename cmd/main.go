package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/elimaine/clawfactory-sub000/pkg/ai"
	"github.com/elimaine/clawfactory-sub000/pkg/api"
	"github.com/elimaine/clawfactory-sub000/pkg/cache"
	"github.com/elimaine/clawfactory-sub000/pkg/capture"
	"github.com/elimaine/clawfactory-sub000/pkg/config"
	"github.com/elimaine/clawfactory-sub000/pkg/keymanager"
	"github.com/elimaine/clawfactory-sub000/pkg/logging"
	"github.com/elimaine/clawfactory-sub000/pkg/middleware"
	"github.com/elimaine/clawfactory-sub000/pkg/proxy"
	"github.com/elimaine/clawfactory-sub000/pkg/redact"
	"github.com/elimaine/clawfactory-sub000/pkg/storage"
)

func main() {
	_ = godotenv.Load()

	// 1. Load Config with hot reload
	cfgStore, err := config.LoadAndWatch(os.Getenv("CAPTURE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgStore.Get()

	if err := logging.InitializeLogger(cfg.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logging.L.Sync()

	// 2. Initialize Redis (if enabled)
	var rdb *cache.Client
	if cfg.Redis.Enabled {
		rdb, err = cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logging.L.Fatal("could not connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		fmt.Println("✅ Connected to Redis successfully!")
	}

	// 3. Capture log, toggle and encryption
	toggle := storage.NewToggle(cfg.Capture.TogglePath, true)

	var sealer storage.Sealer
	if cfg.Capture.Encrypt {
		keys := keymanager.New(cfg.Capture.KeyPath).KeyFile()
		if _, err := keys.Key(); err != nil {
			logging.L.Warn("capture encryption enabled but key is not readable; records are dropped until it is",
				zap.String("key_path", keys.Path()), zap.Error(err))
		}
		sealer = storage.NewAEADSealer(keys)
		fmt.Printf("✅ Capture log encryption enabled (key: %s)\n", keys.Path())
	}

	captureLog, err := storage.NewLog(cfg.Capture.LogPath, toggle, sealer)
	if err != nil {
		logging.L.Fatal("failed to open capture log", zap.Error(err))
	}

	// 4. Redaction rules
	engine, err := redact.NewEngine(cfg.Redaction.RulesPath, cfg.Redaction.RuleTimeout)
	if err != nil {
		logging.L.Fatal("failed to load redaction rules", zap.Error(err))
	}
	fmt.Printf("✅ Redaction active with %d rules\n", len(engine.EffectiveRules()))

	cfgStore.OnChange(func(c *config.Config) {
		if err := logging.SetLevel(c.LogLevel); err != nil {
			logging.L.Warn("ignoring invalid log level", zap.String("level", c.LogLevel))
		}
		engine.SetRuleTimeout(c.Redaction.RuleTimeout)
	})

	// 5. Recorder, hook and live feed
	feed := capture.NewFeed()
	opts := []capture.Option{
		capture.WithFeed(feed),
		capture.WithMaxBodyChars(cfg.Capture.MaxBodyChars),
	}
	if cfg.Capture.EstimateTokens {
		opts = append(opts, capture.WithTokenCounter(ai.NewEstimator(ai.DefaultEncoding)))
		fmt.Println("✅ Token estimation enabled for responses without usage")
	}
	recorder := capture.NewRecorder(toggle, engine, captureLog, opts...)

	// 6. Gateway
	gw, err := proxy.New(cfg.Providers, recorder, proxy.Options{
		Timeout:         cfg.Upstream.Timeout,
		BreakerFailures: cfg.Upstream.BreakerFailures,
		BreakerCooldown: cfg.Upstream.BreakerCooldown,
	})
	if err != nil {
		logging.L.Fatal("failed to create gateway", zap.Error(err))
	}
	fmt.Printf("✅ Gateway relaying %d providers: %v\n", len(gw.Providers()), gw.Providers())

	// 7. Chain Middleware (inner-most first)
	var handler http.Handler = gw
	handler = middleware.NewRateLimiter(rdb, cfgStore)(handler)
	if cfg.RateLimit.Enabled {
		fmt.Printf("✅ Rate limiting: %.1f req/s (burst: %d)\n", cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	handler = middleware.RequestLogger(handler)

	// 8. Setup HTTP Server
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	adminAPI := api.NewAdminAPI(api.Options{
		Toggle:    toggle,
		Reader:    captureLog,
		Engine:    engine,
		Hook:      capture.NewHook(recorder),
		Feed:      feed,
		Config:    cfgStore,
		Encrypted: captureLog.Encrypted(),
		Redis:     rdb,
	})
	adminAPI.RegisterRoutes(mux)
	if cfg.Auth.AdminKey == "" {
		log.Println("⚠️  Admin API locked: set ADMIN_KEY (capture-admin init) to enable /admin/*")
	}

	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logging.L),
	}

	// 9. Start Server
	fmt.Println("\n🚀 Capture Relay Features Active:")
	fmt.Println("   - Gateway:         http://localhost" + cfg.Server.Port + "/{provider}/...")
	fmt.Println("   - Metrics:         http://localhost" + cfg.Server.Port + "/metrics")
	fmt.Println("   - Health Check:    http://localhost" + cfg.Server.Port + "/health")
	fmt.Println("   - Admin API:       http://localhost" + cfg.Server.Port + "/admin/*")
	fmt.Printf("\n🎯 Server listening on %s (capture %s)\n", cfg.Server.Port, onOff(toggle.Enabled()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.L.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.L.Warn("graceful shutdown incomplete", zap.Error(err))
	}
	gw.Wait()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

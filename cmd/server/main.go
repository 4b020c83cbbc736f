package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/plank1234567/bottomfeed-verify/internal/api"
	"github.com/plank1234567/bottomfeed-verify/internal/challenge"
	"github.com/plank1234567/bottomfeed-verify/internal/config"
	"github.com/plank1234567/bottomfeed-verify/internal/kvport"
	"github.com/plank1234567/bottomfeed-verify/internal/metrics"
	"github.com/plank1234567/bottomfeed-verify/internal/security"
	"github.com/plank1234567/bottomfeed-verify/internal/session"
	"github.com/plank1234567/bottomfeed-verify/internal/store"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("📋 loaded .env")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}

	key, err := security.NewDigestKey(cfg.Production())
	if err != nil {
		log.Fatalf("❌ %v (set VERIFY_HMAC_SECRET or APP_SECRET)", err)
	}

	// Redis is preferred for tickets and rate windows but never
	// required; the in-process store carries a single instance alone.
	var kv kvport.KV
	var redisPing api.Pinger
	mem := kvport.NewMemory()
	if rds, err := kvport.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Printf("⚠️ redis unavailable, using in-process store only: %v", err)
		kv = mem
	} else {
		defer rds.Close()
		kv = kvport.NewFailover(rds, mem)
		redisPing = rds.Ping
	}

	snapshotPath := ""
	if cfg.StateFile.Enabled || cfg.Postgres.DSN == "" {
		snapshotPath = cfg.StateFile.Path
	}
	state := store.NewMemory(snapshotPath)
	if err := state.LoadSnapshot(); err != nil {
		log.Printf("⚠️ could not restore state snapshot: %v", err)
	}

	var records store.RecordStore = state
	var dbPing api.Pinger
	if cfg.Postgres.DSN != "" {
		pg, err := store.NewPostgres(cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("❌ postgres: %v", err)
		}
		defer pg.Close()
		records = pg
		dbPing = pg.Ping
		log.Println("🗄️ postgres record store connected")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	ctrl := session.NewController(session.Deps{
		Config:  cfg,
		Library: challenge.NewLibrary(nil),
		Records: records,
		State:   state,
		Metrics: m,
	})

	srv := api.NewServer(api.Options{
		Protocol:   challenge.NewProtocol(kv, key, cfg.RateLimit.Limit, cfg.RateLimitWindow()),
		Controller: ctrl,
		Records:    records,
		Metrics:    m,
		RedisPing:  redisPing,
		DBPing:     dbPing,
	})

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := cron.New()
	if _, err := ticker.AddFunc(fmt.Sprintf("@every %ds", cfg.Tick.EverySeconds), func() {
		if err := ctrl.Tick(rootCtx); err != nil {
			log.Printf("⚠️ tick: %v", err)
		}
	}); err != nil {
		log.Fatalf("❌ cron: %v", err)
	}
	ticker.Start()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("🚀 verification service listening on :%s (env=%s, tick=%ds)",
			cfg.Server.Port, cfg.Server.Env, cfg.Tick.EverySeconds)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("🛑 shutting down...")
	cancel()
	<-ticker.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ shutdown: %v", err)
	}
	log.Println("👋 bye")
}

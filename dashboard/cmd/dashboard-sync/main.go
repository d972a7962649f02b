package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/archive"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/auth"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/clients/backend"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/config"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/failures"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/httpserver"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/notify"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/orchestrator"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/realtime"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/store"
)

func main() {
	envFile := flag.String("env-file", "", "optional .env file to load before reading the environment")
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var (
		cfg config.Config
		err error
	)
	if *envFile != "" {
		cfg, err = config.Load(*envFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx := context.Background()

	var tokens auth.TokenSource
	switch {
	case cfg.AuthSecret != "":
		src, err := auth.NewJWTSource(auth.JWTConfig{Secret: []byte(cfg.AuthSecret), Subject: cfg.AuthSubject, TTL: cfg.AuthTTL})
		if err != nil {
			log.Fatalf("auth: %v", err)
		}
		tokens = src
	case cfg.APIToken != "":
		tokens = auth.NewStaticSource(cfg.APIToken)
	}

	client, err := backend.New(backend.Config{BaseURL: cfg.APIURL, Tokens: tokens})
	if err != nil {
		log.Fatalf("backend client: %v", err)
	}

	errs := failures.NewHandler(failures.Options{Policy: failures.DefaultPolicy()})
	session, err := realtime.New(realtime.Config{
		WebSocketURL:    cfg.WebSocketURL,
		SSEURL:          cfg.SSEURL,
		Tokens:          tokens,
		StalenessWindow: cfg.StalenessWindow,
		RequireAll:      cfg.RequireAll,
		Reconnect: failures.RetryPolicy{
			MaxAttempts: cfg.ReconnectAttempts,
			Strategy:    failures.StrategyExponential,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		Errors: errs,
	})
	if err != nil {
		log.Fatalf("realtime session: %v", err)
	}

	deps := orchestrator.Deps{Backend: client, Transport: session, Errors: errs}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("ping db: %v", err)
		}
		pg := store.NewPGStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
		deps.Events = pg
	} else {
		log.Printf("DATABASE_URL not set; allocation history kept in memory")
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := notify.NewKafkaProducer(notify.KafkaProducerConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		deps.Publisher = notify.NewPublisher(producer, 0, nil)
		log.Printf("publishing notifications to kafka topic %s", cfg.KafkaTopic)
	}

	if cfg.S3Bucket != "" {
		archiver, err := archive.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver: %v", err)
		}
		deps.Archiver = archiver
		log.Printf("archiving snapshots to s3://%s/%s every %s", cfg.S3Bucket, cfg.S3Prefix, cfg.ArchiveInterval)
	}

	dash, err := orchestrator.New(orchestrator.Options{
		PollInterval:      cfg.PollInterval,
		AutoRefresh:       cfg.AutoRefresh,
		Retry:             cfg.Retry,
		UtilizationWindow: cfg.UtilizationWindow,
		HistoryLimit:      cfg.HistoryLimit,
		ArchiveInterval:   cfg.ArchiveInterval,
	}, deps)
	if err != nil {
		log.Fatalf("orchestrator: %v", err)
	}
	if err := dash.Start(ctx); err != nil {
		log.Fatalf("start orchestrator: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.New(dash).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("dashboard-sync listening on %s (api %s)", cfg.Addr, cfg.APIURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	waitForShutdown(httpServer, dash)
}

func waitForShutdown(srv *http.Server, dash *orchestrator.Orchestrator) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	if err := dash.Close(); err != nil {
		log.Printf("orchestrator close: %v", err)
	}
}

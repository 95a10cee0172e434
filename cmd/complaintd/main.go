package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/endharassment/surveillance-reports/internal/geo"
	"github.com/endharassment/surveillance-reports/internal/jurisdiction"
	"github.com/endharassment/surveillance-reports/internal/report"
	"github.com/endharassment/surveillance-reports/internal/server"
	"github.com/endharassment/surveillance-reports/internal/store"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/text/language"
)

func main() {
	// A missing .env file is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to load .env: %v", err)
	}

	listenAddr := flag.String("listen", envOr("COMPLAINTS_LISTEN", ":8080"), "HTTP listen address")
	dbPath := flag.String("db", envOr("COMPLAINTS_DB_PATH", "./complaints.db"), "SQLite database path")
	evidenceDir := flag.String("evidence-dir", envOr("COMPLAINTS_EVIDENCE_DIR", "./evidence"), "directory for uploaded evidence")
	directoryURL := flag.String("directory-url", os.Getenv("COMPLAINTS_DIRECTORY_URL"), "authority directory base URL")
	geocoderURL := flag.String("geocoder-url", envOr("COMPLAINTS_GEOCODER_URL", geo.DefaultNominatimURL), "reverse geocoder base URL")
	maxAge := flag.Duration("authority-max-age", envDuration("COMPLAINTS_AUTHORITY_MAX_AGE", jurisdiction.DefaultMaxAge), "refresh authority records older than this")
	negativeTTL := flag.Duration("negative-ttl", envDuration("COMPLAINTS_NEGATIVE_TTL", 0), "remember postal codes without coverage for this long (0 disables)")
	trustProxy := flag.Bool("trust-proxy", envBool("COMPLAINTS_TRUST_PROXY", false), "take client addresses from X-Forwarded-For")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *directoryURL == "" {
		log.Fatal("COMPLAINTS_DIRECTORY_URL must be set")
	}
	if err := os.MkdirAll(*evidenceDir, 0o750); err != nil {
		log.Fatalf("Failed to create evidence directory: %v", err)
	}

	db, err := store.NewSQLiteStore(ctx, *dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	sendGridKey := os.Getenv("COMPLAINTS_SENDGRID_KEY")
	sessionSecret := os.Getenv("COMPLAINTS_SESSION_SECRET")
	if sessionSecret == "" {
		if sendGridKey != "" {
			log.Fatal("COMPLAINTS_SESSION_SECRET must be set to a strong random value when mail delivery is configured (try: openssl rand -hex 32)")
		}
		// Allow an insecure default for local development only.
		logger.Warn("using insecure default session secret, set COMPLAINTS_SESSION_SECRET for production")
		sessionSecret = "insecure-dev-only-session-secret-do-not-use"
	}
	if sendGridKey == "" {
		logger.Warn("COMPLAINTS_SENDGRID_KEY is not set, submissions will fail")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	directory := jurisdiction.NewHTTPDirectory(*directoryURL, os.Getenv("COMPLAINTS_DIRECTORY_KEY"))
	resolver := jurisdiction.NewResolver(db, directory, logger,
		jurisdiction.WithNegativeTTL(*negativeTTL),
		jurisdiction.WithMetrics(jurisdiction.NewMetrics(reg)),
	)

	geocoder := geo.NewNominatimClient(*geocoderURL, language.German)
	reports := report.NewService(report.Deps{
		Store:      db,
		Resolver:   resolver,
		Normalizer: geo.NewNormalizer(geocoder, logger, geo.NewMetrics(reg)),
		Detector:   geo.NewDetector(db),
		Sender:     &report.RealSendGridSender{APIKey: sendGridKey},
		Logger:     logger,
		Metrics:    report.NewMetrics(reg),
	}, report.Config{
		EvidenceDir: *evidenceDir,
		CasePrefix:  envOr("COMPLAINTS_CASE_PREFIX", report.DefaultCasePrefix),
		Mail: report.MailConfig{
			Domain:      envOr("COMPLAINTS_MAIL_DOMAIN", "meldestelle.example.org"),
			FromName:    envOr("COMPLAINTS_FROM_NAME", "Meldestelle Videoüberwachung"),
			SandboxMode: envBool("COMPLAINTS_SANDBOX", false),
		},
	})

	srv := server.NewServer(server.Config{
		SessionSecret: sessionSecret,
		TrustProxy:    *trustProxy,
		RateLimits:    server.DefaultRateLimiterConfig(),
	}, server.Deps{
		Store:       db,
		Reports:     reports,
		Authorities: resolver,
		Registry:    reg,
		Logger:      logger,
	})
	defer srv.Stop()

	// Keep stored authority records from going stale.
	refresher := jurisdiction.NewRefresher(db, resolver, *maxAge, logger)
	go func() {
		if err := refresher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("authority refresher stopped", "error", err)
		}
	}()
	logger.Info("authority refresher started", "max_age", maxAge.String())

	go srv.SweepSessions(ctx)

	httpSrv := &http.Server{
		Addr:              *listenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", *listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("Invalid %s: %v", key, err)
	}
	return d
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("Invalid %s: %v", key, err)
	}
	return b
}

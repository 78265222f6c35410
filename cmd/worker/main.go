// Worker forwards security events from Kafka to Loki and runs the periodic sweeps: scheduled
// reactivations, expired deletion undo windows and pruning of stale attempts, OTP challenges
// and magic links. Metrics are served on OPS_HTTP_ADDR.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"acad-system/backend/internal/attempt"
	attemptrepo "acad-system/backend/internal/attempt/repository"
	"acad-system/backend/internal/audit"
	auditrepo "acad-system/backend/internal/audit/repository"
	"acad-system/backend/internal/config"
	"acad-system/backend/internal/db"
	"acad-system/backend/internal/lifecycle/deletion"
	"acad-system/backend/internal/lifecycle/suspension"
	"acad-system/backend/internal/logger"
	"acad-system/backend/internal/magiclink"
	"acad-system/backend/internal/metrics"
	mfarepo "acad-system/backend/internal/mfa/repository"
	mfaservice "acad-system/backend/internal/mfa/service"
	"acad-system/backend/internal/notification"
	"acad-system/backend/internal/security"
	"acad-system/backend/internal/server"
	"acad-system/backend/internal/server/interceptors"
	"acad-system/backend/internal/telemetry/loki"
	"acad-system/backend/internal/telemetry/producer"
	userrepo "acad-system/backend/internal/user/repository"
	"acad-system/backend/internal/worker"
)

const (
	attemptRetention = 30 * 24 * time.Hour
	// Expired challenges and links are kept a day for support lookups.
	expiredGrace    = 24 * time.Hour
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot, _ := zap.NewProduction()
		logger.Fatal(boot, "config", zap.Error(err))
	}
	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		boot, _ := zap.NewProduction()
		logger.Fatal(boot, "logger", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()
	log = log.Named("worker")

	if cfg.DatabaseURL == "" {
		logger.Fatal(log, "DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbx, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal(log, "database", zap.Error(err))
	}
	defer dbx.Close()
	tx := db.NewTransactor(dbx)

	m := metrics.New()
	brokers := cfg.KafkaBrokersList()
	rec := audit.NewLogger(auditrepo.NewPostgresRepository(dbx), interceptors.GetClient, log).WithCounter(m)
	notifier := notification.NewDispatcher(log, 0).WithCounter(m).Tap("log", notification.NewLogSender(log))
	var closers []func() error
	if len(brokers) > 0 && cfg.SecurityEventsTopic != "" {
		p := producer.NewKafkaProducer(brokers, cfg.SecurityEventsTopic)
		closers = append(closers, p.Close)
		rec = rec.WithProducer(p)
	}
	if len(brokers) > 0 && cfg.NotificationsTopic != "" {
		p := producer.NewKafkaProducer(brokers, cfg.NotificationsTopic)
		closers = append(closers, p.Close)
		notifier.Route(notification.ChannelEmail, "kafka", notification.NewKafkaSender(p))
	}

	mfaKey, err := cfg.MFAKey()
	if err != nil {
		logger.Fatal(log, "mfa key", zap.Error(err))
	}
	box, err := security.NewSecretBox(mfaKey)
	if err != nil {
		logger.Fatal(log, "secret box", zap.Error(err))
	}

	users := userrepo.NewPostgresRepository(dbx)
	tracker := attempt.NewTracker(attemptrepo.NewPostgresRepository(dbx), users)
	// Reactivation and deletion confirmation never end sessions, so no revoker is wired.
	suspensions := suspension.NewService(suspension.NewPostgresRepository(dbx), nil, tx, notifier, rec)
	deletions := deletion.NewService(deletion.Config{
		UndoTTL:      cfg.DeletionUndoTTL(),
		ConfirmDelay: cfg.DeletionConfirmDelay(),
		Retention:    cfg.DeletionRetention(),
	}, deletion.NewPostgresRepository(dbx), users, nil, tx, notifier, rec, log)
	mfaRepo := mfarepo.NewPostgresRepository(dbx)
	factors := mfaservice.NewService(mfaservice.Config{OTPTTL: cfg.OTPTTL(), Issuer: cfg.JWTIssuer},
		mfaRepo, mfaRepo, users, tx, box, notifier, rec)
	links := magiclink.NewService(magiclink.NewPostgresRepository(dbx), users, notifier, rec, log, cfg.MagicLinkTTL())

	sweeper := worker.NewSweeper(cfg.SweepInterval(), log).WithCounter(m).
		Add("suspension_reactivate", worker.Count(suspensions.ReactivateDue)).
		Add("deletion_confirm", worker.Count(deletions.ConfirmExpired)).
		Add("attempt_prune", func(ctx context.Context) (int64, error) { return tracker.Prune(ctx, attemptRetention) }).
		Add("mfa_challenge_prune", worker.Before(expiredGrace, factors.Prune)).
		Add("magic_link_prune", worker.Before(expiredGrace, links.Prune))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("sweeper started", zap.Duration("interval", cfg.SweepInterval()))
		sweeper.Run(ctx)
	}()

	var reader *kafka.Reader
	if len(brokers) > 0 && cfg.LokiURL != "" {
		pusher, err := loki.New(cfg.LokiURL, nil)
		if err != nil {
			logger.Fatal(log, "loki", zap.Error(err))
		}
		reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    cfg.SecurityEventsTopic,
			GroupID:  cfg.KafkaGroupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
			MaxWait:  time.Second,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("forwarding security events",
				zap.String("topic", cfg.SecurityEventsTopic),
				zap.String("group", cfg.KafkaGroupID),
				zap.String("loki", cfg.LokiURL))
			worker.NewForwarder(reader, pusher, log).Run(ctx)
		}()
	} else {
		log.Warn("KAFKA_BROKERS or LOKI_URL unset; security event forwarding disabled")
	}

	ops := &http.Server{
		Addr: cfg.OpsHTTPAddr,
		Handler: server.OpsRouter(map[string]server.Check{
			"postgres": dbx.PingContext,
		}, m.Handler(), log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("ops server listening", zap.String("addr", cfg.OpsHTTPAddr))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = ops.Shutdown(shutdownCtx)
	wg.Wait()
	if reader != nil {
		if err := reader.Close(); err != nil {
			log.Warn("close kafka reader", zap.Error(err))
		}
	}
	notifier.Wait()
	for _, c := range closers {
		if err := c(); err != nil {
			log.Warn("close producer", zap.Error(err))
		}
	}
	log.Info("worker stopped")
}

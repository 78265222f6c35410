// Server runs the gRPC auth API and the ops HTTP endpoint (/healthz, /readyz, /metrics).
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"acad-system/backend/internal/attempt"
	attemptrepo "acad-system/backend/internal/attempt/repository"
	"acad-system/backend/internal/audit"
	auditrepo "acad-system/backend/internal/audit/repository"
	"acad-system/backend/internal/config"
	"acad-system/backend/internal/db"
	devicerepo "acad-system/backend/internal/device/repository"
	deviceservice "acad-system/backend/internal/device/service"
	"acad-system/backend/internal/devotp"
	devotphandler "acad-system/backend/internal/devotp/handler"
	identityhandler "acad-system/backend/internal/identity/handler"
	identityservice "acad-system/backend/internal/identity/service"
	"acad-system/backend/internal/lifecycle/deletion"
	"acad-system/backend/internal/lifecycle/emailchange"
	lifecyclehandler "acad-system/backend/internal/lifecycle/handler"
	"acad-system/backend/internal/lifecycle/suspension"
	"acad-system/backend/internal/lockout"
	"acad-system/backend/internal/logger"
	"acad-system/backend/internal/magiclink"
	"acad-system/backend/internal/metrics"
	mfahandler "acad-system/backend/internal/mfa/handler"
	mfarepo "acad-system/backend/internal/mfa/repository"
	mfaservice "acad-system/backend/internal/mfa/service"
	"acad-system/backend/internal/notification"
	"acad-system/backend/internal/notification/sms"
	"acad-system/backend/internal/policy/engine"
	policyrepo "acad-system/backend/internal/policy/repository"
	"acad-system/backend/internal/security"
	"acad-system/backend/internal/security/blacklist"
	"acad-system/backend/internal/server"
	"acad-system/backend/internal/server/interceptors"
	sessionhandler "acad-system/backend/internal/session/handler"
	sessionrepo "acad-system/backend/internal/session/repository"
	sessionservice "acad-system/backend/internal/session/service"
	otelsetup "acad-system/backend/internal/telemetry/otel"
	"acad-system/backend/internal/telemetry/producer"
	"acad-system/backend/internal/tenant"
	userrepo "acad-system/backend/internal/user/repository"
)

const shutdownTimeout = 15 * time.Second

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, otelsetup.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.OTelServiceName,
		Environment: cfg.Env,
		Log:         log,
	})
	if err != nil {
		logger.Fatal(log, "otel", zap.Error(err))
	}
	providers.SetGlobal()

	dbx, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal(log, "database", zap.Error(err))
	}
	defer dbx.Close()
	tx := db.NewTransactor(dbx)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	websites, err := tenant.Load(cfg.WebsitesFile, cfg.DefaultWebsite)
	if err != nil {
		logger.Fatal(log, "websites", zap.Error(err))
	}

	priv, pub, err := security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		logger.Fatal(log, "jwt keys", zap.Error(err))
	}
	tokens, err := security.NewTokenProvider(priv, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), cfg.RefreshTTL())
	if err != nil {
		logger.Fatal(log, "token provider", zap.Error(err))
	}
	mfaKey, err := cfg.MFAKey()
	if err != nil {
		logger.Fatal(log, "mfa key", zap.Error(err))
	}
	box, err := security.NewSecretBox(mfaKey)
	if err != nil {
		logger.Fatal(log, "secret box", zap.Error(err))
	}
	revoked := blacklist.New(rdb, cfg.AccessTTL())

	var policy *engine.LockoutPolicy
	if cfg.LockoutPolicyFile != "" {
		policy, err = engine.LoadLockoutPolicy(ctx, cfg.LockoutPolicyFile)
	} else {
		policy, err = engine.NewLockoutPolicy(ctx, "")
	}
	if err != nil {
		logger.Fatal(log, "lockout policy", zap.Error(err))
	}

	m := metrics.New()

	// Security events: Postgres first, then Kafka for the Loki worker and OTel logs.
	brokers := cfg.KafkaBrokersList()
	rec := audit.NewLogger(auditrepo.NewPostgresRepository(dbx), interceptors.GetClient, log).
		WithEmitter(otelsetup.NewEventEmitter(providers.LoggerProvider)).
		WithCounter(m)
	var closers []func() error
	if len(brokers) > 0 && cfg.SecurityEventsTopic != "" {
		p := producer.NewKafkaProducer(brokers, cfg.SecurityEventsTopic)
		closers = append(closers, p.Close)
		rec = rec.WithProducer(p)
	}

	// Notifications: Kafka for email and in-app delivery, SMSLocal for SMS, the dev store when
	// enabled, and a payload-free log line for every message.
	notifier := notification.NewDispatcher(log, 0).WithCounter(m).Tap("log", notification.NewLogSender(log))
	if len(brokers) > 0 && cfg.NotificationsTopic != "" {
		p := producer.NewKafkaProducer(brokers, cfg.NotificationsTopic)
		closers = append(closers, p.Close)
		kafkaSender := notification.NewKafkaSender(p)
		notifier.Route(notification.ChannelEmail, "kafka", kafkaSender).
			Route(notification.ChannelInApp, "kafka", kafkaSender)
	}
	if cfg.SMSLocalAPIKey != "" {
		notifier.Route(notification.ChannelSMS, "smslocal",
			notification.NewSMSSender(sms.NewSMSLocalClient(cfg.SMSLocalAPIKey, cfg.SMSLocalBaseURL, cfg.SMSLocalSender)))
	}
	var devStore *devotp.MemoryStore
	if cfg.DevOTPEnabled {
		devStore = devotp.NewMemoryStore()
		notifier.Tap("devotp", notification.NewDevSender(devStore, cfg.OTPTTL()))
		log.Warn("dev OTP store enabled; codes and link tokens are readable through DevService")
	}

	users := userrepo.NewPostgresRepository(dbx)
	tracker := attempt.NewTracker(attemptrepo.NewPostgresRepository(dbx), users)
	lockouts := lockout.NewEngine(lockout.Config{
		Threshold:           cfg.LockoutThreshold,
		Window:              cfg.LockoutWindow(),
		BaseDuration:        cfg.LockoutBaseDuration(),
		MaxDuration:         cfg.LockoutMaxDuration(),
		TrustedDeviceExempt: cfg.LockoutTrustedDeviceExempt,
	}, tracker, users, policy, rec, log).WithNotifier(notifier)

	sessions := sessionservice.NewService(sessionrepo.NewPostgresRepository(dbx), tokens, revoked, users, rec, log).
		WithNotifier(notifier)
	limiter := sessionservice.NewLimiter(sessions, policyrepo.NewPostgresRepository(dbx), sessionservice.LimitDefaults{
		MaxConcurrentSessions: cfg.SessionMaxConcurrent,
		AllowUnlimitedTrusted: cfg.SessionAllowUnlimitedTrusted,
		RevokeOldestOnLimit:   cfg.SessionRevokeOldest,
	})
	mfaRepo := mfarepo.NewPostgresRepository(dbx)
	factors := mfaservice.NewService(mfaservice.Config{OTPTTL: cfg.OTPTTL(), Issuer: cfg.JWTIssuer},
		mfaRepo, mfaRepo, users, tx, box, notifier, rec)
	devices := deviceservice.NewTrustStore(devicerepo.NewPostgresRepository(dbx), rec, cfg.DeviceTrustTTL())
	suspensions := suspension.NewService(suspension.NewPostgresRepository(dbx), sessions, tx, notifier, rec)
	deletions := deletion.NewService(deletion.Config{
		UndoTTL:      cfg.DeletionUndoTTL(),
		ConfirmDelay: cfg.DeletionConfirmDelay(),
		Retention:    cfg.DeletionRetention(),
	}, deletion.NewPostgresRepository(dbx), users, sessions, tx, notifier, rec, log)
	emailChanges := emailchange.NewService(cfg.EmailChangeTokenTTL(), emailchange.NewPostgresRepository(dbx), users, tx, notifier, rec, log)
	links := magiclink.NewService(magiclink.NewPostgresRepository(dbx), users, notifier, rec, log, cfg.MagicLinkTTL())

	auth := identityservice.NewAuthService(identityservice.Deps{
		Users:       users,
		Tx:          tx,
		Hasher:      security.NewHasher(cfg.BcryptCost),
		Lockout:     lockouts,
		Suspensions: suspensions,
		Devices:     devices,
		MFA:         factors,
		Sessions:    sessions,
		Limiter:     limiter,
		MagicLinks:  links,
		Deletions:   deletions,
		Notifier:    notifier,
		Audit:       rec,
		Log:         log,
	})

	healthSrv := health.NewServer()
	deps := server.Deps{
		Auth:     identityhandler.NewAuthServer(auth, links, emailChanges, users, log).WithCounter(m),
		Sessions: sessionhandler.NewServer(sessions, limiter, users, log),
		MFA:      mfahandler.NewServer(factors, devices, users, log),
		Account: lifecyclehandler.NewServer(lifecyclehandler.Deps{
			Suspensions:  suspensions,
			Deletions:    deletions,
			EmailChanges: emailChanges,
			Lockouts:     lockouts,
			Events:       auditrepo.NewPostgresRepository(dbx),
			Users:        users,
			ConfirmDelay: cfg.DeletionConfirmDelay(),
			Log:          log,
		}),
		Health: healthSrv,
	}
	if devStore != nil {
		deps.Dev = devotphandler.NewServer(devStore)
	}
	grpcSrv := server.NewServer(server.Options{
		Tokens:      tokens,
		Revocations: revoked,
		Tenants:     websites,
		Recorder:    rec,
		Users:       users,
		Log:         log,
	}, deps)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal(log, "listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}
	ops := &http.Server{
		Addr: cfg.OpsHTTPAddr,
		Handler: server.OpsRouter(map[string]server.Check{
			"postgres": dbx.PingContext,
			"redis":    revoked.Ping,
			"policy":   policy.HealthCheck,
		}, m.Handler(), log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		errCh <- grpcSrv.Serve(lis)
	}()
	go func() {
		log.Info("ops server listening", zap.String("addr", cfg.OpsHTTPAddr))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("server stopped", zap.Error(err))
	}

	healthSrv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = ops.Shutdown(shutdownCtx)
	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcSrv.Stop()
	}
	notifier.Wait()
	for _, c := range closers {
		if err := c(); err != nil {
			log.Warn("close producer", zap.Error(err))
		}
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Warn("otel shutdown", zap.Error(err))
	}
	log.Info("server stopped")
}

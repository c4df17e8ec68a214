package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/TrafficGovernor/internal/alert"
	"github.com/router-for-me/TrafficGovernor/internal/clock"
	"github.com/router-for-me/TrafficGovernor/internal/config"
	"github.com/router-for-me/TrafficGovernor/internal/db"
	internalhttp "github.com/router-for-me/TrafficGovernor/internal/http/api/admin"
	handlers "github.com/router-for-me/TrafficGovernor/internal/http/api/admin/handlers"
	"github.com/router-for-me/TrafficGovernor/internal/http/middleware"
	"github.com/router-for-me/TrafficGovernor/internal/logging"
	"github.com/router-for-me/TrafficGovernor/internal/ratelimit"
	internalsettings "github.com/router-for-me/TrafficGovernor/internal/settings"
	"github.com/router-for-me/TrafficGovernor/internal/store"
	"github.com/router-for-me/TrafficGovernor/internal/webhook"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, configPath string) error {
	dsn, err := config.LoadDatabaseDSN(config.ResolveConfigPath(configPath))
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := db.Close(conn); errClose != nil {
			log.WithError(errClose).Warn("db: close failed")
		}
	}()
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		return errMigrate
	}
	log.Infof("database migrated (%s)", DescribeDSN(dsn))
	return nil
}

// sweeper drops idle ledgers from a store that does not expire them itself.
type sweeper func(ctx context.Context, now time.Time, idle time.Duration) (int64, error)

// Server is the assembled governor: limiter, dispatcher and HTTP engine over
// the configured stores.
type Server struct {
	Config     *config.Config
	Limiter    *ratelimit.Limiter
	Dispatcher *webhook.Dispatcher
	Engine     *gin.Engine

	clock   clock.Clock
	alerts  *alert.Evaluator
	conn    *gorm.DB
	redis   redis.UniversalClient
	sweeper sweeper
}

// Build wires every component from cfg. The caller owns the returned server
// and must Close it.
func Build(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{Config: cfg, clock: clock.NewReal()}
	health := map[string]handlers.Pinger{}

	if dsn := cfg.DSN(); dsn != "" && (cfg.RateLimit.Store == internalsettings.StoreDatabase || cfg.Webhook.Store == internalsettings.StoreDatabase) {
		conn, errOpen := db.Open(dsn)
		if errOpen != nil {
			return nil, errOpen
		}
		s.conn = conn
		if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
			s.Close()
			return nil, errMigrate
		}
		health["database"] = db.NewPinger(conn)
		log.Infof("database ready (%s)", DescribeDSN(dsn))
	}

	ledgers, errStore := s.buildLedgerStore(ctx, health)
	if errStore != nil {
		s.Close()
		return nil, errStore
	}

	evaluator := alert.NewEvaluator(s.clock.Now)
	s.alerts = evaluator
	notifyClient := &http.Client{Timeout: cfg.Alerting.NotifyTimeout}
	evaluator.Register(alert.ChannelSlack, alert.NewSlackNotifier(notifyClient))
	evaluator.Register(alert.ChannelWebhook, alert.NewWebhookNotifier(notifyClient))
	if cfg.Alerting.SMTP.Addr != "" {
		evaluator.Register(alert.ChannelEmail, alert.NewEmailNotifier(cfg.Alerting.SMTP))
	}

	resolver, errResolver := ratelimit.NewResolver(cfg.RateLimit.DefaultPolicy, cfg.RateLimit.Policies)
	if errResolver != nil {
		s.Close()
		return nil, errResolver
	}
	limiter, errLimiter := ratelimit.NewLimiter(ratelimit.Options{
		Store:      ledgers,
		Resolver:   resolver,
		Clock:      s.clock,
		Alerts:     evaluator,
		AlertRules: cfg.RateLimit.Alerts,
	})
	if errLimiter != nil {
		s.Close()
		return nil, errLimiter
	}
	s.Limiter = limiter

	var deliveries webhook.Store
	if cfg.Webhook.Store == internalsettings.StoreDatabase {
		deliveries = store.NewGormWebhookStore(s.conn)
	} else {
		deliveries = webhook.NewMemoryStore()
	}
	s.Dispatcher = webhook.NewDispatcher(webhook.Options{
		Store:            deliveries,
		Clock:            s.clock,
		Alerts:           evaluator,
		BaseDelay:        cfg.Webhook.BaseRetryDelay,
		FlushConcurrency: cfg.Webhook.FlushConcurrency,
		OnOutcome:        logOutcome,
	})
	if _, errRecover := s.Dispatcher.Recover(ctx); errRecover != nil {
		s.Close()
		return nil, errRecover
	}

	s.Engine = s.buildEngine(health)
	return s, nil
}

func (s *Server) buildLedgerStore(ctx context.Context, health map[string]handlers.Pinger) (ratelimit.Store, error) {
	cfg := s.Config.RateLimit
	switch cfg.Store {
	case internalsettings.StoreRedis:
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisStore := ratelimit.NewRedisStore(s.redis, cfg.Redis.Prefix, cfg.IdleTTL, s.clock.Now)
		if errPing := redisStore.Ping(ctx); errPing != nil {
			log.WithError(errPing).Warn("rate limit: redis not reachable at startup")
		}
		health["redis"] = redisStore
		return redisStore, nil
	case internalsettings.StoreDatabase:
		gormStore := store.NewGormLedgerStore(s.conn)
		s.sweeper = gormStore.Sweep
		return gormStore, nil
	default:
		memory := ratelimit.NewMemoryStore()
		s.sweeper = func(_ context.Context, now time.Time, idle time.Duration) (int64, error) {
			return int64(memory.Sweep(now, idle)), nil
		}
		return memory, nil
	}
}

func (s *Server) buildEngine(health map[string]handlers.Pinger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestLogger())
	if errProxies := engine.SetTrustedProxies(s.Config.Server.TrustedProxies); errProxies != nil {
		log.WithError(errProxies).Warn("http: invalid trusted proxies, trusting none")
		_ = engine.SetTrustedProxies(nil)
	}

	mwCfg := s.Config.RateLimit.Middleware
	keyFn := middleware.ClientIPKey
	if mwCfg.KeyBy == internalsettings.KeyByHeader {
		keyFn = middleware.HeaderKey(mwCfg.Header)
	}
	internalhttp.RegisterAdminRoutes(engine, internalhttp.Deps{
		Limiter:    s.Limiter,
		Dispatcher: s.Dispatcher,
		JWT:        s.Config.JWT,
		APIKeys:    s.Config.AdminAPIKeys,
		Health:     health,
		RateLimit: middleware.RateLimit(s.Limiter, middleware.RateLimitOptions{
			Key:      keyFn,
			Cost:     mwCfg.Cost,
			FailOpen: s.Config.RateLimit.FailMode == internalsettings.FailOpen,
		}),
	})
	return engine
}

// Sweep removes idle ledgers once and returns how many were dropped.
func (s *Server) Sweep(ctx context.Context) (int64, error) {
	if s.sweeper == nil || s.Config.RateLimit.IdleTTL <= 0 {
		return 0, nil
	}
	return s.sweeper(ctx, s.clock.Now(), s.Config.RateLimit.IdleTTL)
}

// runJanitor sweeps idle ledgers until ctx is done.
func (s *Server) runJanitor(ctx context.Context) {
	if s.sweeper == nil || s.Config.RateLimit.IdleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(s.Config.RateLimit.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, errSweep := s.Sweep(ctx)
			if errSweep != nil {
				log.WithError(errSweep).Warn("rate limit: sweep failed")
				continue
			}
			if removed > 0 {
				log.Debugf("rate limit: swept %d idle ledgers", removed)
			}
		}
	}
}

// Close stops background work and releases connections.
func (s *Server) Close() {
	if s.Dispatcher != nil {
		s.Dispatcher.Close()
	}
	s.alerts.Close()
	if s.redis != nil {
		if errClose := s.redis.Close(); errClose != nil {
			log.WithError(errClose).Warn("redis: close failed")
		}
	}
	if s.conn != nil {
		if errClose := db.Close(s.conn); errClose != nil {
			log.WithError(errClose).Warn("db: close failed")
		}
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Config.Addr(),
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Infof("starting traffic governor on %s", srv.Addr)
		if errListen := srv.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
			return fmt.Errorf("http: listen: %w", errListen)
		}
		return nil
	})
	group.Go(func() error {
		s.runJanitor(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Config.Server.ShutdownTimeout)
		defer cancel()
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Error("http: shutdown failed")
		}
		return nil
	})
	return group.Wait()
}

// RunServer loads the config at configPath, applies overrides, builds the
// governor and serves until ctx is cancelled.
func RunServer(ctx context.Context, configPath string, overrides ...func(*config.Config)) error {
	cfg, err := config.Load(config.ResolveConfigPath(configPath))
	if err != nil {
		return err
	}
	if len(overrides) > 0 {
		for _, override := range overrides {
			override(cfg)
		}
		if errValidate := cfg.Validate(); errValidate != nil {
			return errValidate
		}
	}
	closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if cfg.JWT.Secret == "" && len(cfg.AdminAPIKeys) == 0 {
		log.Warn("no jwt secret or admin api keys configured, admin API will reject every request")
	}

	s, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Run(ctx)
}

func logOutcome(d webhook.Delivery) {
	entry := log.WithFields(log.Fields{
		"delivery":   d.ID,
		"subscriber": d.SubscriberID,
		"event":      d.Event,
		"attempts":   len(d.Attempts),
	})
	if d.Status == webhook.StatusDelivered {
		entry.Debug("webhook: delivered")
		return
	}
	entry.WithField("reason", d.Reason).Warn("webhook: delivery " + string(d.Status))
}

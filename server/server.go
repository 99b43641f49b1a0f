package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"gorm.io/gorm"

	"github.com/customeros/imapfleet/api"
	"github.com/customeros/imapfleet/config"
	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/cron"
	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/internal/repository"
	"github.com/customeros/imapfleet/internal/tracing"
	"github.com/customeros/imapfleet/services/monitor"
	"github.com/customeros/imapfleet/services/pool"
	"github.com/customeros/imapfleet/services/scheduler"
	"github.com/customeros/imapfleet/services/sink"
	"github.com/customeros/imapfleet/services/status"
	"github.com/customeros/imapfleet/services/workers"
)

const shutdownTimeout = 15 * time.Second

// Server owns every component of the ingestion fleet and threads their
// references at construction; nothing here is process-global except the
// opentracing tracer.
type Server struct {
	config       *config.Config
	log          logger.Logger
	db           *gorm.DB
	httpServer   *http.Server
	router       *gin.Engine
	repositories *repository.Repositories
	statusStore  interfaces.StatusStore
	sink         interfaces.EnvelopeSink
	pool         interfaces.ConnectionPool
	monitor      *monitor.SessionMonitor
	fleet        *workers.Fleet
	scheduler    *scheduler.Scheduler
	cronManager  *cron.CronManager
	tracerCloser io.Closer
}

func NewServer(cfg *config.Config, db *gorm.DB) (*Server, error) {
	// Initialize logger
	appLogger := logger.NewAppLogger(cfg.Logger)
	appLogger.InitLogger()

	// Initialize tracing
	tracer, closer, err := tracing.NewJaegerTracer(cfg.Tracing, appLogger)
	if err != nil {
		log.Fatalf("Could not initialize jaeger tracer: %s", err.Error())
	}
	opentracing.SetGlobalTracer(tracer)

	// Initialize repositories and the status store adapter
	repos := repository.InitRepositories(db)
	statusStore := status.NewStatusStore(appLogger, repos.MailboxStatusRepository)

	// Select the sink by config: SQS FIFO when a queue URL is set,
	// RabbitMQ otherwise.
	envelopeSink, err := buildSink(cfg.SinkConfig, appLogger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:       cfg,
		log:          appLogger,
		db:           db,
		repositories: repos,
		statusStore:  statusStore,
		sink:         envelopeSink,
		tracerCloser: closer,
	}

	// Component construction order follows the dependency chain:
	// pool -> monitor -> fleet -> scheduler. The pool's session-lost
	// callback reaches the scheduler through the server field, which is
	// set before any session can be lost.
	dialer := pool.NewIMAPDialer(appLogger)
	s.pool = pool.NewConnectionPool(appLogger, cfg.FleetConfig, dialer, func(mailboxID string) {
		if s.scheduler != nil {
			s.scheduler.MarkForReconnection(mailboxID)
		}
	})

	s.monitor = monitor.NewSessionMonitor(appLogger, cfg.FleetConfig, s.pool, s.sink, statusStore)
	s.fleet = workers.NewWorkerFleet(appLogger, cfg.FleetConfig, s.monitor)
	s.scheduler = scheduler.NewScheduler(appLogger, cfg.FleetConfig, s.fleet, statusStore)

	s.monitor.SetOutcomeReporter(s.scheduler)
	s.fleet.SetOutcomeReporter(s.scheduler)

	s.cronManager = cron.NewCronManager(cfg.CronConfig, appLogger, repos.MailboxRepository, statusStore, s.scheduler, s.pool)

	// Initialize Gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	s.router = router
	s.httpServer = &http.Server{
		Addr:    ":" + cfg.AppConfig.APIPort,
		Handler: router,
	}

	return s, nil
}

func buildSink(cfg *config.SinkConfig, log logger.Logger) (interfaces.EnvelopeSink, error) {
	if cfg.QueueURL != "" {
		return sink.NewSQSSink(log, cfg), nil
	}
	if cfg.RabbitMQURL != "" {
		return sink.NewRabbitMQSink(cfg.RabbitMQURL, log)
	}
	return nil, fmt.Errorf("no sink configured: set SINK_QUEUE_URL or RABBITMQ_URL")
}

func (s *Server) Initialize(ctx context.Context) error {
	// Load the scheduling universe. Startup without the store is fatal.
	s.log.Info("Loading active mailboxes...")
	mailboxes, err := s.repositories.MailboxRepository.GetActiveMailboxes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load mailboxes at startup: %w", err)
	}
	s.scheduler.Sync(mailboxes)
	s.log.Infof("Scheduled %d mailboxes", len(mailboxes))

	// Setup API routes
	api.RegisterRoutes(s.router, api.Deps{
		Log:          s.log,
		DB:           s.db,
		FleetConfig:  s.config.FleetConfig,
		Scheduler:    s.scheduler,
		Fleet:        s.fleet,
		Pool:         s.pool,
		Repositories: s.repositories,
	}, s.config.AppConfig.APIKey)

	return nil
}

func (s *Server) recoverWithJaeger(name string) {
	if r := recover(); r != nil {
		span := opentracing.GlobalTracer().StartSpan(
			fmt.Sprintf("panic.%s", name),
		)
		defer span.Finish()

		ext.Error.Set(span, true)
		span.LogKV(
			"event", "panic",
			"process", name,
			"error", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()),
		)

		s.log.Errorf("Panic in %s: %v\n%s", name, r, debug.Stack())
	}
}

func (s *Server) wrapGoroutine(name string, fn func()) {
	defer s.recoverWithJaeger(name)
	fn()
}

func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Initialize(ctx); err != nil {
		return err
	}

	s.log.Info("Starting worker fleet...")
	s.fleet.Start(ctx)

	s.log.Info("Starting scheduler...")
	s.scheduler.Start(ctx)

	s.cronManager.Start()

	go s.wrapGoroutine("http_server", func() {
		s.log.Infof("Starting HTTP server on :%s", s.config.AppConfig.APIPort)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("HTTP server error: %v", err)
		}
	})

	s.log.Info("imapfleet is now running. Press Ctrl+C to exit.")
	return s.waitForShutdown()
}

// waitForShutdown drains the fleet in dependency order once SIGTERM or
// SIGINT arrives: no new tasks, in-flight work cancelled at the deadline,
// sessions closed, pending status writes flushed.
func (s *Server) waitForShutdown() error {
	defer s.recoverWithJaeger("shutdown")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	s.log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop emitting tasks first so the queue only drains.
	s.cronManager.Stop()
	s.scheduler.Stop()

	if err := s.fleet.Stop(shutdownCtx); err != nil {
		s.log.Warnf("Worker fleet did not drain in time: %v", err)
	}

	if err := s.pool.Shutdown(shutdownCtx); err != nil {
		s.log.Warnf("Connection pool shutdown error: %v", err)
	}

	if err := s.statusStore.Flush(shutdownCtx); err != nil {
		s.log.Warnf("Status store flush error: %v", err)
	}

	if err := s.sink.Close(); err != nil {
		s.log.Warnf("Sink close error: %v", err)
	}

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warnf("HTTP server shutdown error: %v", err)
	}

	if s.tracerCloser != nil {
		s.tracerCloser.Close()
	}

	s.log.Info("Shutdown complete")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/blas1n/bsai-sub001/config"
	"github.com/blas1n/bsai-sub001/eventbus"
	"github.com/blas1n/bsai-sub001/messaging"
	milestonedispatcher "github.com/blas1n/bsai-sub001/processor/milestone-dispatcher"
	pipelinecontroller "github.com/blas1n/bsai-sub001/processor/pipeline-controller"
	"github.com/blas1n/bsai-sub001/storage"
	"github.com/blas1n/bsai-sub001/tools"
	"github.com/blas1n/bsai-sub001/workflow/breakpoint"
)

// broadcastQueueSize is the per-client outbound queue of the websocket.
const broadcastQueueSize = 256

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Storage
	suspensions *storage.SuspensionStore
	audit       *storage.AuditStore

	// Messaging
	registry    *prometheus.Registry
	router      *messaging.Router
	broadcaster *eventbus.SessionBroadcaster
	stream      *messaging.JetStreamChannel
	unsubscribe func()

	// Engine
	tools       *tools.Coordinator
	breakpoints *breakpoint.Coordinator
	controller  *pipelinecontroller.Controller

	httpServer *http.Server
	watcher    *config.Watcher
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start initializes all components. Call Serve to accept HTTP traffic.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	suspensions, err := storage.NewSuspensionStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize suspension store: %w", err)
	}
	a.suspensions = suspensions

	if a.cfg.Audit.Path != "" {
		audit, err := storage.NewAuditStore(a.cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("initialize audit store: %w", err)
		}
		a.audit = audit
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.router = messaging.NewRouter(a.logger)
	a.broadcaster = eventbus.NewSessionBroadcaster(broadcastQueueSize, a.logger)

	stream, err := messaging.NewJetStreamChannel(ctx, a.js, messaging.DefaultJetStreamConfig(), a.logger)
	if err != nil {
		return fmt.Errorf("initialize message stream: %w", err)
	}
	a.stream = stream

	// Approval and tool call requests reach websocket observers and
	// NATS-attached agents alike
	outbound := messaging.MultiChannel{a.broadcaster, a.stream}

	toolOpts := []tools.Option{
		tools.WithLocalExecutor(tools.NewHTTPExecutor(nil, a.logger)),
		tools.WithLogger(a.logger),
	}
	if a.audit != nil {
		toolOpts = append(toolOpts, tools.WithAuditLog(a.audit))
	}
	a.tools = tools.NewCoordinator(a.cfg.Tools, outbound, toolOpts...)
	a.tools.EnableMetrics(a.registry)

	a.breakpoints = breakpoint.NewCoordinator(a.cfg.Breakpoints, a.suspensions, a.logger)

	agents := pipelinecontroller.NewNATSCollaborators(a.natsConn, a.cfg.NATS.SubjectPrefix, a.cfg.NATS.GetRequestTimeout(), a.logger)
	controller, err := pipelinecontroller.NewController(a.cfg.Pipeline, agents.Collaborators(), a.breakpoints,
		pipelinecontroller.WithTools(a.tools),
		pipelinecontroller.WithScheduler(a.cfg.Scheduler, milestonedispatcher.NewMetrics(a.registry)),
		pipelinecontroller.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}
	a.controller = controller

	a.tools.Register(a.router)
	a.controller.Register(a.router)

	a.unsubscribe = a.controller.Bus().Subscribe(a.forward)

	if err := a.stream.Start(ctx, a.router); err != nil {
		return fmt.Errorf("start message stream: %w", err)
	}

	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("Components initialized",
		"max_parallel", a.cfg.Scheduler.MaxParallel,
		"plan_review", a.cfg.Breakpoints.PlanReview,
		"execution", a.cfg.Breakpoints.Execution,
		"audit", a.cfg.Audit.Path)
	return nil
}

// forward delivers a bus event to websocket subscribers and to the
// session's outbound NATS subject. It runs on the publishing goroutine.
func (a *App) forward(event eventbus.Event) {
	a.broadcaster.HandleEvent(event)

	env, ok := eventbus.Translate(event)
	if !ok || event.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.stream.Send(ctx, event.SessionID, env); err != nil {
		a.logger.Warn("Failed to publish event", "type", event.Type, "session_id", event.SessionID, "error", err)
	}
}

func (a *App) startNATS() error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL, nats.Name(appName))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			StoreDir:  a.cfg.NATS.StoreDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL(), nats.Name(appName))
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	return nil
}

// WatchConfig reloads the project config file on change and applies the
// static breakpoint flags. It is a no-op without a project file.
func (a *App) WatchConfig(ctx context.Context, loader *config.Loader) {
	path := loader.ProjectPath()
	if path == "" {
		return
	}
	w, err := config.NewWatcher(loader, path, 0, func(cfg *config.Config) {
		a.breakpoints.SetStatic(cfg.Breakpoints)
	}, a.logger)
	if err != nil {
		a.logger.Warn("Config hot reload disabled", "path", path, "error", err)
		return
	}
	w.Start(ctx)
	a.watcher = w
}

// Serve accepts HTTP traffic on the configured address. The returned
// channel yields the listener's terminal error, or nil after Shutdown.
func (a *App) Serve() <-chan error {
	errc := make(chan error, 1)
	go func() {
		err := a.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
	}()
	return errc
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	a.logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP shutdown incomplete", "error", err)
		}
	}
	if a.watcher != nil {
		_ = a.watcher.Stop()
	}
	if a.stream != nil {
		a.stream.Stop()
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("Failed to close audit store", "error", err)
		}
	}

	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	a.logger.Info("Goodbye")
}

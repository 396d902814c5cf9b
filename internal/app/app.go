package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"printhub/internal/api"
	"printhub/internal/auth"
	"printhub/internal/config"
	"printhub/internal/device"
	"printhub/internal/errors"
	"printhub/internal/files"
	"printhub/internal/infrastructure"
	"printhub/internal/metrics"
	"printhub/internal/middleware"
	"printhub/internal/mqtt"
	handlers "printhub/internal/transport/http"
	"printhub/internal/websocket"
	"printhub/internal/worker"
)

const (
	// AppName is the application name used in logs and server info.
	AppName = "printhub"
	// Version is the application version.
	Version = "0.9.2"
)

// mqttRetryInterval spaces broker connection attempts; paho reconnects
// on its own once the first session is established.
const mqttRetryInterval = 10 * time.Second

// Application holds every assembled service and the HTTP listeners.
type Application struct {
	Config    *config.Config
	Logger    *slog.Logger
	Router    *chi.Mux
	Server    *http.Server
	TLSServer *http.Server

	Registry  *api.Registry
	Routes    *api.MutableRouter
	Device    *device.Proxy
	Files     *files.Manager
	Authz     *auth.Authorizer
	Collector *metrics.Collector
	Pool      *worker.Pool
	WebSocket *websocket.Manager
	MQTT      *mqtt.Adapter

	fileServer *handlers.FileServer
	startTime  time.Time
}

// NewApplication wires the server from configuration. The returned
// application is fully routed and ready to Run.
func NewApplication(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.String("level", cfg.Logging.Level))

	app := &Application{
		Config:    cfg,
		Logger:    logger,
		startTime: time.Now(),
	}
	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := app.registerEndpoints(); err != nil {
		return nil, fmt.Errorf("failed to register endpoints: %w", err)
	}
	if err := app.registerFileRoutes(); err != nil {
		return nil, fmt.Errorf("failed to register file routes: %w", err)
	}
	app.setupRouter()
	app.createServers()
	return app, nil
}

// initializeServices builds the collaborators in dependency order. The
// handler factory is created before the request executor exists, so its
// executor and connection lookup are attached once those are up; every
// registration happens after this method returns.
func (a *Application) initializeServices() error {
	a.Collector = metrics.NewCollector()
	a.Pool = worker.NewPool(a.Config.Worker.PoolSize, a.Logger)

	authz, err := auth.New(a.Config.Auth, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize authorization: %w", err)
	}
	a.Authz = authz

	factory := &handlers.DynamicFactory{
		Authz:  a.Authz,
		Debug:  a.Config.Debug,
		Logger: a.Logger,
	}
	a.Routes = api.NewMutableRouter(a.Logger)
	a.Registry = api.NewRegistry(a.Routes, factory.Handler, a.Logger)
	a.Device = device.NewProxy(a.Registry, a.Logger)
	factory.Executor = a.Device

	fileManager, err := files.NewManager(a.Config.Files, a.Device, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize file manager: %w", err)
	}
	a.Files = fileManager

	a.WebSocket = websocket.NewManager(a.Config.WebSocket, a.Authz, a.Device, a.Collector, a.Logger)
	factory.Connections = a.WebSocket
	a.Registry.RegisterTransport(api.TransportWebSocket, a.WebSocket)

	if a.Config.MQTT.Enabled {
		a.MQTT = mqtt.NewAdapter(a.Config.MQTT, a.Device, a.Collector, a.Logger)
		a.Registry.RegisterTransport(api.TransportMQTT, a.MQTT)
	}

	a.fileServer = &handlers.FileServer{
		Files:     a.Files,
		Authz:     a.Authz,
		Pool:      a.Pool,
		Collector: a.Collector,
		Debug:     a.Config.Debug,
		Logger:    a.Logger,
	}
	return nil
}

// registerEndpoints registers the built-in local endpoints on every
// transport.
func (a *Application) registerEndpoints() error {
	endpoints := []struct {
		uri     string
		methods []string
		cb      api.Callback
	}{
		{"/server/info", []string{"GET"}, a.serverInfo},
		{"/server/config", []string{"GET"}, a.serverConfig},
		{"/server/files/roots", []string{"GET"}, a.fileRoots},
		{"/server/files/list", []string{"GET"}, a.fileList},
	}
	for _, ep := range endpoints {
		if err := a.Registry.RegisterLocal(ep.uri, ep.methods, ep.cb, nil, true); err != nil {
			return err
		}
	}
	return nil
}

// registerFileRoutes places the upload handler and the static file
// roots on the mutable route table. Upload registers first so its exact
// pattern is matched ahead of the capture routes.
func (a *Application) registerFileRoutes() error {
	upload := &handlers.UploadHandler{
		Files:     a.Files,
		Authz:     a.Authz,
		Pool:      a.Pool,
		Collector: a.Collector,
		MaxSize:   a.Config.MaxUploadBytes(),
		Debug:     a.Config.Debug,
		Logger:    a.Logger,
	}
	if err := a.Routes.AddHandler("/server/files/upload", upload); err != nil {
		return err
	}

	if err := a.registerStaticFileHandler("gcodes", a.Config.Files.GCodesDir, false); err != nil {
		return err
	}
	if err := a.registerStaticFileHandler("config", a.Config.Files.ConfigDir, false); err != nil {
		return err
	}
	if a.Config.Logging.Output == "file" || a.Config.Logging.Output == "both" {
		logName := filepath.Base(a.Config.Logging.FilePath)
		if err := a.registerStaticFileHandler(logName, a.Config.Logging.FilePath, true); err != nil {
			return err
		}
	}
	return nil
}

// registerStaticFileHandler binds one filesystem path to a route
// pattern. Patterns without a leading slash land under /server/files/.
// Directories get a capture for the relative path; plain files are
// registered with an empty capture. A missing path is skipped unless
// force is set, which registers the file route regardless (log files
// may not exist yet at startup).
func (a *Application) registerStaticFileHandler(pattern, fsPath string, force bool) error {
	if !strings.HasPrefix(pattern, "/") {
		pattern = "/server/files/" + pattern
	}
	info, err := os.Stat(fsPath)
	switch {
	case err == nil && info.IsDir():
		pattern += "/(.*)"
	case err == nil || force:
		pattern += "()"
	default:
		a.Logger.Info("static route skipped, path not found",
			slog.String("pattern", pattern),
			slog.String("path", fsPath))
		return nil
	}
	a.Logger.Info("registering static file route",
		slog.String("pattern", pattern),
		slog.String("path", fsPath))
	return a.Routes.AddHandler(pattern, a.fileServer.Handler(fsPath))
}

// setupRouter builds the fixed chi router. RequestID and RealIP do not
// wrap the ResponseWriter, so the websocket upgrade sits above the full
// middleware group. Every path the fixed router does not know falls
// through to the mutable route table with full middleware applied.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.HandleFunc("/websocket", a.WebSocket.HandleUpgrade)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AccessLog(a.Logger, a.Collector, a.Config.Debug))
		r.Use(middleware.Recoverer(a.Logger, a.Config.Debug))
		r.Use(middleware.SecurityHeaders)
		if a.Config.RateLimit.Enabled {
			r.Use(middleware.NewRateLimiter(
				a.Config.RateLimit.RPS,
				a.Config.RateLimit.Burst,
				a.Logger,
			).Handler)
		}

		r.Get("/api/health", a.handleHealth)
		r.Handle("/server/redirect", &handlers.RedirectHandler{
			Authz: a.Authz,
			Debug: a.Config.Debug,
		})

		r.NotFound(a.Routes.ServeHTTP)
		r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
			errors.WriteError(w, req, errors.NewWithStatus(http.StatusMethodNotAllowed, "Method Not Allowed"), a.Config.Debug)
		})
	})

	// Outside the group so scrapes stay out of the access log.
	r.Handle("/metrics", a.Collector.Handler())

	a.Router = r
}

// createServers builds the listeners. Read and write timeouts are
// deliberately absent: uploads and range downloads stream for as long
// as they need, bounded per-request by the header timeout and the
// upload size ceiling.
func (a *Application) createServers() {
	a.Server = &http.Server{
		Addr:              a.Config.ListenAddr(),
		Handler:           a.Router,
		ReadHeaderTimeout: a.Config.Server.ReadHeaderTimeout,
		IdleTimeout:       a.Config.Server.IdleTimeout,
		MaxHeaderBytes:    a.Config.Server.MaxHeaderBytes,
	}
	if a.Config.TLSEnabled() {
		a.TLSServer = &http.Server{
			Addr:              a.Config.TLSAddr(),
			Handler:           a.Router,
			ReadHeaderTimeout: a.Config.Server.ReadHeaderTimeout,
			IdleTimeout:       a.Config.Server.IdleTimeout,
			MaxHeaderBytes:    a.Config.Server.MaxHeaderBytes,
		}
	}
}

// Start launches the background services and the listeners. A listener
// failure cancels ctx so Run can unwind.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "starting server",
		slog.String("address", a.Config.ListenAddr()),
		slog.Bool("tls", a.TLSServer != nil),
		slog.Bool("mqtt", a.MQTT != nil))

	a.WebSocket.Start()
	if a.MQTT != nil {
		go a.connectMQTT(ctx)
	}

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "server error", slog.String("error", err.Error()))
			cancel()
		}
	}()
	if a.TLSServer != nil {
		go func() {
			err := a.TLSServer.ListenAndServeTLS(a.Config.Server.SSLCertPath, a.Config.Server.SSLKeyPath)
			if err != nil && err != http.ErrServerClosed {
				a.Logger.ErrorContext(ctx, "tls server error", slog.String("error", err.Error()))
				cancel()
			}
		}()
	}
	return nil
}

// connectMQTT dials the broker until it succeeds or ctx ends. Once the
// first session exists the client reconnects on its own.
func (a *Application) connectMQTT(ctx context.Context) {
	for {
		err := a.MQTT.Connect(ctx)
		if err == nil {
			return
		}
		a.Logger.Warn("MQTT connect failed, retrying",
			slog.String("broker", a.Config.MQTT.BrokerURL),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(mqttRetryInterval):
		}
	}
}

// Stop drains the listeners and tears down the background services.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down")

	// The shutdown window is independent of ctx so connections still
	// drain when a listener failure cancelled it.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("server shutdown: %w", err)
	}
	if a.TLSServer != nil {
		if err := a.TLSServer.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tls server shutdown: %w", err)
		}
	}

	a.WebSocket.Stop()
	if a.MQTT != nil {
		a.MQTT.Close()
	}

	a.Logger.InfoContext(ctx, "shutdown complete")
	if err := infrastructure.CloseLogFile(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Run starts the application and blocks until an interrupt arrives or a
// listener fails, then shuts down gracefully.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case sig := <-sigChan:
		a.Logger.InfoContext(ctx, "received signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	return a.Stop(ctx)
}

// handleHealth reports liveness. The payload is intentionally outside
// the result envelope so load balancer probes stay trivial to parse.
func (a *Application) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(a.startTime).Seconds(),
		"printer": a.Device.State(),
	})
}

func (a *Application) serverInfo(ctx context.Context, req *api.Request) (any, error) {
	defs := a.Registry.Definitions()
	endpoints := make([]string, 0, len(defs))
	for _, def := range defs {
		endpoints = append(endpoints, def.URI)
	}
	sort.Strings(endpoints)
	return map[string]any{
		"app_name":              AppName,
		"version":               Version,
		"printer_state":         a.Device.State(),
		"printer_connected":     a.Device.Connected(),
		"websocket_connections": a.WebSocket.ConnectionCount(),
		"registered_endpoints":  endpoints,
	}, nil
}

// serverConfig reports the non-secret runtime configuration.
func (a *Application) serverConfig(ctx context.Context, req *api.Request) (any, error) {
	cfg := a.Config
	return map[string]any{
		"config": map[string]any{
			"server": map[string]any{
				"host":               cfg.Server.Host,
				"port":               cfg.Server.Port,
				"ssl_port":           cfg.Server.SSLPort,
				"max_upload_size_mb": cfg.Server.MaxUploadSizeMB,
			},
			"websocket": map[string]any{
				"ping_period":      cfg.WebSocket.PingPeriod.String(),
				"max_message_size": cfg.WebSocket.MaxMessageSize,
			},
			"mqtt": map[string]any{
				"enabled":      cfg.MQTT.Enabled,
				"topic_prefix": cfg.MQTT.TopicPrefix,
			},
			"debug": cfg.Debug,
		},
	}, nil
}

func (a *Application) fileRoots(ctx context.Context, req *api.Request) (any, error) {
	return a.Files.Roots(), nil
}

func (a *Application) fileList(ctx context.Context, req *api.Request) (any, error) {
	root, err := req.GetString("root", "gcodes")
	if err != nil {
		return nil, err
	}
	return a.Files.ListFiles(root)
}

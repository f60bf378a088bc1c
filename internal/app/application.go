package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"classsync/internal/api"
	"classsync/internal/config"
	"classsync/internal/database"
	"classsync/internal/hub"
	"classsync/internal/lesson"
	"classsync/internal/presence"
	"classsync/internal/router"
	"classsync/internal/rowstore"
	"classsync/internal/sheets"
	"classsync/internal/websocket"
	"classsync/pkg/chunk"
	pkgdatabase "classsync/pkg/database"
	"classsync/pkg/interfaces"
)

const rateLimitCleanupInterval = 5 * time.Minute

// Application coordinates all system components
type Application struct {
	config     *config.Config
	store      interfaces.RowStore
	directory  *lesson.Directory
	registry   *websocket.Registry
	router     *router.Router
	hub        *hub.Hub
	apiServer  *api.Server
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// OpenStore builds the row store selected by the configuration.
func OpenStore(ctx context.Context, cfg *config.StoreConfig) (interfaces.RowStore, error) {
	switch cfg.Backend {
	case config.BackendSheets:
		return sheets.New(ctx, sheets.Config{
			SpreadsheetID:   cfg.Sheets.SpreadsheetID,
			CredentialsFile: cfg.Sheets.CredentialsFile,
		})
	case config.BackendSQLite:
		return database.NewManager(&pkgdatabase.Config{
			DatabasePath:    cfg.SQLite.Path,
			MaxConnections:  10,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 30 * time.Minute,
		})
	case config.BackendMemory:
		return rowstore.NewMemory(cfg.Memory.CellLimit), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// NewApplication wires every component in dependency order:
// Store → Directory → Registry → Hub → Router → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// STEP 1: Open the row store and check the chunk width fits its cells
	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	if err := chunk.Validate(cfg.Store.MaxCellWidth, store.CellLimit()); err != nil {
		cancel()
		store.Close()
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}

	// STEP 2: Load the lesson directory
	directory := lesson.NewDirectory(store)
	loadCtx, loadCancel := context.WithTimeout(ctx, cfg.Store.Timeout)
	lessons, err := directory.Refresh(loadCtx)
	loadCancel()
	if err != nil {
		cancel()
		store.Close()
		return nil, fmt.Errorf("failed to load lessons: %w", err)
	}
	log.Printf("Loaded %d lessons from %s store", len(lessons), cfg.Store.Backend)

	// STEP 3: Connection registry and outbound hub
	registry := websocket.NewRegistry()
	messageHub := hub.NewHub(registry, cfg.WebSocket.QueueSize)

	// STEP 4: Action router over presence, directory and scratch state
	presenceRegistry := presence.NewRegistry()
	messageRouter := router.NewRouter(store, directory, lesson.NewScratch(), presenceRegistry, messageHub, router.Config{
		MaxCellWidth:       cfg.Store.MaxCellWidth,
		ActionTimeout:      cfg.Store.Timeout,
		RateLimitPerMinute: cfg.Router.RateLimitPerMinute,
	})

	// STEP 5: HTTP API with the WebSocket endpoint mounted beside it
	wsHandler := websocket.NewHandler(ctx, registry, messageRouter, websocket.HandlerConfig{
		ReadLimit:    cfg.WebSocket.ReadLimit,
		PongWait:     cfg.WebSocket.PongWait,
		PingInterval: cfg.WebSocket.PingInterval,
		SendBuffer:   cfg.WebSocket.SendBuffer,
	})
	apiServer := api.NewServer(store, directory, presenceRegistry, registry)
	apiServer.Handle("/ws", http.HandlerFunc(wsHandler.HandleWebSocket))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		store:      store,
		directory:  directory,
		registry:   registry,
		router:     messageRouter,
		hub:        messageHub,
		apiServer:  apiServer,
		httpServer: httpServer,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start runs the hub, then begins accepting connections.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting classsync on %s", app.httpServer.Addr)

	// STEP 1: Start outbound delivery
	if err := app.hub.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	// STEP 2: Periodically drop idle rate limiter state
	go app.cleanupLoop()

	// STEP 3: Start HTTP server
	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		app.hub.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("classsync started successfully")
		return nil
	case <-ctx.Done():
		app.hub.Stop()
		return ctx.Err()
	}
}

func (app *Application) cleanupLoop() {
	ticker := time.NewTicker(rateLimitCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			app.router.CleanupRateLimits()
		}
	}
}

// Stop shuts down in reverse dependency order: HTTP → sockets → Hub → Store
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down classsync")

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// STEP 2: Close open sockets
	app.registry.CloseAll()

	// STEP 3: Stop outbound delivery and cancel in-flight actions
	if err := app.hub.Stop(); err != nil {
		log.Printf("Message hub shutdown error: %v", err)
	}
	app.cancel()

	// STEP 4: Release the store
	if err := app.store.Close(); err != nil {
		log.Printf("Store shutdown error: %v", err)
	}

	log.Printf("classsync shutdown complete")
	return nil
}

// Handler exposes the HTTP surface without a listener.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// GetAddr returns the server address for external connections
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}

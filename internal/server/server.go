package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nirmalarya/autograph/internal/activity"
	"github.com/nirmalarya/autograph/internal/annotation"
	"github.com/nirmalarya/autograph/internal/auth"
	"github.com/nirmalarya/autograph/internal/broker"
	"github.com/nirmalarya/autograph/internal/conflict"
	"github.com/nirmalarya/autograph/internal/follow"
	"github.com/nirmalarya/autograph/internal/gateway"
	"github.com/nirmalarya/autograph/internal/httpapi"
	"github.com/nirmalarya/autograph/internal/presence"
	"github.com/nirmalarya/autograph/internal/server/middleware"
	"github.com/nirmalarya/autograph/internal/undo"
	"github.com/nirmalarya/autograph/pkg/config"
	"github.com/nirmalarya/autograph/pkg/transport"
)

// App assembles the collaboration engine: one WebSocket endpoint, the
// read-only HTTP projections, the background sweepers, and the broker link to
// peer instances.
type App struct {
	logger *slog.Logger
	config *config.Config

	gateway     *gateway.Gateway
	presence    *presence.Registry
	annotations *annotation.Service
	broker      broker.Broker

	wg   sync.WaitGroup
	http *http.Server

	ctx context.Context
}

func NewApp(rootCtx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	verifier, err := auth.New(rootCtx, cfg.Auth, logger)
	if err != nil {
		return nil, err
	}

	// Each process gets a fresh instance id; the broker uses it to skip
	// frames this process published itself.
	instanceID := uuid.NewString()

	registry := presence.NewRegistry(presence.Config{
		GracePeriod:   cfg.Presence.GracePeriod,
		AwayAfter:     cfg.Presence.AwayAfter,
		SweepInterval: cfg.Presence.SweepInterval,
	}, logger)
	feed := activity.NewFeed(cfg.Activity.FeedSize, logger)
	conflicts := conflict.NewEngine(conflict.Config{
		Window:      cfg.Conflict.Window,
		HistorySize: cfg.Conflict.HistorySize,
		LogSize:     cfg.Conflict.LogSize,
	}, logger)
	undoManager := undo.NewManager(cfg.Undo.Depth, logger)
	annotations := annotation.NewService(annotation.Config{
		TTL:          cfg.Annotation.TTL,
		ReapInterval: cfg.Annotation.ReapInterval,
	}, logger)
	follows := follow.NewTracker(logger)

	brk, err := broker.New(rootCtx, cfg.Broker, instanceID, logger)
	if err != nil {
		return nil, err
	}

	gw := gateway.New(instanceID, gateway.Deps{
		Presence:    registry,
		Feed:        feed,
		Conflicts:   conflicts,
		Undo:        undoManager,
		Annotations: annotations,
		Follows:     follows,
		Broker:      brk,
	}, logger)

	app := &App{
		logger:      logger,
		config:      cfg,
		gateway:     gw,
		presence:    registry,
		annotations: annotations,
		broker:      brk,
		ctx:         rootCtx,
	}

	router := mux.NewRouter()
	httpapi.New(registry, feed, conflicts, follows, gw.RoomConnectionCount, logger).Register(router)
	router.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, verifier, cfg.Auth.AllowAnonymous),
			middleware.NewConnectionLimiter(
				logger,
				gw.UserConnectionCount,
				gw.CloseOldestUserConnection,
				cfg.Server.ConnectionLimit,
			),
		),
	)

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: router,
		BaseContext: func(net.Listener) context.Context {
			return rootCtx
		},
	}
	return app, nil
}

// Run serves until the root context is canceled, then shuts down gracefully.
func (a *App) Run() error {
	go a.presence.Run(a.ctx)
	go a.annotations.Run(a.ctx)

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.Identity == nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.Identity.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		a.ctx,
		&a.wg,
		wsConn,
		transport.Config(a.config.Transport),
		a.logger,
	)
	a.gateway.Register(conn, reqMeta.Identity)
	conn.SetOnMessageHandler(a.gateway.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		a.gateway.Deregister(id, err)
	})

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("Closing all active connections...")
	a.gateway.CloseAll(errors.New("graceful shutdown"))

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	if err := a.broker.Close(); err != nil {
		a.logger.Warn("Broker close failed", slog.Any("error", err))
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}

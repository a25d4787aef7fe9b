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

	"parley/internal/dispatch"
	"parley/internal/router"
	"parley/internal/server/middleware"
	"parley/internal/store"
	"parley/pkg/config"
	"parley/pkg/state"
	"parley/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	registry    *state.Registry
	dispatcher  *dispatch.Dispatcher
	eventRouter *router.EventRouter
	store       store.Store
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootContx context.Context, cfg *config.Config, st store.Store) *App {
	registry := state.NewRegistry(logger)
	rooms := state.NewIndex(logger)
	dispatcher := dispatch.New(logger, registry, rooms, st, cfg.Typing.TTL)
	eventRouter := router.NewEventRouter(logger, dispatcher, registry)

	app := &App{
		logger:      logger,
		registry:    registry,
		dispatcher:  dispatcher,
		eventRouter: eventRouter,
		store:       st,
		config:      cfg,
		ctx:         rootContx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCounter := middleware.UserConnectionCounter(registry.ConnectionCount)
	// Create a cycler function that closes over the registry and logger.
	connCycler := func(userID string) {
		oldest, found := registry.OldestConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", "userID", userID, "connID", oldest.ID)
			closeTransport(oldest.Transport, errors.New("connection cycled by new connection"))
		}
	}

	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, app.config.Server.Auth.JWTSecret),
			middleware.NewConnectionLimiter(
				logger,
				connCounter,
				connCycler,
				app.config.Server.ConnectionLimit,
			),
		),
	)

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
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
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	opts := &websocket.AcceptOptions{InsecureSkipVerify: true}
	if a.config.Server.Origin != "" {
		opts = &websocket.AcceptOptions{OriginPatterns: []string{a.config.Server.Origin}}
	}
	// Warm the membership index before the connection goes live so the first
	// inbound event already sees the user's rooms.
	rooms, err := a.dispatcher.SeedUser(r.Context(), reqMeta.UserID)
	if err != nil {
		connLogger.Error("Failed to seed user rooms", slog.Any("error", err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	wsConn, err := websocket.Accept(w, r, opts)
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)

	stateConn := a.registry.Register(reqMeta.UserID, reqMeta.Username, conn)
	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		a.registry.Unregister(id)
	})

	conn.Send(dispatch.NewEnvelope(dispatch.EvtConnectionSuccess, dispatch.ConnectionSuccessPayload{
		UserID:   reqMeta.UserID,
		Username: reqMeta.Username,
		ConnID:   stateConn.ID.String(),
		Rooms:    rooms,
	}))

	connLogger.Info("User connection fully established", slog.Any("userID", reqMeta.UserID))
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

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.registry.AllConnections() {
		closeTransport(conn, errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}

// closeTransport closes a registered sender when its concrete transport
// supports it. Test doubles that only implement Send are left alone.
func closeTransport(s state.Sender, err error) {
	if closer, ok := s.(interface{ Close(error) }); ok {
		closer.Close(err)
	}
}

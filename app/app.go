package huddle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-chi/cors"
	"github.com/putto11262002/huddle/core"
	"github.com/putto11262002/huddle/pkg/router"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config      *Config
	db          *core.SQLiteDB
	context     context.Context
	server      *http.Server
	logger      *slog.Logger
	router      *router.Router
	eventRouter *core.EventRouter
	wsManager   *core.ConnManager

	userStore *core.SQLiteUserStore
	chatStore *core.SQLiteChatStore
	authStore *core.SQLiteAuthStore
	callStore *core.SQLiteCallStore

	identities *core.IdentityCache
	rooms      *core.RoomRouter
	presence   *core.PresenceRegistry
	dispatcher *core.Dispatcher
	status     *core.StatusTracker
	calls      *core.CallCoordinator

	userHandler *UserHandler
	chatHandler *ChatHandler
	authHandler *AuthHandler

	// cleanupFuncs run in reverse registration order on shutdown.
	cleanupFuncs []func(context.Context)
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))
}

// New wires the application. The app runs until ctx is done.
func New(ctx context.Context, config *Config) (*App, error) {
	if err := config.Validate(); err != nil {
		if msg := FormatValidationErrors(err); msg != "" {
			return nil, fmt.Errorf("invalid config:\n%s", msg)
		}
		return nil, err
	}

	var err error
	app := &App{
		config:  config,
		context: ctx,
		logger:  newLogger(config.Log.Level),
	}

	sqliteOptions := &core.SQLiteDBOption{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
	app.db, err = core.NewSQLiteDB(config.SQLite.File, config.SQLite.Migrations, sqliteOptions)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// writes are serialized by SQLite anyway, one connection avoids
	// SQLITE_LOCKED errors of the shared cache
	app.db.SetMaxOpenConns(1)
	app.AddCleanupFunc(func(ctx context.Context) {
		app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		app.db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	app.userStore = core.NewSQLiteUserStore(app.db.DB)
	app.authStore = core.NewSQLiteAuthStore(app.db.DB, app.userStore, []byte(config.Auth.Secret),
		core.WithTokenExp(config.Auth.TokenExp))
	app.chatStore = core.NewSQLiteChatStore(app.db.DB)
	app.callStore = core.NewSQLiteCallStore(app.db.DB)

	app.identities, err = core.NewIdentityCache(app.userStore, config.IdentityCache.Size)
	if err != nil {
		app.db.Close()
		return nil, fmt.Errorf("identity cache: %w", err)
	}
	app.rooms = core.NewRoomRouter(app.chatStore, app.logger)
	app.presence = core.NewPresenceRegistry(app.userStore, app.chatStore, app.rooms, app.logger)
	app.dispatcher = core.NewDispatcher(app.chatStore, app.chatStore, app.userStore, app.identities, app.rooms, app.logger)
	app.status = core.NewStatusTracker(app.chatStore, app.chatStore, app.chatStore, app.rooms, app.logger)
	app.calls = core.NewCallCoordinator(app.callStore, app.chatStore, app.userStore, app.identities, app.rooms, app.logger,
		core.WithRingTimeout(config.Call.RingTimeout))

	app.eventRouter = core.NewEventRouter(app.logger)
	app.registerEventHandlers()

	app.wsManager = core.NewConnManager(ctx, app.logger,
		core.WithCheckOrigin(app.checkOrigin),
		core.WithWriteStreamSize(config.WS.WriteBufferSize),
		core.WithMaxMessageSize(config.WS.MaxMessageSize))
	app.wsManager.OnConnectionOpened(app.onConnectionOpened)
	app.wsManager.OnConnectionClosed(app.onConnectionClosed)
	app.wsManager.OnEvent(app.onEvent)
	app.AddCleanupFunc(func(ctx context.Context) {
		app.wsManager.Close()
	})

	app.userHandler = NewUserHandler(app.userStore, app.identities, app.presence)
	app.chatHandler = NewChatHandler(app.chatStore, app.chatStore, app.presence)
	app.authHandler = NewAuthHandler(app.authStore)

	app.routes()

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Hostname, config.Port),
		Handler: app.router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}
	if config.Mode == ProdMode {
		app.server.TLSConfig = tlsConfig()
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("server shutdown: " + err.Error())
		}
	})

	return app, nil
}

func (app *App) routes() {
	authMiddleware := core.JWTMiddleware(app.authStore)

	app.router = router.New(router.WithLogger(app.logger),
		router.WithDefaultError(router.StatusError(http.StatusInternalServerError)))
	registerErrorMappers(app.router)

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	app.router.With(authMiddleware).Get("/ws", func(w http.ResponseWriter, r *http.Request) error {
		session := core.SessionFromRequest(r)
		// the upgrader has already replied when connecting fails
		if _, err := app.wsManager.Connect(session.UserID, w, r); err != nil {
			app.logger.Debug("websocket connect: " + err.Error())
		}
		return nil
	})

	app.router.Route("/api", func(api *router.Router) {
		api.Route("/users", func(r *router.Router) {
			r.Post("/", app.userHandler.RegisterUserHandler)
			r.With(authMiddleware).Get("/me", app.userHandler.MeHandler)
			r.With(authMiddleware).Put("/me", app.userHandler.UpdateMeHandler)
			r.With(authMiddleware).Get("/{username}", app.userHandler.GetUserByUsernameHandler)
		})

		api.Group(func(r *router.Router) {
			r.Use(authMiddleware)
			r.Get("/presence/{userID}", app.userHandler.GetUserStatusHandler)
			r.Get("/messages", app.chatHandler.GetMessagesHandler)
			r.Get("/chats", app.chatHandler.GetChatsHandler)
			r.Post("/communities", app.chatHandler.CreateCommunityHandler)
			r.Post("/communities/{communityID}/join", app.chatHandler.JoinCommunityHandler)
			r.Post("/groups", app.chatHandler.CreateGroupHandler)
			r.Post("/groups/{groupID}/join", app.chatHandler.JoinGroupHandler)
			r.Post("/groups/{groupID}/leave", app.chatHandler.LeaveGroupHandler)
			r.Post("/groups/{groupID}/members", app.chatHandler.AddGroupMemberHandler)
			r.Delete("/groups/{groupID}/members/{userID}", app.chatHandler.RemoveGroupMemberHandler)
			r.Post("/auth/signout", app.authHandler.SignoutHandler)
		})

		api.Post("/auth/signin", app.authHandler.SigninHandler)
	})
}

func (app *App) checkOrigin(r *http.Request) bool {
	if slices.Contains(app.config.AllowedOrigins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(app.config.AllowedOrigins, origin)
}

// Handler returns the root HTTP handler of the app.
func (app *App) Handler() http.Handler {
	return app.router
}

// Start serves requests and sweeps unanswered calls until the context of
// the app is done, then shuts down gracefully.
func (app *App) Start() error {
	g, ctx := errgroup.WithContext(app.context)

	g.Go(func() error {
		app.logger.Info(fmt.Sprintf("app running in %s mode on: %s", app.config.Mode, app.server.Addr))
		var err error
		if app.config.TLS.Crt != "" {
			err = app.server.ListenAndServeTLS(app.config.TLS.Crt, app.config.TLS.Key)
		} else {
			err = app.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return app.calls.Run(ctx, app.config.Call.SweepInterval)
	})

	g.Go(func() error {
		<-ctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.Close(closeCtx)
	})

	return g.Wait()
}

// Close stops accepting requests, closes every connection and releases the
// database. It returns an error if ctx is done before everything is closed.
func (app *App) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, f := range slices.Backward(app.cleanupFuncs) {
			f(ctx)
		}
	}()

	select {
	case <-done:
		app.logger.Info("app shutdown gracefully")
		return nil
	case <-ctx.Done():
		app.logger.Info("app shutdown timed out")
		return ctx.Err()
	}
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

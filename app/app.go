package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/putto11262002/pulse/core"
	"github.com/putto11262002/pulse/pkg/router"
)

type App struct {
	config      *Config
	db          *core.SQLiteDB
	context     context.Context
	server      *http.Server
	logger      *slog.Logger
	router      *router.Router
	eventRouter *core.EventRouter
	hub         *core.ConnManager

	registry *core.Registry
	presence *core.PresenceCoordinator
	typing   *core.TypingCoordinator
	receipts *core.ReadReceiptCoordinator
	notifier *core.NotificationDispatcher
	gateway  core.Broadcaster

	typingDebounce *typingDebouncer

	exit chan int

	userStore    core.UserStore
	authStore    core.AuthStore
	rosterStore  core.RosterStore
	messageStore core.MessageStore

	userHandler     *UserHandler
	authHandler     *AuthHandler
	roomHandler     *RoomHandler
	realtimeHandler *RealtimeHandler

	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

func New(ctx context.Context, config *Config) *App {
	var err error
	app := &App{
		exit: make(chan int),
	}
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context = ctx

	if config == nil {
		config, err = LoadConfig()
		if err != nil {
			failed(1, "failed to load config: %v\n", err)
		}
	}
	if err := config.Validate(); err != nil {
		failed(1, FormatValidationErrors(err))
	}
	app.config = config

	app.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug,
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

	sqliteOptions := &core.SQLiteDBOption{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
	}
	app.db, err = core.NewSQLiteDB(app.config.SQLite.File, app.config.SQLite.Migrations, sqliteOptions)
	if err != nil {
		failed(1, "failed to open database: %v\n", err)
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		failed(1, "failed to migrate database: %v\n", err)
	}

	app.userStore = core.NewSQLiteUserStore(app.db.DB)
	app.authStore = core.NewJWTAuthStore(app.userStore, []byte(app.config.Auth.Secret), app.config.Auth.TokenExpiration)
	app.rosterStore = core.NewSQLiteRosterStore(app.db.DB, app.userStore)
	app.messageStore = core.NewSQLiteMessageStore(app.db.DB, app.rosterStore)

	app.hub = core.NewConnManager(app.context, &app.wg, app.logger)
	app.registry = core.NewRegistry(app.logger)
	app.gateway = core.NewHubGateway(app.hub, app.registry, app.logger)

	app.presence = core.NewPresenceCoordinator(app.registry, app.gateway, app.config.Presence.AwayAfter, app.logger)
	app.typing = core.NewTypingCoordinator(app.gateway, app.config.Typing.TTL, app.logger)
	app.receipts = core.NewReadReceiptCoordinator(app.messageStore, app.gateway,
		app.config.Receipts.SummaryTTL, app.config.Receipts.MaxReaders, app.logger)
	app.notifier = core.NewNotificationDispatcher(app.gateway, nil,
		app.config.Notifications.RateLimit, app.config.Notifications.RateWindow, app.logger)
	app.notifier.SetEnabled(app.config.Notifications.Enabled)
	app.typingDebounce = newTypingDebouncer(app.config.Typing.Debounce)

	app.registry.OnUserFullyDisconnected(app.presence.OnUserFullyDisconnected)
	app.hub.OnConnectionOpened(app.onConnectionOpened)
	app.hub.OnConnectionClosed(app.onConnectionClosed)
	app.AddCleanupFunc(func(ctx context.Context) {
		app.presence.Close()
		app.typing.Close()
	})

	app.eventRouter = core.NewEventRouter(app.context, app.logger, app.hub)
	app.eventRouter.On(MessageEvent, app.MessageEventHandler)
	app.eventRouter.On(TypingStartEvent, app.TypingStartHandler)
	app.eventRouter.On(TypingStopEvent, app.TypingStopHandler)
	app.eventRouter.On(PresenceSetEvent, app.PresenceSetHandler)
	app.eventRouter.On(ReceiptReadEvent, app.ReceiptReadHandler)
	app.eventRouter.On(ReceiptDeliveredEvent, app.ReceiptDeliveredHandler)
	app.eventRouter.On(SubscribeEvent, app.SubscribeHandler)
	app.eventRouter.On(UnsubscribeEvent, app.UnsubscribeHandler)

	app.userHandler = NewUserHandler(app.userStore)
	app.authHandler = NewAuthHandler(app.authStore)
	app.roomHandler = NewRoomHandler(app.rosterStore)
	app.realtimeHandler = NewRealtimeHandler(app.presence, app.typing, app.receipts, app.notifier, app.rosterStore)
	authMiddleware := core.JWTMiddleware(app.authStore)

	app.router = router.New(router.WithLogger(app.logger))

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	app.router.With(authMiddleware).Get("/ws", func(w http.ResponseWriter, r *http.Request) error {
		session := core.SessionFromRequest(r)
		if _, err := app.hub.Connect(session.Username, w, r); err != nil {
			app.logger.Error(fmt.Sprintf("ws connect: %v", err))
		}
		return nil
	})

	api := router.New(router.WithLogger(app.logger))

	api.Route("/users", func(r *router.Router) {
		r.With(authMiddleware).Get("/me", app.userHandler.MeHandler)
		r.Post("/", app.userHandler.RegisterUserHandler)
	})

	api.Route("/auth", func(r *router.Router) {
		r.Post("/signin", app.authHandler.SigninHandler)
		r.Post("/signout", app.authHandler.SignoutHandler)
	})

	api.Group(func(r *router.Router) {
		r.Use(authMiddleware)
		r.Get("/users/me/rooms", app.roomHandler.GetMyRoomsHandler)
		r.Post("/rooms", app.roomHandler.CreateRoomHandler)
		r.Post("/rooms/{roomID}/members", app.roomHandler.AddMemberHandler)
		r.Delete("/rooms/{roomID}/members/{username}", app.roomHandler.RemoveMemberHandler)

		r.Get("/presence/{userID}", app.realtimeHandler.GetPresenceHandler)
		r.Get("/rooms/{roomID}/typing", app.realtimeHandler.GetTypingHandler)
		r.Get("/messages/{messageID}/receipts", app.realtimeHandler.GetReadSummaryHandler)
		r.Get("/users/me/unread", app.realtimeHandler.GetUnreadCountHandler)
		r.Get("/users/me/notification-preferences", app.realtimeHandler.GetNotificationPrefsHandler)
		r.Put("/users/me/notification-preferences", app.realtimeHandler.PutNotificationPrefsHandler)
	})

	app.router.Mount("/api", api)

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", app.config.Hostname, app.config.Port),
		Handler: app.router.Router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}

	return app
}

func (app *App) Start() {
	app.eventRouter.Listen()
	app.AddCleanupFunc(func(ctx context.Context) {
		app.hub.DisconnectAll()
		app.eventRouter.Close(ctx)
	})

	// listen for shutdown signal
	go func() {
		<-app.context.Done()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		var wg sync.WaitGroup

		for _, f := range app.cleanupFuncs {
			wg.Add(1)
			go func(f func(context.Context)) {
				defer wg.Done()
				f(closeCtx)
			}(f)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			app.logger.Info("app shutdown gracefully")
			app.exit <- 0
		case <-closeCtx.Done():
			app.logger.Info("app shutdown timed out")
			app.exit <- 1
		}
	}()

	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})
	app.logger.Info(fmt.Sprintf("app running on: %s:%d", app.config.Hostname, app.config.Port))

	err := app.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		failed(1, "server error: %v\n", err)
	}

	code := <-app.exit
	os.Exit(code)
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}

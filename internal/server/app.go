package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Tyrowin/presence-chat/internal/config"
	"github.com/Tyrowin/presence-chat/internal/credential"
	"github.com/Tyrowin/presence-chat/internal/model"
	"github.com/Tyrowin/presence-chat/internal/presence"
	"github.com/Tyrowin/presence-chat/internal/session"
	"github.com/Tyrowin/presence-chat/internal/store"
	"github.com/Tyrowin/presence-chat/internal/store/sqlite"
)

// Record kinds under which each collection is persisted.
const (
	KindUser    = "user"
	KindUserID  = "user_id"
	KindSession = "session"
	KindFood    = "food"
	KindOrder   = "order"
)

// App is a fully wired chat backend: stores, session gate, presence
// broadcaster and HTTP server.
type App struct {
	cfg        config.Config
	logger     *slog.Logger
	db         *sqlite.DB
	gate       *session.Gate
	presence   *presence.Broadcaster
	server     *Server
	httpServer *http.Server
}

// NewApp builds an App from cfg. Records are kept in memory unless
// cfg.DBPath names a SQLite database.
func NewApp(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = config.Sanitize(cfg)

	var (
		db       *sqlite.DB
		users    store.Repository[model.User]
		userIDs  store.Repository[string]
		sessions store.Repository[session.Session]
		foods    store.Repository[model.FoodItem]
		orders   store.Repository[model.Order]
	)
	if cfg.DBPath != "" {
		var err error
		db, err = sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		users = sqlite.NewTable[model.User](db, KindUser)
		userIDs = sqlite.NewTable[string](db, KindUserID)
		sessions = sqlite.NewTable[session.Session](db, KindSession)
		foods = sqlite.NewTable[model.FoodItem](db, KindFood)
		orders = sqlite.NewTable[model.Order](db, KindOrder)
		logger.Info("using sqlite record store", "path", cfg.DBPath)
	} else {
		users = store.New[model.User]()
		userIDs = store.New[string]()
		sessions = store.New[session.Session]()
		foods = store.New[model.FoodItem]()
		orders = store.New[model.Order]()
		logger.Info("using in-memory record store")
	}

	fail := func(err error) (*App, error) {
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}

	verifier, err := credential.NewVerifier(cfg.BcryptCost)
	if err != nil {
		return fail(err)
	}

	key := []byte(cfg.JWTSecret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fail(fmt.Errorf("generate session key: %w", err))
		}
		logger.Warn("CHAT_JWT_SECRET is not set; sessions will not survive a restart")
	}

	gate, err := session.NewGate(users, userIDs, sessions, verifier, session.Config{
		SigningKey: key,
		TTL:        cfg.SessionTTL,
		Logger:     logger,
	})
	if err != nil {
		return fail(err)
	}

	broadcaster := presence.NewBroadcaster(presence.Options{
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit: presence.RateLimit{
			Burst:          cfg.RateLimit.Burst,
			RefillInterval: cfg.RateLimit.RefillInterval,
		},
		SendBuffer: cfg.SendBuffer,
		Logger:     logger,
	})

	srv := New(Deps{
		Gate:           gate,
		Presence:       broadcaster,
		Foods:          foods,
		Orders:         orders,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		SecureCookies:  cfg.SecureCookies,
		SessionTTL:     cfg.SessionTTL,
	})

	return &App{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		gate:       gate,
		presence:   broadcaster,
		server:     srv,
		httpServer: CreateServer(cfg.Port, srv.Routes()),
	}, nil
}

// Handler returns the App's HTTP handler.
func (a *App) Handler() http.Handler {
	return a.httpServer.Handler
}

// Presence returns the App's broadcaster.
func (a *App) Presence() *presence.Broadcaster {
	return a.presence
}

// Run starts the broadcaster, the session purger and the HTTP listener, and
// blocks until ctx is cancelled or the listener fails. Everything is shut
// down before Run returns.
func (a *App) Run(ctx context.Context) error {
	go a.presence.Run()

	purgeCtx, stopPurge := context.WithCancel(ctx)
	defer stopPurge()
	go a.purgeSessions(purgeCtx)

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", a.httpServer.Addr)
		serveErr <- a.httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("listen: %w", err)
		}
	}

	return errors.Join(runErr, a.shutdown())
}

// Close shuts down the broadcaster and closes storage without having run
// the HTTP listener.
func (a *App) Close() error {
	var errs []error
	if err := a.presence.Shutdown(a.cfg.ShutdownPeriod); err != nil {
		errs = append(errs, fmt.Errorf("presence shutdown: %w", err))
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close db: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) shutdown() error {
	var errs []error
	if err := ShutdownServer(a.httpServer, a.cfg.ShutdownPeriod, a.logger); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) purgeSessions(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SessionPurge)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := a.gate.PurgeExpired(ctx)
			if err != nil {
				a.logger.Warn("session purge failed", "error", err)
				continue
			}
			if purged > 0 {
				a.logger.Info("purged expired sessions", "count", purged)
			}
		}
	}
}

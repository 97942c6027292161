package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foodbridge/internal/broker"
	"github.com/foodbridge/internal/chat"
	"github.com/foodbridge/internal/config"
	"github.com/foodbridge/internal/events"
	"github.com/foodbridge/internal/handler"
	"github.com/foodbridge/internal/logger"
	"github.com/foodbridge/internal/metrics"
	"github.com/foodbridge/internal/middleware"
	"github.com/foodbridge/internal/model"
	"github.com/foodbridge/internal/push"
	"github.com/foodbridge/internal/repository"
	"github.com/foodbridge/internal/startup"
	"github.com/foodbridge/internal/storage"
	"github.com/foodbridge/internal/storage/memory"
	"github.com/foodbridge/internal/ws"
	"github.com/foodbridge/migrations"
)

// devUsers заводятся в -dev и -memory, если справочник пуст.
var devUsers = []model.User{
	{Role: model.RoleSupplier, DisplayName: "Green Valley Farm"},
	{Role: model.RoleSupplier, DisplayName: "Corner Bakery"},
	{Role: model.RoleRequester, DisplayName: "Food Bank North"},
	{Role: model.RoleRequester, DisplayName: "Riverside Shelter"},
}

func main() {
	logger.SetPrefix("chat")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	inMemory := flag.Bool("memory", false, "keep messages in process memory, no PostgreSQL (data is lost on exit)")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	logger.Info("starting chat service")

	var (
		store storage.MessageStore
		users storage.UserDirectory
		pool  *pgxpool.Pool
	)
	if *inMemory {
		mem := memory.New()
		for i, u := range devUsers {
			u.ID = int64(i + 1)
			mem.PutUser(u)
		}
		store, users = mem, mem
		logger.Info("in-memory store, dev users seeded")
	} else {
		if *dev {
			embeddedDB, err := startEmbeddedPostgres(cfg)
			if err != nil {
				logger.Errorf("embedded postgres: %v", err)
				os.Exit(1)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := embeddedDB.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}

		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
		poolCfg.MinConns = 2

		pool = startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
		defer pool.Close()

		migCtx, migCancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = startup.RunMigrations(migCtx, pool, migrations.Files)
		migCancel()
		if err != nil {
			logger.Errorf("migrations: %v", err)
			os.Exit(1)
		}
		if *migrate && !*dev {
			return
		}
		logger.Info("database connected, migrations applied")

		userRepo := repository.NewUserRepository(pool)
		if *dev {
			seedDevUsers(userRepo)
		}
		store, users = repository.NewMessageRepository(pool), userRepo
	}

	var relay broker.Relay
	if cfg.RedisURL != "" {
		rc := startup.ConnectRedisWithRetry(cfg.RedisURL, 30*time.Second, "")
		defer rc.Close()
		relay = rc
		logger.Info("cross-instance fan-out over redis enabled")
	}

	bus := events.NewBus(10 * time.Second)
	pushClient := push.NewClient(cfg.PushServiceURL)
	if pushClient.Enabled() {
		bus.Subscribe("push", pushClient.OnMessageCreated)
	}

	svc := chat.NewService(store, users, bus, cfg.Chat)
	hub := ws.NewHub(svc, cfg.WS, relay)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(2)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()
	go func() {
		defer hubWg.Done()
		svc.RunReconciler(hubCtx, cfg.Chat.ReconcileInterval, hub.Online)
	}()

	chatH := handler.NewChatHandler(svc, hub)
	wsH := handler.NewWSHandler(hub, users, cfg.CORSAllowedOrigins)

	identity := middleware.DevIdentity
	if cfg.AuthServiceURL != "" {
		identity = middleware.AuthServiceValidate(cfg.AuthServiceURL, nil)
	} else {
		logger.Warnf("AUTH_SERVICE_URL not set: user id is taken from X-User-Id / ?user_id= (development only)")
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature", "X-User-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler(pool, hub))
	if cfg.MetricsEnabled {
		r.With(middleware.InternalOnly(cfg.InternalSecret)).Handle("/metrics", metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(identity)
		r.Get("/ws", wsH.ServeWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimitAPI(cfg.RateLimitRPS, cfg.RateLimitBurst))
			r.Get("/api/chats", chatH.ListChats)
			r.Get("/api/chats/{peerId}/messages", chatH.GetMessages)
			r.Post("/api/chats/{peerId}/read", chatH.MarkRead)
			r.Get("/api/users/search", chatH.SearchUsers)
		})
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	bus.Wait()
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// healthHandler: 200, пока хранилище отвечает. pool == nil — in-memory режим.
func healthHandler(pool *pgxpool.Pool, hub *ws.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				logger.Errorf("health: db ping: %v", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, `{"status":"db unavailable"}`)
				return
			}
		}
		fmt.Fprintf(w, `{"status":"ok","connections":%d}`, hub.Total())
	}
}

func seedDevUsers(repo *repository.UserRepository) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, role := range []model.Role{model.RoleSupplier, model.RoleRequester} {
		existing, err := repo.SearchUsers(ctx, role, "", 1)
		if err != nil {
			logger.Errorf("dev seed: %v", err)
			return
		}
		if len(existing) > 0 {
			return
		}
	}
	for i := range devUsers {
		u := devUsers[i]
		if err := repo.Create(ctx, &u); err != nil {
			logger.Errorf("dev seed: %v", err)
			return
		}
		logger.Infof("dev user %d: %s (%s)", u.ID, u.DisplayName, u.Role)
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "foodbridge"
		password = "foodbridge_secret"
		database = "foodbridge"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "foodbridge-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}

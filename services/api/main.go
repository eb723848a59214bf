package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatserver/internal/bus"
	"github.com/chatserver/internal/config"
	"github.com/chatserver/internal/handler"
	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/middleware"
	"github.com/chatserver/internal/service"
	"github.com/chatserver/internal/startup"
	"github.com/chatserver/internal/storage"
	"github.com/chatserver/internal/storage/memory"
	"github.com/chatserver/internal/storage/postgres"
	"github.com/chatserver/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	mem := flag.Bool("mem", false, "run fully in-memory (no database at all)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()

	var (
		convStore    storage.ConversationStore
		msgStore     storage.MessageStore
		readStore    storage.ReadStateStore
		profileStore storage.ProfileStore
	)

	if *mem {
		logger.Info("running with the in-memory store; all data is lost on exit")
		ms := memory.New()
		convStore = ms.Conversations()
		msgStore = ms.Messages()
		readStore = ms.ReadState()
		profileStore = ms.Profiles()
	} else {
		var embeddedDB *embeddedpostgres.EmbeddedPostgres
		if *dev {
			var err error
			embeddedDB, err = startEmbeddedPostgres(cfg)
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
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 4

		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)
		defer pool.Close()

		runMigrations(pool)
		if *migrate && !*dev {
			return
		}
		logger.Info("database connected, migrations applied")

		convStore = postgres.NewConversationStore(pool)
		msgStore = postgres.NewMessageStore(pool)
		readStore = postgres.NewReadStateStore(pool)
		profileStore = postgres.NewProfileStore(pool)
	}

	hub := bus.NewHub(cfg.MaxWSConnections)
	if cfg.RedisURL != "" {
		redisCli := startup.ConnectRedisWithRetry(cfg.RedisURL, 60*time.Second)
		defer redisCli.Close()
		hub.SetRelay(bus.NewRedisRelay(redisCli))
		logger.Info("redis relay enabled")
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	convSvc := service.NewConversationService(convStore, msgStore, readStore, profileStore, hub)
	msgSvc := service.NewMessageService(msgStore, convStore, readStore, profileStore, hub)

	convH := handler.NewConversationHandler(convSvc)
	msgH := handler.NewMessageHandler(msgSvc)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Never compress websocket responses: the compressed ResponseWriter does
	// not implement http.Hijacker and the upgrade would fail with a 500.
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
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.HeaderAuth)
		r.Use(middleware.RateLimitAPI)

		r.Post("/api/conversations", convH.Create)
		r.Get("/api/conversations", convH.List)
		r.Get("/api/conversations/{id}", convH.Get)
		r.Put("/api/conversations/{id}", convH.UpdateGroup)
		r.Post("/api/conversations/{id}/participants", convH.AddParticipants)
		r.Delete("/api/conversations/{id}/participants/{userID}", convH.RemoveParticipant)
		r.Post("/api/conversations/{id}/read", convH.MarkRead)
		r.Post("/api/conversations/{id}/messages", msgH.Send)
		r.Get("/api/conversations/{id}/messages", msgH.List)
		r.Get("/api/messages/{id}", msgH.Get)
		r.Put("/api/messages/{id}", msgH.Edit)
		r.Delete("/api/messages/{id}", msgH.Delete)
		r.Post("/api/messages/{id}/delivered", msgH.MarkDelivered)
		r.Post("/api/messages/{id}/seen", msgH.MarkSeen)

		r.Get("/ws", wsH.ServeWS)
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
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// runMigrations applies the embedded SQL files in name order. Every file is
// written to be re-runnable, so this is safe on each boot.
func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("read migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "chat"
		password = "chat_secret"
		database = "chat"
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
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
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

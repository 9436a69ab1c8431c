// Платформа социальной карты: realtime-координация (позиции, чат,
// presence, приглашения) поверх WebSocket с HTTP-зеркалом каждой команды.
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

	"github.com/socialmap/internal/auth"
	"github.com/socialmap/internal/config"
	"github.com/socialmap/internal/engine"
	"github.com/socialmap/internal/handler"
	"github.com/socialmap/internal/logger"
	"github.com/socialmap/internal/middleware"
	"github.com/socialmap/internal/push"
	"github.com/socialmap/internal/repository"
	"github.com/socialmap/internal/startup"
	"github.com/socialmap/internal/storage"
	"github.com/socialmap/internal/storage/memory"
	"github.com/socialmap/internal/ws"
	"github.com/socialmap/migrations"
)

func main() {
	logger.SetPrefix("platform")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting platform service")
	cfg := config.Load()

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

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
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

	userRepo := repository.NewUserRepository(pool)
	msgRepo := repository.NewMessageRepository(pool, cfg.MaxChatBody)
	readRepo := repository.NewReadRepository(pool)
	inviteRepo := repository.NewInviteRepository(pool)
	posRepo := repository.NewPositionRepository(pool)

	// Presence и geo-индекс живут в Redis; без него — память и
	// рассылка по комнатам вместо радиуса.
	var (
		presence storage.PresenceStore
		policy   engine.SubscriberPolicy
		subs     push.SubStore
	)
	if cfg.Redis.URL != "" {
		redisClient := startup.ConnectRedisWithRetry(cfg.Redis.URL, cfg.Presence.TTL, 60*time.Second)
		defer redisClient.Close()
		presence = redisClient
		policy = engine.NewGeoRadiusPolicy(redisClient, cfg.Geo.RadiusM, cfg.Geo.Limit)
		subs = push.NewRedisSubs(redisClient.Raw())
		logger.Info("redis connected: presence, geo fan-out, push subscriptions")
	} else {
		presence = memory.NewPresence(cfg.Presence.TTL)
		policy = engine.NewRoomPolicy(presence)
		subs = push.NewMemorySubs()
		logger.Info("no REDIS_URL: in-memory presence, room fan-out")
	}

	var vapidKeys *push.VAPIDKeys
	if keys, err := push.EnsureVAPIDKeys(""); err == nil {
		vapidKeys = keys
	} else {
		logger.Errorf("VAPID: %v — push отключены", err)
	}
	sender := push.NewSender(subs, vapidKeys)

	if cfg.Auth.JWTSecret == "" {
		logger.Info("JWT_SECRET not set — generating an ephemeral secret (tokens die with the process)")
		cfg.Auth.JWTSecret = fmt.Sprintf("dev-%d", time.Now().UnixNano())
	}
	tokens := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	hub := ws.NewHub(cfg.MaxWSConnections)
	coord := engine.New(engine.Config{
		Positions: posRepo,
		Log:       msgRepo,
		Reads:     readRepo,
		Invites:   inviteRepo,
		Presence:  presence,
		Users:     userRepo,
		Policy:    policy,
		Fanout:    hub,
		Notifier:  sender,
	})
	hub.SetHandler(coord)
	hub.SetEvictor(coord)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var bgWg sync.WaitGroup
	bgWg.Add(2)
	go func() {
		defer bgWg.Done()
		hub.Run(bgCtx)
	}()
	sweeper := engine.NewSweeper(coord, cfg.Presence.SweepInterval, cfg.Invites.TTL, cfg.Invites.SweepInterval)
	go func() {
		defer bgWg.Done()
		sweeper.Run(bgCtx)
	}()

	authH := handler.NewAuthHandler(userRepo, tokens)
	userH := handler.NewUserHandler(userRepo)
	posH := handler.NewPositionHandler(coord, posRepo)
	chatH := handler.NewChatHandler(coord)
	inviteH := handler.NewInviteHandler(coord)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)
	var vapidPublic string
	if vapidKeys != nil {
		vapidPublic = vapidKeys.PublicKey
	}
	pushH := handler.NewPushHandler(subs, vapidPublic)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
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
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/push/vapid-public", pushH.VAPIDPublic)
	r.Post("/api/auth/register", authH.Register)
	r.Post("/api/auth/login", authH.Login)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(tokens))
		r.Get("/api/users/me", userH.Me)
		r.Get("/api/users/{id}", userH.Get)
		r.Post("/api/position", posH.Update)
		r.Get("/api/position/{userID}", posH.Get)
		r.Post("/api/presence/heartbeat", chatH.Heartbeat)
		r.Post("/api/rooms/{roomID}/messages", chatH.Send)
		r.Get("/api/rooms/{roomID}/messages", chatH.History)
		r.Post("/api/rooms/{roomID}/read", chatH.MarkRead)
		r.Get("/api/rooms/{roomID}/state", chatH.RoomState)
		r.Post("/api/invites", inviteH.Send)
		r.Get("/api/invites/pending", inviteH.Pending)
		r.Post("/api/invites/{inviteID}/respond", inviteH.Respond)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
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
	bgCancel()
	bgWg.Wait()
	logger.Info("hub and sweeper stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

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
		if strings.HasSuffix(e.Name(), ".sql") {
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
		user     = "socialmap"
		password = "socialmap_secret"
		database = "socialmap"
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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rendezvous/internal/auth"
	"github.com/rendezvous/internal/call"
	"github.com/rendezvous/internal/chat"
	"github.com/rendezvous/internal/config"
	"github.com/rendezvous/internal/conversation"
	"github.com/rendezvous/internal/handler"
	"github.com/rendezvous/internal/ledger"
	"github.com/rendezvous/internal/logger"
	"github.com/rendezvous/internal/middleware"
	"github.com/rendezvous/internal/model"
	"github.com/rendezvous/internal/presence"
	"github.com/rendezvous/internal/push"
	"github.com/rendezvous/internal/storage"
	"github.com/rendezvous/internal/ws"
)

func main() {
	if err := run(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	dev := pflag.Bool("dev", false, "start with embedded PostgreSQL and in-memory presence (no external services)")
	migrate := pflag.Bool("migrate", false, "apply database migrations and exit")
	genVAPID := pflag.String("gen-vapid", "", "generate VAPID keys into `file` and exit")
	issueToken := pflag.String("issue-token", "", "print a bearer token for `user-id` and exit")
	seedUsers := pflag.StringArray("seed-user", nil, "upsert `id:username[:email]` before start (repeatable)")
	pflag.Parse()

	cfg := config.Load()
	logger.Init(cfg.Env, cfg.LogLevel)
	logger.SetPrefix("server")

	if *genVAPID != "" {
		keys, err := push.EnsureVAPIDKeys(*genVAPID)
		if err != nil {
			return fmt.Errorf("gen vapid: %w", err)
		}
		fmt.Println(keys.PublicKey)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *dev {
		embeddedDB, err := startEmbeddedPostgres(cfg)
		if err != nil {
			return fmt.Errorf("embedded postgres: %w", err)
		}
		defer stopEmbedded(embeddedDB)
		cfg.Presence.Backend = "memory"
	}

	stores, err := openStores(ctx, cfg, *migrate)
	if err != nil {
		return err
	}
	defer stores.Close()
	if *migrate {
		return nil
	}

	if err := seed(ctx, stores.Users, *seedUsers); err != nil {
		return err
	}
	if *issueToken != "" {
		u, err := stores.Users.GetByID(ctx, *issueToken)
		if err != nil {
			return fmt.Errorf("issue token for %s: %w", *issueToken, err)
		}
		tok, err := auth.Issue(cfg.JWTSecret, u, 24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	}

	kv, err := openKV(ctx, cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	blobs, err := openBlobs(cfg)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	rooms := presence.New(kv)
	// После рестарта ни одно соединение не живо: присутствие прошлого процесса устарело.
	if n, err := rooms.Reset(ctx); err != nil {
		logger.Errorf("presence reset: %v", err)
	} else if n > 0 {
		logger.Infof("presence reset: %d stale rooms", n)
	}

	subs := push.NewSubscriptions(kv)
	var notifier *push.Notifier
	if keys, err := push.ResolveVAPIDKeys(cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey, cfg.Push.VAPIDKeysFile); err != nil {
		logger.Errorf("push disabled: %v", err)
		notifier = push.NewNotifier(subs, nil, "")
	} else {
		notifier = push.NewNotifier(subs, keys, cfg.Push.Subscriber)
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, stores.Users)
	dir := conversation.New(stores.Conversations, stores.Messages, stores.Users, cfg.DisplayLocation)
	msgs := ledger.New(stores.Conversations, stores.Messages, blobs, cfg.DisplayLocation)

	imHub := ws.NewHub("im", cfg.MaxWSConnections)
	vcHub := ws.NewHub("vc", cfg.MaxWSConnections)
	var chatPush chat.Notifier
	if notifier.Enabled() {
		chatPush = notifier
	}
	chat.New(imHub, dir, msgs, stores.Users, chatPush, cfg.PublicBaseURL)
	calls := call.New(vcHub, rooms, stores.Rooms, verifier)

	wsOpts := ws.Options{
		WriteWait:      cfg.WSWriteTimeout,
		PongWait:       cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
		SendBufSize:    cfg.WSSendBufferSize,
	}
	imH := handler.NewWSHandler(imHub, verifier, wsOpts, cfg.CORSAllowedOrigins, false)
	vcH := handler.NewWSHandler(vcHub, verifier, wsOpts, cfg.CORSAllowedOrigins, cfg.CallAllowGuests)
	convH := handler.NewConversationHandler(dir, msgs, blobs, cfg.PublicBaseURL)
	roomH := handler.NewRoomHandler(stores.Rooms, calls)
	userH := handler.NewUserHandler(stores.Users, blobs, cfg.PublicBaseURL)
	fileH := handler.NewFileHandler(blobs, cfg.Blob.MaxUploadSize, cfg.PublicBaseURL)
	pushH := handler.NewPushHandler(subs, notifier)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket: иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
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
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handler.Health)
	r.Get("/im", imH.ServeWS)
	r.Get("/vc", vcH.ServeWS)
	r.Get("/api/files/{ref}", fileH.Serve)
	r.Get("/api/config/call", handler.CallConfig(cfg))
	r.Get("/api/config/push", pushH.VAPIDKey)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(verifier))
		r.Use(middleware.RateLimit(middleware.DefaultRateMaxIP, middleware.DefaultRateMaxUser, middleware.DefaultRateWindow))

		r.Get("/api/users/me", userH.Me)
		r.Get("/api/conversations", convH.List)
		r.Get("/api/conversations/{id}/messages", convH.Messages)

		r.Post("/api/rooms", roomH.Create)
		r.Get("/api/rooms", roomH.List)
		r.Put("/api/rooms/{id}", roomH.Rename)
		r.Delete("/api/rooms/{id}", roomH.Delete)

		r.Post("/api/files/upload", fileH.Upload)

		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		imHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		vcHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("server shutdown: %v", err)
		}
		logger.Info("server stopped accepting connections")
		return nil
	})

	err = g.Wait()
	logger.Info("hubs stopped")
	return err
}

func stopEmbedded(db *embeddedpostgres.EmbeddedPostgres) {
	logger.Info("stopping embedded postgres...")
	if err := db.Stop(); err != nil {
		logger.Errorf("embedded postgres stop: %v", err)
	}
}

// seed добавляет пользователей для локальной разработки. Формат: id:username[:email].
func seed(ctx context.Context, users storage.UserStore, entries []string) error {
	if len(entries) == 0 {
		return nil
	}
	seeder, ok := users.(storage.UserSeeder)
	if !ok {
		return errors.New("seed-user: store does not support inserting users")
	}
	for _, s := range entries {
		u, err := parseSeedUser(s)
		if err != nil {
			return err
		}
		if err := seeder.Upsert(ctx, u); err != nil {
			return fmt.Errorf("seed-user %s: %w", u.ID, err)
		}
		logger.Infof("seeded user id=%s username=%s", u.ID, u.Username)
	}
	return nil
}

func parseSeedUser(s string) (*model.User, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return nil, fmt.Errorf("seed-user %q: expected id:username[:email]", s)
	}
	u := &model.User{ID: strings.TrimSpace(parts[0]), Username: strings.TrimSpace(parts[1]), CreatedAt: time.Now().UTC()}
	if len(parts) == 3 {
		u.Email = strings.TrimSpace(parts[2])
	}
	return u, nil
}

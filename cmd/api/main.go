package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peercall-platform/internal/audit"
	"peercall-platform/internal/auth"
	"peercall-platform/internal/calls"
	"peercall-platform/internal/config"
	"peercall-platform/internal/lifecycle"
	"peercall-platform/internal/matchmaking"
	"peercall-platform/internal/media"
	"peercall-platform/internal/presence"
	"peercall-platform/internal/realtime"
	"peercall-platform/internal/reporting"
	"peercall-platform/internal/signaling"
	"peercall-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/cors"
)

func main() {
	mintUser := flag.String("mint-token", "", "print an access token for this user id and exit")
	mintRole := flag.String("role", "admin", "role for -mint-token")
	flag.Parse()

	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	if *mintUser != "" {
		pair, err := authManager.IssuePair(time.Now(), auth.Identity{UserID: *mintUser, DisplayName: *mintUser, Role: *mintRole})
		if err != nil {
			log.Error("mint token failed", "err", err)
			os.Exit(1)
		}
		fmt.Println(pair.AccessToken)
		return
	}

	store, closeStore, err := openStore(rootCtx, cfg, log)
	if err != nil {
		log.Error("docstore init failed", "backend", cfg.Store.Backend, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	callLog, closeLog, err := openCallLog(rootCtx, cfg, log)
	if err != nil {
		log.Error("call log init failed", "err", err)
		os.Exit(1)
	}
	defer closeLog()

	peers, err := media.NewPionFactory(media.PionConfig{
		ICEServers:          cfg.Media.ICEServers,
		DisconnectedTimeout: cfg.Media.ICEDisconnectedTimeout,
		FailedTimeout:       cfg.Media.ICEFailedTimeout,
		KeepaliveInterval:   cfg.Media.ICEKeepaliveInterval,
	})
	if err != nil {
		log.Error("media init failed", "err", err)
		os.Exit(1)
	}

	reg := presence.NewRegistry(store, logger.Component(log, "presence"))
	reqs := calls.NewRequests(store, logger.Component(log, "calls"))
	relay := signaling.NewRelay(store, logger.Component(log, "signaling"))
	mm := matchmaking.NewMatchmaker(reg, reqs, matchmaking.Options{
		StaleAfter: cfg.Call.PresenceStaleAfter,
		Attempts:   cfg.Call.MatchAttempts,
	}, nil, logger.Component(log, "matchmaking"))
	auditSvc := audit.NewService(callLog, logger.Component(log, "audit"))

	hub := realtime.NewHub(logger.Component(log, "realtime"))
	mediaLog := logger.Component(log, "media")
	deps := lifecycle.Deps{
		Presence:   reg,
		Requests:   reqs,
		Relay:      relay,
		Matchmaker: mm,
		NewMedia: func() *media.Controller {
			c := media.NewController(media.SyntheticDevice{}, peers, mediaLog)
			c.AttachRemoteStream(media.NewStatsSink(mediaLog))
			return c
		},
		Audit:    auditSvc,
		Notifier: hub,
		Log:      logger.Component(log, "lifecycle"),
	}
	timeouts := lifecycle.Timeouts{
		Ring:      cfg.Call.RingTimeout,
		Answer:    cfg.Call.AnswerTimeout,
		Negotiate: cfg.Call.NegotiateTimeout,
		Heartbeat: cfg.Call.PresenceHeartbeat,
	}
	directory := lifecycle.NewDirectory(func(userID, displayName string) *lifecycle.Agent {
		return lifecycle.NewAgent(userID, displayName, deps, timeouts, hub.HooksFor(userID))
	}, deps.Log)
	sessions := auth.NewSessions(directory, logger.Component(log, "sessions"))

	go runJanitor(rootCtx, reg, reqs, cfg.Call, logger.Component(log, "janitor"))

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, app{
		auth:      authManager,
		directory: directory,
		reports:   reporting.NewService(auditSvc),
		events:    realtime.NewHandler(hub, sessions, originChecker(cfg.App.CORSOrigins), logger.Component(log, "realtime")),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           withCORS(r, cfg.App.CORSOrigins),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "docstore", cfg.Store.Backend, "call_log", cfg.CallLogEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Hang up every call and clear presence before the store goes away.
	if err := directory.Close(shutdownCtx); err != nil {
		log.Warn("sign out on shutdown", "err", err)
	}
	hub.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

func withCORS(h http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		return h
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}).Handler(h)
}

// originChecker applies the CORS allow-list to WebSocket upgrades. With no
// list every origin is accepted.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

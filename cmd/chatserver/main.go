package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/workdesk/chat-app/internal/auth"
	"github.com/workdesk/chat-app/internal/config"
	"github.com/workdesk/chat-app/internal/httpapi"
	"github.com/workdesk/chat-app/internal/messaging"
	"github.com/workdesk/chat-app/internal/metrics"
	"github.com/workdesk/chat-app/internal/notify"
	"github.com/workdesk/chat-app/internal/ratelimit"
	"github.com/workdesk/chat-app/internal/relay"
	"github.com/workdesk/chat-app/internal/session"
	"github.com/workdesk/chat-app/internal/store"
	"github.com/workdesk/chat-app/internal/typing"
	"github.com/workdesk/chat-app/internal/ws"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- Postgres ---
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	chatStore, err := store.Open(startCtx, cfg.DatabaseURL)
	cancelStart()
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer chatStore.Close()

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	typingStore := typing.NewRedis(sessionStore.Client(), typing.TTL)
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- RabbitMQ ---
	var notifier relay.Notifier = notify.Nop{}
	if cfg.AMQPURL != "" {
		pub, err := notify.NewPublisher(cfg.AMQPURL)
		if err != nil {
			log.Fatalf("failed to connect to RabbitMQ: %v", err)
		}
		defer pub.Close()
		notifier = pub
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)

	log.Printf("Workdesk chat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  read_timeout:    %s", cfg.ReadTimeout)
	log.Printf("  write_timeout:   %s", cfg.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  notifications:   %v", cfg.AMQPURL != "")

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(serverConfig, sessionStore, dispatcher.Dispatch)

	rl := relay.New(relay.Config{
		Store:    chatStore,
		Broker:   natsClient,
		Typing:   typingStore,
		Verifier: verifier,
		Sender:   server,
		Limiter:  limiter,
		Notifier: notifier,
		Sessions: sessionStore,
	})
	rl.Register(dispatcher)
	server.SetOnDisconnect(rl.OnDisconnect)
	server.SetAdmission(func(r *http.Request) bool {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ok, _ := limiter.Allow(r.Context(), host, ratelimit.RuleConnect)
		return ok
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	server.Routes(r)
	r.Handle("/metrics", metrics.Handler())
	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		httpapi.NewHandler(chatStore, rl, sessionStore).Routes(r, verifier, cfg.RequestsPerSecond)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.Start(r); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	stop()
	log.Printf("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	natsClient.Close()
	if err := sessionStore.Close(); err != nil {
		log.Printf("session store close error: %v", err)
	}
	log.Printf("server stopped")
}

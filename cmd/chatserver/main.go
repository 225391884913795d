package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatme/chatme/internal/broker"
	"github.com/chatme/chatme/internal/classify"
	"github.com/chatme/chatme/internal/lexicon"
	"github.com/chatme/chatme/internal/moderation"
	"github.com/chatme/chatme/internal/presence"
	"github.com/chatme/chatme/internal/protocol"
	"github.com/chatme/chatme/internal/ratelimit"
	"github.com/chatme/chatme/internal/session"
	"github.com/chatme/chatme/internal/store"
	"github.com/chatme/chatme/internal/wordnet"
	"github.com/chatme/chatme/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- Postgres ---
	databaseURL := "postgres://localhost:5432/chatme?sslmode=disable"
	if v := os.Getenv("DATABASE_URL"); v != "" {
		databaseURL = v
	}

	migrationsDir := "migrations"
	if v := os.Getenv("MIGRATIONS_DIR"); v != "" {
		migrationsDir = v
	}
	if err := store.Migrate(databaseURL, migrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	st, err := store.Open(databaseURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})

	presenceStore := presence.NewStore(redisClient)
	if err := presenceStore.Ping(context.Background()); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(redisClient)

	// --- NATS ---
	brokerConfig := broker.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		brokerConfig.URL = v
	}
	brokerClient, err := broker.Connect(brokerConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Lexicon ---
	var antonyms wordnet.Source
	if path := os.Getenv("WORDNET_PATH"); path != "" {
		idx, err := wordnet.LoadFile(path)
		if err != nil {
			log.Fatalf("failed to load wordnet index: %v", err)
		}
		antonyms = idx
	} else {
		antonyms = wordnet.Default()
	}

	var lex *lexicon.Lexicon
	if path := os.Getenv("LEXICON_PATH"); path != "" {
		lex, err = lexicon.LoadFile(path, antonyms)
		if err != nil {
			log.Fatalf("failed to load lexicon: %v", err)
		}
	} else {
		lex = lexicon.New(antonyms)
	}

	// --- Classifier ---
	classifierURL := "http://localhost:8000"
	if v := os.Getenv("CLASSIFIER_URL"); v != "" {
		classifierURL = v
	}
	classifierTimeout := classify.DefaultTimeout
	if v := os.Getenv("CLASSIFIER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			classifierTimeout = d
		}
	}
	classifier := classify.NewHTTPClassifier(classifierURL, classifierTimeout)

	// --- Moderation pipeline ---
	pipelineTimeout := moderation.DefaultTimeout
	if v := os.Getenv("PIPELINE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			pipelineTimeout = d
		}
	}
	pipeline := moderation.NewPipeline(lex, classifier, st, pipelineTimeout)

	sessions := session.NewManager(st, pipeline, brokerClient, presenceStore, limiter)

	log.Printf("chatme server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", brokerConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  classifier_url:  %s", classifierURL)
	log.Printf("  lexicon_terms:   %d", lex.Len())

	// Declare server early so closures can capture it.
	var server *ws.Server

	dispatcher := ws.NewMessageDispatcher()

	// -----------------------------------------------------------------------
	// message — moderate and broadcast a chat message
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMsg)
		if !ok {
			return
		}
		sess := conn.Session()
		if sess == nil {
			// The connection is being torn down; nothing to reply to.
			return
		}

		err := sess.HandleSend(context.Background(), sendMsg.Message)
		if err == nil {
			return
		}

		switch {
		case errors.Is(err, session.ErrRateLimited):
			resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleSend.Window.Seconds()),
			})
			_ = conn.WriteMessage(resp)

		case errors.Is(err, classify.ErrUnavailable):
			log.Printf("send failed conn=%s: %v", conn.ID, err)
			resp, _ := protocol.NewServerMessage(protocol.TypeSendFailed, protocol.SendFailedMsg{
				Reason:    "moderation unavailable",
				Retryable: true,
			})
			_ = conn.WriteMessage(resp)

		default:
			log.Printf("send failed conn=%s: %v", conn.ID, err)
			resp, _ := protocol.NewServerMessage(protocol.TypeSendFailed, protocol.SendFailedMsg{
				Reason:    "message rejected",
				Retryable: false,
			})
			_ = conn.WriteMessage(resp)
		}
	})

	server = ws.NewServer(config, sessions, presenceStore, limiter, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		brokerClient.Close()
		if err := st.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

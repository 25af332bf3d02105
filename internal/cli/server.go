package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"quiztime-live/internal/app"
	"quiztime-live/internal/broadcast"
	"quiztime-live/internal/config"
	"quiztime-live/internal/domain"
	"quiztime-live/internal/infra/memory"
	natsmirror "quiztime-live/internal/infra/nats"
	"quiztime-live/internal/infra/postgres"
	rediscache "quiztime-live/internal/infra/redis"
	transport "quiztime-live/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	redisTTL := config.Duration(cfg.Redis.TTL, 10*time.Minute)

	var quizStore app.QuizStore = memory.NewStaticQuizStore(sampleQuizzes(), sampleUsers())
	var recorder app.SnapshotRecorder = memory.NewSnapshotRecorder()
	if cfg.Postgres.URL != "" {
		db := openBunDB(cfg.Postgres.URL)
		defer db.Close()
		if err := migrateDB(ctx, db); err != nil {
			return err
		}
		recorder = postgres.NewSnapshotRecorder(db)

		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		quizStore = postgres.NewQuizStore(pool)
	}

	quizTTL := config.Duration(cfg.Quiz.TTL, 10*time.Minute)
	var quizzes app.QuizStore
	if redisClient != nil {
		quizzes = rediscache.NewQuizCache(redisClient, quizStore, quizTTL)
	} else {
		quizzes = memory.NewQuizCache(quizStore, quizTTL)
	}

	var sessions app.SessionRepository
	if redisClient != nil {
		sessions = rediscache.NewSessionStore(redisClient, redisTTL)
	} else {
		sessions = memory.NewSessionStore()
	}

	var mirror broadcast.Mirror
	if cfg.NATS.URL != "" {
		natsCfg := natsmirror.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		if cfg.NATS.SubjectPrefix != "" {
			natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		}
		m, err := natsmirror.Connect(natsCfg)
		if err != nil {
			return err
		}
		defer m.Close()
		mirror = m
	}

	router := broadcast.NewRouter(mirror)
	registry := app.NewRegistry(sessions, quizzes, recorder, router, app.RegistryConfig{
		DefaultTimeLimit: cfg.Quiz.TimeLimit,
		LoadTimeout:      config.Duration(cfg.Quiz.LoadTimeout, 5*time.Second),
		NameTimeout:      config.Duration(cfg.Quiz.NameTimeout, 3*time.Second),
		RetireAfter:      config.Duration(cfg.Quiz.RetireAfter, 10*time.Minute),
	})
	wsHandler := transport.NewWSHandler(registry, router, cfg.Server.AllowedOrigins)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	mux.Handle("/sessions", transport.NewLobbyHandler(registry))

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: origins,
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      c.Handler(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", finalPort).Bool("redis", redisClient != nil).
			Bool("postgres", cfg.Postgres.URL != "").Bool("nats", mirror != nil).
			Msg("starting quiz service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server...")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	registry.Shutdown(shutdownCtx)
	return err
}

// sampleQuizzes serves demos without a database; configure postgres.url in production.
func sampleQuizzes() []domain.Quiz {
	return []domain.Quiz{
		{
			ID:    1,
			Title: "Warm-up",
			Questions: []domain.Question{
				{
					Position: 1,
					Text:     "What is 2 + 2?",
					Choices:  [4]string{"3", "4", "5", "22"},
					Correct:  1,
				},
				{
					Position: 2,
					Text:     "Which planet is closest to the sun?",
					Choices:  [4]string{"Venus", "Earth", "Mars", "Mercury"},
					Correct:  3,
				},
			},
		},
	}
}

func sampleUsers() map[int64]string {
	return map[int64]string{1: "host", 2: "alice", 3: "bob"}
}

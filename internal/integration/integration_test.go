package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"quiztime-live/internal/app"
	"quiztime-live/internal/broadcast"
	"quiztime-live/internal/infra/postgres"
	pgmigrations "quiztime-live/internal/infra/postgres/migrations"
	infraredis "quiztime-live/internal/infra/redis"
)

func TestSessionEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	db := migrateAndSeed(t, ctx, pgURL)
	defer db.Close()

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	quizzes := infraredis.NewQuizCache(redisClient, postgres.NewQuizStore(pool), 5*time.Minute)
	sessions := infraredis.NewSessionStore(redisClient, 5*time.Minute)
	recorder := postgres.NewSnapshotRecorder(db)
	registry := app.NewRegistry(sessions, quizzes, recorder, broadcast.NewRouter(nil), app.RegistryConfig{})

	id, err := registry.Create(ctx, 1, 1, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	session, err := registry.Find(id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	select {
	case <-session.Loaded():
	case <-time.After(10 * time.Second):
		t.Fatalf("session never loaded")
	}
	if summary := session.Summary(); summary.QuizName != "Arithmetic" || summary.HostName != "host" {
		t.Fatalf("unexpected summary %+v", summary)
	}

	for _, pid := range []int64{2, 3} {
		if _, err := session.Join(pid); err != nil {
			t.Fatalf("join %d: %v", pid, err)
		}
	}
	if err := session.Start(1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := session.Advance(1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := session.SubmitAnswer(3, 1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := session.SubmitAnswer(2, 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := session.Advance(1); err != nil {
		t.Fatalf("advance to end: %v", err)
	}

	results, err := session.Results()
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 2 || results[0].ParticipantID != 3 || results[0].Correct != 1 {
		t.Fatalf("expected participant 3 leading, got %+v", results)
	}

	registry.Shutdown(ctx)

	var starts, finals int
	if err := db.NewSelect().Table("hosted_servers").ColumnExpr("count(*)").Where("server_id = ?", id).Scan(ctx, &starts); err != nil {
		t.Fatalf("count hosted servers: %v", err)
	}
	if err := db.NewSelect().Table("session_results").ColumnExpr("count(*)").Where("server_id = ?", id).Scan(ctx, &finals); err != nil {
		t.Fatalf("count session results: %v", err)
	}
	if finals != 1 {
		t.Fatalf("expected one final snapshot, got %d", finals)
	}
	if starts > 1 {
		t.Fatalf("expected at most one start snapshot, got %d", starts)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func migrateAndSeed(t *testing.T, ctx context.Context, dsn string) *bun.DB {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	stmts := []string{
		`INSERT INTO users (id, username) VALUES (1, 'host'), (2, 'alice'), (3, 'bob')`,
		`INSERT INTO quizzes (id, title) VALUES (1, 'Arithmetic')`,
		`INSERT INTO questions (quiz_id, position, question, choice_a, choice_b, choice_c, choice_d, correct)
		 VALUES (1, 1, 'What is 2 + 2?', '3', '4', '5', '22', 1)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return db
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}

package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
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

	"classboard-discussion-service/internal/app"
	"classboard-discussion-service/internal/domain"
	"classboard-discussion-service/internal/infra/memory"
	pgstore "classboard-discussion-service/internal/infra/postgres"
	pgmigrations "classboard-discussion-service/internal/infra/postgres/migrations"
	rediscache "classboard-discussion-service/internal/infra/redis"
)

func TestDiscussionFlowEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	db := openBun(pgURL)
	defer db.Close()
	migrateAndSeed(t, ctx, db)

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

	store := pgstore.NewStore(db)
	profiles := pgstore.NewProfileLoader(pool)
	members := memory.NewStaticMembership()
	members.Grant("alice", "c1", domain.Membership{IsMember: true})
	members.Grant("bob", "c1", domain.Membership{IsMember: true})
	members.Grant("teacher", "c1", domain.Membership{IsMember: true, IsTeacher: true})

	svc := app.NewDiscussionService(store, members, profiles)
	gateway := app.NewGateway(svc, rediscache.NewViewCache(redisClient, 5*time.Minute))

	// Post a question with a reply tree.
	d, _, err := gateway.CreateDiscussion(ctx, app.CreateDiscussionInput{
		Title: "Why is my migration stuck?", ClassroomID: "c1", ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("create discussion: %v", err)
	}
	r1, _, err := gateway.AddReply(ctx, d.ID, nil, "Check for a lock on the table", "bob")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if _, _, err := gateway.AddReply(ctx, d.ID, &r1.ID, "That was it, thanks", "alice"); err != nil {
		t.Fatalf("nested reply: %v", err)
	}

	// Nesting stops at one level even against the real schema.
	view, err := gateway.GetDiscussion(ctx, d.ID)
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	nestedID := view.Replies[0].Children[0].ID
	if _, _, err := gateway.AddReply(ctx, d.ID, &nestedID, "third level", "bob"); !errors.Is(err, domain.ErrInvalidNesting) {
		t.Fatalf("expected invalid nesting, got %v", err)
	}

	// Teacher selects the answer; the cached view refreshes after invalidation.
	if _, err := gateway.SelectAnswer(ctx, d.ID, r1.ID, "teacher"); err != nil {
		t.Fatalf("select: %v", err)
	}
	view, err = gateway.GetDiscussion(ctx, d.ID)
	if err != nil {
		t.Fatalf("get view after select: %v", err)
	}
	if !view.Answered || !view.Replies[0].Selected {
		t.Fatalf("expected answered view, got %+v", view)
	}
	if view.Creator.DisplayName != "Alice" || view.Replies[0].Creator.DisplayName != "Bob" {
		t.Fatalf("expected profiles from users projection, got %+v", view.Creator)
	}

	// Reaction toggles round trip through the unique (reply, user) constraint.
	state, _, err := gateway.ToggleReaction(ctx, r1.ID, "alice", domain.ReactionHelpful)
	if err != nil || !state.Applied {
		t.Fatalf("react: %+v err=%v", state, err)
	}
	state, _, err = gateway.ToggleReaction(ctx, r1.ID, "alice", domain.ReactionCelebrate)
	if err != nil || !state.Applied || state.PreviousValue != domain.ReactionHelpful {
		t.Fatalf("expected replacement, got %+v err=%v", state, err)
	}
	state, _, err = gateway.ToggleReaction(ctx, r1.ID, "alice", domain.ReactionCelebrate)
	if err != nil || state.Applied {
		t.Fatalf("expected toggle-off, got %+v err=%v", state, err)
	}

	// Concurrent selections against the same discussion leave one winner.
	r2, _, err := gateway.AddReply(ctx, d.ID, nil, "Also check idle transactions", "bob")
	if err != nil {
		t.Fatalf("second reply: %v", err)
	}
	var wg sync.WaitGroup
	for _, replyID := range []string{r1.ID, r2.ID, r1.ID, r2.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := gateway.SelectAnswer(ctx, d.ID, id, "alice"); err != nil {
				t.Errorf("concurrent select: %v", err)
			}
		}(replyID)
	}
	wg.Wait()
	view, err = gateway.GetDiscussion(ctx, d.ID)
	if err != nil {
		t.Fatalf("get view after race: %v", err)
	}
	selected := 0
	for _, r := range view.Replies {
		if r.Selected {
			selected++
		}
	}
	if selected != 1 {
		t.Fatalf("expected one selected reply after race, got %d", selected)
	}

	// Removing the winner reverts the discussion to unanswered.
	var winner string
	for _, r := range view.Replies {
		if r.Selected {
			winner = r.ID
		}
	}
	if _, err := gateway.RemoveReply(ctx, winner, "bob"); err != nil {
		t.Fatalf("remove winner: %v", err)
	}
	answered, err := svc.IsAnswered(ctx, d.ID)
	if err != nil || answered {
		t.Fatalf("expected unanswered after removal, answered=%v err=%v", answered, err)
	}

	// Pagination over the classroom list.
	for i := 0; i < 3; i++ {
		if _, _, err := gateway.CreateDiscussion(ctx, app.CreateDiscussionInput{
			Title: fmt.Sprintf("Follow-up %d", i), ClassroomID: "c1", ActorID: "alice",
		}); err != nil {
			t.Fatalf("create follow-up: %v", err)
		}
	}
	page, err := gateway.ListDiscussions(ctx, "c1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 4 {
		t.Fatalf("expected 4 discussions, got %d", len(page.Items))
	}
	if page.Items[0].CreatedAt.Before(page.Items[len(page.Items)-1].CreatedAt) {
		t.Fatalf("expected most recent first")
	}
}

func openBun(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

func migrateAndSeed(t *testing.T, ctx context.Context, db *bun.DB) {
	t.Helper()
	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, row := range [][2]string{{"alice", "Alice"}, {"bob", "Bob"}, {"teacher", "Ms. Finch"}} {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO users (id, display_name) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`,
			row[0], row[1]); err != nil {
			t.Fatalf("seed user %s: %v", row[0], err)
		}
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "classboard", "POSTGRES_PASSWORD": "classpass", "POSTGRES_DB": "classdb"},
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
	dsn := fmt.Sprintf("postgres://classboard:classpass@%s:%s/classdb?sslmode=disable", host, port.Port())
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

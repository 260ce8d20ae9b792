package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/roadassist/internal/assist/domain"
	"github.com/example/roadassist/internal/assist/repository"
	"github.com/example/roadassist/internal/notify"
)

func TestEventHeader(t *testing.T) {
	require.Equal(t, "RequestAccepted", eventHeader([]byte(`{"event_type":"RequestAccepted"}`)))
	require.Empty(t, eventHeader([]byte(`not json`)))
}

func TestWorkerRelaysNotifications(t *testing.T) {
	ctx := context.Background()
	db := startPostgres(t, ctx)
	nc := connectNATS(t, ctx)

	msgCh := make(chan *nats.Msg, 1)
	_, err := nc.Subscribe(notify.DefaultSubject, func(msg *nats.Msg) { msgCh <- msg })
	require.NoError(t, err)

	n := domain.Notification{RecipientID: uuid.New(), EventType: domain.EventRequestCreated, RequestID: uuid.New(), At: time.Now().UTC()}
	require.NoError(t, notify.NewOutboxNotifier(db, "").Notify(ctx, n))

	worker := NewWorker(db, nc, zap.NewNop(), WorkerConfig{PollInterval: 100 * time.Millisecond, BatchSize: 10, RetryMax: 5})
	ctxWorker, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = worker.Run(ctxWorker) }()

	select {
	case <-time.After(10 * time.Second):
		t.Fatal("expected relayed notification")
	case msg := <-msgCh:
		require.Equal(t, string(domain.EventRequestCreated), msg.Header.Get("x-event-type"))
		var got domain.Notification
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		require.Equal(t, n.RequestID, got.RequestID)
	}
	cancel()
	requireAllPublished(t, ctx, db)
}

func TestWorkerRetriesOnFailure(t *testing.T) {
	ctx := context.Background()
	db := startPostgres(t, ctx)
	nc := connectNATS(t, ctx)

	msgCh := make(chan *nats.Msg, 1)
	_, err := nc.Subscribe(notify.DefaultSubject, func(msg *nats.Msg) { msgCh <- msg })
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, notify.DefaultSubject, []byte(`{"retry":true}`))
	require.NoError(t, err)

	worker := NewWorker(db, nc, zap.NewNop(), WorkerConfig{PollInterval: 100 * time.Millisecond, BatchSize: 5, RetryMax: 5})
	worker.publisher = &flakyPublisher{base: nc, failFor: 3}

	relayed, err := worker.RelayOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, relayed)

	select {
	case <-time.After(10 * time.Second):
		t.Fatal("expected retried publish")
	case msg := <-msgCh:
		require.Equal(t, []byte(`{"retry":true}`), msg.Data)
	}
	requireAllPublished(t, ctx, db)
}

type flakyPublisher struct {
	base    *nats.Conn
	failFor int32
}

func (f *flakyPublisher) PublishMsg(msg *nats.Msg) error {
	if atomic.LoadInt32(&f.failFor) > 0 {
		atomic.AddInt32(&f.failFor, -1)
		return errors.New("simulated nats outage")
	}
	return f.base.PublishMsg(msg)
}

func startPostgres(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	pg, err := postgrescontainer.Run(ctx, "postgres:16",
		postgrescontainer.WithDatabase("roadassist"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute)))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pg.Terminate(ctx)) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, repository.NewPostgresStore(db).Migrate(ctx))
	return db
}

func connectNATS(t *testing.T, ctx context.Context) *nats.Conn {
	t.Helper()
	container, err := natscontainer.Run(ctx, "nats:2")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })
	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Drain() })
	return nc
}

func requireAllPublished(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	require.Eventually(t, func() bool {
		var pending int
		if err := db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE published = false`).Scan(&pending); err != nil {
			return false
		}
		return pending == 0
	}, 5*time.Second, 50*time.Millisecond)
}

package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kiranshivaraju/reconhub/internal/events"
	"github.com/kiranshivaraju/reconhub/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestFromJob(t *testing.T) {
	done := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &models.Job{
		ID:          "job-1",
		Method:      models.MethodCOLMAP,
		Status:      models.JobStatusCompleted,
		OutputRef:   "mesh.ply",
		Metrics:     &models.Metrics{Points: 1200},
		CompletedAt: &done,
	}
	ev := events.FromJob(job)
	assert.Equal(t, events.TypeCompleted, ev.Type)
	assert.Equal(t, "mesh.ply", ev.OutputRef)
	assert.Equal(t, done, ev.Timestamp)

	job.Status = models.JobStatusFailed
	job.ErrorKind = models.FailureTimeout
	ev = events.FromJob(job)
	assert.Equal(t, events.TypeFailed, ev.Type)
	assert.Equal(t, models.FailureTimeout, ev.ErrorKind)
}

func TestNoop(t *testing.T) {
	var p events.Publisher = events.Noop{}
	assert.NoError(t, p.Publish(context.Background(), events.Event{}))
	assert.NoError(t, p.Close())
}

func setupRabbit(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)
	return "amqp://guest:guest@" + host + ":" + port.Port() + "/"
}

func TestAMQPPublisher_RoutesByType(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	url := setupRabbit(t)

	pub, err := events.NewAMQPPublisher(url, "reconhub.jobs")
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ch, err := conn.Channel()
	require.NoError(t, err)

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, "job.failed", "reconhub.jobs", false, nil))
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, events.Event{Type: events.TypeCompleted, JobID: "ok"}))
	require.NoError(t, pub.Publish(ctx, events.Event{Type: events.TypeFailed, JobID: "bad", ErrorKind: models.FailureTool}))

	select {
	case msg := <-msgs:
		var ev events.Event
		require.NoError(t, json.Unmarshal(msg.Body, &ev))
		assert.Equal(t, "bad", ev.JobID)
		assert.Equal(t, models.FailureTool, ev.ErrorKind)
		assert.Equal(t, "application/json", msg.ContentType)
	case <-time.After(10 * time.Second):
		t.Fatal("no event delivered")
	}
}

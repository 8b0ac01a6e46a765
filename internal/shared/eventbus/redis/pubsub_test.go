package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"appdeploy/internal/shared/eventbus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	b, err := NewBusFromURL(url)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "deploy_events:logs:abc", Channel(eventbus.TopicLogs, "abc"))
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := testBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	scoped, err := b.Subscribe(ctx, eventbus.Filter{Topic: eventbus.TopicProgress, DeploymentID: "d1"})
	require.NoError(t, err)
	all, err := b.Subscribe(ctx, eventbus.Filter{Topic: eventbus.TopicProgress})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, eventbus.NewProgressEvent("d2", 40)))
	require.NoError(t, b.Publish(ctx, eventbus.NewProgressEvent("d1", 15)))

	select {
	case e := <-scoped:
		assert.Equal(t, "d1", e.DeploymentID)
		assert.Equal(t, 15, e.Percentage)
	case <-ctx.Done():
		t.Fatal("timed out")
	}

	var seen []string
	for len(seen) < 2 {
		select {
		case e := <-all:
			seen = append(seen, e.DeploymentID)
		case <-ctx.Done():
			t.Fatalf("timed out, seen %v", seen)
		}
	}
	assert.ElementsMatch(t, []string{"d1", "d2"}, seen)
}

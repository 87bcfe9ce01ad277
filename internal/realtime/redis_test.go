package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"frameline/api/internal/store"
)

func setupTestRedis(t *testing.T) (*RedisPublisher, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	p, err := NewRedisPublisher("redis://"+s.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, s
}

func TestNewRedisPublisher(t *testing.T) {
	p, _ := setupTestRedis(t)
	require.NoError(t, p.Ping(context.Background()))
	require.Equal(t, DefaultChannel, p.Channel())
}

func TestNewRedisPublisherRejectsBadURL(t *testing.T) {
	_, err := NewRedisPublisher("not a url", "")
	require.Error(t, err)
}

func TestPublishReachesSubscribers(t *testing.T) {
	p, _ := setupTestRedis(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- p.Subscribe(ctx, func(m Message) {
			select {
			case received <- m:
			default:
			}
			cancel()
		})
	}()

	n := store.Notification{
		ID:        "n1",
		UserID:    "u1",
		ProjectID: "p1",
		Type:      "new_file",
		Title:     "New version of Hero cut",
		Payload:   map[string]any{"version_id": "v2"},
		CreatedAt: time.Now().UTC(),
	}
	// Publish until the subscription is live.
	var got Message
	require.Eventually(t, func() bool {
		if err := p.Publish(context.Background(), n); err != nil {
			return false
		}
		select {
		case got = <-received:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, "n1", got.ID)
	require.Equal(t, "u1", got.UserID)
	require.Equal(t, "new_file", got.Type)
	require.Equal(t, "v2", got.Payload["version_id"])
	require.NoError(t, <-done)
}

func TestPublishFailsWhenRedisIsDown(t *testing.T) {
	p, s := setupTestRedis(t)
	s.Close()
	err := p.Publish(context.Background(), store.Notification{ID: "n1"})
	require.Error(t, err)
}

func TestSubscribeRequiresHandler(t *testing.T) {
	p, _ := setupTestRedis(t)
	require.Error(t, p.Subscribe(context.Background(), nil))
}

package msg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
	"github.com/curiositech/port-daddy/internal/daemon/config"
	"github.com/curiositech/port-daddy/internal/daemon/db"
	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/daemon/store"
	"github.com/curiositech/port-daddy/internal/util/testutil"
)

func newTestService(t *testing.T) (*Service, *config.Config) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	act, err := activity.New(st)
	require.NoError(t, err)

	cfg := &config.Config{
		MessageRetentionCount: 1000,
		MessageRetentionAge:   24 * time.Hour,
		CompressMinBytes:      1024,
		MaxStreamsPerAddr:     2,
		SubscriberQueueLen:    8,
		MaxBodyBytes:          10 << 10,
	}
	svc, err := NewService(st, cfg, act)
	require.NoError(t, err)
	return svc, cfg
}

func TestPublishAndHistory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	m1, err := svc.Publish(ctx, "builds", []byte(`{"s":1}`), "a")
	require.NoError(t, err)
	m2, err := svc.Publish(ctx, "builds", []byte(`{"s":2}`), "a")
	require.NoError(t, err)
	assert.Greater(t, m2.ID, m1.ID)

	history, err := svc.History(ctx, "builds", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, json.RawMessage(`{"s":1}`), history[0].Payload)
	assert.Equal(t, json.RawMessage(`{"s":2}`), history[1].Payload)

	since, err := svc.History(ctx, "builds", 0, m1.ID)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, m2.ID, since[0].ID)
}

func TestPublish_RecordsActivity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Publish(ctx, "builds", []byte(`1`), "alpha")
	require.NoError(t, err)

	var n int
	err = svc.st.DB().QueryRow(
		`SELECT COUNT(*) FROM activity WHERE type = 'message' AND action = 'publish' AND target = 'builds'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPublish_Validation(t *testing.T) {
	svc, cfg := newTestService(t)
	ctx := context.Background()

	_, err := svc.Publish(ctx, "bad channel", []byte(`1`), "")
	assert.True(t, kerr.IsKind(err, kerr.Validation))

	_, err = svc.Publish(ctx, "builds", nil, "")
	assert.True(t, kerr.IsKind(err, kerr.Validation))

	big := bytes.Repeat([]byte("x"), int(cfg.MaxBodyBytes)+1)
	_, err = svc.Publish(ctx, "builds", big, "")
	assert.True(t, kerr.IsKind(err, kerr.Capacity))
}

func TestPublish_CompressedAtRest(t *testing.T) {
	svc, cfg := newTestService(t)
	ctx := context.Background()

	// Compressible payload past the threshold.
	payload := []byte(`{"data":"` + string(bytes.Repeat([]byte("a"), cfg.CompressMinBytes+100)) + `"}`)
	_, err := svc.Publish(ctx, "big", payload, "")
	require.NoError(t, err)

	history, err := svc.History(ctx, "big", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, json.RawMessage(payload), history[0].Payload)

	// The stored blob is smaller than the original.
	var stored int
	err = svc.st.DB().QueryRow(`SELECT LENGTH(payload) FROM messages`).Scan(&stored)
	require.NoError(t, err)
	assert.Less(t, stored, len(payload))
}

func TestSubscribe_FanOutOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sub1, err := svc.Subscribe("builds", "10.0.0.1")
	require.NoError(t, err)
	defer svc.Unsubscribe(sub1)
	sub2, err := svc.Subscribe("builds", "10.0.0.2")
	require.NoError(t, err)
	defer svc.Unsubscribe(sub2)

	for i := 1; i <= 3; i++ {
		_, err := svc.Publish(ctx, "builds", []byte(fmt.Sprintf(`{"s":%d}`, i)), "")
		require.NoError(t, err)
	}

	for _, sub := range []*Subscriber{sub1, sub2} {
		for i := 1; i <= 3; i++ {
			select {
			case m := <-sub.C():
				assert.Equal(t, json.RawMessage(fmt.Sprintf(`{"s":%d}`, i)), m.Payload)
			case <-time.After(time.Second):
				t.Fatalf("subscriber did not receive message %d", i)
			}
		}
	}
}

func TestSubscribe_PerSourceCap(t *testing.T) {
	svc, _ := newTestService(t)

	s1, err := svc.Subscribe("a", "10.0.0.1")
	require.NoError(t, err)
	s2, err := svc.Subscribe("b", "10.0.0.1")
	require.NoError(t, err)

	_, err = svc.Subscribe("c", "10.0.0.1")
	require.Error(t, err)
	assert.Equal(t, "TOO_MANY_STREAMS", kerr.As(err).Code)

	// Releasing one stream frees capacity.
	svc.Unsubscribe(s1)
	s3, err := svc.Subscribe("c", "10.0.0.1")
	require.NoError(t, err)
	svc.Unsubscribe(s2)
	svc.Unsubscribe(s3)
}

func TestSubscribe_SlowConsumerEvicted(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sub, err := svc.Subscribe("flood", "10.0.0.1")
	require.NoError(t, err)

	// Never read: the queue fills and the next publish evicts.
	for i := 0; i < cap(sub.ch)+1; i++ {
		_, err := svc.Publish(ctx, "flood", []byte(`1`), "")
		require.NoError(t, err)
	}

	testutil.RequireEventually(t, func() bool {
		select {
		case <-sub.Done():
			return true
		default:
			return false
		}
	}, "slow subscriber was not evicted")
	testutil.AssertEventually(t, func() bool {
		return svc.Broker().SubscriberCount("flood") == 0
	}, "evicted subscriber still registered")
}

func TestPoll(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Backlog is returned immediately.
	m, err := svc.Publish(ctx, "builds", []byte(`{"s":1}`), "")
	require.NoError(t, err)
	got, err := svc.Poll(ctx, "builds", 0, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// No backlog: poll parks until the next publication.
	resCh := make(chan []Message, 1)
	go func() {
		msgs, err := svc.Poll(ctx, "builds", m.ID, 5*time.Second)
		require.NoError(t, err)
		resCh <- msgs
	}()
	// Give the poller time to subscribe.
	time.Sleep(20 * time.Millisecond)
	_, err = svc.Publish(ctx, "builds", []byte(`{"s":2}`), "")
	require.NoError(t, err)

	select {
	case msgs := <-resCh:
		require.Len(t, msgs, 1)
		assert.Equal(t, json.RawMessage(`{"s":2}`), msgs[0].Payload)
	case <-time.After(time.Second):
		t.Fatal("poll did not return after publish")
	}

	// Timeout yields an empty result, not an error.
	empty, err := svc.Poll(ctx, "quiet", 0, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestChannels(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Publish(ctx, "a", []byte(`1`), "")
	require.NoError(t, err)
	_, err = svc.Publish(ctx, "a", []byte(`2`), "")
	require.NoError(t, err)
	_, err = svc.Publish(ctx, "b", []byte(`3`), "")
	require.NoError(t, err)

	sub, err := svc.Subscribe("a", "10.0.0.1")
	require.NoError(t, err)
	defer svc.Unsubscribe(sub)

	channels, err := svc.Channels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "a", channels[0].Channel)
	assert.EqualValues(t, 2, channels[0].Count)
	assert.Equal(t, 1, channels[0].Subscribers)
	assert.Equal(t, "b", channels[1].Channel)
}

func TestClear(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Publish(ctx, "a", []byte(`1`), "")
	require.NoError(t, err)
	sub, err := svc.Subscribe("a", "10.0.0.1")
	require.NoError(t, err)
	defer svc.Unsubscribe(sub)

	n, err := svc.Clear(ctx, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	history, err := svc.History(ctx, "a", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	// Subscribers survive a clear.
	assert.Equal(t, 1, svc.Broker().SubscriberCount("a"))
}

func TestTruncateRetention_CountBound(t *testing.T) {
	svc, cfg := newTestService(t)
	cfg.MessageRetentionCount = 3
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Publish(ctx, "a", []byte(fmt.Sprintf(`%d`, i)), "")
		require.NoError(t, err)
	}
	_, err := svc.Publish(ctx, "b", []byte(`1`), "")
	require.NoError(t, err)

	removed, err := svc.TruncateRetention(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	history, err := svc.History(ctx, "a", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	// The newest three survive.
	assert.Equal(t, json.RawMessage(`2`), history[0].Payload)

	// Channel b is under its own budget and untouched.
	b, err := svc.History(ctx, "b", 0, 0)
	require.NoError(t, err)
	assert.Len(t, b, 1)
}

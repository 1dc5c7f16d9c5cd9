package controlplane

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/meetbot/pkg/models"
)

func connectMini(t *testing.T, opts Options) (*ControlPlane, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts.URL = "redis://" + mr.Addr()
	cp := Connect(context.Background(), opts)
	t.Cleanup(func() { _ = cp.Close() })
	require.Equal(t, ModeRedis, cp.Mode())
	return cp, mr
}

func TestRedisCachePrefixesKeysAndExpires(t *testing.T) {
	cp, mr := connectMini(t, Options{KeyPrefix: "zoom_worker:"})
	ctx := context.Background()

	require.NoError(t, cp.SetCache(ctx, "transcript:m1", map[string]string{"text": "hi"}, time.Hour))
	require.True(t, mr.Exists("zoom_worker:transcript:m1"))

	var got map[string]string
	ok, err := cp.GetCache(ctx, "transcript:m1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hi", got["text"])

	mr.FastForward(2 * time.Hour)
	ok, err = cp.GetCache(ctx, "transcript:m1", &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisPublishSubscribe(t *testing.T) {
	cp, _ := connectMini(t, Options{WorkerID: "worker-1"})
	ctx := context.Background()

	received := make(chan models.ControlMessage, 1)
	require.NoError(t, cp.Subscribe(ctx, func(_ context.Context, msg models.ControlMessage) {
		received <- msg
	}, models.ChannelBotCommands, models.ChannelMeetingEnded))

	require.NoError(t, cp.Publish(ctx, models.ChannelBotCommands, models.ControlMessage{
		MeetingID: "m1",
		Command:   models.CommandStopRecording,
	}))

	select {
	case msg := <-received:
		require.Equal(t, models.ChannelBotCommands, msg.Channel)
		require.Equal(t, "m1", msg.MeetingID)
		require.Equal(t, models.CommandStopRecording, msg.Command)
		require.Equal(t, "worker-1", msg.WorkerID)
		require.NotEmpty(t, msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRedisRecordMetricTrimsList(t *testing.T) {
	cp, mr := connectMini(t, Options{KeyPrefix: "p:", MetricsLimit: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cp.RecordMetric(ctx, "bot_created", float64(i), map[string]string{"meeting": "m1"})
	}

	items, err := mr.List("p:metrics")
	require.NoError(t, err)
	require.Len(t, items, 3)

	var newest metricEvent
	require.NoError(t, json.Unmarshal([]byte(items[0]), &newest))
	require.Equal(t, "bot_created", newest.Type)
	require.EqualValues(t, 4, newest.Value)
}

func TestCacheFallsBackWhenRedisFailsMidway(t *testing.T) {
	cp, mr := connectMini(t, Options{OpTimeout: 200 * time.Millisecond})
	ctx := context.Background()

	mr.Close()

	require.NoError(t, cp.SetCache(ctx, "bot:status:m1", "recording", time.Minute))
	var got string
	ok, err := cp.GetCache(ctx, "bot:status:m1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "recording", got)
}

func TestMemoryFallbackWhenRedisUnreachable(t *testing.T) {
	cp := Connect(context.Background(), Options{
		URL:            "redis://127.0.0.1:1",
		ConnectTimeout: 200 * time.Millisecond,
	})
	defer cp.Close()
	require.Equal(t, ModeMemory, cp.Mode())

	ctx := context.Background()
	require.NoError(t, cp.Publish(ctx, models.ChannelMeetingEnded, models.ControlMessage{MeetingID: "m1"}))
	require.NoError(t, cp.Subscribe(ctx, func(context.Context, models.ControlMessage) {}, models.ChannelBotCommands))
	cp.RecordMetric(ctx, "ignored", 1, nil)

	require.NoError(t, cp.SetCache(ctx, "k", 42, 30*time.Millisecond))
	var got int
	ok, err := cp.GetCache(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 42, got)

	require.Eventually(t, func() bool {
		ok, _ := cp.GetCache(ctx, "k", &got)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryCacheOverwriteResetsTimer(t *testing.T) {
	cache := newMemoryCache()
	cache.set("k", []byte("1"), 20*time.Millisecond)
	cache.set("k", []byte("2"), time.Hour)

	time.Sleep(50 * time.Millisecond)
	value, ok := cache.get("k")
	require.True(t, ok)
	require.Equal(t, []byte("2"), value)
}

func TestInvalidURLUsesMemory(t *testing.T) {
	cp := Connect(context.Background(), Options{URL: "not a url"})
	defer cp.Close()
	require.Equal(t, ModeMemory, cp.Mode())
}

func TestCloseIsIdempotent(t *testing.T) {
	cp, _ := connectMini(t, Options{})
	require.NoError(t, cp.Close())
	require.NoError(t, cp.Close())
}

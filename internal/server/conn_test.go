package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/driftdb/config"
	"github.com/driftlab/driftdb/internal/schema"
	"github.com/driftlab/driftdb/internal/store"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dialRoom(t *testing.T, ctx context.Context, base, roomID, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(base, "http") + "/room/" + roomID + "/connect" + query
	conn, resp, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeClient(t *testing.T, ctx context.Context, conn *websocket.Conn, msg *schema.ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readServer(t *testing.T, ctx context.Context, conn *websocket.Conn) *schema.ServerMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	msg := new(schema.ServerMessage)
	require.NoError(t, json.Unmarshal(data, msg))
	return msg
}

func TestConnectSubscribeThenPush(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	ctx := testContext(t)
	conn := dialRoom(t, ctx, ts.URL, "room-one", "")

	writeClient(t, ctx, conn, &schema.ClientMessage{Type: schema.ClientSubscribe, Key: "fruit"})
	init := readServer(t, ctx, conn)
	require.Equal(t, schema.ServerInit, init.Type)
	require.Equal(t, "fruit", init.Key)
	require.Empty(t, init.Data)

	value := schema.NewValue("apple")
	writeClient(t, ctx, conn, &schema.ClientMessage{
		Type:   schema.ClientPush,
		Key:    "fruit",
		Action: &schema.Action{Type: schema.ActionAppend},
		Value:  &value,
	})
	push := readServer(t, ctx, conn)
	require.Equal(t, schema.ServerPush, push.Type)
	require.Equal(t, "fruit", push.Key)
	require.Equal(t, uint64(1), push.Seq)
	require.Equal(t, "apple", push.Value.Interface())
}

func TestPushFansOutAcrossConnections(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	ctx := testContext(t)

	subscriber := dialRoom(t, ctx, ts.URL, "room-two", "")
	writeClient(t, ctx, subscriber, &schema.ClientMessage{Type: schema.ClientSubscribe, Key: "k"})
	readServer(t, ctx, subscriber) // init

	publisher := dialRoom(t, ctx, ts.URL, "room-two", "")
	value := schema.NewValue("bar")
	writeClient(t, ctx, publisher, &schema.ClientMessage{
		Type:   schema.ClientPush,
		Key:    "k",
		Action: &schema.Action{Type: schema.ActionAppend},
		Value:  &value,
	})

	push := readServer(t, ctx, subscriber)
	require.Equal(t, schema.ServerPush, push.Type)
	require.Equal(t, uint64(1), push.Seq)
	require.Equal(t, "bar", push.Value.Interface())
}

func TestSubscribeSinceSkipsReplayedPrefix(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	ctx := testContext(t)
	send := ts.URL + "/room/room-seq/send"
	for _, v := range []string{"a", "b", "c"} {
		status, _ := postJSON(t, send, `{"type":"push","key":"k","action":{"type":"append"},"value":"`+v+`"}`)
		require.Equal(t, 200, status)
	}

	conn := dialRoom(t, ctx, ts.URL, "room-seq", "")
	writeClient(t, ctx, conn, &schema.ClientMessage{Type: schema.ClientSubscribe, Key: "k", Seq: 2})
	init := readServer(t, ctx, conn)
	require.Len(t, init.Data, 1)
	require.Equal(t, uint64(3), init.Data[0].Seq)
	require.Equal(t, "c", init.Data[0].Value.Interface())
}

func TestPingPong(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	ctx := testContext(t)
	conn := dialRoom(t, ctx, ts.URL, "room-ping", "")

	nonce := schema.NewValue(float64(7))
	writeClient(t, ctx, conn, &schema.ClientMessage{Type: schema.ClientPing, Nonce: &nonce})
	pong := readServer(t, ctx, conn)
	require.Equal(t, schema.ServerPong, pong.Type)
	require.NotNil(t, pong.Nonce)
	require.Equal(t, float64(7), pong.Nonce.Interface())
}

func TestGetWithoutSubscription(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	ctx := testContext(t)
	conn := dialRoom(t, ctx, ts.URL, "room-get", "")

	value := schema.NewValue("x")
	writeClient(t, ctx, conn, &schema.ClientMessage{
		Type:   schema.ClientPush,
		Key:    "k",
		Action: &schema.Action{Type: schema.ActionAppend},
		Value:  &value,
	})
	writeClient(t, ctx, conn, &schema.ClientMessage{Type: schema.ClientGet, Key: "k"})

	init := readServer(t, ctx, conn)
	require.Equal(t, schema.ServerInit, init.Type)
	require.Len(t, init.Data, 1)

	// No registration was made, so a later push stays silent.
	writeClient(t, ctx, conn, &schema.ClientMessage{Type: schema.ClientPing})
	pong := readServer(t, ctx, conn)
	require.Equal(t, schema.ServerPong, pong.Type)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	ctx := testContext(t)
	conn := dialRoom(t, ctx, ts.URL, "room-bad", "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":`)))
	errMsg := readServer(t, ctx, conn)
	require.Equal(t, schema.ServerError, errMsg.Type)
	require.NotEmpty(t, errMsg.Message)

	// The connection survives the bad frame.
	writeClient(t, ctx, conn, &schema.ClientMessage{Type: schema.ClientPing})
	pong := readServer(t, ctx, conn)
	require.Equal(t, schema.ServerPong, pong.Type)
}

func TestFrameTypeMismatch(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	ctx := testContext(t)
	conn := dialRoom(t, ctx, ts.URL, "room-mismatch", "")

	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte{0xa0}))
	errMsg := readServer(t, ctx, conn)
	require.Equal(t, schema.ServerError, errMsg.Type)
	require.Contains(t, errMsg.Message, "json")
}

func TestBinaryModeRoundTripsBytes(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	ctx := testContext(t)
	conn := dialRoom(t, ctx, ts.URL, "room-cbor", "?cbor=true")

	sub, err := cbor.Marshal(&schema.ClientMessage{Type: schema.ClientSubscribe, Key: "blobs"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, sub))

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageBinary, typ)
	init := new(schema.ServerMessage)
	require.NoError(t, cbor.Unmarshal(data, init))
	require.Equal(t, schema.ServerInit, init.Type)

	value := schema.NewValue(map[string]any{"abc": "derp", "v": []byte{1, 2, 3}})
	push, err := cbor.Marshal(&schema.ClientMessage{
		Type:   schema.ClientPush,
		Key:    "blobs",
		Action: &schema.Action{Type: schema.ActionAppend},
		Value:  &value,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, push))

	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	relayed := new(schema.ServerMessage)
	require.NoError(t, cbor.Unmarshal(data, relayed))
	require.Equal(t, schema.ServerPush, relayed.Type)
	m, ok := relayed.Value.Interface().(map[string]any)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, m["v"])
}

func TestDebugConnectionSeesWholeRoom(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	ctx := testContext(t)
	send := ts.URL + "/room/room-debug/send"
	for _, key := range []string{"alpha", "beta"} {
		status, _ := postJSON(t, send, `{"type":"push","key":"`+key+`","action":{"type":"append"},"value":1}`)
		require.Equal(t, 200, status)
	}

	conn := dialRoom(t, ctx, ts.URL, "room-debug", "?debug=true")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg := readServer(t, ctx, conn)
		require.Equal(t, schema.ServerInit, msg.Type)
		require.Len(t, msg.Data, 1)
		seen[msg.Key] = true
	}
	require.True(t, seen["alpha"])
	require.True(t, seen["beta"])

	// New streams are picked up without an explicit subscribe.
	status, _ := postJSON(t, send, `{"type":"push","key":"gamma","action":{"type":"append"},"value":2}`)
	require.Equal(t, 200, status)

	msg := readServer(t, ctx, conn)
	require.Equal(t, schema.ServerInit, msg.Type)
	require.Equal(t, "gamma", msg.Key)
}

func TestRateLimitedConnection(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *config.Settings) {
		cfg.RateLimit.PerSecond = 1
		cfg.RateLimit.Burst = 1
	})
	ctx := testContext(t)
	conn := dialRoom(t, ctx, ts.URL, "room-limited", "")

	writeClient(t, ctx, conn, &schema.ClientMessage{Type: schema.ClientPing})
	pong := readServer(t, ctx, conn)
	require.Equal(t, schema.ServerPong, pong.Type)

	writeClient(t, ctx, conn, &schema.ClientMessage{Type: schema.ClientPing})
	errMsg := readServer(t, ctx, conn)
	require.Equal(t, schema.ServerError, errMsg.Type)
	require.Contains(t, errMsg.Message, "rate limit")
}

func TestResubscribeReplaysSnapshot(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	ctx := testContext(t)
	conn := dialRoom(t, ctx, ts.URL, "room-resub", "")

	writeClient(t, ctx, conn, &schema.ClientMessage{Type: schema.ClientSubscribe, Key: "k"})
	readServer(t, ctx, conn)

	value := schema.NewValue("v1")
	writeClient(t, ctx, conn, &schema.ClientMessage{
		Type:   schema.ClientPush,
		Key:    "k",
		Action: &schema.Action{Type: schema.ActionAppend},
		Value:  &value,
	})
	readServer(t, ctx, conn) // push

	writeClient(t, ctx, conn, &schema.ClientMessage{Type: schema.ClientSubscribe, Key: "k"})
	init := readServer(t, ctx, conn)
	require.Equal(t, schema.ServerInit, init.Type)
	require.Len(t, init.Data, 1)

	// Still exactly one registration: an append arrives once.
	value2 := schema.NewValue("v2")
	writeClient(t, ctx, conn, &schema.ClientMessage{
		Type:   schema.ClientPush,
		Key:    "k",
		Action: &schema.Action{Type: schema.ActionAppend},
		Value:  &value2,
	})
	push := readServer(t, ctx, conn)
	require.Equal(t, schema.ServerPush, push.Type)
	require.Equal(t, uint64(2), push.Seq)

	size := readServer(t, ctx, conn)
	require.Equal(t, schema.ServerStreamSize, size.Type)
	require.Equal(t, uint64(2), size.Size)

	writeClient(t, ctx, conn, &schema.ClientMessage{Type: schema.ClientPing})
	pong := readServer(t, ctx, conn)
	require.Equal(t, schema.ServerPong, pong.Type)
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	ts, dir := newTestServer(t, nil)
	ctx := testContext(t)
	conn := dialRoom(t, ctx, ts.URL, "room-teardown", "")

	for _, key := range []string{"a", "b"} {
		writeClient(t, ctx, conn, &schema.ClientMessage{Type: schema.ClientSubscribe, Key: key})
		readServer(t, ctx, conn) // init confirms the registration
	}

	room, err := dir.Resolve("room-teardown")
	require.NoError(t, err)
	var streams []*store.Stream
	for _, key := range []string{"a", "b"} {
		stream, ok := room.Get(key)
		require.True(t, ok)
		require.Equal(t, 1, stream.SubscriberCount())
		streams = append(streams, stream)
	}

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		for _, s := range streams {
			if s.SubscriberCount() != 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return room.ActiveConnections() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCompactReinitialisesSubscribers(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	ctx := testContext(t)
	conn := dialRoom(t, ctx, ts.URL, "room-compact", "")

	writeClient(t, ctx, conn, &schema.ClientMessage{Type: schema.ClientSubscribe, Key: "k"})
	readServer(t, ctx, conn)

	for i := 0; i < 3; i++ {
		value := schema.NewValue(float64(i))
		writeClient(t, ctx, conn, &schema.ClientMessage{
			Type:   schema.ClientPush,
			Key:    "k",
			Action: &schema.Action{Type: schema.ActionAppend},
			Value:  &value,
		})
	}
	var init *schema.ServerMessage
	snapshot := schema.NewValue("compacted")
	writeClient(t, ctx, conn, &schema.ClientMessage{
		Type:   schema.ClientPush,
		Key:    "k",
		Action: &schema.Action{Type: schema.ActionCompact, Seq: 3},
		Value:  &snapshot,
	})
	for {
		msg := readServer(t, ctx, conn)
		if msg.Type == schema.ServerInit {
			init = msg
			break
		}
	}
	require.Len(t, init.Data, 1)
	require.Equal(t, uint64(3), init.Data[0].Seq)
	require.Equal(t, "compacted", init.Data[0].Value.Interface())
}

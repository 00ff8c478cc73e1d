package wsconn_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testoor/pkg/realtime"
	"github.com/ethpandaops/testoor/pkg/realtime/wsconn"
)

type envelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type echoHandler struct{}

func (echoHandler) HandleMessage(_ context.Context, s realtime.Session, raw []byte) {
	if strings.Contains(string(raw), `"ping"`) {
		_ = s.Send(realtime.NewMessage(realtime.TypePong, nil))

		return
	}

	_ = s.Send(realtime.NewMessage(realtime.TypeError, realtime.ErrorPayload{Message: "unsupported"}))
}

func setupServer(t *testing.T) (realtime.Hub, *websocket.Conn) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	hub := realtime.NewHub(log, nil)
	require.NoError(t, hub.Start(context.Background()))

	srv := httptest.NewServer(wsconn.NewServer(log, hub, echoHandler{}, wsconn.Config{
		HeartbeatInterval: time.Second,
		SendBuffer:        8,
	}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = hub.Stop(ctx)
		srv.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	return hub, conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var env envelope
	require.NoError(t, conn.ReadJSON(&env))

	return env
}

func TestServer_WelcomeAndRequests(t *testing.T) {
	hub, conn := setupServer(t)

	welcome := readEnvelope(t, conn)
	assert.Equal(t, realtime.TypeWelcome, welcome.Type)
	assert.NotEmpty(t, welcome.Data["session_id"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, realtime.TypePong, readEnvelope(t, conn).Type)

	// Malformed input gets an error event and the session stays open.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	errEnv := readEnvelope(t, conn)
	assert.Equal(t, realtime.TypeError, errEnv.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, realtime.TypePong, readEnvelope(t, conn).Type)

	assert.Equal(t, 1, hub.Sessions())
}

func TestServer_ReceivesPublishedEvents(t *testing.T) {
	hub, conn := setupServer(t)

	welcome := readEnvelope(t, conn)
	sessionID, ok := welcome.Data["session_id"].(string)
	require.True(t, ok)

	hub.Publish(realtime.RoomStatistics, realtime.Event{
		Type: realtime.TypeStatisticsUpdate,
		Data: map[string]any{"total_runs": 7},
	})

	env := readEnvelope(t, conn)
	assert.Equal(t, realtime.TypeStatisticsUpdate, env.Type)
	assert.InDelta(t, 7, env.Data["total_runs"], 0)

	require.NoError(t, hub.Subscribe(sessionID, realtime.RunRoom("r1")))

	hub.Publish(realtime.RunRoom("r1"), realtime.Event{
		Type: realtime.TypeTestCompleted,
		Data: map[string]any{"id": "t1"},
	})

	env = readEnvelope(t, conn)
	assert.Equal(t, realtime.TypeTestCompleted, env.Type)
	assert.Equal(t, "t1", env.Data["id"])
}

func TestServer_DisconnectUnregisters(t *testing.T) {
	hub, conn := setupServer(t)

	readEnvelope(t, conn)
	require.Equal(t, 1, hub.Sessions())

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return hub.Sessions() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServer_HubStopClosesConnection(t *testing.T) {
	hub, conn := setupServer(t)

	readEnvelope(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, hub.Stop(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"expected a normal close frame, got %v", err)
}

func TestServer_CloseFlushesQueuedEvents(t *testing.T) {
	hub, conn := setupServer(t)

	welcome := readEnvelope(t, conn)
	sessionID, ok := welcome.Data["session_id"].(string)
	require.True(t, ok)

	require.NoError(t, hub.Subscribe(sessionID, realtime.RunRoom("r1")))

	hub.Publish(realtime.RunRoom("r1"), realtime.Event{
		Type: realtime.TypeTestCompleted,
		Data: map[string]any{"id": "t1"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, hub.Stop(ctx))

	env := readEnvelope(t, conn)
	assert.Equal(t, realtime.TypeTestCompleted, env.Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"expected a normal close frame, got %v", err)
}

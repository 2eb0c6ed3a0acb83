package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	ws "github.com/stemsi/exstem-examtaker/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

func clockServer(t *testing.T, examID uuid.UUID, frames []any) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/v1/examenes/"+examID.String()+"/reloj", r.URL.Path)
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for _, f := range frames {
			require.NoError(t, conn.WriteJSON(f))
		}
		_ = ws.WriteClose(conn, string(ws.EventFinished))
		// Drain until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1"
}

func TestConnDeliversEventsUntilFinished(t *testing.T) {
	examID := uuid.New()
	attemptID := uuid.New().String()
	srv := clockServer(t, examID, []any{
		ws.ClockResponse{Event: ws.EventClock, AttemptID: attemptID, Remaining: 120},
		ws.FinishedResponse{Event: ws.EventFinished, AttemptID: attemptID, Expired: true},
	})
	defer srv.Close()

	c := New(wsURL(srv), examID, staticToken("tok"), zerolog.Nop())
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	var got []ws.Message
	for msg := range c.Events() {
		got = append(got, msg)
	}

	require.Len(t, got, 2)
	assert.Equal(t, ws.EventClock, got[0].Event)
	assert.Equal(t, 120, got[0].Remaining)
	assert.Equal(t, ws.EventFinished, got[1].Event)
	assert.True(t, got[1].Expired)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), ErrFinished)
}

func TestConnRejectedHandshake(t *testing.T) {
	examID := uuid.New()
	srv := clockServer(t, examID, nil)
	defer srv.Close()

	c := New(wsURL(srv), examID, staticToken("wrong"), zerolog.Nop())
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestCloseBeforeConnect(t *testing.T) {
	c := New("ws://127.0.0.1:1", uuid.New(), staticToken("tok"), zerolog.Nop())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, open := <-c.Events()
	assert.False(t, open)
	assert.ErrorIs(t, c.Wait(context.Background()), ErrClosed)
}

func TestFollowReportsDriftBeyondTolerance(t *testing.T) {
	events := make(chan ws.Message, 4)
	events <- ws.Message{Event: ws.EventClock, Remaining: 100}
	events <- ws.Message{Event: ws.EventClock, Remaining: 90}
	events <- ws.Message{Event: ws.EventFinished, Expired: true}
	close(events)

	local := []int{101, 80}
	var mu sync.Mutex
	i := 0
	localFn := func() int {
		mu.Lock()
		defer mu.Unlock()
		v := local[i]
		i++
		return v
	}

	var drifts []Drift
	var finished *ws.Message
	Follow(context.Background(), events, localFn, 3*time.Second, Handlers{
		OnDrift:    func(d Drift) { drifts = append(drifts, d) },
		OnFinished: func(m ws.Message) { finished = &m },
	}, zerolog.Nop())

	require.Len(t, drifts, 1)
	assert.Equal(t, Drift{Server: 90, Local: 80}, drifts[0])
	assert.Equal(t, -10*time.Second, drifts[0].Delta())
	require.NotNil(t, finished)
	assert.True(t, finished.Expired)
}

func TestKeepAlivePingsServer(t *testing.T) {
	examID := uuid.New()
	up := websocket.Upgrader{}
	pinged := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var req ws.RequestEnvelope
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		assert.Equal(t, ws.ActionPing, req.Action)
		close(pinged)
		_ = conn.WriteJSON(ws.PongResponse{Event: ws.EventPong})
		_ = ws.WriteClose(conn, "bye")
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(wsURL(srv), examID, staticToken("tok"), zerolog.Nop())
	c.pingInterval = 10 * time.Millisecond
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive ping received")
	}

	var got []ws.Event
	for msg := range c.Events() {
		got = append(got, msg.Event)
	}
	assert.Equal(t, []ws.Event{ws.EventPong}, got)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), ErrClosed)
}

func TestPingBeforeConnect(t *testing.T) {
	c := New("ws://127.0.0.1:1", uuid.New(), staticToken("tok"), zerolog.Nop())
	assert.ErrorIs(t, c.Ping(), ErrClosed)
}

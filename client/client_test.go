package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/InsulaLabs/tether/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, serverURL string) Config {
	t.Helper()
	return Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		ServerURL: serverURL,
		Secret:    "test_secret_test_secret",
		Name:      "workstation",
		StateDir:  t.TempDir(),
		Command:   []string{"cat"},
	}
}

func TestNewAgent_Validation(t *testing.T) {
	base := testConfig(t, "http://localhost:8087")

	cfg := base
	cfg.ServerURL = ""
	_, err := NewAgent(cfg)
	require.Error(t, err)

	cfg = base
	cfg.Secret = ""
	_, err = NewAgent(cfg)
	require.Error(t, err)

	cfg = base
	cfg.Name = ""
	_, err = NewAgent(cfg)
	require.Error(t, err)

	cfg = base
	cfg.Command = nil
	_, err = NewAgent(cfg)
	require.Error(t, err)

	_, err = NewAgent(base)
	require.NoError(t, err)
}

func TestAgent_RegisterResolvesSubject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/register", r.URL.Path)
		require.Equal(t, "Bearer test_secret_test_secret", r.Header.Get("Authorization"))

		var req models.RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "workstation", req.Name)

		json.NewEncoder(w).Encode(models.RegisterResponse{
			SubjectID: "subj-123",
			RelayPath: "/api/v1/relay?subject_id=subj-123",
		})
	}))
	defer srv.Close()

	a, err := NewAgent(testConfig(t, srv.URL))
	require.NoError(t, err)

	require.NoError(t, a.register(context.Background()))
	assert.Equal(t, "subj-123", a.subjectID)
	assert.Contains(t, a.relayURL(), "subject_id=subj-123")
	assert.Contains(t, a.relayURL(), "role=producer")
}

func TestAgent_RegisterFailureAbortsStartup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a, err := NewAgent(testConfig(t, srv.URL))
	require.NoError(t, err)

	err = a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registration failed")
}

func TestAgent_CatchUpPagesBeyondServerCap(t *testing.T) {
	makeEvents := func(positions ...int64) []models.Event {
		out := make([]models.Event, 0, len(positions))
		for _, p := range positions {
			out = append(out, models.Event{
				ID:        fmt.Sprintf("evt-%d", p),
				SubjectID: "subj-123",
				Position:  p,
				Type:      models.EventMessageOut,
				Sender:    models.SenderProducer,
				Payload:   json.RawMessage(`{"text":"x"}`),
			})
		}
		return out
	}

	upgrader := websocket.Upgrader{}
	resumeCursors := make(chan int64, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		readResume := func() int64 {
			var msg models.ClientMessage
			require.NoError(t, conn.ReadJSON(&msg))
			require.Equal(t, models.MsgResume, msg.Type)
			resumeCursors <- msg.SincePosition
			return msg.SincePosition
		}

		require.NoError(t, conn.WriteJSON(models.ServerMessage{
			Type:         models.MsgGreeting,
			SubjectID:    "subj-123",
			LastPosition: 5,
		}))

		// First page is capped at 3 of the 5 backlogged events.
		require.Equal(t, int64(0), readResume())
		require.NoError(t, conn.WriteJSON(models.ServerMessage{
			Type:   models.MsgCatchup,
			Events: makeEvents(1, 2, 3),
		}))

		// A live event lands mid replay; it must not drag the agent's
		// position past the undelivered 4 and 5.
		require.Equal(t, int64(3), readResume())
		live := makeEvents(7)[0]
		require.NoError(t, conn.WriteJSON(models.ServerMessage{Type: models.MsgEvent, Event: &live}))
		require.NoError(t, conn.WriteJSON(models.ServerMessage{
			Type:   models.MsgCatchup,
			Events: makeEvents(4, 5),
		}))

		require.Equal(t, int64(5), readResume())
		require.NoError(t, conn.WriteJSON(models.ServerMessage{
			Type:   models.MsgCatchup,
			Events: makeEvents(6, 7),
		}))

		conn.ReadMessage() // hold the connection until the agent leaves
	}))
	defer srv.Close()

	a, err := NewAgent(testConfig(t, srv.URL))
	require.NoError(t, err)
	a.subjectID = "subj-123"
	a.positions = newPositionFile(filepath.Join(a.cfg.StateDir, "subj-123.pos"), DefaultSaveDebounce)

	conn, err := a.dial()
	require.NoError(t, err)
	defer conn.Close()
	a.setConn(conn)
	require.NoError(t, a.writeFrame(models.ClientMessage{
		Type:          models.MsgResume,
		SincePosition: a.lastPosition.Load(),
	}))

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		a.readLoop(ctx, conn)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return a.lastPosition.Load() == 7
	}, 3*time.Second, 10*time.Millisecond)

	conn.Close()
	<-done

	require.Len(t, resumeCursors, 3)
	assert.Equal(t, int64(0), <-resumeCursors)
	assert.Equal(t, int64(3), <-resumeCursors)
	assert.Equal(t, int64(5), <-resumeCursors)
}

func TestAgent_WriteFrameWhileDisconnected(t *testing.T) {
	a, err := NewAgent(testConfig(t, "http://localhost:8087"))
	require.NoError(t, err)

	require.Error(t, a.writeFrame(models.ClientMessage{Type: models.MsgHeartbeat}))
}

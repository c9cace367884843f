package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/InsulaLabs/tether/config"
	"github.com/InsulaLabs/tether/models"
	"github.com/InsulaLabs/tether/store"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testReadTimeout = 3 * time.Second

func newTestCore(t *testing.T) (*Core, *httptest.Server) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.New(store.Config{
		Logger:    logger,
		Directory: t.TempDir(),
		AppCtx:    ctx,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.GenerateConfig()

	c, err := New(ctx, logger, cfg, st)
	require.NoError(t, err)
	c.buildRoutes()

	srv := httptest.NewServer(c.router)
	t.Cleanup(srv.Close)
	return c, srv
}

func authedRequest(t *testing.T, c *Core, method, url string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+c.cfg.Server.Secret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func registerSubject(t *testing.T, c *Core, srv *httptest.Server, name string) string {
	t.Helper()
	resp := authedRequest(t, c, http.MethodPost, srv.URL+"/api/v1/register", models.RegisterRequest{Name: name})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out models.RegisterResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.SubjectID)
	return out.SubjectID
}

func dialRelay(t *testing.T, c *Core, srv *httptest.Server, subjectID string, role models.ConnectionRole) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		fmt.Sprintf("/api/v1/relay?subject_id=%s&role=%s", subjectID, role)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Server.Secret)

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) models.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testReadTimeout)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg models.ServerMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func sendFrame(t *testing.T, conn *websocket.Conn, msg models.ClientMessage) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func appendText(t *testing.T, c *Core, subjectID, text string) models.Event {
	t.Helper()
	payload, err := json.Marshal(models.TextPayload{Text: text})
	require.NoError(t, err)
	event, err := c.eventLog.Append(context.Background(), subjectID, models.EventMessageOut, models.SenderProducer, payload, "", "")
	require.NoError(t, err)
	return event
}

func TestRegister_IdempotentByName(t *testing.T) {
	c, srv := newTestCore(t)

	first := registerSubject(t, c, srv, "workstation")
	second := registerSubject(t, c, srv, "workstation")
	assert.Equal(t, first, second)

	other := registerSubject(t, c, srv, "laptop")
	assert.NotEqual(t, first, other)
}

func TestRegister_Unauthorized(t *testing.T) {
	_, srv := newTestCore(t)

	raw, _ := json.Marshal(models.RegisterRequest{Name: "workstation"})
	resp, err := http.Post(srv.URL+"/api/v1/register", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelay_UnknownSubjectRejected(t *testing.T) {
	c, srv := newTestCore(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/relay?subject_id=nope&role=viewer"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Server.Secret)

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRelay_CapacityLossSkipsLivenessAttach(t *testing.T) {
	c, srv := newTestCore(t)
	subjectID := registerSubject(t, c, srv, "workstation")

	conn := dialRelay(t, c, srv, subjectID, models.RoleViewer)
	readFrame(t, conn) // greeting

	// Simulate losing the capacity race between the pre-upgrade check
	// and registration.
	c.wsConnectionLock.Lock()
	c.activeWsConnections = int32(c.cfg.Sessions.MaxConnections)
	c.wsConnectionLock.Unlock()

	s := &session{
		conn:    conn,
		subject: subjectID,
		role:    models.RoleProducer,
		send:    make(chan []byte, 1),
		service: c,
	}
	require.False(t, c.registerSession(s))

	c.sessionsLock.RLock()
	_, present := c.sessions[subjectID][s]
	c.sessionsLock.RUnlock()
	assert.False(t, present)

	// The rejected producer never reaches the tracker, so no spurious
	// online transition or status event.
	assert.False(t, c.liveness.Online(subjectID))
	last, err := c.eventLog.LastPosition(context.Background(), subjectID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)
}

func TestRelay_OriginPinnedToClientDomain(t *testing.T) {
	c, _ := newTestCore(t)
	c.cfg.Server.ClientDomain = "viewer.example.com"
	check := c.wsUpgrader.CheckOrigin

	req := httptest.NewRequest(http.MethodGet, "/api/v1/relay", nil)
	assert.True(t, check(req)) // no Origin header, non-browser client

	req.Header.Set("Origin", "https://viewer.example.com")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://VIEWER.example.com:443")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.net")
	assert.False(t, check(req))

	// With no client domain configured, any origin is accepted.
	c.cfg.Server.ClientDomain = ""
	assert.True(t, check(req))
}

func TestRelay_GreetingCarriesLastPosition(t *testing.T) {
	c, srv := newTestCore(t)
	subjectID := registerSubject(t, c, srv, "workstation")

	appendText(t, c, subjectID, "a")
	appendText(t, c, subjectID, "b")

	conn := dialRelay(t, c, srv, subjectID, models.RoleViewer)
	greeting := readFrame(t, conn)
	require.Equal(t, models.MsgGreeting, greeting.Type)
	assert.Equal(t, subjectID, greeting.SubjectID)
	assert.Equal(t, int64(2), greeting.LastPosition)
	assert.False(t, greeting.ServerTime.IsZero())
}

func TestRelay_ResumeThenLiveIsExactlyOnce(t *testing.T) {
	c, srv := newTestCore(t)
	subjectID := registerSubject(t, c, srv, "workstation")

	for i := 0; i < 3; i++ {
		appendText(t, c, subjectID, fmt.Sprintf("m%d", i))
	}

	conn := dialRelay(t, c, srv, subjectID, models.RoleViewer)
	greeting := readFrame(t, conn)
	require.Equal(t, models.MsgGreeting, greeting.Type)

	sendFrame(t, conn, models.ClientMessage{Type: models.MsgResume, SincePosition: 0})
	catchup := readFrame(t, conn)
	require.Equal(t, models.MsgCatchup, catchup.Type)
	require.Len(t, catchup.Events, 3)
	for i, ev := range catchup.Events {
		assert.Equal(t, int64(i+1), ev.Position)
	}

	// An event already covered by the batch is never re-delivered live,
	// even if its fan-out races in after the catch-up was computed.
	var sess *session
	require.Eventually(t, func() bool {
		c.sessionsLock.RLock()
		defer c.sessionsLock.RUnlock()
		for s := range c.sessions[subjectID] {
			sess = s
			return true
		}
		return false
	}, time.Second, 10*time.Millisecond)
	sess.deliverLive(2, []byte(`{"type":"event"}`))

	// Everything appended after the batch arrives live, once.
	payload, _ := json.Marshal(models.TextPayload{Text: "live"})
	_, err := c.appendAndBroadcast(subjectID, models.EventMessageOut, models.SenderProducer, payload, "", "", nil)
	require.NoError(t, err)

	live := readFrame(t, conn)
	require.Equal(t, models.MsgEvent, live.Type)
	require.NotNil(t, live.Event)
	assert.Equal(t, int64(4), live.Event.Position)
}

func TestRelay_ResumeAtLastPositionIsEmpty(t *testing.T) {
	c, srv := newTestCore(t)
	subjectID := registerSubject(t, c, srv, "workstation")

	appendText(t, c, subjectID, "a")

	conn := dialRelay(t, c, srv, subjectID, models.RoleViewer)
	readFrame(t, conn) // greeting

	sendFrame(t, conn, models.ClientMessage{Type: models.MsgResume, SincePosition: 1})
	catchup := readFrame(t, conn)
	require.Equal(t, models.MsgCatchup, catchup.Type)
	assert.Empty(t, catchup.Events)

	// Resume is re-issuable; asking again from zero replays the log.
	sendFrame(t, conn, models.ClientMessage{Type: models.MsgResume, SincePosition: 0})
	replay := readFrame(t, conn)
	require.Equal(t, models.MsgCatchup, replay.Type)
	require.Len(t, replay.Events, 1)
}

func TestRelay_PublishFansOutWithoutEcho(t *testing.T) {
	c, srv := newTestCore(t)
	subjectID := registerSubject(t, c, srv, "workstation")

	producer := dialRelay(t, c, srv, subjectID, models.RoleProducer)
	greeting := readFrame(t, producer)
	require.Equal(t, models.MsgGreeting, greeting.Type)

	// Producer attach transitions the subject online; the status event
	// is fanned out to the producer too.
	statusFrame := readFrame(t, producer)
	require.Equal(t, models.MsgEvent, statusFrame.Type)
	require.NotNil(t, statusFrame.Event)
	require.Equal(t, models.EventStatus, statusFrame.Event.Type)

	viewer := dialRelay(t, c, srv, subjectID, models.RoleViewer)
	readFrame(t, viewer) // greeting

	payload, _ := json.Marshal(models.TextPayload{Text: "hello"})
	sendFrame(t, producer, models.ClientMessage{
		Type:      models.MsgPublish,
		EventType: models.EventMessageOut,
		Sender:    models.SenderProducer,
		Payload:   payload,
	})

	fromProducer := readFrame(t, viewer)
	require.Equal(t, models.MsgEvent, fromProducer.Type)
	require.Equal(t, models.EventMessageOut, fromProducer.Event.Type)

	// The viewer publishes back; the producer's next frame must be the
	// viewer's message, not an echo of its own publish.
	inbound, _ := json.Marshal(models.TextPayload{Text: "ls -la"})
	sendFrame(t, viewer, models.ClientMessage{
		Type:      models.MsgPublish,
		EventType: models.EventMessageIn,
		Sender:    models.SenderViewer,
		Payload:   inbound,
	})

	fromViewer := readFrame(t, producer)
	require.Equal(t, models.MsgEvent, fromViewer.Type)
	require.Equal(t, models.EventMessageIn, fromViewer.Event.Type)
}

func TestRelay_UnknownMessageTypeKeepsConnectionOpen(t *testing.T) {
	c, srv := newTestCore(t)
	subjectID := registerSubject(t, c, srv, "workstation")

	conn := dialRelay(t, c, srv, subjectID, models.RoleViewer)
	readFrame(t, conn) // greeting

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	errFrame := readFrame(t, conn)
	require.Equal(t, models.MsgError, errFrame.Type)
	assert.Equal(t, models.ErrTypeMalformedMessage, errFrame.ErrorType)

	// The connection survives; a resume still works.
	sendFrame(t, conn, models.ClientMessage{Type: models.MsgResume, SincePosition: 0})
	catchup := readFrame(t, conn)
	require.Equal(t, models.MsgCatchup, catchup.Type)
}

func TestRelay_HeartbeatEmitsStatusEvent(t *testing.T) {
	c, srv := newTestCore(t)
	subjectID := registerSubject(t, c, srv, "workstation")

	producer := dialRelay(t, c, srv, subjectID, models.RoleProducer)
	readFrame(t, producer) // greeting
	readFrame(t, producer) // online status event

	require.True(t, c.liveness.Online(subjectID))

	sendFrame(t, producer, models.ClientMessage{Type: models.MsgHeartbeat})
	hb := readFrame(t, producer)
	require.Equal(t, models.MsgEvent, hb.Type)
	require.Equal(t, models.EventStatus, hb.Event.Type)

	var status models.StatusPayload
	require.NoError(t, json.Unmarshal(hb.Event.Payload, &status))
	assert.Equal(t, models.StatusHeartbeat, status.Status)
}

func TestBacklog_Endpoint(t *testing.T) {
	c, srv := newTestCore(t)
	subjectID := registerSubject(t, c, srv, "workstation")

	for i := 0; i < 5; i++ {
		appendText(t, c, subjectID, fmt.Sprintf("m%d", i))
	}

	resp := authedRequest(t, c, http.MethodGet,
		fmt.Sprintf("%s/api/v1/subjects/%s/events?since=2&limit=2", srv.URL, subjectID), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out models.BacklogResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Events, 2)
	assert.Equal(t, int64(3), out.Events[0].Position)
	assert.Equal(t, int64(4), out.Events[1].Position)
}

func TestBacklog_UnknownSubject(t *testing.T) {
	c, srv := newTestCore(t)

	resp := authedRequest(t, c, http.MethodGet, srv.URL+"/api/v1/subjects/nope/events", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var out models.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, models.ErrTypeNotFound, out.ErrorType)
}

func TestRestart_InstructionReachesProducer(t *testing.T) {
	c, srv := newTestCore(t)
	subjectID := registerSubject(t, c, srv, "workstation")

	producer := dialRelay(t, c, srv, subjectID, models.RoleProducer)
	readFrame(t, producer) // greeting
	readFrame(t, producer) // online status event

	viewer := dialRelay(t, c, srv, subjectID, models.RoleViewer)
	readFrame(t, viewer) // greeting

	resp := authedRequest(t, c, http.MethodPost,
		fmt.Sprintf("%s/api/v1/subjects/%s/restart", srv.URL, subjectID), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out["delivered"])

	instruction := readFrame(t, producer)
	require.Equal(t, models.MsgInstruction, instruction.Type)
	assert.Equal(t, models.InstructionRestart, instruction.Command)
}

func TestPing(t *testing.T) {
	c, srv := newTestCore(t)

	resp := authedRequest(t, c, http.MethodGet, srv.URL+"/api/v1/ping", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

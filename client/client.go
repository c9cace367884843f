package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/InsulaLabs/tether/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	defaultTimeout           = 10 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultReconnectInitial  = 1 * time.Second
	DefaultReconnectMax      = 30 * time.Second
	handshakeTimeout         = 10 * time.Second
	frameWriteTimeout        = 10 * time.Second
)

type Config struct {
	Logger    *slog.Logger
	ServerURL string // http(s)://host:port of the relay
	Secret    string
	Name      string // subject name; registration is idempotent on it
	StateDir  string
	Command   []string // child process argv

	HeartbeatInterval time.Duration
	FlushIdle         time.Duration
	MaxChunkSize      int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	SkipVerify        bool
}

// Agent bridges a local interactive child process to the relay: it
// registers the subject, keeps a producer connection alive with
// exponential-backoff reconnects, coalesces child output into events,
// heartbeats on a fixed interval, and resumes from the last locally
// persisted position after every reconnect.
type Agent struct {
	logger     *slog.Logger
	cfg        Config
	baseURL    *url.URL
	httpClient *http.Client

	subjectID    string
	lastPosition atomic.Int64

	positions *positionFile
	buffer    *outputBuffer
	proc      *process

	connMu sync.Mutex
	conn   *websocket.Conn

	shutdownOnce sync.Once
}

func NewAgent(cfg Config) (*Agent, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("serverURL cannot be empty")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("secret cannot be empty")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("name cannot be empty")
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("command cannot be empty")
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("stateDir cannot be empty")
	}

	baseURL, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse server url %q", cfg.ServerURL)
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = DefaultReconnectInitial
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}

	logger := cfg.Logger.WithGroup("agent")

	httpClient := &http.Client{
		Timeout: defaultTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
		},
	}

	return &Agent{
		logger:     logger,
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// Run registers the subject, starts the child process, and keeps the
// relay connection alive until the context is cancelled. A registration
// failure aborts startup.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return errors.Wrap(err, "registration failed")
	}

	a.positions = newPositionFile(
		filepath.Join(a.cfg.StateDir, a.subjectID+".pos"),
		DefaultSaveDebounce,
	)
	last, err := a.positions.Load()
	if err != nil {
		return errors.Wrap(err, "load saved position")
	}
	a.lastPosition.Store(last)
	a.logger.Info("Resuming from saved position", "subject_id", a.subjectID, "position", last)

	a.buffer = newOutputBuffer(a.cfg.FlushIdle, a.cfg.MaxChunkSize, a.publishChunk)
	a.proc = newProcess(a.logger, a.cfg.Command, func(p []byte) {
		a.buffer.Write(p)
	})
	if err := a.proc.Start(); err != nil {
		return errors.Wrap(err, "start child process")
	}

	go a.heartbeatLoop(ctx)
	a.connectLoop(ctx)

	a.Shutdown()
	return nil
}

// Shutdown flushes buffered output once, persists the position, and
// tears everything down. Safe to call concurrently; runs exactly once.
func (a *Agent) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.logger.Info("Agent shutting down")
		if a.buffer != nil {
			a.buffer.Close()
		}
		if a.positions != nil {
			if err := a.positions.Sync(); err != nil {
				a.logger.Error("Could not persist final position", "error", err)
			}
		}
		a.connMu.Lock()
		if a.conn != nil {
			a.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			a.conn.Close()
			a.conn = nil
		}
		a.connMu.Unlock()
		if a.proc != nil {
			a.proc.Stop()
		}
	})
}

func (a *Agent) register(ctx context.Context) error {
	raw, err := json.Marshal(models.RegisterRequest{Name: a.cfg.Name})
	if err != nil {
		return errors.Wrap(err, "marshal register request")
	}

	registerURL := a.baseURL.JoinPath("/api/v1/register").String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registerURL, bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(err, "build register request")
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "register request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("register returned %d: %s", resp.StatusCode, string(body))
	}

	var out models.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return errors.Wrap(err, "decode register response")
	}
	a.subjectID = out.SubjectID
	a.logger.Info("Registered subject", "name", a.cfg.Name, "subject_id", a.subjectID)
	return nil
}

func (a *Agent) relayURL() string {
	wsScheme := "ws"
	if a.baseURL.Scheme == "https" {
		wsScheme = "wss"
	}
	u := url.URL{
		Scheme: wsScheme,
		Host:   a.baseURL.Host,
		Path:   "/api/v1/relay",
	}
	q := u.Query()
	q.Set("subject_id", a.subjectID)
	q.Set("role", string(models.RoleProducer))
	u.RawQuery = q.Encode()
	return u.String()
}

func (a *Agent) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.Secret)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: a.cfg.SkipVerify},
	}

	conn, resp, err := dialer.Dial(a.relayURL(), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, errors.Wrapf(err, "dial relay (status %s)", resp.Status)
		}
		return nil, errors.Wrap(err, "dial relay")
	}
	if resp != nil {
		resp.Body.Close()
	}
	return conn, nil
}

// connectLoop maintains the relay connection: connect, resume, stream,
// and on failure retry with exponential backoff. At most one reconnect
// attempt is ever pending.
func (a *Agent) connectLoop(ctx context.Context) {
	bo := newBackoff(a.cfg.ReconnectInitial, a.cfg.ReconnectMax)

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := a.dial()
		if err != nil {
			delay := bo.Next()
			a.logger.Warn("Relay connection failed, retrying", "error", err, "retry_in", delay)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		bo.Reset()
		a.setConn(conn)
		a.logger.Info("Relay connected", "subject_id", a.subjectID)

		if err := a.writeFrame(models.ClientMessage{
			Type:          models.MsgResume,
			SincePosition: a.lastPosition.Load(),
		}); err != nil {
			a.logger.Warn("Could not send resume request", "error", err)
		}

		a.readLoop(ctx, conn)

		a.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		delay := bo.Next()
		a.logger.Info("Relay connection lost, reconnecting", "retry_in", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Catch-up batches are capped server side, so one resume may not
	// cover the whole gap. Keep paging until the cursor reaches the
	// newest position the server has reported. Live events seen before
	// then are left for the replay so the persisted position never
	// jumps over undelivered ones.
	target := a.lastPosition.Load()
	catchingUp := true

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				a.logger.Error("Relay read error", "error", err)
			} else {
				a.logger.Info("Relay connection closed", "error", err)
			}
			return
		}

		var msg models.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			a.logger.Warn("Unparseable server frame", "error", err)
			continue
		}

		switch msg.Type {
		case models.MsgGreeting:
			a.logger.Info("Greeting received", "server_last_position", msg.LastPosition, "local_position", a.lastPosition.Load())
			if msg.LastPosition > target {
				target = msg.LastPosition
			}
			if a.lastPosition.Load() >= target {
				catchingUp = false
			}
		case models.MsgCatchup:
			for _, event := range msg.Events {
				a.handleEvent(event)
			}
			if len(msg.Events) > 0 && a.lastPosition.Load() < target {
				if err := a.writeFrame(models.ClientMessage{
					Type:          models.MsgResume,
					SincePosition: a.lastPosition.Load(),
				}); err != nil {
					a.logger.Warn("Could not request next catch-up page", "error", err)
				}
			} else {
				catchingUp = false
			}
		case models.MsgEvent:
			if msg.Event == nil {
				continue
			}
			if catchingUp {
				// Still behind; the paging replay delivers this in order.
				if msg.Event.Position > target {
					target = msg.Event.Position
				}
				continue
			}
			a.handleEvent(*msg.Event)
		case models.MsgInstruction:
			a.handleInstruction(msg.Command)
		case models.MsgError:
			a.logger.Warn("Server error frame", "error_type", msg.ErrorType, "message", msg.Message)
		default:
			a.logger.Debug("Ignoring unknown server frame", "type", msg.Type)
		}
	}
}

func (a *Agent) handleEvent(event models.Event) {
	// Replays can overlap live delivery; anything at or below the
	// persisted position was already handled.
	if event.Position <= a.lastPosition.Load() {
		return
	}
	a.lastPosition.Store(event.Position)
	a.positions.Set(event.Position)

	// Inbound messages are input for the child process.
	if event.Type != models.EventMessageIn {
		return
	}
	var payload models.TextPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		a.logger.Warn("Unparseable message-in payload", "position", event.Position, "error", err)
		return
	}
	text := payload.Text
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if err := a.proc.Write([]byte(text)); err != nil {
		a.logger.Error("Could not feed input to child process", "error", err)
	}
}

func (a *Agent) handleInstruction(command string) {
	switch command {
	case models.InstructionRestart:
		a.logger.Info("Restart instruction received, respawning child process")
		if err := a.proc.Restart(); err != nil {
			a.logger.Error("Could not restart child process", "error", err)
		}
	default:
		a.logger.Warn("Unknown instruction", "command", command)
	}
}

// publishChunk is the buffer's flush callback. Failing while
// disconnected keeps the bytes buffered for the next flush.
func (a *Agent) publishChunk(chunk []byte) error {
	payload, err := json.Marshal(models.TextPayload{
		Text:      string(chunk),
		MessageID: uuid.NewString(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal output payload")
	}
	return a.writeFrame(models.ClientMessage{
		Type:      models.MsgPublish,
		EventType: models.EventMessageOut,
		Sender:    models.SenderProducer,
		Payload:   payload,
	})
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.writeFrame(models.ClientMessage{Type: models.MsgHeartbeat}); err != nil {
				a.logger.Debug("Heartbeat skipped", "error", err)
			}
		}
	}
}

func (a *Agent) setConn(conn *websocket.Conn) {
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
}

// writeFrame serializes writes to the current connection. Errors out
// immediately when disconnected.
func (a *Agent) writeFrame(v any) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return errors.New("relay connection is down")
	}
	a.conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
	return a.conn.WriteJSON(v)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

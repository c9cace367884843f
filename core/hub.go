package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/InsulaLabs/tether/eventlog"
	"github.com/InsulaLabs/tether/models"
	"github.com/InsulaLabs/tether/store"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Maximum message size allowed from peer.
)

// A session is one live relay connection, scoped to a single subject
// and a single role.
type session struct {
	conn    *websocket.Conn
	subject string
	role    models.ConnectionRole
	// Buffered channel of outbound frames.
	send chan []byte
	// Service pointer to access logger, store, etc.
	service *Core

	// Delivery floor for live fan-out. A live event at or below the
	// floor has already been covered by a catch-up batch queued on this
	// connection; skipping it keeps the resume boundary seamless.
	posMu         sync.Mutex
	lastDelivered int64
}

// relayHandler handles WebSocket requests for subject relay streams.
func (c *Core) relayHandler(w http.ResponseWriter, r *http.Request) {
	if !c.validSecret(r) {
		c.logger.Warn("Unauthorized relay connection attempt", "remote_addr", r.RemoteAddr)
		writeJSONError(w, http.StatusUnauthorized, models.ErrTypeUnauthorized, "invalid or missing token")
		return
	}

	subjectID := r.URL.Query().Get("subject_id")
	if subjectID == "" {
		c.logger.Warn("WebSocket connection attempt without subject_id")
		http.Error(w, "Missing subject_id", http.StatusBadRequest)
		return
	}
	role := models.ConnectionRole(r.URL.Query().Get("role"))
	if !role.Valid() {
		c.logger.Warn("WebSocket connection attempt with invalid role", "role", role)
		http.Error(w, "Invalid role", http.StatusBadRequest)
		return
	}

	// Unknown subjects are never implicitly created by a connection
	// attempt.
	subject, err := c.store.GetSubject(subjectID)
	if err != nil {
		if store.IsErrSubjectNotFound(err) {
			writeJSONError(w, http.StatusNotFound, models.ErrTypeNotFound, fmt.Sprintf("unknown subject %q", subjectID))
			return
		}
		c.logger.Error("Could not resolve subject for relay connection", "subject_id", subjectID, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, models.ErrTypeStoreUnavailable, "subject lookup failed")
		return
	}

	lastPosition, err := c.eventLog.LastPosition(r.Context(), subject.ID)
	if err != nil {
		c.logger.Error("Could not read last position for greeting", "subject_id", subject.ID, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, models.ErrTypeStoreUnavailable, "last position lookup failed")
		return
	}

	c.wsConnectionLock.Lock()
	if c.activeWsConnections >= int32(c.cfg.Sessions.MaxConnections) {
		c.wsConnectionLock.Unlock()
		c.logger.Warn("Max WebSocket connections reached, rejecting new connection", "current", c.activeWsConnections, "max", c.cfg.Sessions.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	c.wsConnectionLock.Unlock() // Unlock before upgrading, lock again in registerSession

	conn, err := c.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("Failed to upgrade WebSocket connection", "error", err, "subject_id", subject.ID)
		return
	}
	c.logger.Info("WebSocket connection upgraded", "remote_addr", conn.RemoteAddr().String(), "subject_id", subject.ID, "role", role)

	s := &session{
		conn:    conn,
		subject: subject.ID,
		role:    role,
		send:    make(chan []byte, c.cfg.Sessions.SendChannelSize),
		service: c,
	}

	if !c.registerSession(s) {
		return
	}

	// The greeting tells the caller where "now" is before it decides how
	// far back to resume from.
	s.queue(models.ServerMessage{
		Type:         models.MsgGreeting,
		SubjectID:    subject.ID,
		LastPosition: lastPosition,
		ServerTime:   time.Now().UTC(),
	})

	if role == models.RoleProducer {
		c.liveness.Attach(subject.ID, s)
	}

	go s.writePump()
	go s.readPump()
}

// registerSession admits the session unless the capacity check lost a
// race since the pre-upgrade look. A false return means the connection
// was closed and the session must not be greeted, attached, or pumped.
func (c *Core) registerSession(s *session) bool {
	c.sessionsLock.Lock()
	defer c.sessionsLock.Unlock()

	c.wsConnectionLock.Lock()
	defer c.wsConnectionLock.Unlock()

	if c.activeWsConnections >= int32(c.cfg.Sessions.MaxConnections) {
		c.logger.Error("Attempted to register session when max connections already met or exceeded", "active", c.activeWsConnections, "max", c.cfg.Sessions.MaxConnections)
		go s.conn.Close()
		return false
	}
	c.activeWsConnections++

	if _, ok := c.sessions[s.subject]; !ok {
		c.sessions[s.subject] = make(map[*session]bool)
	}
	c.sessions[s.subject][s] = true

	c.logger.Info("Session registered", "subject_id", s.subject, "role", s.role, "remote_addr", s.conn.RemoteAddr().String())
	return true
}

func (c *Core) unregisterSession(s *session) {
	c.sessionsLock.Lock()
	defer c.sessionsLock.Unlock()

	c.wsConnectionLock.Lock()
	defer c.wsConnectionLock.Unlock()

	if sessionsForSubject, ok := c.sessions[s.subject]; ok {
		if _, ok := sessionsForSubject[s]; ok {
			delete(c.sessions[s.subject], s)
			c.logger.Info("Session unregistered", "subject_id", s.subject, "remote_addr", s.conn.RemoteAddr().String())

			if c.activeWsConnections > 0 {
				c.activeWsConnections--
			} else {
				c.logger.Warn("Attempted to decrement active WebSocket connections below zero")
			}

			if len(c.sessions[s.subject]) == 0 {
				delete(c.sessions, s.subject)
			}

			// Detaching does not force offline; the sweeper decides.
			if s.role == models.RoleProducer {
				c.liveness.Detach(s.subject, s)
			}
		}
	}
	close(s.send)
}

// broadcastEvent fans an appended event out to every live session on
// the subject except origin. Callers must hold the subject publish lock.
func (c *Core) broadcastEvent(event models.Event, origin *session) {
	c.sessionsLock.RLock()
	defer c.sessionsLock.RUnlock()

	sessionsForSubject, ok := c.sessions[event.SubjectID]
	if !ok || len(sessionsForSubject) == 0 {
		return
	}

	message, err := json.Marshal(models.ServerMessage{
		Type:       models.MsgEvent,
		Event:      &event,
		ServerTime: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Error("Failed to marshal event for WebSocket dispatch", "subject_id", event.SubjectID, "error", err)
		return
	}

	// Fire against each session independently; one stalled subscriber
	// must not hold up the rest.
	wg := sync.WaitGroup{}
	for s := range sessionsForSubject {
		if s == origin {
			continue
		}
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			s.deliverLive(event.Position, message)
		}(s)
	}
	wg.Wait()
}

// deliverLive queues a live event frame unless a catch-up batch already
// covered this position on the connection.
func (s *session) deliverLive(position int64, message []byte) {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	if position <= s.lastDelivered {
		return
	}
	s.lastDelivered = position

	select {
	case s.send <- message:
	default:
		// The subscriber has stopped draining. Terminating it beats
		// silently skipping an event; it can reconnect and resume.
		s.service.logger.Warn("Session send channel full, terminating slow subscriber", "subject_id", s.subject, "remote_addr", s.conn.RemoteAddr())
		go s.conn.Close()
	}
}

// queue marshals and enqueues a server frame, best effort.
func (s *session) queue(msg models.ServerMessage) {
	message, err := json.Marshal(msg)
	if err != nil {
		s.service.logger.Error("Failed to marshal server message", "type", msg.Type, "error", err)
		return
	}
	select {
	case s.send <- message:
	default:
		s.service.logger.Warn("Session send channel full, frame dropped", "type", msg.Type, "subject_id", s.subject, "remote_addr", s.conn.RemoteAddr())
	}
}

func (s *session) queueError(errorType string, message string) {
	s.queue(models.ServerMessage{
		Type:       models.MsgError,
		ErrorType:  errorType,
		Message:    message,
		ServerTime: time.Now().UTC(),
	})
}

// handleResume computes the catch-up batch for the requested position
// and queues it as one frame. Re-issuable any number of times on the
// same connection.
func (s *session) handleResume(sincePosition int64) {
	c := s.service

	// Holding the floor lock across the store read closes the race with
	// concurrent fan-out: anything the batch covers is excluded from
	// live delivery, anything newer arrives live afterwards.
	s.posMu.Lock()
	defer s.posMu.Unlock()

	events, err := c.eventLog.ListSince(c.appCtx, s.subject, sincePosition, c.eventLog.MaxListLimit(), "")
	if err != nil {
		c.logger.Error("Resume read failed", "subject_id", s.subject, "since", sincePosition, "error", err)
		s.queueError(models.ErrTypeStoreUnavailable, "catch-up read failed, retry resume")
		return
	}

	floor := sincePosition
	if len(events) > 0 {
		floor = events[len(events)-1].Position
	}
	if floor > s.lastDelivered {
		s.lastDelivered = floor
	}

	message, err := json.Marshal(models.ServerMessage{
		Type:       models.MsgCatchup,
		SubjectID:  s.subject,
		Events:     events,
		ServerTime: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Error("Failed to marshal catch-up batch", "subject_id", s.subject, "error", err)
		return
	}
	select {
	case s.send <- message:
	default:
		s.service.logger.Warn("Session send channel full, terminating slow subscriber", "subject_id", s.subject, "remote_addr", s.conn.RemoteAddr())
		go s.conn.Close()
	}
}

func (s *session) handlePublish(msg models.ClientMessage) {
	c := s.service

	event, err := c.appendAndBroadcast(s.subject, msg.EventType, msg.Sender, msg.Payload, "", "", s)
	if err != nil {
		c.logger.Error("Publish failed", "subject_id", s.subject, "error", err)
		var invalid *eventlog.ErrInvalidEvent
		if errors.As(err, &invalid) {
			s.queueError(models.ErrTypeMalformedMessage, invalid.Reason)
			return
		}
		s.queueError(models.ErrTypeStoreUnavailable, "durable append failed, event not relayed")
		return
	}
	c.logger.Debug("Event published", "subject_id", s.subject, "position", event.Position, "type", event.Type)
}

func (s *session) handleHeartbeat() {
	if s.role != models.RoleProducer {
		s.service.logger.Debug("Ignoring heartbeat from non-producer session", "subject_id", s.subject, "role", s.role)
		return
	}
	s.service.liveness.Heartbeat(s.subject)
}

func (s *session) dispatch(raw []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.queueError(models.ErrTypeMalformedMessage, "frame is not valid JSON")
		return
	}

	switch msg.Type {
	case models.MsgResume:
		s.handleResume(msg.SincePosition)
	case models.MsgPublish:
		s.handlePublish(msg)
	case models.MsgHeartbeat:
		s.handleHeartbeat()
	default:
		// Unrecognized types get an error reply; the connection stays
		// open.
		s.queueError(models.ErrTypeMalformedMessage, fmt.Sprintf("unrecognized message type %q", msg.Type))
	}
}

// kick forcibly terminates the connection. Used by the liveness sweeper
// against half-open producer connections.
func (s *session) kick() {
	s.service.logger.Warn("Forcibly terminating session", "subject_id", s.subject, "remote_addr", s.conn.RemoteAddr())
	go s.conn.Close()
}

// readPump pumps messages from the WebSocket connection to the hub.
// The application runs readPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection
// by executing all reads from this goroutine.
func (s *session) readPump() {
	defer func() {
		s.service.unregisterSession(s)
		s.conn.Close()
		s.service.logger.Info(
			"WebSocket readPump finished, connection closed and unregistered",
			"remote_addr", s.conn.RemoteAddr(),
			"subject_id", s.subject,
		)
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Time{})

	s.conn.SetPongHandler(func(string) error {
		s.service.logger.Debug("WebSocket pong received", "remote_addr", s.conn.RemoteAddr())
		s.conn.SetReadDeadline(time.Time{})
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.service.logger.Error(
					"WebSocket read error",
					"remote_addr", s.conn.RemoteAddr(),
					"subject_id", s.subject,
					"error", err,
				)
			} else {
				s.service.logger.Info(
					"WebSocket connection closed",
					"remote_addr", s.conn.RemoteAddr(),
					"subject_id", s.subject,
					"error", err,
				)
			}
			break
		}
		s.dispatch(message)
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection
// by executing all writes from this goroutine.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close() // Ensure connection is closed if writePump exits
		s.service.logger.Info("WebSocket writePump finished", "remote_addr", s.conn.RemoteAddr(), "subject_id", s.subject)
	}()
	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				s.service.logger.Error("WebSocket NextWriter error", "remote_addr", s.conn.RemoteAddr(), "subject_id", s.subject, "error", err)
				return
			}
			if _, err := w.Write(message); err != nil {
				s.service.logger.Error("WebSocket message write error", "remote_addr", s.conn.RemoteAddr(), "subject_id", s.subject, "error", err)
			}
			if err := w.Close(); err != nil {
				s.service.logger.Error("WebSocket writer close error", "remote_addr", s.conn.RemoteAddr(), "subject_id", s.subject, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.service.logger.Error("WebSocket ping write error", "remote_addr", s.conn.RemoteAddr(), "subject_id", s.subject, "error", err)
				return
			}
		case <-s.service.appCtx.Done():
			s.service.logger.Info("Service context done, closing WebSocket connection from writePump", "remote_addr", s.conn.RemoteAddr())
			return
		}
	}
}

package core

import (
	"log/slog"
	"sync"
	"time"

	"github.com/InsulaLabs/tether/models"
	"github.com/InsulaLabs/tether/store"
)

// producerHandle is the tracker's view of an attached producer
// connection. The sweeper uses it to terminate half-open connections.
type producerHandle interface {
	kick()
}

type trackerConfig struct {
	Logger         *slog.Logger
	Subjects       store.SubjectDirectory
	HeartbeatGrace time.Duration

	// EmitStatus appends and fans out a system status event. Called
	// outside the tracker lock.
	EmitStatus func(subjectID string, status string)
}

type subjectState struct {
	lastHeartbeat time.Time
	online        bool
	producers     map[producerHandle]bool
}

// tracker is the per-subject online/offline state machine. Transitions
// to online happen on attach or heartbeat; transitions to offline only
// happen in Sweep, so a dropped connection racing a fresh reconnect
// within the grace window never flaps the subject.
type tracker struct {
	logger   *slog.Logger
	subjects store.SubjectDirectory
	grace    time.Duration
	emit     func(subjectID string, status string)

	mu     sync.Mutex
	states map[string]*subjectState
}

func newTracker(cfg trackerConfig) *tracker {
	return &tracker{
		logger:   cfg.Logger,
		subjects: cfg.Subjects,
		grace:    cfg.HeartbeatGrace,
		emit:     cfg.EmitStatus,
		states:   make(map[string]*subjectState),
	}
}

func (t *tracker) state(subjectID string) *subjectState {
	st, ok := t.states[subjectID]
	if !ok {
		st = &subjectState{producers: make(map[producerHandle]bool)}
		t.states[subjectID] = st
	}
	return st
}

// Attach records a producer connection. The first attach while offline
// transitions the subject online and emits exactly one online status
// event.
func (t *tracker) Attach(subjectID string, h producerHandle) {
	now := time.Now().UTC()

	t.mu.Lock()
	st := t.state(subjectID)
	st.producers[h] = true
	st.lastHeartbeat = now
	transitioned := !st.online
	st.online = true
	t.mu.Unlock()

	if transitioned {
		t.goOnline(subjectID, now)
	}
}

// Detach removes a producer connection. It never forces offline; the
// sweeper owns that transition.
func (t *tracker) Detach(subjectID string, h producerHandle) {
	t.mu.Lock()
	if st, ok := t.states[subjectID]; ok {
		delete(st.producers, h)
	}
	t.mu.Unlock()
}

// Heartbeat refreshes the subject's last-heartbeat time. A heartbeat
// while offline transitions the subject online; one while already
// online emits only the lightweight heartbeat status event.
func (t *tracker) Heartbeat(subjectID string) {
	now := time.Now().UTC()

	t.mu.Lock()
	st := t.state(subjectID)
	st.lastHeartbeat = now
	transitioned := !st.online
	st.online = true
	t.mu.Unlock()

	if transitioned {
		t.goOnline(subjectID, now)
		return
	}

	if err := t.subjects.SetSubjectStatus(subjectID, models.SubjectOnline, now); err != nil {
		t.logger.Error("Could not touch subject record on heartbeat", "subject_id", subjectID, "error", err)
	}
	t.emit(subjectID, models.StatusHeartbeat)
}

func (t *tracker) goOnline(subjectID string, now time.Time) {
	t.logger.Info("Subject transitioned online", "subject_id", subjectID)
	if err := t.subjects.SetSubjectStatus(subjectID, models.SubjectOnline, now); err != nil {
		t.logger.Error("Could not persist online status", "subject_id", subjectID, "error", err)
	}
	t.emit(subjectID, models.StatusOnline)
}

// Online reports the tracker's current view of a subject.
func (t *tracker) Online(subjectID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[subjectID]
	return ok && st.online
}

// Sweep forces offline transitions for subjects whose heartbeats have
// gone stale past the grace threshold. Producer connections that are
// still attached but silent are half-open failures; they get terminated
// so the subject does not masquerade as live.
func (t *tracker) Sweep(now time.Time) {
	type transition struct {
		subjectID     string
		lastHeartbeat time.Time
		stale         []producerHandle
	}
	var transitions []transition

	t.mu.Lock()
	for subjectID, st := range t.states {
		if !st.online {
			continue
		}
		if now.Sub(st.lastHeartbeat) <= t.grace {
			continue
		}
		tr := transition{subjectID: subjectID, lastHeartbeat: st.lastHeartbeat}
		for h := range st.producers {
			tr.stale = append(tr.stale, h)
		}
		st.producers = make(map[producerHandle]bool)
		st.online = false
		transitions = append(transitions, tr)
	}
	t.mu.Unlock()

	for _, tr := range transitions {
		t.logger.Warn(
			"Subject heartbeat stale, transitioning offline",
			"subject_id", tr.subjectID,
			"last_heartbeat", tr.lastHeartbeat,
			"stale_connections", len(tr.stale),
		)
		for _, h := range tr.stale {
			h.kick()
		}
		if err := t.subjects.SetSubjectStatus(tr.subjectID, models.SubjectOffline, tr.lastHeartbeat); err != nil {
			t.logger.Error("Could not persist offline status", "subject_id", tr.subjectID, "error", err)
		}
		t.emit(tr.subjectID, models.StatusOffline)
	}
}

package core

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/InsulaLabs/tether/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubjects struct {
	mu       sync.Mutex
	statuses []models.SubjectStatus
}

func (f *fakeSubjects) CreateSubject(name string) (models.Subject, error) {
	return models.Subject{ID: name, Name: name}, nil
}

func (f *fakeSubjects) GetSubject(id string) (models.Subject, error) {
	return models.Subject{ID: id}, nil
}

func (f *fakeSubjects) SetSubjectStatus(id string, status models.SubjectStatus, lastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

type statusRecorder struct {
	mu      sync.Mutex
	emitted []string
}

func (r *statusRecorder) emit(subjectID string, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitted = append(r.emitted, status)
}

func (r *statusRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.emitted...)
}

type fakeHandle struct {
	mu     sync.Mutex
	kicked bool
}

func (h *fakeHandle) kick() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kicked = true
}

func (h *fakeHandle) wasKicked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kicked
}

func newTestTracker(t *testing.T) (*tracker, *statusRecorder) {
	t.Helper()
	rec := &statusRecorder{}
	tr := newTracker(trackerConfig{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Subjects:       &fakeSubjects{},
		HeartbeatGrace: 30 * time.Second,
		EmitStatus:     rec.emit,
	})
	return tr, rec
}

func TestTracker_AttachTransitionsOnlineOnce(t *testing.T) {
	tr, rec := newTestTracker(t)

	tr.Attach("subj-1", &fakeHandle{})
	tr.Attach("subj-1", &fakeHandle{})

	assert.True(t, tr.Online("subj-1"))
	require.Equal(t, []string{models.StatusOnline}, rec.all())
}

func TestTracker_HeartbeatWhileOnlineEmitsHeartbeatOnly(t *testing.T) {
	tr, rec := newTestTracker(t)

	tr.Attach("subj-1", &fakeHandle{})
	tr.Heartbeat("subj-1")
	tr.Heartbeat("subj-1")

	require.Equal(t, []string{models.StatusOnline, models.StatusHeartbeat, models.StatusHeartbeat}, rec.all())
}

func TestTracker_HeartbeatWhileOfflineTransitionsOnline(t *testing.T) {
	tr, rec := newTestTracker(t)

	tr.Heartbeat("subj-1")

	assert.True(t, tr.Online("subj-1"))
	require.Equal(t, []string{models.StatusOnline}, rec.all())
}

func TestTracker_DetachDoesNotForceOffline(t *testing.T) {
	tr, rec := newTestTracker(t)

	h := &fakeHandle{}
	tr.Attach("subj-1", h)
	tr.Detach("subj-1", h)

	assert.True(t, tr.Online("subj-1"))
	require.Equal(t, []string{models.StatusOnline}, rec.all())
}

func TestTracker_SweepWithinGraceIsNoOp(t *testing.T) {
	tr, rec := newTestTracker(t)

	tr.Attach("subj-1", &fakeHandle{})
	tr.Sweep(time.Now().UTC().Add(10 * time.Second))

	assert.True(t, tr.Online("subj-1"))
	require.Equal(t, []string{models.StatusOnline}, rec.all())
}

func TestTracker_SweepMarksStaleOfflineOnce(t *testing.T) {
	tr, rec := newTestTracker(t)

	h := &fakeHandle{}
	tr.Attach("subj-1", h)

	stale := time.Now().UTC().Add(31 * time.Second)
	tr.Sweep(stale)

	assert.False(t, tr.Online("subj-1"))
	assert.True(t, h.wasKicked())
	require.Equal(t, []string{models.StatusOnline, models.StatusOffline}, rec.all())

	// A second sweep past the grace threshold emits nothing new.
	tr.Sweep(stale.Add(time.Minute))
	require.Equal(t, []string{models.StatusOnline, models.StatusOffline}, rec.all())
}

func TestTracker_FreshHeartbeatResetsSweepClock(t *testing.T) {
	tr, rec := newTestTracker(t)

	tr.Attach("subj-1", &fakeHandle{})
	tr.Sweep(time.Now().UTC().Add(31 * time.Second))
	require.False(t, tr.Online("subj-1"))

	// A reconnecting producer brings the subject back.
	tr.Heartbeat("subj-1")
	assert.True(t, tr.Online("subj-1"))
	require.Equal(t, []string{models.StatusOnline, models.StatusOffline, models.StatusOnline}, rec.all())
}

package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/InsulaLabs/tether/models"
	"github.com/InsulaLabs/tether/store"
	"github.com/google/uuid"
)

const (
	DefaultMaxListLimit = 200
	scanBatchSize       = 64
)

// ErrStoreUnavailable wraps a durable-store failure. The caller decides
// whether to retry; the relay never fans out an event that failed to
// append.
type ErrStoreUnavailable struct {
	Err error
}

func (e *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("durable store unavailable: %v", e.Err)
}

func (e *ErrStoreUnavailable) Unwrap() error {
	return e.Err
}

type ErrInvalidEvent struct {
	Reason string
}

func (e *ErrInvalidEvent) Error() string {
	return fmt.Sprintf("invalid event: %s", e.Reason)
}

type Config struct {
	Logger       *slog.Logger
	Store        store.Store
	MaxListLimit int
}

// Log is the typed façade over the durable ordered store. It stamps
// identity and creation time, validates the type/sender tags, and maps
// store failures to ErrStoreUnavailable.
type Log struct {
	logger       *slog.Logger
	store        store.Store
	maxListLimit int
}

func New(config Config) *Log {
	if config.MaxListLimit <= 0 {
		config.MaxListLimit = DefaultMaxListLimit
	}
	return &Log{
		logger:       config.Logger.WithGroup("eventlog"),
		store:        config.Store,
		maxListLimit: config.MaxListLimit,
	}
}

func (l *Log) MaxListLimit() int {
	return l.maxListLimit
}

func (l *Log) Append(
	ctx context.Context,
	subjectID string,
	eventType models.EventType,
	sender models.Sender,
	payload json.RawMessage,
	userID string,
	tenantID string,
) (models.Event, error) {
	if err := ctx.Err(); err != nil {
		return models.Event{}, err
	}
	if subjectID == "" {
		return models.Event{}, &ErrInvalidEvent{Reason: "subject id is empty"}
	}
	if !eventType.Valid() {
		return models.Event{}, &ErrInvalidEvent{Reason: fmt.Sprintf("unknown event type %q", eventType)}
	}
	if !sender.Valid() {
		return models.Event{}, &ErrInvalidEvent{Reason: fmt.Sprintf("unknown sender %q", sender)}
	}

	event := models.Event{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Type:      eventType,
		Sender:    sender,
		Payload:   payload,
		UserID:    userID,
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
	}

	stored, err := l.store.Append(event)
	if err != nil {
		l.logger.Error("durable append failed", "subject_id", subjectID, "error", err)
		return models.Event{}, &ErrStoreUnavailable{Err: err}
	}
	return stored, nil
}

// ListSince returns events with position strictly greater than
// sincePosition, ascending, capped at limit. Out-of-range limits are
// clamped, not rejected. Calling again with the last returned position
// continues where the previous call left off.
func (l *Log) ListSince(
	ctx context.Context,
	subjectID string,
	sincePosition int64,
	limit int,
	typeFilter models.EventType,
) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 1
	}
	if limit > l.maxListLimit {
		limit = l.maxListLimit
	}
	if sincePosition < 0 {
		sincePosition = 0
	}

	if typeFilter == "" {
		events, err := l.store.Range(subjectID, sincePosition, limit)
		if err != nil {
			return nil, &ErrStoreUnavailable{Err: err}
		}
		return events, nil
	}

	// With a type filter the scan keeps paging until enough matching
	// events are collected or the log is exhausted.
	matched := make([]models.Event, 0, limit)
	cursor := sincePosition
	for len(matched) < limit {
		batch, err := l.store.Range(subjectID, cursor, scanBatchSize)
		if err != nil {
			return nil, &ErrStoreUnavailable{Err: err}
		}
		if len(batch) == 0 {
			break
		}
		for _, event := range batch {
			if event.Type == typeFilter {
				matched = append(matched, event)
				if len(matched) == limit {
					break
				}
			}
		}
		cursor = batch[len(batch)-1].Position
	}
	return matched, nil
}

func (l *Log) LastPosition(ctx context.Context, subjectID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	last, err := l.store.LastPosition(subjectID)
	if err != nil {
		return 0, &ErrStoreUnavailable{Err: err}
	}
	return last, nil
}

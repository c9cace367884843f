package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/InsulaLabs/tether/models"
	"github.com/dgraph-io/badger/v3"
	"github.com/jellydator/ttlcache/v3"
)

var DefaultSubjectCacheTTL = 30 * time.Second

type Config struct {
	Logger          *slog.Logger
	Directory       string
	AppCtx          context.Context
	SubjectCacheTTL time.Duration
}

// EventAppender is the "assign next position and persist" capability.
// Position assignment and the event write commit in one transaction;
// positions are strictly increasing per subject but not guaranteed
// gap-free.
type EventAppender interface {
	Append(event models.Event) (models.Event, error)
}

// EventReader provides range reads by position.
type EventReader interface {
	// Range returns events with position strictly greater than
	// sincePosition, ascending, at most limit entries.
	Range(subjectID string, sincePosition int64, limit int) ([]models.Event, error)
	LastPosition(subjectID string) (int64, error)
}

// SubjectDirectory manages subject records. CreateSubject is idempotent
// on name.
type SubjectDirectory interface {
	CreateSubject(name string) (models.Subject, error)
	GetSubject(id string) (models.Subject, error)
	SetSubjectStatus(id string, status models.SubjectStatus, lastSeen time.Time) error
}

type Store interface {
	EventAppender
	EventReader
	SubjectDirectory

	Close() error

	GetDataDB() *badger.DB
	GetSubjectCache() *ttlcache.Cache[string, models.Subject]
}

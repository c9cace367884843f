package store

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/InsulaLabs/tether/models"
	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

const (
	subjectKeyPrefix     = "subject:id:"
	subjectNameKeyPrefix = "subject:name:"
	seqKeyPrefix         = "seq:"
	eventKeyPrefix       = "event:"

	gcInterval     = 5 * time.Minute
	gcDiscardRatio = 0.5
)

func subjectKey(id string) []byte {
	return []byte(subjectKeyPrefix + id)
}

func subjectNameKey(name string) []byte {
	return []byte(subjectNameKeyPrefix + name)
}

func seqKey(subjectID string) []byte {
	return []byte(seqKeyPrefix + subjectID)
}

// eventKey pads the position to 20 digits so badger's lexicographic
// iteration order matches position order.
func eventKey(subjectID string, position int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", eventKeyPrefix, subjectID, position))
}

func eventPrefix(subjectID string) []byte {
	return []byte(eventKeyPrefix + subjectID + ":")
}

type impl struct {
	logger       *slog.Logger
	db           *badger.DB
	subjectCache *ttlcache.Cache[string, models.Subject]
	cacheTTL     time.Duration
}

var _ Store = &impl{}

func New(config Config) (Store, error) {
	if err := os.MkdirAll(config.Directory, 0755); err != nil {
		return nil, &ErrInternal{Err: err}
	}

	db, err := badger.Open(
		badger.DefaultOptions(config.Directory).
			WithLogger(newLogger(config.Logger.WithGroup("badger"))))
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	if config.SubjectCacheTTL == 0 {
		config.SubjectCacheTTL = DefaultSubjectCacheTTL
	}

	// Touch-on-hit is disabled so a subject record is never stale for
	// longer than the configured TTL regardless of read frequency.
	cache := ttlcache.New[string, models.Subject](
		ttlcache.WithTTL[string, models.Subject](config.SubjectCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, models.Subject](),
	)
	go cache.Start()

	s := &impl{
		logger:       config.Logger.WithGroup("store"),
		db:           db,
		subjectCache: cache,
		cacheTTL:     config.SubjectCacheTTL,
	}
	if config.AppCtx != nil {
		go s.gcLoop(config.AppCtx)
	}
	return s, nil
}

// gcLoop reclaims badger value-log space until the application context
// ends. RunValueLogGC rewrites at most one file per call, so each tick
// drains until it reports nothing left to collect.
func (s *impl) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(gcDiscardRatio); err != nil {
					break
				}
				s.logger.Debug("value log gc reclaimed a file")
			}
		}
	}
}

func (s *impl) Close() error {
	s.subjectCache.Stop()
	if err := s.db.Close(); err != nil {
		s.logger.Error("error closing store db", "error", err)
		return &ErrInternal{Err: err}
	}
	return nil
}

func (s *impl) GetDataDB() *badger.DB {
	return s.db
}

func (s *impl) GetSubjectCache() *ttlcache.Cache[string, models.Subject] {
	return s.subjectCache
}

// -------------------------- SUBJECTS

func (s *impl) CreateSubject(name string) (models.Subject, error) {
	var subject models.Subject
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(subjectNameKey(name))
		if err == nil {
			// Already registered; resolve the existing record.
			idBytes, err := item.ValueCopy(nil)
			if err != nil {
				return errors.Wrap(err, "copy subject name index")
			}
			existing, err := readSubject(txn, string(idBytes))
			if err != nil {
				return err
			}
			subject = existing
			return nil
		}
		if !goerrors.Is(err, badger.ErrKeyNotFound) {
			return errors.Wrap(err, "get subject name index")
		}

		subject = models.Subject{
			ID:        uuid.NewString(),
			Name:      name,
			Status:    models.SubjectOffline,
			CreatedAt: time.Now().UTC(),
		}
		raw, err := json.Marshal(subject)
		if err != nil {
			return errors.Wrap(err, "marshal subject")
		}
		if err := txn.Set(subjectKey(subject.ID), raw); err != nil {
			return errors.Wrap(err, "set subject record")
		}
		if err := txn.Set(subjectNameKey(name), []byte(subject.ID)); err != nil {
			return errors.Wrap(err, "set subject name index")
		}
		return nil
	})
	if err != nil {
		return models.Subject{}, &ErrInternal{Err: err}
	}
	s.subjectCache.Set(subject.ID, subject, s.cacheTTL)
	return subject, nil
}

func readSubject(txn *badger.Txn, id string) (models.Subject, error) {
	item, err := txn.Get(subjectKey(id))
	if err != nil {
		if goerrors.Is(err, badger.ErrKeyNotFound) {
			return models.Subject{}, &ErrSubjectNotFound{ID: id}
		}
		return models.Subject{}, errors.Wrap(err, "get subject record")
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return models.Subject{}, errors.Wrap(err, "copy subject record")
	}
	var subject models.Subject
	if err := json.Unmarshal(raw, &subject); err != nil {
		return models.Subject{}, errors.Wrap(err, "unmarshal subject record")
	}
	return subject, nil
}

func (s *impl) GetSubject(id string) (models.Subject, error) {
	if item := s.subjectCache.Get(id); item != nil && !item.IsExpired() {
		return item.Value(), nil
	}

	var subject models.Subject
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := readSubject(txn, id)
		if err != nil {
			return err
		}
		subject = found
		return nil
	})
	if err != nil {
		if IsErrSubjectNotFound(err) {
			return models.Subject{}, err
		}
		return models.Subject{}, &ErrInternal{Err: err}
	}
	s.subjectCache.Set(id, subject, s.cacheTTL)
	return subject, nil
}

func (s *impl) SetSubjectStatus(id string, status models.SubjectStatus, lastSeen time.Time) error {
	var subject models.Subject
	err := s.db.Update(func(txn *badger.Txn) error {
		found, err := readSubject(txn, id)
		if err != nil {
			return err
		}
		found.Status = status
		if lastSeen.After(found.LastSeenAt) {
			found.LastSeenAt = lastSeen
		}
		raw, err := json.Marshal(found)
		if err != nil {
			return errors.Wrap(err, "marshal subject record")
		}
		if err := txn.Set(subjectKey(id), raw); err != nil {
			return errors.Wrap(err, "set subject record")
		}
		subject = found
		return nil
	})
	if err != nil {
		if IsErrSubjectNotFound(err) {
			return err
		}
		return &ErrInternal{Err: err}
	}
	s.subjectCache.Set(id, subject, s.cacheTTL)
	return nil
}

// -------------------------- EVENTS

// Append assigns the next position for the event's subject and persists
// the event in the same transaction. The returned event carries the
// assigned position.
func (s *impl) Append(event models.Event) (models.Event, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		last, err := readSeq(txn, event.SubjectID)
		if err != nil {
			return err
		}
		event.Position = last + 1

		raw, err := json.Marshal(event)
		if err != nil {
			return errors.Wrap(err, "marshal event")
		}
		if err := txn.Set(eventKey(event.SubjectID, event.Position), raw); err != nil {
			return errors.Wrap(err, "set event")
		}
		if err := txn.Set(seqKey(event.SubjectID), []byte(strconv.FormatInt(event.Position, 10))); err != nil {
			return errors.Wrap(err, "set sequence counter")
		}
		return nil
	})
	if err != nil {
		return models.Event{}, &ErrInternal{Err: err}
	}
	return event, nil
}

func readSeq(txn *badger.Txn, subjectID string) (int64, error) {
	item, err := txn.Get(seqKey(subjectID))
	if err != nil {
		if goerrors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "get sequence counter")
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, errors.Wrap(err, "copy sequence counter")
	}
	val, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse sequence counter")
	}
	return val, nil
}

func (s *impl) Range(subjectID string, sincePosition int64, limit int) ([]models.Event, error) {
	var events []models.Event
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := eventPrefix(subjectID)
		for it.Seek(eventKey(subjectID, sincePosition+1)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return errors.Wrap(err, "copy event")
			}
			var event models.Event
			if err := json.Unmarshal(raw, &event); err != nil {
				return errors.Wrap(err, "unmarshal event")
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}
	return events, nil
}

func (s *impl) LastPosition(subjectID string) (int64, error) {
	var last int64
	err := s.db.View(func(txn *badger.Txn) error {
		val, err := readSeq(txn, subjectID)
		if err != nil {
			return err
		}
		last = val
		return nil
	})
	if err != nil {
		return 0, &ErrInternal{Err: err}
	}
	return last, nil
}

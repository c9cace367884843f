package client

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const DefaultSaveDebounce = 1 * time.Second

// positionFile persists the last-seen event position for one subject.
// Writes go to a temp file in the same directory followed by a rename
// so a crash mid-write cannot corrupt the saved position. Saves are
// debounced to at most one write per debounce interval.
type positionFile struct {
	path     string
	debounce time.Duration

	mu        sync.Mutex
	pending   int64
	lastWrite time.Time
	timer     *time.Timer
}

func newPositionFile(path string, debounce time.Duration) *positionFile {
	if debounce <= 0 {
		debounce = DefaultSaveDebounce
	}
	return &positionFile{
		path:     path,
		debounce: debounce,
	}
}

// Load reads the saved position. A missing file means position 0.
func (p *positionFile) Load() (int64, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "read position file")
	}
	position, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse position file %s", p.path)
	}
	p.mu.Lock()
	p.pending = position
	p.mu.Unlock()
	return position, nil
}

// Set records a new position. Positions never move backwards. The
// actual write happens immediately if the last write is older than the
// debounce interval, otherwise it is scheduled.
func (p *positionFile) Set(position int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if position <= p.pending {
		return
	}
	p.pending = position

	if time.Since(p.lastWrite) >= p.debounce {
		p.writeLocked()
		return
	}
	if p.timer == nil {
		p.timer = time.AfterFunc(p.debounce, func() { p.Sync() })
	}
}

// Sync forces any pending position to disk now.
func (p *positionFile) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked()
}

func (p *positionFile) writeLocked() error {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create state directory")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp position file")
	}
	if _, err := tmp.WriteString(strconv.FormatInt(p.pending, 10)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write temp position file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close temp position file")
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "rename position file")
	}

	p.lastWrite = time.Now()
	return nil
}

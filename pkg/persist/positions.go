// Package persist keeps the last known servo positions on disk so the
// skeleton can resume where it stopped.
package persist

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultFile is the name of the positions file.
const DefaultFile = "persistedServoPositions.json"

// FlushInterval is how often changed positions are written.
const FlushInterval = time.Second

// Load reads the persisted positions. A missing file yields an empty map.
func Load(path string) (map[string]int, error) {
	positions := map[string]int{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return positions, nil
		}
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return positions, nil
}

// Positions collects position changes and writes them out when asked.
type Positions struct {
	path   string
	logger *zap.SugaredLogger

	mu        sync.Mutex
	positions map[string]int
	dirty     bool
}

// New returns a store for path, seeded with the already known positions.
func New(path string, initial map[string]int, logger *zap.SugaredLogger) *Positions {
	p := &Positions{path: path, logger: logger, positions: make(map[string]int, len(initial))}
	for name, pos := range initial {
		p.positions[name] = pos
	}
	return p
}

// MarkChanged records a new position for name.
func (p *Positions) MarkChanged(name string, pos int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.positions[name]; ok && old == pos {
		return
	}
	p.positions[name] = pos
	p.dirty = true
}

// Get returns the last recorded position of name.
func (p *Positions) Get(name string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[name]
	return pos, ok
}

// Dirty reports whether there are unwritten changes.
func (p *Positions) Dirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

// FlushIfDirty writes the positions when something changed since the last
// write. The file is replaced atomically.
func (p *Positions) FlushIfDirty() error {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(p.positions, "", "  ")
	p.dirty = false
	p.mu.Unlock()
	if err != nil {
		return err
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		p.markDirty()
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		p.markDirty()
		return errors.Wrapf(err, "replace %s", p.path)
	}
	return nil
}

func (p *Positions) markDirty() {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
}

// Schedule flushes every interval until ctx is done, then flushes a last
// time.
func (p *Positions) Schedule(ctx context.Context, interval time.Duration) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := p.FlushIfDirty(); err != nil {
				p.logger.Warnw("saving positions failed", "file", p.path, "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return multierr.Append(errors.Wrap(err, "create flush job"), s.Shutdown())
	}
	s.Start()
	p.logger.Debugw("position flush job started", "file", p.path, "interval", interval)

	<-ctx.Done()
	return multierr.Append(s.Shutdown(), p.FlushIfDirty())
}

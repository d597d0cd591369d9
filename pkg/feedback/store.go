package feedback

import (
	"context"
	"sync"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/q"
	"github.com/pkg/errors"
)

// ErrNoTrace is returned when a trace does not exist.
var ErrNoTrace = errors.New("feedback: no such trace")

// StormStore keeps traces in a bolt database.
type StormStore struct {
	db *storm.DB
}

// OpenStormStore opens or creates the trace database at path.
func OpenStormStore(path string) (*StormStore, error) {
	db, err := storm.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open trace db %s", path)
	}
	if err := db.Init(&Trace{}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init trace bucket")
	}
	return &StormStore{db: db}, nil
}

// Store implements Store.
func (s *StormStore) Store(ctx context.Context, tr *Trace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Save(tr)
}

// List returns the traces of servo in the order they were stored. An empty
// servo lists all traces.
func (s *StormStore) List(servo string) ([]Trace, error) {
	var traces []Trace
	query := s.db.Select()
	if servo != "" {
		query = s.db.Select(q.Eq("Servo", servo))
	}
	err := query.OrderBy("ID").Find(&traces)
	if errors.Is(err, storm.ErrNotFound) {
		return nil, nil
	}
	return traces, err
}

// Get returns the trace with the given id.
func (s *StormStore) Get(id int) (Trace, error) {
	var tr Trace
	err := s.db.One("ID", id, &tr)
	if errors.Is(err, storm.ErrNotFound) {
		return Trace{}, errors.Wrapf(ErrNoTrace, "%d", id)
	}
	return tr, err
}

// Close closes the database.
func (s *StormStore) Close() error {
	return s.db.Close()
}

// MemoryStore keeps traces in memory. It serves when no trace database is
// configured.
type MemoryStore struct {
	mu     sync.Mutex
	traces []Trace
}

// Store implements Store.
func (m *MemoryStore) Store(ctx context.Context, tr *Trace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tr.ID = len(m.traces) + 1
	m.traces = append(m.traces, *tr)
	return nil
}

// Traces returns the stored traces.
func (m *MemoryStore) Traces() []Trace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Trace(nil), m.traces...)
}

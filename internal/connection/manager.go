// Package connection keeps the named external connections a daemon works
// with and renews them on demand.
package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/jobd/internal/log"
	"github.com/mattjoyce/jobd/internal/storage"
)

// DefaultName is renewed when no connection names are configured.
const DefaultName = "db"

var ErrUnknownConnection = errors.New("unknown connection")

// Opener dials one named connection.
type Opener func(ctx context.Context) (*sql.DB, error)

// SQLiteOpener opens the database file at path.
func SQLiteOpener(path string) Opener {
	return func(ctx context.Context) (*sql.DB, error) {
		return storage.OpenSQLite(ctx, path)
	}
}

// Manager holds connections by name. A registered connection is opened
// lazily on first Get or Acquire.
type Manager struct {
	mu      sync.Mutex
	openers map[string]Opener
	conns   map[string]*handle
	logger  *slog.Logger
}

// handle is one open *sql.DB and the leases still holding it. A retired
// handle is closed when its last lease is released.
type handle struct {
	db      *sql.DB
	refs    int
	retired bool
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = log.WithComponent("connection")
	}
	return &Manager{
		openers: make(map[string]Opener),
		conns:   make(map[string]*handle),
		logger:  logger,
	}
}

// Register adds or replaces the opener for name. An open connection under
// the same name is kept until the next Close.
func (m *Manager) Register(name string, open Opener) {
	m.mu.Lock()
	m.openers[name] = open
	m.mu.Unlock()
}

func (m *Manager) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.openers[name]
	return ok
}

// Names returns the registered names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.openers))
	for name := range m.openers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open dials name and swaps it in for any connection already open under it.
// The previous handle is closed once nobody holds a lease on it.
func (m *Manager) Open(ctx context.Context, name string) error {
	m.mu.Lock()
	open, ok := m.openers[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownConnection, name)
	}

	db, err := open(ctx)
	if err != nil {
		return fmt.Errorf("open connection %q: %w", name, err)
	}

	m.mu.Lock()
	old := m.conns[name]
	m.conns[name] = &handle{db: db}
	err = m.retireLocked(name, old)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("closing previous connection failed", "connection", name, "error", err)
	}
	return nil
}

// Close releases the connection under name. Closing a connection that is
// not open is a no-op. A handle still leased is closed by its last Release.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.conns[name]
	if !ok {
		return nil
	}
	delete(m.conns, name)
	return m.retireLocked(name, h)
}

func (m *Manager) retireLocked(name string, h *handle) error {
	if h == nil {
		return nil
	}
	h.retired = true
	if h.refs > 0 {
		m.logger.Debug("connection close deferred", "connection", name, "leases", h.refs)
		return nil
	}
	if err := h.db.Close(); err != nil {
		return fmt.Errorf("close connection %q: %w", name, err)
	}
	return nil
}

// Get returns the open connection for name, opening it if needed. The handle
// is closed by the next Renew or Close; callers racing with those use Acquire.
func (m *Manager) Get(ctx context.Context, name string) (*sql.DB, error) {
	h, err := m.current(ctx, name, false)
	if err != nil {
		return nil, err
	}
	return h.db, nil
}

// Acquire returns the open connection for name with a lease on it, opening
// it if needed. The handle stays usable until release is called, even when
// Renew swaps in a new one meanwhile. release may be called more than once.
func (m *Manager) Acquire(ctx context.Context, name string) (*sql.DB, func(), error) {
	h, err := m.current(ctx, name, true)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	release := func() {
		once.Do(func() { m.release(name, h) })
	}
	return h.db, release, nil
}

func (m *Manager) current(ctx context.Context, name string, lease bool) (*handle, error) {
	for {
		m.mu.Lock()
		if h, ok := m.conns[name]; ok {
			if lease {
				h.refs++
			}
			m.mu.Unlock()
			return h, nil
		}
		m.mu.Unlock()

		if err := m.openIfMissing(ctx, name); err != nil {
			return nil, err
		}
	}
}

// openIfMissing dials name unless another caller got there first.
func (m *Manager) openIfMissing(ctx context.Context, name string) error {
	m.mu.Lock()
	open, ok := m.openers[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownConnection, name)
	}
	db, err := open(ctx)
	if err != nil {
		return fmt.Errorf("open connection %q: %w", name, err)
	}

	m.mu.Lock()
	_, exists := m.conns[name]
	if !exists {
		m.conns[name] = &handle{db: db}
	}
	m.mu.Unlock()
	if exists {
		return db.Close()
	}
	return nil
}

func (m *Manager) release(name string, h *handle) {
	m.mu.Lock()
	h.refs--
	closing := h.retired && h.refs == 0
	m.mu.Unlock()
	if !closing {
		return
	}
	if err := h.db.Close(); err != nil {
		m.logger.Warn("closing released connection failed", "connection", name, "error", err)
	}
}

// Renew reopens each named connection, dropping whatever state the old
// handle carried. The old handle is closed once its leases are released.
// With no names it renews DefaultName. Names that are not registered are
// logged and skipped.
func (m *Manager) Renew(ctx context.Context, names []string) error {
	if len(names) == 0 {
		names = []string{DefaultName}
	}
	var errs []error
	for _, name := range names {
		if !m.Has(name) {
			m.logger.Info(fmt.Sprintf("No `%s` connection to refresh", name))
			continue
		}
		if err := m.Open(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Debug("connection renewed", "connection", name)
	}
	return errors.Join(errs...)
}

// CloseAll closes every open connection.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, h := range m.conns {
		delete(m.conns, name)
		if err := m.retireLocked(name, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

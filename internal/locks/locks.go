// Package locks keeps two campaigns from running the same lane, or from
// sharing a build directory, at the same time. Lanes built from another
// lane's sources (valgrind from hardened) run in that lane's build
// directory and both clear its save files before every trial.
package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultLease bounds how long an abandoned reservation blocks others.
	DefaultLease = 6 * time.Hour
	// DefaultFileName is the reservation file kept under the log root.
	DefaultFileName = ".gauntlet-locks.json"
)

// ErrLaneLocked means another live campaign holds one of the requested keys.
var ErrLaneLocked = errors.New("lane is locked by another campaign")

// LaneKey names a lane reservation.
func LaneKey(name string) string { return "lane:" + strings.TrimSpace(name) }

// DirKey names a build directory reservation.
func DirKey(dir string) string { return "dir:" + filepath.Clean(strings.TrimSpace(dir)) }

// Reservation is one campaign's claim on a set of keys.
type Reservation struct {
	Campaign   string    `json:"campaign"`
	Keys       []string  `json:"keys"`
	Host       string    `json:"host"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Store persists reservations. Update runs fn as one read-modify-write.
type Store interface {
	Load(ctx context.Context) ([]Reservation, error)
	Update(ctx context.Context, fn func([]Reservation) ([]Reservation, error)) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLease overrides DefaultLease.
func WithLease(lease time.Duration) Option {
	return func(m *Manager) {
		if lease > 0 {
			m.lease = lease
		}
	}
}

// Manager grants and releases reservations. A reservation whose lease ran
// out, or whose process on this host is gone, no longer counts.
type Manager struct {
	store Store
	lease time.Duration
	host  string
	pid   int
	now   func() time.Time
	alive func(pid int) bool
}

// NewManager builds a manager on store.
func NewManager(store Store, options ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	host, _ := os.Hostname()
	m := &Manager{
		store: store,
		lease: DefaultLease,
		host:  host,
		pid:   os.Getpid(),
		now:   time.Now,
		alive: processAlive,
	}
	for _, option := range options {
		if option != nil {
			option(m)
		}
	}
	return m, nil
}

// Acquire reserves keys for campaign. Any earlier reservation by the same
// campaign is replaced.
func (m *Manager) Acquire(ctx context.Context, campaign string, keys []string) error {
	campaign = strings.TrimSpace(campaign)
	if campaign == "" {
		return errors.New("campaign id must not be empty")
	}
	keys = normalizeKeys(keys)
	if len(keys) == 0 {
		return errors.New("at least one lock key is required")
	}

	return m.store.Update(ctx, func(current []Reservation) ([]Reservation, error) {
		now := m.now().UTC()
		held := m.live(current, now)
		held = slices.DeleteFunc(held, func(r Reservation) bool { return r.Campaign == campaign })
		for _, r := range held {
			if shared := sharedKeys(r.Keys, keys); len(shared) > 0 {
				return nil, fmt.Errorf("%w: %s held by %s (pid %d)", ErrLaneLocked, strings.Join(shared, ","), r.Campaign, r.PID)
			}
		}
		return append(held, Reservation{
			Campaign:   campaign,
			Keys:       keys,
			Host:       m.host,
			PID:        m.pid,
			AcquiredAt: now,
			ExpiresAt:  now.Add(m.lease),
		}), nil
	})
}

// Release drops campaign's reservation. Releasing twice is fine.
func (m *Manager) Release(ctx context.Context, campaign string) error {
	campaign = strings.TrimSpace(campaign)
	return m.store.Update(ctx, func(current []Reservation) ([]Reservation, error) {
		held := m.live(current, m.now().UTC())
		return slices.DeleteFunc(held, func(r Reservation) bool { return r.Campaign == campaign }), nil
	})
}

// Holders returns the live reservations touching any of keys.
func (m *Manager) Holders(ctx context.Context, keys []string) ([]Reservation, error) {
	current, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	keys = normalizeKeys(keys)
	var out []Reservation
	for _, r := range m.live(current, m.now().UTC()) {
		if len(sharedKeys(r.Keys, keys)) > 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Manager) live(current []Reservation, now time.Time) []Reservation {
	out := make([]Reservation, 0, len(current))
	for _, r := range current {
		if !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt) {
			continue
		}
		local := r.Host == "" || r.Host == m.host
		if local && r.PID > 0 && r.PID != m.pid && !m.alive(r.PID) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func sharedKeys(held, wanted []string) []string {
	var shared []string
	for _, key := range wanted {
		if slices.Contains(held, key) {
			shared = append(shared, key)
		}
	}
	return shared
}

func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key != "" && !slices.Contains(out, key) {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// LaneLocker adapts Manager to the campaign runner's Locker.
type LaneLocker struct {
	manager *Manager
}

// NewLaneLocker wraps manager.
func NewLaneLocker(manager *Manager) (*LaneLocker, error) {
	if manager == nil {
		return nil, errors.New("manager is required")
	}
	return &LaneLocker{manager: manager}, nil
}

// Acquire reserves keys and returns the matching release.
func (l *LaneLocker) Acquire(ctx context.Context, campaign string, keys []string) (func() error, error) {
	if err := l.manager.Acquire(ctx, campaign, keys); err != nil {
		return nil, err
	}
	return func() error {
		return l.manager.Release(context.WithoutCancel(ctx), campaign)
	}, nil
}

// FileStore keeps reservations in a JSON file. Updates hold an exclusive
// flock on a sibling ".flock" file so separate gauntlet processes serialize.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("lock file path must not be empty")
	}
	return &FileStore{path: path}, nil
}

// Path returns the reservation file location.
func (s *FileStore) Path() string { return s.path }

// Load reads reservations without taking the file lock.
func (s *FileStore) Load(_ context.Context) ([]Reservation, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock file %s: %w", s.path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var out []Reservation
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse lock file %s: %w", s.path, err)
	}
	return out, nil
}

// Update applies fn under the file lock and writes the result back.
func (s *FileStore) Update(ctx context.Context, fn func([]Reservation) ([]Reservation, error)) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	guard, err := os.OpenFile(s.path+".flock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock guard: %w", err)
	}
	defer guard.Close()
	if err := flock(ctx, int(guard.Fd())); err != nil {
		return err
	}
	defer unix.Flock(int(guard.Fd()), unix.LOCK_UN) //nolint:errcheck

	current, err := s.Load(ctx)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	return s.write(next)
}

// flock polls a non-blocking exclusive lock so ctx can abandon the wait.
func flock(ctx context.Context, fd int) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("lock guard: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *FileStore) write(reservations []Reservation) error {
	if reservations == nil {
		reservations = []Reservation{}
	}
	payload, err := json.MarshalIndent(reservations, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal locks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".locks-*.json")
	if err != nil {
		return fmt.Errorf("create temp lock file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp lock file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace lock file: %w", err)
	}
	return nil
}

// Package store persists the transmitter's configuration snapshot
// across restarts. It is the flash-settings analog: the configsync
// authority hands it every accepted change, and on boot the node seeds
// the authority from the last saved copy so version counters keep
// climbing instead of resetting.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/go-batt/nowlink/lib/wire"
)

// FormatVersion is the current file format version.
const FormatVersion = 1

// DefaultSaveInterval is how often a dirty snapshot is flushed.
const DefaultSaveInterval = 30 * time.Second

// persisted is the on-disk TOML document.
type persisted struct {
	FormatVersion int           `toml:"format_version"`
	SavedAt       time.Time     `toml:"saved_at"`
	Snapshot      wire.Snapshot `toml:"snapshot"`
}

// Config configures the store.
type Config struct {
	// Path is the snapshot file location.
	Path string
	// SaveInterval is how often dirty state is flushed. Zero means
	// DefaultSaveInterval.
	SaveInterval time.Duration
	// Logger for store events.
	Logger *slog.Logger
}

// Store holds the latest snapshot and flushes it to disk periodically
// and on shutdown. Writes are atomic via temp file and rename, so a
// power cut mid-save leaves the previous copy intact.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	latest wire.Snapshot
	has    bool
	dirty  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a store for the given path.
func New(cfg Config) *Store {
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = DefaultSaveInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:    cfg,
		logger: logger.With("component", "store"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Load reads the persisted snapshot. ok is false when no file exists
// yet, which is a normal first boot.
func (s *Store) Load() (snap wire.Snapshot, ok bool, err error) {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return wire.Snapshot{}, false, nil
		}
		return wire.Snapshot{}, false, fmt.Errorf("reading snapshot file: %w", err)
	}

	var doc persisted
	if err := toml.Unmarshal(data, &doc); err != nil {
		return wire.Snapshot{}, false, fmt.Errorf("parsing snapshot file: %w", err)
	}
	if doc.FormatVersion != FormatVersion {
		return wire.Snapshot{}, false, fmt.Errorf("snapshot file format %d not supported", doc.FormatVersion)
	}

	s.mu.Lock()
	s.latest = doc.Snapshot
	s.has = true
	s.dirty = false
	s.mu.Unlock()

	s.logger.Info("snapshot loaded",
		"path", s.cfg.Path,
		"global_version", doc.Snapshot.Versions.Global,
		"saved_at", doc.SavedAt)
	return doc.Snapshot, true, nil
}

// Put records a new snapshot for the next flush. The configsync
// authority's OnChange hook calls it on every accepted change.
func (s *Store) Put(snap wire.Snapshot) {
	s.mu.Lock()
	s.latest = snap
	s.has = true
	s.dirty = true
	s.mu.Unlock()
}

// Dirty reports whether unsaved changes exist.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Save flushes the latest snapshot to disk. A store that never saw a
// snapshot writes nothing.
func (s *Store) Save() error {
	s.mu.Lock()
	if !s.has {
		s.mu.Unlock()
		return nil
	}
	doc := persisted{
		FormatVersion: FormatVersion,
		SavedAt:       time.Now().UTC(),
		Snapshot:      s.latest,
	}
	s.mu.Unlock()

	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	dir := filepath.Dir(s.cfg.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmpPath := s.cfg.Path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("writing snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, s.cfg.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot file: %w", err)
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	s.logger.Debug("snapshot saved", "path", s.cfg.Path)
	return nil
}

// Start begins periodic flushing of dirty state.
func (s *Store) Start() {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.cfg.SaveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				if err := s.Save(); err != nil {
					s.logger.Error("final snapshot save failed", "error", err)
				}
				return
			case <-ticker.C:
				if !s.Dirty() {
					continue
				}
				if err := s.Save(); err != nil {
					s.logger.Error("snapshot save failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts periodic flushing after a final save.
func (s *Store) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

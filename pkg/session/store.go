package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/harun/ranya-runtime/pkg/engine"
	"github.com/harun/ranya-runtime/pkg/store"
	"github.com/rs/zerolog"
)

// Store persists session records as <dir>/<id>.json and transcript
// snapshots under <dir>/transcripts.
type Store struct {
	records     *store.FileStore
	transcripts *store.FileStore
	logger      zerolog.Logger
}

// NewStore creates a session store rooted at dir
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	records, err := store.NewFileStore(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	transcripts, err := store.NewFileStore(filepath.Join(dir, "transcripts"))
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript store: %w", err)
	}

	return &Store{
		records:     records,
		transcripts: transcripts,
		logger:      logger.With().Str("component", "session-store").Logger(),
	}, nil
}

// Dir returns the directory holding session records
func (s *Store) Dir() string {
	return s.records.Dir()
}

// Save writes rec, replacing any record with the same id
func (s *Store) Save(rec Record) error {
	return s.records.WithLock(rec.ID, func() error {
		return s.records.Put(rec.ID, rec)
	})
}

// Load reads the record for id
func (s *Store) Load(id string) (*Record, error) {
	var rec Record
	if err := s.records.Get(id, &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, err
	}
	return &rec, nil
}

// List returns every readable record, most recently updated first
func (s *Store) List() ([]*Record, error) {
	keys, err := s.records.Keys()
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(keys))
	for _, id := range keys {
		rec, err := s.Load(id)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("Skipping unreadable session record")
			continue
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records, nil
}

// Delete removes the record for id and its transcript
func (s *Store) Delete(id string) error {
	if err := s.records.Delete(id); err != nil {
		return err
	}
	return s.transcripts.Delete(id)
}

// SaveTranscript writes a transcript snapshot for sessionID
func (s *Store) SaveTranscript(sessionID string, messages []engine.Message) error {
	return s.transcripts.WithLock(sessionID, func() error {
		return s.transcripts.Put(sessionID, messages)
	})
}

// LoadTranscript reads the last transcript snapshot for sessionID
func (s *Store) LoadTranscript(sessionID string) ([]engine.Message, error) {
	var messages []engine.Message
	if err := s.transcripts.Get(sessionID, &messages); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	return messages, nil
}

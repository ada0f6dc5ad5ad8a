package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/ranya-runtime/pkg/store"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Store persists job records as jobs/<id>.json
type Store struct {
	files        *store.FileStore
	schemaLoader gojsonschema.JSONLoader
	logger       zerolog.Logger
}

// NewStore creates a job store rooted at dir
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	files, err := store.NewFileStore(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}

	return &Store{
		files:        files,
		schemaLoader: gojsonschema.NewStringLoader(JobSchema),
		logger:       logger.With().Str("component", "job-store").Logger(),
	}, nil
}

// Dir returns the directory holding job files
func (s *Store) Dir() string {
	return s.files.Dir()
}

// Save writes job, overwriting any record with the same id
func (s *Store) Save(job *Job) error {
	return s.files.WithLock(job.ID, func() error {
		return s.files.Put(job.ID, job)
	})
}

// Read loads and validates the job stored under id
func (s *Store) Read(id string) (*Job, error) {
	data, err := s.files.GetRaw(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, err
	}
	return s.decode(id, data)
}

func (s *Store) decode(id string, data []byte) (*Job, error) {
	result, err := gojsonschema.Validate(s.schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, id, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidRecord, id, strings.Join(msgs, "; "))
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, id, err)
	}
	return &job, nil
}

// Update applies mutate to the stored job under the key lock and saves the
// result. A mutation that returns an error leaves the record untouched.
func (s *Store) Update(id string, mutate func(job *Job) error) (*Job, error) {
	var updated *Job
	err := s.files.WithLock(id, func() error {
		job, err := s.Read(id)
		if err != nil {
			return err
		}
		if err := mutate(job); err != nil {
			return err
		}
		if err := s.files.Put(id, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// List returns every readable job, newest first. Unreadable records are
// logged and skipped.
func (s *Store) List() ([]*Job, error) {
	keys, err := s.files.Keys()
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(keys))
	for _, id := range keys {
		job, err := s.Read(id)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("Skipping unreadable job record")
			continue
		}
		jobs = append(jobs, job)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	return jobs, nil
}

// Delete removes the record for id
func (s *Store) Delete(id string) error {
	return s.files.Delete(id)
}

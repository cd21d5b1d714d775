// Package state persists incremental extraction state between runs: the
// watermark of the last successful run and the column set it produced.
package state

import (
	"context"
	"time"

	"github.com/forcepull/forcepull/pkg/config"
	"github.com/forcepull/forcepull/pkg/errors"
)

// State is the persisted record of one configuration's last successful run.
type State struct {
	// IncrementalField names the watermark field the value belongs to
	IncrementalField string `json:"incremental_field,omitempty"`
	// LastRun is the maximum watermark value observed, verbatim as the API
	// returned it
	LastRun string `json:"last_run,omitempty"`
	// PrevColumns remembers the output columns of the last run, so a
	// zero-row run can still emit a manifest
	PrevColumns []string `json:"prev_output_columns,omitempty"`
	// UpdatedAt records when the state was saved
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists State keyed by configuration name.
type Store interface {
	// Load returns the stored state, or nil when none exists
	Load(ctx context.Context) (*State, error)
	// Save persists the state, replacing any previous value
	Save(ctx context.Context, s *State) error
	// Close releases underlying resources
	Close() error
}

// NewStore creates the configured store backend.
func NewStore(cfg *config.Config) (Store, error) {
	switch cfg.Output.StateBackend {
	case "file":
		return NewFileStore(cfg.Output.StatePath), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Output.StatePath, cfg.Name)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown state backend %q", cfg.Output.StateBackend)
	}
}

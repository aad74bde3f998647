package storage

import (
	"github.com/aurafw/aura/pkg/types"
)

// Store is the optional durable collaborator for schedule entries and
// run history. The core keeps history in memory; when a store is
// configured the scheduler mirrors terminal results into it and reads
// schedule entries from it at startup.
type Store interface {
	// Schedule entries
	SaveScheduleEntry(entry *types.ScheduleEntry) error
	GetScheduleEntry(id string) (*types.ScheduleEntry, error)
	ListScheduleEntries() ([]*types.ScheduleEntry, error)
	DeleteScheduleEntry(id string) error

	// Run history
	AppendRunResult(result *types.TaskResult) error
	ListRunResults(limit int) ([]*types.TaskResult, error)

	// Utility
	Close() error
}

package types

import "time"

// Batch groups all work items created in one scheduling epoch, identified
// by "<MonYY>_<NN>" (e.g. "sep25_01").
type Batch struct {
	BatchID         string
	MonthYear       string
	ExecutionNumber int
	Status          BatchStatus
	StartedAt       time.Time
	CompletedAt     *time.Time
	TotalItems      int
	CompletedItems  int
	FailedItems     int
}

// Finished reports whether the batch has reached a terminal status.
func (b *Batch) Finished() bool {
	return b.Status == BatchCompleted || b.Status == BatchFailed
}

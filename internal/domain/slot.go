package domain

import "time"

// ApplicationSlot is the versioned identity of one generated application:
// a (model, app-number) pair plus a version forming a linear lineage chain.
// For a given pair the versions are a contiguous sequence starting at 1,
// and regeneration creates a new version rather than overwriting the prior
// one.
type ApplicationSlot struct {
	ID           int64
	Model        string
	AppNumber    int
	Version      int
	ParentSlotID *int64
	CreatedAt    time.Time
}

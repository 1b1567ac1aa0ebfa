package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/modelfoundry/analysis-orchestrator/internal/domain"
)

var (
	// ErrSlotExists is returned when an explicitly requested app number is
	// already taken.
	ErrSlotExists = errors.New("application slot already exists")
	// ErrStaleParent is returned when a new version is requested from a slot
	// that is no longer the latest version of its lineage.
	ErrStaleParent = errors.New("parent slot is not the latest version")
	// ErrSlotNotFound is returned when a slot ID does not exist.
	ErrSlotNotFound = errors.New("application slot not found")
)

// allocateRetries bounds the uniqueness-conflict retry loop. Contention on a
// single model rarely survives more than a couple of rounds.
const allocateRetries = 10

// AllocateSlot reserves the next free app number for a model, or the
// requested number when one is given. Allocation is a single atomic insert
// whose app number is computed inside the statement; concurrent callers that
// collide on the uniqueness constraint retry and observe a fresh maximum.
// The returned numbers across N concurrent callers are pairwise distinct and
// contiguous.
func (s *Store) AllocateSlot(ctx context.Context, model string, requested *int) (*domain.ApplicationSlot, error) {
	if model == "" {
		return nil, errors.New("model is required")
	}

	if requested != nil {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO application_slots (model, app_number, version, created_at)
			VALUES (?, ?, 1, ?)
		`, model, *requested, s.now())
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s/app%d", ErrSlotExists, model, *requested)
		}
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		return s.GetSlot(ctx, id)
	}

	for attempt := 0; attempt < allocateRetries; attempt++ {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO application_slots (model, app_number, version, created_at)
			SELECT ?, COALESCE(MAX(app_number), 0) + 1, 1, ?
			FROM application_slots WHERE model = ?
		`, model, s.now(), model)
		if isUniqueViolation(err) {
			continue // another caller took the number, re-read the maximum
		}
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		return s.GetSlot(ctx, id)
	}

	return nil, fmt.Errorf("allocate slot for %s: retries exhausted", model)
}

// CreateVersion extends a slot lineage: the new slot gets version
// parent.version+1 and points back at the parent. The latest version is
// re-read under the store lock rather than trusting the caller, and the
// uniqueness constraint backstops the check, so lineages stay linear.
func (s *Store) CreateVersion(ctx context.Context, parentID int64) (*domain.ApplicationSlot, error) {
	var slot *domain.ApplicationSlot

	err := s.withLock(ctx, func() error {
		parent, err := s.GetSlot(ctx, parentID)
		if err != nil {
			return err
		}

		var latest int
		err = s.db.QueryRowContext(ctx, `
			SELECT MAX(version) FROM application_slots WHERE model = ? AND app_number = ?
		`, parent.Model, parent.AppNumber).Scan(&latest)
		if err != nil {
			return err
		}
		if parent.Version != latest {
			return fmt.Errorf("%w: version %d, latest is %d", ErrStaleParent, parent.Version, latest)
		}

		res, err := s.db.ExecContext(ctx, `
			INSERT INTO application_slots (model, app_number, version, parent_slot_id, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, parent.Model, parent.AppNumber, latest+1, parent.ID, s.now())
		if isUniqueViolation(err) {
			// Raced with another version creation; the parent is stale now.
			return fmt.Errorf("%w: version %d superseded concurrently", ErrStaleParent, parent.Version)
		}
		if err != nil {
			return err
		}

		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		slot, err = s.GetSlot(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// GetSlot retrieves a slot by ID.
func (s *Store) GetSlot(ctx context.Context, id int64) (*domain.ApplicationSlot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, model, app_number, version, parent_slot_id, created_at
		FROM application_slots WHERE id = ?
	`, id)
	return scanSlot(row)
}

// LatestSlot returns the highest version for a (model, app number) pair.
func (s *Store) LatestSlot(ctx context.Context, model string, appNumber int) (*domain.ApplicationSlot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, model, app_number, version, parent_slot_id, created_at
		FROM application_slots
		WHERE model = ? AND app_number = ?
		ORDER BY version DESC LIMIT 1
	`, model, appNumber)
	return scanSlot(row)
}

// ListSlots returns all slots for a model ordered by app number and version.
func (s *Store) ListSlots(ctx context.Context, model string) ([]*domain.ApplicationSlot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, app_number, version, parent_slot_id, created_at
		FROM application_slots
		WHERE model = ?
		ORDER BY app_number, version
	`, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []*domain.ApplicationSlot
	for rows.Next() {
		var slot domain.ApplicationSlot
		var parentID sql.NullInt64
		if err := rows.Scan(&slot.ID, &slot.Model, &slot.AppNumber, &slot.Version, &parentID, &slot.CreatedAt); err != nil {
			return nil, err
		}
		if parentID.Valid {
			slot.ParentSlotID = &parentID.Int64
		}
		slots = append(slots, &slot)
	}
	return slots, rows.Err()
}

func scanSlot(row *sql.Row) (*domain.ApplicationSlot, error) {
	var slot domain.ApplicationSlot
	var parentID sql.NullInt64

	err := row.Scan(&slot.ID, &slot.Model, &slot.AppNumber, &slot.Version, &parentID, &slot.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		slot.ParentSlotID = &parentID.Int64
	}
	return &slot, nil
}

package domain

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// ParseDepositIDs validates the requested selection: non-empty, well-formed
// and free of duplicates, since a repeated id would make the size check
// against eligible deposits meaningless.
func ParseDepositIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyDepositSelection
	}

	ids := make([]uuid.UUID, 0, len(raw))
	seen := make(map[uuid.UUID]struct{}, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDepositID, s)
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDepositID, id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// SameSelection reports whether a journaled batch covers exactly ids and
// phone. Used to decide whether a replayed idempotency key carries the same
// payload.
func (b *WithdrawalBatch) SameSelection(ids []uuid.UUID, phone string) bool {
	if b.Phone != phone || len(b.Items) != len(ids) {
		return false
	}
	have := b.DepositIDs()
	for _, id := range ids {
		if !slices.Contains(have, id) {
			return false
		}
	}
	return true
}

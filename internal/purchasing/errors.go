package purchasing

import (
	"fmt"

	"github.com/warocol/purchasing/internal/shared"
)

var (
	// ErrNotFound is returned for purchases, items, history entries and attachments
	// that do not exist or belong to another tenant.
	ErrNotFound = fmt.Errorf("purchasing: %w", shared.ErrNotFound)
	// ErrValidation wraps malformed input.
	ErrValidation = fmt.Errorf("purchasing: %w", shared.ErrValidation)
	// ErrConflict is returned when a concurrent transition won the race for the row.
	ErrConflict = fmt.Errorf("purchasing: concurrent update: %w", shared.ErrConflict)
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

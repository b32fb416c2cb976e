package catalog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEntryExists      = errors.New("catalog entry already exists")
	ErrEntryNotFound    = errors.New("catalog entry not found")
	ErrUnsupportedAlter = errors.New("alter is not supported for this entry")
	ErrWriteConflict    = errors.New("catalog write-write conflict")
	ErrInternalEntry    = errors.New("cannot drop an internal entry")
	ErrHasDependents    = errors.New("entry has dependents")
	ErrInvalidKind      = errors.New("invalid catalog entry kind")
	ErrColumnNotFound   = errors.New("column not found")
	ErrColumnExists     = errors.New("column already exists")
)

// DependencyError is returned when dropping an entry without cascade while
// other entries still depend on it.
type DependencyError struct {
	Entry      QualifiedName
	Dependents []QualifiedName
}

func (e *DependencyError) Error() string {
	names := make([]string, 0, len(e.Dependents))
	for _, d := range e.Dependents {
		names = append(names, d.String())
	}
	return fmt.Sprintf(
		"cannot drop %s: %s depend on it (use cascade)",
		e.Entry,
		strings.Join(names, ", "),
	)
}

func (e *DependencyError) Is(target error) bool {
	return target == ErrHasDependents
}

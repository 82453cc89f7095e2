package arch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOrphanPreset is returned when a non-root preset is registered without a parent.
var ErrOrphanPreset = errors.New("preset must name a parent")

type UnknownPresetError struct {
	Name string
}

func (e UnknownPresetError) Error() string {
	return fmt.Sprintf("unknown architecture preset: %q", e.Name)
}

type DuplicateNameError struct {
	Name string
}

func (e DuplicateNameError) Error() string {
	return fmt.Sprintf("architecture preset already registered: %q", e.Name)
}

// CyclicInheritanceError carries the chain walked before the cycle was detected.
type CyclicInheritanceError struct {
	Chain []string
}

func (e CyclicInheritanceError) Error() string {
	return fmt.Sprintf("architecture preset chain does not reach the root: %s", strings.Join(e.Chain, " -> "))
}

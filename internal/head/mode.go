package head

import "fmt"

// Mode selects how per-token features collapse into one sentence vector.
type Mode string

const (
	ModeCLS      Mode = "cls"
	ModeMeanPool Mode = "mp"
)

// UnsupportedModeError is returned for a sentence representation other than cls or mp.
type UnsupportedModeError struct {
	Mode string
}

func (e UnsupportedModeError) Error() string {
	if e.Mode == "" {
		return "sentence representation mode is not set"
	}
	return fmt.Sprintf("unsupported sentence representation mode: %q", e.Mode)
}

// ParseMode accepts "cls", "mp" and the long spelling "mean_pool".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "cls":
		return ModeCLS, nil
	case "mp", "mean_pool":
		return ModeMeanPool, nil
	}
	return "", UnsupportedModeError{Mode: s}
}

package cli

import (
	"os"

	"github.com/charmbracelet/huh"
)

// isAccessibleMode reports whether prompts should read plain stdin instead
// of taking over the terminal. Controlled by the ACCESSIBLE environment
// variable, which tests and screen readers set.
func isAccessibleMode() bool {
	return os.Getenv("ACCESSIBLE") != ""
}

// NewAccessibleForm builds a huh form that honors accessible mode.
func NewAccessibleForm(groups ...*huh.Group) *huh.Form {
	return huh.NewForm(groups...).WithAccessible(isAccessibleMode())
}

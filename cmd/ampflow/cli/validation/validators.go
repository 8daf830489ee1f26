// Package validation provides input validation for the ampflow CLI.
// This package has no dependencies to avoid import cycles.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// pathSafeRegex matches alphanumeric characters, underscores, and hyphens only.
// Used to validate IDs that will be used in file paths.
var pathSafeRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateSessionID validates that a session ID contains only path-safe
// characters. Session IDs name workspace directories and lock files, so a
// path separator here would allow traversal outside the managed area.
func ValidateSessionID(id string) error {
	if id == "" {
		return errors.New("session ID cannot be empty")
	}
	if !pathSafeRegex.MatchString(id) {
		return fmt.Errorf("invalid session ID %q: must be alphanumeric with underscores/hyphens only", id)
	}
	return nil
}

// ValidateBranchName rejects branch names git itself would refuse, plus
// anything with whitespace. Not a full reimplementation of
// check-ref-format; the git driver surfaces the rest.
func ValidateBranchName(name string) error {
	if name == "" {
		return errors.New("branch name cannot be empty")
	}
	if strings.ContainsAny(name, " \t\n~^:?*[\\") {
		return fmt.Errorf("invalid branch name %q", name)
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, ".lock") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid branch name %q", name)
	}
	return nil
}

// ValidateThreadID validates an external agent thread identifier.
// Thread IDs can be UUIDs or prefixed identifiers like "T-xxx".
func ValidateThreadID(id string) error {
	if id == "" {
		return nil // optional field
	}
	if !pathSafeRegex.MatchString(id) {
		return fmt.Errorf("invalid thread ID %q: must be alphanumeric with underscores/hyphens only", id)
	}
	return nil
}

// Package certpath builds certification paths from a document signer
// certificate to a set of CSCA trust anchors.
package certpath

import (
	"errors"
	"strings"
)

// Common errors for path building.
var (
	ErrNoPathsFound = errors.New("no certification paths found")
	ErrNoAnchors    = errors.New("no trust anchors")
)

// PathBuildingError occurs when a certificate path cannot be built. Failures
// lists why individual candidate issuers were rejected.
type PathBuildingError struct {
	Message  string
	Failures []string
}

func (e *PathBuildingError) Error() string {
	if len(e.Failures) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Failures, "; ")
}

func (e *PathBuildingError) Unwrap() error {
	return ErrNoPathsFound
}

// NewPathBuildingError creates a new PathBuildingError.
func NewPathBuildingError(message string, failures []string) *PathBuildingError {
	return &PathBuildingError{Message: message, Failures: failures}
}

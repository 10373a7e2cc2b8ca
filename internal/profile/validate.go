package profile

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is returned for names that cannot be used as a profile
// directory.
var ErrInvalidName = errors.New("invalid profile name")

// Profile names start with a letter or digit so they never read as a flag.
var profileNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName checks that name is usable as a profile directory.
func ValidateName(name string) error {
	if !profileNamePattern.MatchString(name) {
		return fmt.Errorf("%w %q: use up to 64 lowercase letters, digits, '-' or '_', starting with a letter or digit",
			ErrInvalidName, name)
	}
	return nil
}

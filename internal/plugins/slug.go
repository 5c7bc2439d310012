package plugins

import (
	"fmt"
	"regexp"
)

// Slugs are the stable external handle for a plugin: lowercase letters,
// digits and hyphens, 4-30 characters, starting with a letter and not
// ending with a hyphen. Immutable once created.
var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{2,28}[a-z0-9]$`)

// ValidateSlug reports whether s is an acceptable plugin slug.
func ValidateSlug(s string) error {
	if len(s) < 4 || len(s) > 30 {
		return fmt.Errorf("slug must be 4-30 characters, got %d", len(s))
	}
	if !slugPattern.MatchString(s) {
		return fmt.Errorf("slug %q must be lowercase letters, digits and hyphens, start with a letter and not end with a hyphen", s)
	}
	return nil
}

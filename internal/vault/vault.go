package vault

import (
	"fmt"
	"strings"
)

// validateName rejects archive names that could escape the vault root or
// collide with its bookkeeping files.
func validateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid archive name %q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("invalid archive name %q: contains a path separator", name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("invalid archive name %q: hidden names are reserved", name)
	}
	return nil
}

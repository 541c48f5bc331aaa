package whitelist

import (
	"regexp"

	"github.com/qiao-yifan/merklytic-whitelist/storage"
)

// MaxNameLength bounds whitelist names (and pagination tokens, which are
// names of previously returned rows).
const MaxNameLength = 1024

var nameRx = regexp.MustCompile(`^[A-Za-z][0-9A-Za-z_-]*$`)

// ValidateName checks a whitelist name: 1-1024 characters, starting with a
// letter, continuing with letters, digits, underscore or dash.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLength {
		return storage.NewError(storage.KindValidation, "whitelist name length must be 1-%d, got %d", MaxNameLength, len(name))
	}
	if !nameRx.MatchString(name) {
		return storage.NewError(storage.KindValidation, "malformed whitelist name %q", name)
	}
	return nil
}

package terraform

import (
	"errors"
	"strings"

	"github.com/bgdnvk/stackcrew/internal/shell"
)

// IsBackendInitRequired reports whether terraform refused to run because the
// working directory has not been initialised against its backend.
func IsBackendInitRequired(out string) bool {
	return strings.Contains(out, "Backend initialization required")
}

// IsIAMRoleAlreadyExists matches the apply failure left behind when platform
// IAM roles exist in the account but not in state.
func IsIAMRoleAlreadyExists(out string) bool {
	return strings.Contains(out, "EntityAlreadyExists") && strings.Contains(out, "Role")
}

// IsBucketMissing matches init failures against a backend bucket that has been
// destroyed already.
func IsBucketMissing(out string) bool {
	return strings.Contains(out, "does not exist") || strings.Contains(out, "404")
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotInstalled)
}

// ValidOutputValue rejects anything that is not a plain bucket/table style
// identifier. terraform writes warnings ("No outputs found") to stdout when
// the root has never been applied, and those must never reach backend.hcl.
func ValidOutputValue(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	if strings.Contains(v, "Warning") || strings.Contains(v, "No outputs found") || strings.Contains(v, "\n") {
		return false
	}
	if strings.ContainsAny(v, "╷╵│\x1b") {
		return false
	}
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == '%':
		default:
			return false
		}
	}
	return true
}

// Tail keeps at most the last n bytes of s without splitting a rune.
func Tail(s string, n int) string {
	return shell.Tail(s, n)
}

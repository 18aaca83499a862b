package schema

import (
	"errors"

	sqlite "modernc.org/sqlite"
)

// Primary SQLite result codes treated as transient: the database is there
// and healthy, another holder just has it locked right now.
const (
	codeBusy   = 5 // SQLITE_BUSY
	codeLocked = 6 // SQLITE_LOCKED
)

// IsTransient reports whether err is a transient storage error worth
// retrying (lock contention). Everything else — corruption, disk full,
// constraint violations — is permanent: retrying cannot help.
func IsTransient(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return isTransientCode(se.Code())
}

// isTransientCode classifies a SQLite result code. Extended codes carry
// the primary code in the low byte.
func isTransientCode(code int) bool {
	switch code & 0xff {
	case codeBusy, codeLocked:
		return true
	}
	return false
}

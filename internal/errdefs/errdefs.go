// Package errdefs defines the error classes shared across the daemon.
// Components wrap these sentinels with call-site context (pkg/errors);
// callers classify with the Is* predicates rather than string matching.
package errdefs

import "errors"

var (
	// ErrUnauthorized means bad or missing credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyLoggedIn means the nickname is held by a fresh session
	// somewhere in the cluster.
	ErrAlreadyLoggedIn = errors.New("already logged in")

	ErrNoSuchUser     = errors.New("no such user")
	ErrNoSuchGroup    = errors.New("no such group")
	ErrDuplicateUser  = errors.New("duplicate user")
	ErrDuplicateGroup = errors.New("duplicate group")

	// ErrInvalidField means a nick, email or password failed validation.
	ErrInvalidField = errors.New("invalid field")

	// ErrStorageUnavailable wraps transport failures talking to the state store.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrBusUnavailable wraps transport failures talking to the message queue.
	ErrBusUnavailable = errors.New("bus unavailable")

	// ErrProtocolMismatch means a malformed message arrived on the bus.
	// Such messages are dropped and logged, never re-delivered.
	ErrProtocolMismatch = errors.New("protocol mismatch")
)

func IsUnauthorized(err error) bool    { return errors.Is(err, ErrUnauthorized) }
func IsAlreadyLoggedIn(err error) bool { return errors.Is(err, ErrAlreadyLoggedIn) }
func IsNoSuchUser(err error) bool      { return errors.Is(err, ErrNoSuchUser) }
func IsNoSuchGroup(err error) bool     { return errors.Is(err, ErrNoSuchGroup) }
func IsDuplicateUser(err error) bool   { return errors.Is(err, ErrDuplicateUser) }
func IsDuplicateGroup(err error) bool  { return errors.Is(err, ErrDuplicateGroup) }
func IsInvalidField(err error) bool    { return errors.Is(err, ErrInvalidField) }

func IsStorageUnavailable(err error) bool { return errors.Is(err, ErrStorageUnavailable) }
func IsBusUnavailable(err error) bool     { return errors.Is(err, ErrBusUnavailable) }
func IsProtocolMismatch(err error) bool   { return errors.Is(err, ErrProtocolMismatch) }

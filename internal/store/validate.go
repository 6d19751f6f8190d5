package store

import (
	"regexp"

	"github.com/pkg/errors"

	"github.com/ircmesh/ircmesh/internal/errdefs"
)

var (
	nickRe     = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)
	emailRe    = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)
	passwordRe = regexp.MustCompile(`^[A-Za-z0-9_-]{6,64}$`)

	// Private groups are named "a:b" from the sorted pair of nicks.
	privateGroupRe = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}:[A-Za-z0-9_-]{3,64}$`)
)

func ValidNick(s string) bool     { return nickRe.MatchString(s) }
func ValidEmail(s string) bool    { return emailRe.MatchString(s) }
func ValidPassword(s string) bool { return passwordRe.MatchString(s) }

// ValidGroupName accepts public channel names; they follow the nickname
// rules. Private pair groups are named internally and validated apart.
func ValidGroupName(s string) bool { return nickRe.MatchString(s) }

// ValidateRegistration checks the three fields a registration carries.
// The password is validated in the clear, before hashing.
func ValidateRegistration(nick, email, password string) error {
	if !ValidNick(nick) {
		return errors.Wrapf(errdefs.ErrInvalidField, "nickname %q", nick)
	}
	if !ValidEmail(email) {
		return errors.Wrapf(errdefs.ErrInvalidField, "email %q", email)
	}
	if !ValidPassword(password) {
		return errors.Wrap(errdefs.ErrInvalidField, "password")
	}
	return nil
}

// PrivateGroupName returns the canonical name of the pair conversation
// between a and b, independent of direction.
func PrivateGroupName(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

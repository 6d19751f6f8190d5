// Package cred resolves connection credentials to a nickname against the
// shared store. It decides who may claim a nick, not how sessions live
// afterwards; the realm owns that.
package cred

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/ircmesh/ircmesh/internal/errdefs"
	"github.com/ircmesh/ircmesh/internal/store"
)

// Credentials is one login attempt. Check compares the attempt's secret
// against the stored password hash.
type Credentials interface {
	Username() string
	Check(stored string) bool
}

// UsernamePassword is the plain nick/password pair collected during an
// IRC handshake. The password may be empty for anonymous logins.
type UsernamePassword struct {
	User     string
	Password string
}

func (c UsernamePassword) Username() string { return c.User }

func (c UsernamePassword) Check(stored string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(c.Password)) == nil
}

// Checker validates logins cluster-wide.
//
// The rules, in order: a nick with a live session anywhere is refused; a
// registered nick requires a matching password; an unregistered nick is
// free for anyone and keeps its accumulated permissions; an unknown nick
// is created on the fly when the realm allows it.
type Checker struct {
	db              store.Database
	createOnRequest bool
	now             func() time.Time
}

// NewChecker builds a Checker over the shared store. createOnRequest
// mirrors the realm's user_on_request policy.
func NewChecker(db store.Database, createOnRequest bool) *Checker {
	return &Checker{db: db, createOnRequest: createOnRequest, now: time.Now}
}

// Resolve authenticates one attempt and returns the canonical nickname.
func (c *Checker) Resolve(creds Credentials) (string, error) {
	nick := strings.ToLower(creds.Username())

	info, err := c.db.LookupUser(nick)
	if errdefs.IsNoSuchUser(err) {
		if !c.createOnRequest {
			return "", errors.Wrapf(errdefs.ErrUnauthorized, "unknown user %s", nick)
		}
		if err := c.db.CreateUser(store.User{ID: nick}); err != nil {
			return "", err
		}
		log.Infof("CRED: created user %s on request", nick)
		return nick, nil
	}
	if err != nil {
		return "", err
	}

	if info.Session.Fresh(c.now()) {
		log.Debugf("CRED: %s already has a live session", nick)
		return "", errors.Wrapf(errdefs.ErrAlreadyLoggedIn, "%s", nick)
	}

	if info.Registered {
		if !creds.Check(info.Password) {
			log.Debugf("CRED: password mismatch for %s", nick)
			return "", errors.Wrapf(errdefs.ErrUnauthorized, "bad password for %s", nick)
		}
		return nick, nil
	}

	// Unregistered nicks are first come, first served. Whoever takes
	// one inherits whatever permissions it gathered before.
	return nick, nil
}

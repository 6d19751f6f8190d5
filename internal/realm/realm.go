// Package realm holds the distributed chat state of one node: the users
// logged in here, the groups they inhabit, and proxies for everyone
// else. Identity and history live in the shared store; hot traffic
// rides the bus. Each node owns only its shard and learns about the
// rest through topic subscriptions and store change feeds.
package realm

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ircmesh/ircmesh/internal/errdefs"
	"github.com/ircmesh/ircmesh/internal/store"
)

// Realm is this node's shard of the cluster.
//
// The mutex guards the two maps only. SharedUser and SharedGroup carry
// their own locks; methods here release the realm lock before calling
// into a controller, and controllers never call back into the realm
// while holding theirs.
type Realm struct {
	name string
	db   store.Database
	bus  PubSub

	createUserOnRequest  bool
	createGroupOnRequest bool

	mu     sync.Mutex
	users  map[string]*SharedUser
	groups map[string]*SharedGroup

	// lifecycle serializes group materialization against release, so a
	// rejoin racing the last part cannot lose its topic subscription.
	lifecycle sync.Mutex
}

// New builds the realm for a node. name is the node's hostname; it tags
// every envelope this node publishes and names its consumer channels.
func New(name string, db store.Database, ps PubSub, userOnRequest, groupOnRequest bool) *Realm {
	return &Realm{
		name:                 strings.ToLower(name),
		db:                   db,
		bus:                  ps,
		createUserOnRequest:  userOnRequest,
		createGroupOnRequest: groupOnRequest,
		users:                map[string]*SharedUser{},
		groups:               map[string]*SharedGroup{},
	}
}

// Name is the node hostname, used as message origin and in user prefixes.
func (r *Realm) Name() string { return r.name }

// RequestAvatar attaches a mind to the shared user for nick and starts
// its session. The returned logout function tears the session down and
// is safe to call more than once.
//
// The caller is expected to have resolved credentials already; this
// only guards against two connections racing for the same nick on this
// node.
func (r *Realm) RequestAvatar(nick string, mind ProtocolSession) (*SharedUser, func(), error) {
	nick = strings.ToLower(nick)

	r.mu.Lock()
	u, ok := r.users[nick]
	if ok && u.Live() {
		r.mu.Unlock()
		return nil, nil, errors.Wrapf(errdefs.ErrAlreadyLoggedIn, "%s", nick)
	}
	if !ok {
		u = newSharedUser(r, nick)
		r.users[nick] = u
	}
	r.mu.Unlock()

	if err := u.LoggedIn(mind); err != nil {
		r.dropUser(nick, u)
		return nil, nil, err
	}

	var once sync.Once
	logout := func() {
		once.Do(func() {
			u.Logout()
			r.dropUser(nick, u)
		})
	}

	log.Infof("REALM: %s logged in on %s", nick, r.name)
	return u, logout, nil
}

// LookupUser finds a deliverable user anywhere in the cluster: the
// local live user if there is one, otherwise a freshly fabricated proxy
// for a user with a live session on some other node.
func (r *Realm) LookupUser(nick string) (*SharedUser, error) {
	nick = strings.ToLower(nick)

	r.mu.Lock()
	if u, ok := r.users[nick]; ok && u.Live() {
		r.mu.Unlock()
		return u, nil
	}
	r.mu.Unlock()

	info, err := r.db.LookupUser(nick)
	if err != nil {
		return nil, err
	}
	if !info.Session.Fresh(time.Now()) {
		return nil, errors.Wrapf(errdefs.ErrNoSuchUser, "%s has no live session", nick)
	}
	return newProxyUser(r, nick), nil
}

// LookupGroup returns the locally materialized group. Groups nobody on
// this node has joined are not materialized and report NoSuchGroup.
func (r *Realm) LookupGroup(name string) (*SharedGroup, error) {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[name]; ok {
		return g, nil
	}
	return nil, errors.Wrapf(errdefs.ErrNoSuchGroup, "%s", name)
}

// GetGroup returns the local group, materializing it from the store
// when needed. Unknown groups are created first when the realm's
// group_on_request policy allows it.
func (r *Realm) GetGroup(name string) (*SharedGroup, error) {
	name = strings.ToLower(name)

	r.mu.Lock()
	if g, ok := r.groups[name]; ok {
		r.mu.Unlock()
		return g, nil
	}
	r.mu.Unlock()

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	if g, ok := r.groups[name]; ok {
		r.mu.Unlock()
		return g, nil
	}
	r.mu.Unlock()

	if r.createGroupOnRequest {
		// Duplicates are fine: some other node may have raced us.
		if err := r.db.CreateGroup(name, store.GroupPublic); err != nil && !errdefs.IsDuplicateGroup(err) {
			return nil, err
		}
	}

	g, err := materializeGroup(r, name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.groups[name] = g
	r.mu.Unlock()

	log.Infof("REALM: materialized group %s", name)
	return g, nil
}

// CreateGroup creates the group row, surfacing duplicates.
func (r *Realm) CreateGroup(name, groupType string) error {
	return r.db.CreateGroup(strings.ToLower(name), groupType)
}

// CreateUser creates the user row, surfacing duplicates.
func (r *Realm) CreateUser(u store.User) error {
	u.ID = strings.ToLower(u.ID)
	return r.db.CreateUser(u)
}

// ListGroups lists every public group in the cluster.
func (r *Realm) ListGroups() ([]store.GroupInfo, error) {
	return r.db.ListGroups()
}

// Shutdown logs out every local user and releases every group.
func (r *Realm) Shutdown() {
	r.mu.Lock()
	users := make([]*SharedUser, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	r.mu.Unlock()

	for _, u := range users {
		u.Logout()
	}

	r.mu.Lock()
	groups := make([]*SharedGroup, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.users = map[string]*SharedUser{}
	r.groups = map[string]*SharedGroup{}
	r.mu.Unlock()

	for _, g := range groups {
		g.Stop()
	}
	log.Infof("REALM: %s shut down", r.name)
}

// dropUser forgets a user if it is still the one in the map.
func (r *Realm) dropUser(nick string, u *SharedUser) {
	r.mu.Lock()
	if cur, ok := r.users[nick]; ok && cur == u {
		delete(r.users, nick)
	}
	r.mu.Unlock()
}

// dropGroup releases a group once its last local member is gone.
func (r *Realm) dropGroup(name string, g *SharedGroup) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	cur, ok := r.groups[name]
	if !ok || cur != g {
		// A rejoin re-materialized the name; only retire our instance.
		r.mu.Unlock()
		return
	}
	delete(r.groups, name)
	r.mu.Unlock()

	g.Stop()
	log.Infof("REALM: released group %s", name)
}

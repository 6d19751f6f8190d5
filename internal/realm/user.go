package realm

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ircmesh/ircmesh/internal/errdefs"
	"github.com/ircmesh/ircmesh/internal/proto"
	"github.com/ircmesh/ircmesh/internal/store"
)

// SharedUser is one nickname as seen from this node. For a user logged
// in here it carries the live protocol session, keeps the cluster
// session fresh and relays the nick's bus topic to that session. For a
// user on another node it is a short-lived proxy whose mind is a
// logging stub; real delivery happens on the owning node.
type SharedUser struct {
	realm *Realm
	name  string

	mu          sync.Mutex
	mind        ProtocolSession
	live        bool
	groups      map[string]*SharedGroup
	lastMessage time.Time
	hbQuit      chan struct{}
}

func newSharedUser(r *Realm, nick string) *SharedUser {
	return &SharedUser{
		realm:  r,
		name:   nick,
		groups: map[string]*SharedGroup{},
	}
}

// newProxyUser fabricates a stand-in for a user living on another node.
func newProxyUser(r *Realm, nick string) *SharedUser {
	u := newSharedUser(r, nick)
	u.mind = proxySession{nick: nick, node: r.name}
	return u
}

// Name is the canonical lowercased nickname, which is also the user's
// bus topic.
func (u *SharedUser) Name() string { return u.name }

// Live reports whether a protocol session is attached on this node.
func (u *SharedUser) Live() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.live
}

// LoggedIn binds the mind to this user and starts the session: an
// immediate heartbeat so the rest of the cluster sees the login at
// once, a subscription to the nick's topic, and the keepalive loop.
func (u *SharedUser) LoggedIn(mind ProtocolSession) error {
	u.mu.Lock()
	if u.live {
		u.mu.Unlock()
		return errors.Wrapf(errdefs.ErrAlreadyLoggedIn, "%s", u.name)
	}
	u.mind = mind
	u.live = true
	u.hbQuit = make(chan struct{})
	u.mu.Unlock()

	if err := u.realm.db.HeartbeatUserSession(u.name); err != nil {
		log.Warnf("REALM: session heartbeat for %s: %v", u.name, err)
	}

	if err := u.realm.bus.Subscribe(u.name, u.receiveRemote); err != nil {
		u.mu.Lock()
		u.mind = nil
		u.live = false
		close(u.hbQuit)
		u.hbQuit = nil
		u.mu.Unlock()
		return err
	}

	go u.keepalive()
	return nil
}

// Logout tears the session down: parts every group, stops the
// keepalive, drops the topic subscription and retires the cluster
// session. Safe to call on a user that never logged in.
func (u *SharedUser) Logout() {
	u.mu.Lock()
	if !u.live {
		u.mu.Unlock()
		return
	}
	u.live = false
	close(u.hbQuit)
	u.hbQuit = nil
	groups := make([]*SharedGroup, 0, len(u.groups))
	for _, g := range u.groups {
		groups = append(groups, g)
	}
	u.groups = map[string]*SharedGroup{}
	u.mu.Unlock()

	for _, g := range groups {
		g.Remove(u.name, "")
	}

	u.realm.bus.Unsubscribe(u.name)
	if err := u.realm.db.RemoveUserSession(u.name); err != nil {
		log.Warnf("REALM: remove session for %s: %v", u.name, err)
	}
	log.Infof("REALM: %s logged out", u.name)
}

// Join adds the user to a group obtained from the realm.
func (u *SharedUser) Join(g *SharedGroup) error {
	if err := g.Add(u); err != nil {
		return err
	}
	u.mu.Lock()
	u.groups[g.Name()] = g
	u.mu.Unlock()
	return nil
}

// Leave parts a joined group. Leaving a group the user is not in
// reports NoSuchGroup.
func (u *SharedUser) Leave(name, reason string) error {
	u.mu.Lock()
	g, ok := u.groups[name]
	delete(u.groups, name)
	u.mu.Unlock()
	if !ok {
		return errors.Wrapf(errdefs.ErrNoSuchGroup, "%s is not in %s", u.name, name)
	}
	return g.Remove(u.name, reason)
}

// InGroup reports local membership.
func (u *SharedUser) InGroup(name string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.groups[name]
	return ok
}

// Send stamps the body with this sender and recipient, records it in
// the chat history, delivers it to local members first and then pushes
// it onto the recipient's topic for the rest of the cluster.
func (u *SharedUser) Send(recipient Recipient, body *proto.Body) error {
	if body.Type == "" {
		body.Type = proto.TypePrivmsg
	}
	body.Sender = &proto.Contact{Name: u.name, Hostname: u.realm.name}
	body.Recipient = recipient.Name()

	u.mu.Lock()
	u.lastMessage = time.Now()
	u.mu.Unlock()

	// History is best effort; a cold store must not block the message.
	if body.Type == proto.TypePrivmsg {
		var err error
		if _, ok := recipient.(*SharedGroup); ok {
			err = u.realm.db.AddMessage(recipient.Name(), u.name, body.Text)
		} else {
			err = u.realm.db.PrivateMessage(u.name, recipient.Name(), body.Text)
		}
		if err != nil {
			log.Warnf("REALM: record message %s -> %s: %v", u.name, recipient.Name(), err)
		}
	}

	// Local members hear it before the bus does.
	if err := recipient.Receive(u.name, body); err != nil {
		log.Warnf("REALM: local delivery %s -> %s: %v", u.name, recipient.Name(), err)
	}

	u.realm.bus.Publish(recipient.Name(), *body)
	return nil
}

// Receive hands one body addressed to this user to its session.
func (u *SharedUser) Receive(sender string, body *proto.Body) error {
	return u.receiveVia(sender, u, body)
}

// receiveVia delivers a body to the session with the recipient it was
// addressed to, which for group traffic is the group itself.
func (u *SharedUser) receiveVia(sender string, recipient Recipient, body *proto.Body) error {
	mind := u.currentMind()
	if mind == nil {
		return errors.Wrapf(errdefs.ErrNoSuchUser, "%s has no session here", u.name)
	}
	return mind.Receive(sender, recipient, body)
}

// forgetGroup drops the group from the user's membership map when the
// group evicts the user rather than the user leaving.
func (u *SharedUser) forgetGroup(name string) {
	u.mu.Lock()
	delete(u.groups, name)
	u.mu.Unlock()
}

// notifyJoined, notifyLeft and notifyMeta forward group events to the
// session, if one is attached.
func (u *SharedUser) notifyJoined(group, nick, hostname string) {
	if mind := u.currentMind(); mind != nil {
		mind.UserJoined(group, nick, hostname)
	}
}

func (u *SharedUser) notifyLeft(group, nick, hostname, reason string) {
	if mind := u.currentMind(); mind != nil {
		mind.UserLeft(group, nick, hostname, reason)
	}
}

func (u *SharedUser) notifyMeta(group string, meta store.GroupMeta) {
	if mind := u.currentMind(); mind != nil {
		mind.GroupMetaUpdate(group, meta)
	}
}

func (u *SharedUser) currentMind() ProtocolSession {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.mind
}

// receiveRemote handles envelopes arriving on the user's own topic.
// Messages are acknowledged whether or not delivery worked; a broken
// session is retired by its heartbeat lapsing, not by requeueing.
func (u *SharedUser) receiveRemote(env *proto.Envelope) error {
	body := env.MsgBody
	switch body.Type {
	case proto.TypePrivmsg:
		sender := ""
		if body.Sender != nil {
			sender = body.Sender.Name
		}
		if err := u.Receive(sender, &body); err != nil {
			log.Debugf("REALM: remote delivery to %s: %v", u.name, err)
		}
	default:
		log.Debugf("REALM: %s dropped %s envelope from %s", u.name, body.Type, env.Origin)
	}
	return nil
}

// keepalive freshens the cluster session and every joined group's
// presence row until logout.
func (u *SharedUser) keepalive() {
	u.mu.Lock()
	quit := u.hbQuit
	u.mu.Unlock()
	if quit == nil {
		return
	}

	ticker := time.NewTicker(store.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			u.heartbeat()
		case <-quit:
			return
		}
	}
}

func (u *SharedUser) heartbeat() {
	if err := u.realm.db.HeartbeatUserSession(u.name); err != nil {
		log.Warnf("REALM: session heartbeat for %s: %v", u.name, err)
	}
	u.mu.Lock()
	groups := make([]string, 0, len(u.groups))
	for name := range u.groups {
		groups = append(groups, name)
	}
	u.mu.Unlock()
	for _, name := range groups {
		if err := u.realm.db.HeartbeatUserInGroup(u.name, name); err != nil {
			log.Warnf("REALM: group heartbeat %s in %s: %v", u.name, name, err)
		}
	}
}

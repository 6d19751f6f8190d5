package realm

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ircmesh/ircmesh/internal/errdefs"
	"github.com/ircmesh/ircmesh/internal/proto"
	"github.com/ircmesh/ircmesh/internal/store"
)

// SharedGroup is one channel as seen from this node. It holds the local
// member sessions, mirrors the cluster-wide roster and topic from the
// store's change feeds, and relays the group's bus topic.
//
// Messages fan out to local members directly; everything else reaches
// them through the group topic or the store feeds. The group exists on
// a node only while someone local inhabits it.
type SharedGroup struct {
	realm *Realm
	name  string
	kind  string

	mu      sync.Mutex
	local   map[string]*SharedUser
	users   map[string]time.Time
	meta    store.GroupMeta
	stopped bool

	stateFeed *store.Feed[store.StateChange]
	metaFeed  *store.Feed[store.MetaChange]
}

// materializeGroup loads the group from the store and plugs it into the
// bus and both change feeds. The caller owns publishing it in the realm.
func materializeGroup(r *Realm, name string) (*SharedGroup, error) {
	info, err := r.db.LookupGroup(name)
	if err != nil {
		return nil, err
	}

	g := &SharedGroup{
		realm: r,
		name:  name,
		kind:  info.Type,
		local: map[string]*SharedUser{},
		users: map[string]time.Time{},
		meta:  info.Meta,
	}
	for nick, hb := range info.Users {
		g.users[nick] = hb
	}

	if err := r.bus.Subscribe(name, g.receiveRemote); err != nil {
		return nil, err
	}
	if g.stateFeed, err = r.db.ObserveGroupState(name); err != nil {
		r.bus.Unsubscribe(name)
		return nil, err
	}
	if g.metaFeed, err = r.db.ObserveGroupMeta(name); err != nil {
		r.bus.Unsubscribe(name)
		g.stateFeed.Close()
		return nil, err
	}

	go g.observeState()
	go g.observeMeta()
	return g, nil
}

// Name is the canonical group name, which is also its bus topic.
func (g *SharedGroup) Name() string { return g.name }

// Type is the group kind, public or private.
func (g *SharedGroup) Type() string { return g.kind }

// Meta is a snapshot of the current topic metadata.
func (g *SharedGroup) Meta() store.GroupMeta {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.meta
}

// Add brings a local user into the group: the other local members hear
// the join at once, the presence row is written, and the join rides the
// group topic to every other node. Joining twice is a no-op.
func (g *SharedGroup) Add(u *SharedUser) error {
	nick := u.Name()

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return errors.Wrapf(errdefs.ErrNoSuchGroup, "%s is gone", g.name)
	}
	if _, ok := g.local[nick]; ok {
		g.mu.Unlock()
		return nil
	}
	g.local[nick] = u
	g.users[nick] = time.Now()
	others := g.localSnapshot(nick)
	g.mu.Unlock()

	// The roster row self-heals on the next keepalive if this misses.
	if err := g.realm.db.HeartbeatUserInGroup(nick, g.name); err != nil {
		log.Warnf("REALM: presence %s in %s: %v", nick, g.name, err)
	}

	for _, member := range others {
		member.notifyJoined(g.name, nick, g.realm.name)
	}
	g.realm.bus.Publish(g.name, proto.Join(proto.Contact{Name: nick, Hostname: g.realm.name}))

	log.Infof("REALM: %s joined %s", nick, g.name)
	return nil
}

// Remove parts a local member and, when it was the last one here,
// releases the group on this node. Removing an absent member is a no-op.
func (g *SharedGroup) Remove(nick, reason string) error {
	g.mu.Lock()
	member, ok := g.local[nick]
	if !ok {
		g.mu.Unlock()
		log.Debugf("REALM: %s is not in %s here", nick, g.name)
		return nil
	}
	delete(g.local, nick)
	delete(g.users, nick)
	others := g.localSnapshot(nick)
	empty := len(g.local) == 0
	g.mu.Unlock()

	// Otherwise the member's keepalive would resurrect the presence row.
	member.forgetGroup(g.name)

	if err := g.realm.db.RemoveUserFromGroup(nick, g.name); err != nil {
		log.Warnf("REALM: remove presence %s from %s: %v", nick, g.name, err)
	}

	for _, member := range others {
		member.notifyLeft(g.name, nick, g.realm.name, reason)
	}
	g.realm.bus.Publish(g.name, proto.Part(proto.Contact{Name: nick, Hostname: g.realm.name}, reason))

	log.Infof("REALM: %s left %s", nick, g.name)
	if empty {
		g.realm.dropGroup(g.name, g)
	}
	return nil
}

// Receive multicasts one body to every local member except the sender.
// A member whose session refuses delivery is evicted.
func (g *SharedGroup) Receive(sender string, body *proto.Body) error {
	g.mu.Lock()
	members := g.localSnapshot(sender)
	g.mu.Unlock()

	type casualty struct {
		nick string
		err  error
	}
	var broken []casualty
	for _, member := range members {
		if err := member.receiveVia(sender, g, body); err != nil {
			log.Warnf("REALM: delivery to %s in %s: %v", member.Name(), g.name, err)
			broken = append(broken, casualty{member.Name(), err})
		}
	}
	for _, c := range broken {
		g.Remove(c.nick, c.err.Error())
	}
	return nil
}

// receiveRemote handles envelopes arriving on the group topic from
// other nodes. Every envelope is acknowledged; there is nothing a
// requeue could fix locally.
func (g *SharedGroup) receiveRemote(env *proto.Envelope) error {
	body := env.MsgBody
	var sender proto.Contact
	if body.Sender != nil {
		sender = *body.Sender
	}

	switch body.Type {
	case proto.TypePrivmsg:
		g.Receive(sender.Name, &body)
	case proto.TypeJoin:
		g.remoteJoin(sender)
	case proto.TypePart:
		g.remotePart(sender, body.Reason)
	default:
		log.Debugf("REALM: %s dropped %s envelope from %s", g.name, body.Type, env.Origin)
	}
	return nil
}

// remoteJoin notes a member arriving on another node and tells the
// local members. No write and no publish happen here; the origin node
// did both.
func (g *SharedGroup) remoteJoin(who proto.Contact) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.users[who.Name] = time.Now()
	members := g.localSnapshot(who.Name)
	g.mu.Unlock()

	for _, member := range members {
		member.notifyJoined(g.name, who.Name, who.Hostname)
	}
}

func (g *SharedGroup) remotePart(who proto.Contact, reason string) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	delete(g.users, who.Name)
	members := g.localSnapshot(who.Name)
	g.mu.Unlock()

	for _, member := range members {
		member.notifyLeft(g.name, who.Name, who.Hostname, reason)
	}
}

// SetTopic writes the topic to the store. The update comes back through
// the metadata feed on every node, this one included, so local members
// hear about it exactly once.
func (g *SharedGroup) SetTopic(author, topic string) error {
	return g.realm.db.SetGroupTopic(g.name, topic, author)
}

// IterUsers lists the cluster-wide roster: local members plus every
// remote member whose presence heartbeat is still fresh.
func (g *SharedGroup) IterUsers() []string {
	now := time.Now()
	g.mu.Lock()
	seen := make(map[string]bool, len(g.users)+len(g.local))
	for nick := range g.local {
		seen[nick] = true
	}
	for nick, hb := range g.users {
		if now.Sub(hb) < store.SessionTTL {
			seen[nick] = true
		}
	}
	g.mu.Unlock()

	out := make([]string, 0, len(seen))
	for nick := range seen {
		out = append(out, nick)
	}
	sort.Strings(out)
	return out
}

// LocalCount reports how many members sit on this node.
func (g *SharedGroup) LocalCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.local)
}

// Stop detaches the group from the bus and the store feeds. Members on
// other nodes are unaffected.
func (g *SharedGroup) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.local = map[string]*SharedUser{}
	g.mu.Unlock()

	g.realm.bus.Unsubscribe(g.name)
	g.stateFeed.Close()
	g.metaFeed.Close()
	log.Debugf("REALM: group %s stopped", g.name)
}

// observeState mirrors roster changes from the store. The mirror only
// feeds IterUsers; join and part notifications travel on the bus.
func (g *SharedGroup) observeState() {
	for change := range g.stateFeed.C {
		g.mu.Lock()
		if g.stopped {
			g.mu.Unlock()
			continue
		}
		if change.New == nil {
			g.users = map[string]time.Time{}
		} else {
			users := make(map[string]time.Time, len(change.New.Users))
			for nick, hb := range change.New.Users {
				users[nick] = hb
			}
			g.users = users
		}
		g.mu.Unlock()
	}
}

// observeMeta relays topic changes to local members. The feed replays
// the current document when it opens and fires again on every write to
// the group row, so updates are compared against the cached metadata
// and fanned out only when they differ.
func (g *SharedGroup) observeMeta() {
	for change := range g.metaFeed.C {
		if change.New == nil {
			continue
		}
		meta := change.New.Meta

		g.mu.Lock()
		if g.stopped || sameMeta(g.meta, meta) {
			g.mu.Unlock()
			continue
		}
		g.meta = meta
		members := g.localSnapshot("")
		g.mu.Unlock()

		for _, member := range members {
			member.notifyMeta(g.name, meta)
		}
	}
}

// localSnapshot copies the local member list, leaving out one nick.
// Callers hold g.mu.
func (g *SharedGroup) localSnapshot(except string) []*SharedUser {
	out := make([]*SharedUser, 0, len(g.local))
	for nick, member := range g.local {
		if nick == except {
			continue
		}
		out = append(out, member)
	}
	return out
}

func sameMeta(a, b store.GroupMeta) bool {
	return a.Topic == b.Topic && a.TopicAuthor == b.TopicAuthor && a.TopicTime.Equal(b.TopicTime)
}

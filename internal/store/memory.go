package store

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/ircmesh/ircmesh/internal/errdefs"
)

// Memory implements Database over plain maps. It mirrors the RethinkDB
// implementation's semantics, change feeds included, and backs the test
// suites of the packages above the store. Not selectable from config.
type Memory struct {
	// Now is the clock; tests override it to age heartbeats.
	Now func() time.Time

	mu       sync.Mutex
	users    map[string]User
	sessions map[string]UserSession
	groups   map[string]Group
	states   map[string]GroupState

	stateSubs map[string][]chan StateChange
	metaSubs  map[string][]chan MetaChange
}

var _ Database = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		Now:       time.Now,
		users:     map[string]User{},
		sessions:  map[string]UserSession{},
		groups:    map[string]Group{},
		states:    map[string]GroupState{},
		stateSubs: map[string][]chan StateChange{},
		metaSubs:  map[string][]chan MetaChange{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, subs := range m.stateSubs {
		for _, ch := range subs {
			close(ch)
		}
		delete(m.stateSubs, name)
	}
	for name, subs := range m.metaSubs {
		for _, ch := range subs {
			close(ch)
		}
		delete(m.metaSubs, name)
	}
	return nil
}

// ─── Users ───

func (m *Memory) CreateUser(u User) error {
	if !ValidNick(u.ID) {
		return errors.Wrapf(errdefs.ErrInvalidField, "nickname %q", u.ID)
	}
	if u.Permissions == nil {
		u.Permissions = map[string][]string{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		log.Debugf("STORE: user %s already exists", u.ID)
		return nil
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) LookupUser(nick string) (*UserInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[nick]
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrNoSuchUser, "%q", nick)
	}
	info := &UserInfo{User: u}
	if sess, ok := m.sessions[nick]; ok {
		cp := sess
		info.Session = &cp
	}
	for name, st := range m.states {
		if _, member := st.Users[nick]; member {
			info.Groups = append(info.Groups, name)
		}
	}
	return info, nil
}

func (m *Memory) RegisterUser(nick, email, password string) error {
	if err := ValidateRegistration(nick, email, password); err != nil {
		return err
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "hash password")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[nick]
	if !ok {
		return errors.Wrapf(errdefs.ErrNoSuchUser, "%q", nick)
	}
	u.Email = email
	u.Password = string(digest)
	u.Registered = true
	m.users[nick] = u
	return nil
}

func (m *Memory) DeleteUser(nick string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, nick)
	return nil
}

func (m *Memory) SetPermission(nick, group, flag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[nick]
	if !ok {
		return errors.Wrapf(errdefs.ErrNoSuchUser, "%q", nick)
	}
	perms := make(map[string][]string, len(u.Permissions))
	for k, v := range u.Permissions {
		perms[k] = append([]string(nil), v...)
	}
	perms[group] = append(perms[group], flag)
	u.Permissions = perms
	m.users[nick] = u
	return nil
}

// ─── Sessions ───

func (m *Memory) HeartbeatUserSession(nick string) error {
	now := m.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[nick]
	if !ok {
		sess = UserSession{ID: nick, SessionStart: now, LastMessage: now}
	}
	sess.LastHeartbeat = now
	m.sessions[nick] = sess
	return nil
}

func (m *Memory) LookupUserSession(nick string) (*UserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[nick]
	if !ok {
		return nil, nil
	}
	cp := sess
	return &cp, nil
}

func (m *Memory) RemoveUserSession(nick string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, nick)
	return nil
}

// ─── Group presence ───

func (m *Memory) HeartbeatUserInGroup(nick, group string) error {
	now := m.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[group]
	old := copyStatePtr(st, ok)
	if !ok {
		st = GroupState{ID: group, Users: map[string]time.Time{}}
	} else {
		st.Users = copyUsers(st.Users)
	}
	st.Users[nick] = now
	m.states[group] = st
	m.emitState(group, old, copyStatePtr(st, true))
	return nil
}

func (m *Memory) RemoveUserFromGroup(nick, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[group]
	if !ok {
		return nil
	}
	old := copyStatePtr(st, true)
	st.Users = copyUsers(st.Users)
	delete(st.Users, nick)
	m.states[group] = st
	m.emitState(group, old, copyStatePtr(st, true))
	return nil
}

// ─── Groups ───

func (m *Memory) CreateGroup(name, groupType string) error {
	if err := checkGroupName(name, groupType); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[name]; !ok {
		g := Group{ID: name, Name: name, Type: groupType, Meta: GroupMeta{TopicTime: m.Now()}}
		m.groups[name] = g
		m.emitMeta(name, nil, copyGroupPtr(g, true))
	} else {
		log.Debugf("STORE: group %s already exists", name)
	}
	if _, ok := m.states[name]; !ok {
		st := GroupState{ID: name, Users: map[string]time.Time{}}
		m.states[name] = st
		m.emitState(name, nil, copyStatePtr(st, true))
	}
	return nil
}

func (m *Memory) LookupGroup(name string) (*GroupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[name]
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrNoSuchGroup, "%q", name)
	}
	info := &GroupInfo{Group: g, Users: map[string]time.Time{}}
	if st, ok := m.states[name]; ok {
		info.Users = copyUsers(st.Users)
	}
	return info, nil
}

func (m *Memory) ListGroups() ([]GroupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []GroupInfo
	for name, g := range m.groups {
		if g.Type != GroupPublic {
			continue
		}
		users := map[string]time.Time{}
		if st, ok := m.states[name]; ok {
			users = copyUsers(st.Users)
		}
		infos = append(infos, GroupInfo{Group: g, Users: users})
	}
	return infos, nil
}

func (m *Memory) DeleteGroup(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.groups[name]; ok {
		delete(m.groups, name)
		m.emitMeta(name, copyGroupPtr(g, true), nil)
	}
	if st, ok := m.states[name]; ok {
		delete(m.states, name)
		m.emitState(name, copyStatePtr(st, true), nil)
	}
	return nil
}

func (m *Memory) SetGroupTopic(name, topic, author string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[name]
	if !ok {
		return errors.Wrapf(errdefs.ErrNoSuchGroup, "%q", name)
	}
	old := copyGroupPtr(g, true)
	g.Meta = GroupMeta{Topic: topic, TopicAuthor: author, TopicTime: m.Now()}
	m.groups[name] = g
	m.emitMeta(name, old, copyGroupPtr(g, true))
	return nil
}

// ─── Chat log ───

func (m *Memory) AddMessage(group, sender, text string) error {
	now := m.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[group]
	if !ok {
		return errors.Wrapf(errdefs.ErrNoSuchGroup, "%q", group)
	}
	old := copyGroupPtr(g, true)
	g.Messages = append(append([]ChatMessage(nil), g.Messages...), ChatMessage{Sender: sender, Time: now, Text: text})
	m.groups[group] = g
	// The document feed fires on log appends too, exactly like a point
	// changefeed on the real store. Meta consumers diff before notifying.
	m.emitMeta(group, old, copyGroupPtr(g, true))
	return nil
}

func (m *Memory) PrivateMessage(sender, receiver, text string) error {
	name := PrivateGroupName(sender, receiver)
	if err := m.CreateGroup(name, GroupPrivate); err != nil {
		return err
	}
	return m.AddMessage(name, sender, text)
}

// ─── Change feeds ───

func (m *Memory) ObserveGroupState(name string) (*Feed[StateChange], error) {
	ch := make(chan StateChange, 16)
	m.mu.Lock()
	m.stateSubs[name] = append(m.stateSubs[name], ch)
	m.mu.Unlock()

	closeFn := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.stateSubs[name]
		for i, c := range subs {
			if c == ch {
				m.stateSubs[name] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
		return nil
	}
	return newFeed(ch, closeFn), nil
}

func (m *Memory) ObserveGroupMeta(name string) (*Feed[MetaChange], error) {
	ch := make(chan MetaChange, 16)
	m.mu.Lock()
	m.metaSubs[name] = append(m.metaSubs[name], ch)
	m.mu.Unlock()

	closeFn := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.metaSubs[name]
		for i, c := range subs {
			if c == ch {
				m.metaSubs[name] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
		return nil
	}
	return newFeed(ch, closeFn), nil
}

// emitState fans a change out to subscribers; called with mu held.
func (m *Memory) emitState(name string, old, new *GroupState) {
	for _, ch := range m.stateSubs[name] {
		select {
		case ch <- StateChange{Old: old, New: new}:
		default:
			log.Debugf("STORE: dropping state change for %s (slow feed)", name)
		}
	}
}

func (m *Memory) emitMeta(name string, old, new *Group) {
	for _, ch := range m.metaSubs[name] {
		select {
		case ch <- MetaChange{Old: old, New: new}:
		default:
			log.Debugf("STORE: dropping meta change for %s (slow feed)", name)
		}
	}
}

func copyUsers(users map[string]time.Time) map[string]time.Time {
	cp := make(map[string]time.Time, len(users))
	for k, v := range users {
		cp[k] = v
	}
	return cp
}

func copyStatePtr(st GroupState, ok bool) *GroupState {
	if !ok {
		return nil
	}
	cp := st
	cp.Users = copyUsers(st.Users)
	return &cp
}

func copyGroupPtr(g Group, ok bool) *Group {
	if !ok {
		return nil
	}
	cp := g
	cp.Messages = append([]ChatMessage(nil), g.Messages...)
	return &cp
}

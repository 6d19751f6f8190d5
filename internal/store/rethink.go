package store

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	r "gopkg.in/rethinkdb/rethinkdb-go.v5"

	"github.com/ircmesh/ircmesh/internal/errdefs"
)

const (
	usersTable    = "users"
	groupsTable   = "groups"
	sessionsTable = "user_sessions"
	statesTable   = "group_states"
)

// Rethink is the production Database over a RethinkDB cluster. One
// session pool serves all calls; change feeds run their own cursors.
type Rethink struct {
	session *r.Session
	db      string
}

var _ Database = (*Rethink)(nil)

// NewRethink connects to the store and ensures the database and its four
// tables exist.
func NewRethink(addr, db string) (*Rethink, error) {
	session, err := r.Connect(r.ConnectOpts{
		Address:    addr,
		Database:   db,
		InitialCap: 4,
		MaxOpen:    16,
	})
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrStorageUnavailable, "connect %s: %v", addr, err)
	}

	s := &Rethink{session: session, db: db}
	if err := s.init(); err != nil {
		session.Close()
		return nil, err
	}
	return s, nil
}

func (s *Rethink) init() error {
	var exists bool
	cur, err := r.DBList().Contains(s.db).Run(s.session)
	if err != nil {
		return s.wrap(err, "list databases")
	}
	if err := cur.One(&exists); err != nil {
		return s.wrap(err, "list databases")
	}
	if !exists {
		if err := r.DBCreate(s.db).Exec(s.session); err != nil {
			return s.wrap(err, "create database")
		}
		log.Infof("STORE: created database %s", s.db)
	}

	for _, table := range []string{usersTable, groupsTable, sessionsTable, statesTable} {
		cur, err := r.DB(s.db).TableList().Contains(table).Run(s.session)
		if err != nil {
			return s.wrap(err, "list tables")
		}
		var have bool
		if err := cur.One(&have); err != nil {
			return s.wrap(err, "list tables")
		}
		if !have {
			if err := r.DB(s.db).TableCreate(table).Exec(s.session); err != nil {
				return s.wrap(err, "create table "+table)
			}
			log.Infof("STORE: created table %s", table)
		}
	}
	return nil
}

func (s *Rethink) Close() error {
	return s.session.Close()
}

func (s *Rethink) wrap(err error, op string) error {
	return errors.Wrapf(errdefs.ErrStorageUnavailable, "%s: %v", op, err)
}

// duplicateKey detects a primary-key conflict reported in a write response.
func duplicateKey(resp r.WriteResponse) bool {
	return resp.Errors > 0 && strings.Contains(resp.FirstError, "Duplicate primary key")
}

// ─── Users ───

func (s *Rethink) CreateUser(u User) error {
	if !ValidNick(u.ID) {
		return errors.Wrapf(errdefs.ErrInvalidField, "nickname %q", u.ID)
	}
	if u.Permissions == nil {
		u.Permissions = map[string][]string{}
	}

	resp, err := r.Table(usersTable).Insert(u, r.InsertOpts{Conflict: "error"}).RunWrite(s.session)
	if err != nil {
		return s.wrap(err, "create user")
	}
	if duplicateKey(resp) {
		log.Debugf("STORE: user %s already exists", u.ID)
		return nil
	}
	if resp.Errors > 0 {
		return errors.Wrapf(errdefs.ErrStorageUnavailable, "create user: %s", resp.FirstError)
	}
	return nil
}

func (s *Rethink) LookupUser(nick string) (*UserInfo, error) {
	cur, err := r.Table(usersTable).Get(nick).Run(s.session)
	if err != nil {
		return nil, s.wrap(err, "lookup user")
	}
	var u User
	if err := cur.One(&u); err != nil {
		if errors.Is(err, r.ErrEmptyResult) {
			return nil, errors.Wrapf(errdefs.ErrNoSuchUser, "%q", nick)
		}
		return nil, s.wrap(err, "lookup user")
	}

	info := &UserInfo{User: u}

	session, err := s.LookupUserSession(nick)
	if err != nil {
		return nil, err
	}
	info.Session = session

	cur, err = r.Table(statesTable).Filter(r.Row.Field("users").HasFields(nick)).Field("id").Run(s.session)
	if err != nil {
		return nil, s.wrap(err, "lookup user groups")
	}
	if err := cur.All(&info.Groups); err != nil {
		return nil, s.wrap(err, "lookup user groups")
	}
	return info, nil
}

func (s *Rethink) RegisterUser(nick, email, password string) error {
	if err := ValidateRegistration(nick, email, password); err != nil {
		return err
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "hash password")
	}

	resp, err := r.Table(usersTable).Get(nick).Update(map[string]interface{}{
		"email":      email,
		"password":   string(digest),
		"registered": true,
	}).RunWrite(s.session)
	if err != nil {
		return s.wrap(err, "register user")
	}
	if resp.Skipped > 0 {
		return errors.Wrapf(errdefs.ErrNoSuchUser, "%q", nick)
	}
	return nil
}

func (s *Rethink) DeleteUser(nick string) error {
	if _, err := r.Table(usersTable).Get(nick).Delete().RunWrite(s.session); err != nil {
		return s.wrap(err, "delete user")
	}
	return nil
}

func (s *Rethink) SetPermission(nick, group, flag string) error {
	resp, err := r.Table(usersTable).Get(nick).Update(map[string]interface{}{
		"permissions": map[string]interface{}{
			group: r.Row.Field("permissions").Field(group).Default([]interface{}{}).Append(flag),
		},
	}).RunWrite(s.session)
	if err != nil {
		return s.wrap(err, "set permission")
	}
	if resp.Skipped > 0 {
		return errors.Wrapf(errdefs.ErrNoSuchUser, "%q", nick)
	}
	return nil
}

// ─── Sessions ───

func (s *Rethink) HeartbeatUserSession(nick string) error {
	_, err := r.Table(sessionsTable).Insert(map[string]interface{}{
		"id":             nick,
		"session_start":  r.Now(),
		"last_heartbeat": r.Now(),
		"last_message":   r.Now(),
	}, r.InsertOpts{
		Conflict: func(id, old, new r.Term) interface{} {
			return old.Merge(map[string]interface{}{"last_heartbeat": r.Now()})
		},
	}).RunWrite(s.session)
	if err != nil {
		return s.wrap(err, "heartbeat session")
	}
	return nil
}

func (s *Rethink) LookupUserSession(nick string) (*UserSession, error) {
	cur, err := r.Table(sessionsTable).Get(nick).Run(s.session)
	if err != nil {
		return nil, s.wrap(err, "lookup session")
	}
	var sess UserSession
	if err := cur.One(&sess); err != nil {
		if errors.Is(err, r.ErrEmptyResult) {
			return nil, nil
		}
		return nil, s.wrap(err, "lookup session")
	}
	return &sess, nil
}

func (s *Rethink) RemoveUserSession(nick string) error {
	if _, err := r.Table(sessionsTable).Get(nick).Delete().RunWrite(s.session); err != nil {
		return s.wrap(err, "remove session")
	}
	return nil
}

// ─── Group presence ───

func (s *Rethink) HeartbeatUserInGroup(nick, group string) error {
	_, err := r.Table(statesTable).Insert(map[string]interface{}{
		"id":    group,
		"users": map[string]interface{}{nick: r.Now()},
	}, r.InsertOpts{Conflict: "update"}).RunWrite(s.session)
	if err != nil {
		return s.wrap(err, "heartbeat group presence")
	}
	return nil
}

func (s *Rethink) RemoveUserFromGroup(nick, group string) error {
	_, err := r.Table(statesTable).Get(group).Replace(
		r.Row.Without(map[string]interface{}{"users": map[string]interface{}{nick: true}}),
	).RunWrite(s.session)
	if err != nil {
		return s.wrap(err, "remove group presence")
	}
	return nil
}

// ─── Groups ───

func (s *Rethink) CreateGroup(name, groupType string) error {
	if err := checkGroupName(name, groupType); err != nil {
		return err
	}

	group := Group{
		ID:   name,
		Name: name,
		Type: groupType,
		Meta: GroupMeta{TopicTime: time.Now()},
	}
	resp, err := r.Table(groupsTable).Insert(group, r.InsertOpts{Conflict: "error"}).RunWrite(s.session)
	if err != nil {
		return s.wrap(err, "create group")
	}
	if resp.Errors > 0 && !duplicateKey(resp) {
		return errors.Wrapf(errdefs.ErrStorageUnavailable, "create group: %s", resp.FirstError)
	}
	if duplicateKey(resp) {
		log.Debugf("STORE: group %s already exists", name)
	}

	resp, err = r.Table(statesTable).Insert(GroupState{ID: name, Users: map[string]time.Time{}},
		r.InsertOpts{Conflict: "error"}).RunWrite(s.session)
	if err != nil {
		return s.wrap(err, "create group state")
	}
	if resp.Errors > 0 && !duplicateKey(resp) {
		return errors.Wrapf(errdefs.ErrStorageUnavailable, "create group state: %s", resp.FirstError)
	}
	return nil
}

func (s *Rethink) LookupGroup(name string) (*GroupInfo, error) {
	cur, err := r.Table(groupsTable).Get(name).Run(s.session)
	if err != nil {
		return nil, s.wrap(err, "lookup group")
	}
	var g Group
	if err := cur.One(&g); err != nil {
		if errors.Is(err, r.ErrEmptyResult) {
			return nil, errors.Wrapf(errdefs.ErrNoSuchGroup, "%q", name)
		}
		return nil, s.wrap(err, "lookup group")
	}

	info := &GroupInfo{Group: g, Users: map[string]time.Time{}}

	cur, err = r.Table(statesTable).Get(name).Run(s.session)
	if err != nil {
		return nil, s.wrap(err, "lookup group state")
	}
	var state GroupState
	if err := cur.One(&state); err == nil {
		info.Users = state.Users
	} else if !errors.Is(err, r.ErrEmptyResult) {
		return nil, s.wrap(err, "lookup group state")
	}
	return info, nil
}

func (s *Rethink) ListGroups() ([]GroupInfo, error) {
	cur, err := r.Table(groupsTable).Filter(r.Row.Field("type").Eq(GroupPublic)).Run(s.session)
	if err != nil {
		return nil, s.wrap(err, "list groups")
	}
	var groups []Group
	if err := cur.All(&groups); err != nil {
		return nil, s.wrap(err, "list groups")
	}
	if len(groups) == 0 {
		return nil, nil
	}

	ids := make([]interface{}, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
	}
	cur, err = r.Table(statesTable).GetAll(ids...).Run(s.session)
	if err != nil {
		return nil, s.wrap(err, "list group states")
	}
	var states []GroupState
	if err := cur.All(&states); err != nil {
		return nil, s.wrap(err, "list group states")
	}
	byID := make(map[string]map[string]time.Time, len(states))
	for _, st := range states {
		byID[st.ID] = st.Users
	}

	infos := make([]GroupInfo, len(groups))
	for i, g := range groups {
		users := byID[g.ID]
		if users == nil {
			users = map[string]time.Time{}
		}
		infos[i] = GroupInfo{Group: g, Users: users}
	}
	return infos, nil
}

func (s *Rethink) DeleteGroup(name string) error {
	if _, err := r.Table(groupsTable).Get(name).Delete().RunWrite(s.session); err != nil {
		return s.wrap(err, "delete group")
	}
	if _, err := r.Table(statesTable).Get(name).Delete().RunWrite(s.session); err != nil {
		return s.wrap(err, "delete group state")
	}
	return nil
}

func (s *Rethink) SetGroupTopic(name, topic, author string) error {
	resp, err := r.Table(groupsTable).Get(name).Update(map[string]interface{}{
		"meta": map[string]interface{}{
			"topic":        topic,
			"topic_author": author,
			"topic_time":   r.Now(),
		},
	}).RunWrite(s.session)
	if err != nil {
		return s.wrap(err, "set topic")
	}
	if resp.Skipped > 0 {
		return errors.Wrapf(errdefs.ErrNoSuchGroup, "%q", name)
	}
	return nil
}

// ─── Chat log ───

func (s *Rethink) AddMessage(group, sender, text string) error {
	resp, err := r.Table(groupsTable).Get(group).Update(map[string]interface{}{
		"messages": r.Row.Field("messages").Default([]interface{}{}).Append(map[string]interface{}{
			"sender": sender,
			"time":   r.Now(),
			"text":   text,
		}),
	}).RunWrite(s.session)
	if err != nil {
		return s.wrap(err, "add message")
	}
	if resp.Skipped > 0 {
		return errors.Wrapf(errdefs.ErrNoSuchGroup, "%q", group)
	}
	return nil
}

func (s *Rethink) PrivateMessage(sender, receiver, text string) error {
	name := PrivateGroupName(sender, receiver)
	if err := s.CreateGroup(name, GroupPrivate); err != nil {
		return err
	}
	return s.AddMessage(name, sender, text)
}

// ─── Change feeds ───

type stateChangeDoc struct {
	Old *GroupState `rethinkdb:"old_val" json:"old_val"`
	New *GroupState `rethinkdb:"new_val" json:"new_val"`
}

type metaChangeDoc struct {
	Old *Group `rethinkdb:"old_val" json:"old_val"`
	New *Group `rethinkdb:"new_val" json:"new_val"`
}

func (s *Rethink) ObserveGroupState(name string) (*Feed[StateChange], error) {
	cur, err := r.Table(statesTable).Get(name).Changes().Run(s.session)
	if err != nil {
		return nil, s.wrap(err, "observe group state")
	}

	raw := make(chan stateChangeDoc)
	cur.Listen(raw)

	out := make(chan StateChange, 8)
	go func() {
		defer close(out)
		for doc := range raw {
			out <- StateChange{Old: doc.Old, New: doc.New}
		}
	}()
	return newFeed(out, cur.Close), nil
}

func (s *Rethink) ObserveGroupMeta(name string) (*Feed[MetaChange], error) {
	cur, err := r.Table(groupsTable).Get(name).Changes().Run(s.session)
	if err != nil {
		return nil, s.wrap(err, "observe group meta")
	}

	raw := make(chan metaChangeDoc)
	cur.Listen(raw)

	out := make(chan MetaChange, 8)
	go func() {
		defer close(out)
		for doc := range raw {
			out <- MetaChange{Old: doc.Old, New: doc.New}
		}
	}()
	return newFeed(out, cur.Close), nil
}

func checkGroupName(name, groupType string) error {
	switch groupType {
	case GroupPublic:
		if !ValidGroupName(name) {
			return errors.Wrapf(errdefs.ErrInvalidField, "group name %q", name)
		}
	case GroupPrivate:
		if !privateGroupRe.MatchString(name) {
			return errors.Wrapf(errdefs.ErrInvalidField, "private group name %q", name)
		}
	default:
		return errors.Wrapf(errdefs.ErrInvalidField, "group type %q", groupType)
	}
	return nil
}

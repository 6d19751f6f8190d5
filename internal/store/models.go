package store

import "time"

// Heartbeat cadence for sessions and group presence. A session or group
// membership whose heartbeat is older than SessionTTL (three missed beats)
// is stale and may be claimed or swept.
const (
	HeartbeatPeriod = 10 * time.Second
	SessionTTL      = 3 * HeartbeatPeriod
)

const (
	GroupPublic  = "public"
	GroupPrivate = "private"
)

// User is a registered or anonymous identity. The id is the lowercased
// nickname. Password holds a bcrypt digest for registered users and is
// empty for anonymous ones.
type User struct {
	ID          string              `rethinkdb:"id" json:"id"`
	Email       string              `rethinkdb:"email" json:"email"`
	Password    string              `rethinkdb:"password" json:"password"`
	Registered  bool                `rethinkdb:"registered" json:"registered"`
	Permissions map[string][]string `rethinkdb:"permissions" json:"permissions"`
}

// UserSession asserts that a nickname is currently owned by some node.
type UserSession struct {
	ID            string    `rethinkdb:"id" json:"id"`
	SessionStart  time.Time `rethinkdb:"session_start" json:"session_start"`
	LastHeartbeat time.Time `rethinkdb:"last_heartbeat" json:"last_heartbeat"`
	LastMessage   time.Time `rethinkdb:"last_message" json:"last_message"`
}

// Fresh reports whether the session heartbeat is within the TTL.
func (s *UserSession) Fresh(now time.Time) bool {
	if s == nil {
		return false
	}
	return now.Sub(s.LastHeartbeat) < SessionTTL
}

// GroupMeta is the cold group metadata, authoritative in the store.
type GroupMeta struct {
	Topic       string    `rethinkdb:"topic" json:"topic"`
	TopicAuthor string    `rethinkdb:"topic_author" json:"topic_author"`
	TopicTime   time.Time `rethinkdb:"topic_time" json:"topic_time"`
}

// ChatMessage is one best-effort chat log entry.
type ChatMessage struct {
	Sender string    `rethinkdb:"sender" json:"sender"`
	Time   time.Time `rethinkdb:"time" json:"time"`
	Text   string    `rethinkdb:"text" json:"text"`
}

// Group is a channel document: metadata plus the chat log.
type Group struct {
	ID       string        `rethinkdb:"id" json:"id"`
	Name     string        `rethinkdb:"name" json:"name"`
	Type     string        `rethinkdb:"type" json:"type"`
	Meta     GroupMeta     `rethinkdb:"meta" json:"meta"`
	Messages []ChatMessage `rethinkdb:"messages" json:"messages"`
}

// GroupState is the hot presence document: member nick → last heartbeat.
// Kept apart from Group so roster churn does not rewrite the chat log.
type GroupState struct {
	ID    string               `rethinkdb:"id" json:"id"`
	Users map[string]time.Time `rethinkdb:"users" json:"users"`
}

// UserInfo is the LookupUser join: the user row, its current session when
// one exists, and the groups whose state lists the nick.
type UserInfo struct {
	User
	Session *UserSession
	Groups  []string
}

// GroupInfo is the LookupGroup/ListGroups join: the group row plus its
// state's member map.
type GroupInfo struct {
	Group
	Users map[string]time.Time
}

// StateChange is one change-feed event on a GroupState document.
// A nil Old means the document was created; a nil New means deleted.
type StateChange struct {
	Old *GroupState
	New *GroupState
}

// MetaChange is one change-feed event on a Group document.
type MetaChange struct {
	Old *Group
	New *Group
}

// Feed is a live change stream. Events arrive on C until Close is called
// or the underlying cursor dies, after which C is closed. Restarting is
// the consumer's responsibility.
type Feed[T any] struct {
	C <-chan T

	closeFn func() error
}

func (f *Feed[T]) Close() error {
	if f.closeFn == nil {
		return nil
	}
	return f.closeFn()
}

func newFeed[T any](c <-chan T, closeFn func() error) *Feed[T] {
	return &Feed[T]{C: c, closeFn: closeFn}
}

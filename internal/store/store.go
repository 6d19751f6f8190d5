// Package store persists the cluster's shared state: users, groups, live
// sessions and group presence. The production implementation runs on
// RethinkDB; Memory provides the same semantics for tests.
package store

// Database is the full set of state operations the daemon consumes. All
// calls are synchronous; Observe* return long-lived feeds.
type Database interface {
	// Users.
	CreateUser(u User) error
	LookupUser(nick string) (*UserInfo, error)
	RegisterUser(nick, email, password string) error
	DeleteUser(nick string) error
	SetPermission(nick, group, flag string) error

	// Sessions. LookupUserSession returns (nil, nil) when no row exists;
	// absence is a normal outcome on the login path.
	HeartbeatUserSession(nick string) error
	LookupUserSession(nick string) (*UserSession, error)
	RemoveUserSession(nick string) error

	// Group presence.
	HeartbeatUserInGroup(nick, group string) error
	RemoveUserFromGroup(nick, group string) error

	// Groups.
	CreateGroup(name, groupType string) error
	LookupGroup(name string) (*GroupInfo, error)
	ListGroups() ([]GroupInfo, error)
	DeleteGroup(name string) error
	SetGroupTopic(name, topic, author string) error

	// Chat log, best effort.
	AddMessage(group, sender, text string) error
	PrivateMessage(a, b, text string) error

	// Change feeds.
	ObserveGroupState(name string) (*Feed[StateChange], error)
	ObserveGroupMeta(name string) (*Feed[MetaChange], error)

	Close() error
}

package realm

import (
	"github.com/ircmesh/ircmesh/internal/bus"
	"github.com/ircmesh/ircmesh/internal/proto"
	"github.com/ircmesh/ircmesh/internal/store"
)

// Recipient is anything a message can be addressed to: a user or a
// group. Receive hands over one already-stamped body for delivery on
// this node only; pushing the body to other nodes is the sender's job.
type Recipient interface {
	Name() string
	Receive(sender string, body *proto.Body) error
}

// ProtocolSession is the protocol-facing half of a logged-in user, the
// mind behind a SharedUser. The realm calls it from bus handlers, feed
// observers and peer sessions, so implementations must tolerate
// concurrent calls.
//
// Receive delivers one message body; an error tells the realm this
// session is broken, which evicts the user from the group involved.
// The remaining callbacks fan out group events and may not fail.
type ProtocolSession interface {
	Name() string
	Hostname() string
	Receive(sender string, recipient Recipient, body *proto.Body) error
	UserJoined(group, nick, hostname string)
	UserLeft(group, nick, hostname, reason string)
	GroupMetaUpdate(group string, meta store.GroupMeta)
}

// PubSub is the slice of the message fabric the realm uses. *bus.Bus
// satisfies it.
type PubSub interface {
	Publish(topic string, body proto.Body)
	Subscribe(topic string, handler bus.Handler) error
	Unsubscribe(topic string)
}

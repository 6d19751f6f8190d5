package realm

import (
	log "github.com/sirupsen/logrus"

	"github.com/ircmesh/ircmesh/internal/proto"
	"github.com/ircmesh/ircmesh/internal/store"
)

// proxySession is the mind of a remote user's stand-in. The owning node
// delivers for real when the envelope reaches it over the bus, so
// everything here just logs and succeeds.
type proxySession struct {
	nick string
	node string
}

func (p proxySession) Name() string     { return p.nick }
func (p proxySession) Hostname() string { return p.node }

func (p proxySession) Receive(sender string, _ Recipient, body *proto.Body) error {
	log.Debugf("REALM: proxy %s holding %s from %s for the owning node", p.nick, body.Type, sender)
	return nil
}

func (p proxySession) UserJoined(group, nick, hostname string) {
	log.Debugf("REALM: proxy %s ignoring join of %s to %s", p.nick, nick, group)
}

func (p proxySession) UserLeft(group, nick, hostname, reason string) {
	log.Debugf("REALM: proxy %s ignoring part of %s from %s", p.nick, nick, group)
}

func (p proxySession) GroupMetaUpdate(group string, _ store.GroupMeta) {
	log.Debugf("REALM: proxy %s ignoring meta update on %s", p.nick, group)
}

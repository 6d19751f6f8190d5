package irc

import (
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sorcix/irc"

	"github.com/ircmesh/ircmesh/internal/errdefs"
	"github.com/ircmesh/ircmesh/internal/proto"
	"github.com/ircmesh/ircmesh/internal/realm"
	"github.com/ircmesh/ircmesh/internal/store"
)

// loop reads commands until the client quits or the connection dies.
func (s *Session) loop() {
	for {
		msg, err := s.conn.Decode()
		if err != nil {
			return
		}
		if msg == nil {
			continue
		}

		switch msg.Command {
		case irc.PRIVMSG, irc.NOTICE:
			s.handlePrivmsg(msg)
		case irc.JOIN:
			s.handleJoin(msg)
		case irc.PART:
			s.handlePart(msg)
		case irc.TOPIC:
			s.handleTopic(msg)
		case irc.NAMES:
			s.handleNames(msg)
		case irc.LIST:
			s.handleList(msg)
		case irc.MODE:
			s.handleMode(msg)
		case irc.PING:
			s.pong(msg)
		case irc.PONG:
			// Client keepalive; nothing to do.
		case irc.NICK:
			s.numeric(irc.ERR_NICKNAMEINUSE, []string{s.nick, s.nick}, "Nick changes are not supported")
		case irc.USER:
			s.numeric(irc.ERR_ALREADYREGISTRED, []string{s.nick}, "You may not reregister")
		case irc.QUIT:
			s.send(&irc.Message{Command: irc.ERROR, Trailing: "Closing link"})
			return
		default:
			s.numeric(irc.ERR_UNKNOWNCOMMAND, []string{s.nick, msg.Command}, "Unknown command")
		}
	}
}

// handlePrivmsg routes one message to each listed target, channel or
// nick.
func (s *Session) handlePrivmsg(msg *irc.Message) {
	if len(msg.Params) == 0 {
		s.numeric(irc.ERR_NORECIPIENT, []string{s.nick}, "No recipient given (PRIVMSG)")
		return
	}
	text := msg.Trailing
	if text == "" && len(msg.Params) > 1 {
		text = msg.Params[1]
	}
	if text == "" {
		s.numeric(irc.ERR_NOTEXTTOSEND, []string{s.nick}, "No text to send")
		return
	}

	for _, target := range strings.Split(msg.Params[0], ",") {
		s.deliver(target, text)
	}
}

func (s *Session) deliver(target, text string) {
	body := proto.Body{Type: proto.TypePrivmsg, Text: text}

	if name, ok := channelName(target); ok {
		g, err := s.srv.Realm.LookupGroup(name)
		if err != nil {
			s.numeric(irc.ERR_NOSUCHCHANNEL, []string{s.nick, target}, "No such channel")
			return
		}
		if err := s.user.Send(g, &body); err != nil {
			log.Warnf("IRC: [%s] send to %s: %v", s.id, target, err)
		}
		return
	}

	peer, err := s.srv.Realm.LookupUser(target)
	if err != nil {
		s.numeric(irc.ERR_NOSUCHNICK, []string{s.nick, target}, "No such nick/channel")
		return
	}
	if err := s.user.Send(peer, &body); err != nil {
		log.Warnf("IRC: [%s] send to %s: %v", s.id, target, err)
	}
}

// handleJoin joins each listed channel, then echoes the join and plays
// back topic and names the way clients expect.
func (s *Session) handleJoin(msg *irc.Message) {
	if len(msg.Params) == 0 {
		s.numeric(irc.ERR_NEEDMOREPARAMS, []string{s.nick, irc.JOIN}, "Not enough parameters")
		return
	}
	for _, target := range strings.Split(msg.Params[0], ",") {
		name, ok := channelName(target)
		if !ok {
			s.numeric(irc.ERR_NOSUCHCHANNEL, []string{s.nick, target}, "No such channel")
			continue
		}

		g, err := s.srv.Realm.GetGroup(name)
		if err != nil {
			log.Debugf("IRC: [%s] join %s: %v", s.id, target, err)
			s.numeric(irc.ERR_NOSUCHCHANNEL, []string{s.nick, target}, joinRefusal(err))
			continue
		}
		if err := s.user.Join(g); err != nil {
			s.numeric(irc.ERR_NOSUCHCHANNEL, []string{s.nick, target}, joinRefusal(err))
			continue
		}

		s.send(&irc.Message{
			Prefix:  s.selfPrefix(),
			Command: irc.JOIN,
			Params:  []string{"#" + g.Name()},
		})
		if meta := g.Meta(); meta.Topic != "" {
			s.numeric(irc.RPL_TOPIC, []string{s.nick, "#" + g.Name()}, meta.Topic)
		}
		s.sendNames(g)
	}
}

func joinRefusal(err error) string {
	switch {
	case errdefs.IsNoSuchGroup(err), errdefs.IsInvalidField(err):
		return "No such channel"
	default:
		return "Channel is temporarily unavailable"
	}
}

func (s *Session) handlePart(msg *irc.Message) {
	if len(msg.Params) == 0 {
		s.numeric(irc.ERR_NEEDMOREPARAMS, []string{s.nick, irc.PART}, "Not enough parameters")
		return
	}
	for _, target := range strings.Split(msg.Params[0], ",") {
		name, ok := channelName(target)
		if !ok || !s.user.InGroup(name) {
			s.numeric(irc.ERR_NOTONCHANNEL, []string{s.nick, target}, "You're not on that channel")
			continue
		}
		if err := s.user.Leave(name, msg.Trailing); err != nil {
			s.numeric(irc.ERR_NOTONCHANNEL, []string{s.nick, target}, "You're not on that channel")
			continue
		}
		s.send(&irc.Message{
			Prefix:   s.selfPrefix(),
			Command:  irc.PART,
			Params:   []string{"#" + name},
			Trailing: msg.Trailing,
		})
	}
}

// handleTopic reads the topic, or writes it and lets the store feed
// announce the change everywhere, this session included.
func (s *Session) handleTopic(msg *irc.Message) {
	if len(msg.Params) == 0 {
		s.numeric(irc.ERR_NEEDMOREPARAMS, []string{s.nick, irc.TOPIC}, "Not enough parameters")
		return
	}
	target := msg.Params[0]
	name, ok := channelName(target)
	if !ok {
		s.numeric(irc.ERR_NOSUCHCHANNEL, []string{s.nick, target}, "No such channel")
		return
	}
	g, err := s.srv.Realm.LookupGroup(name)
	if err != nil {
		s.numeric(irc.ERR_NOSUCHCHANNEL, []string{s.nick, target}, "No such channel")
		return
	}

	if msg.Trailing == "" {
		meta := g.Meta()
		if meta.Topic == "" {
			s.numeric(irc.RPL_NOTOPIC, []string{s.nick, target}, "No topic is set")
			return
		}
		s.numeric(irc.RPL_TOPIC, []string{s.nick, target}, meta.Topic)
		return
	}

	if err := g.SetTopic(s.nick, msg.Trailing); err != nil {
		log.Warnf("IRC: [%s] topic on %s: %v", s.id, target, err)
		s.numeric(irc.RPL_TRYAGAIN, []string{s.nick, irc.TOPIC}, "Please wait a while and try again.")
	}
}

func (s *Session) handleNames(msg *irc.Message) {
	if len(msg.Params) == 0 {
		s.numeric(irc.RPL_ENDOFNAMES, []string{s.nick, "*"}, "End of /NAMES list.")
		return
	}
	for _, target := range strings.Split(msg.Params[0], ",") {
		name, ok := channelName(target)
		if !ok {
			s.numeric(irc.RPL_ENDOFNAMES, []string{s.nick, target}, "End of /NAMES list.")
			continue
		}
		g, err := s.srv.Realm.LookupGroup(name)
		if err != nil {
			s.numeric(irc.RPL_ENDOFNAMES, []string{s.nick, target}, "End of /NAMES list.")
			continue
		}
		s.sendNames(g)
	}
}

func (s *Session) sendNames(g *realm.SharedGroup) {
	target := "#" + g.Name()
	if nicks := g.IterUsers(); len(nicks) > 0 {
		s.numeric(irc.RPL_NAMREPLY, []string{s.nick, "=", target}, strings.Join(nicks, " "))
	}
	s.numeric(irc.RPL_ENDOFNAMES, []string{s.nick, target}, "End of /NAMES list.")
}

// handleList shows every public channel in the cluster with its live
// member count.
func (s *Session) handleList(msg *irc.Message) {
	groups, err := s.srv.Realm.ListGroups()
	if err != nil {
		log.Warnf("IRC: [%s] list: %v", s.id, err)
		s.numeric(irc.RPL_TRYAGAIN, []string{s.nick, irc.LIST}, "Please wait a while and try again.")
		return
	}
	now := time.Now()
	for _, info := range groups {
		count := 0
		for _, hb := range info.Users {
			if now.Sub(hb) < store.SessionTTL {
				count++
			}
		}
		s.numeric(irc.RPL_LIST,
			[]string{s.nick, "#" + info.Name, strconv.Itoa(count)}, info.Meta.Topic)
	}
	s.numeric(irc.RPL_LISTEND, []string{s.nick}, "End of /LIST")
}

func (s *Session) handleMode(msg *irc.Message) {
	if len(msg.Params) == 0 {
		s.numeric(irc.ERR_NEEDMOREPARAMS, []string{s.nick, irc.MODE}, "Not enough parameters")
		return
	}
	if _, ok := channelName(msg.Params[0]); ok {
		s.numeric(irc.RPL_CHANNELMODEIS, []string{s.nick, msg.Params[0], "+nt"}, "")
		return
	}
	s.numeric(irc.RPL_UMODEIS, []string{s.nick, "+"}, "")
}

// channelName strips the channel sigil and lowercases, reporting
// whether the target was a channel at all.
func channelName(target string) (string, bool) {
	if !strings.HasPrefix(target, "#") {
		return "", false
	}
	return strings.ToLower(strings.TrimPrefix(target, "#")), true
}

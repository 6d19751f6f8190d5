// Package irc speaks the IRC line protocol to clients and translates it
// onto the realm. Each connection gets one Session, which doubles as
// the user's protocol session inside the realm once the login handshake
// is done.
package irc

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sorcix/irc"

	"github.com/ircmesh/ircmesh/internal/cred"
	"github.com/ircmesh/ircmesh/internal/errdefs"
	"github.com/ircmesh/ircmesh/internal/proto"
	"github.com/ircmesh/ircmesh/internal/realm"
	"github.com/ircmesh/ircmesh/internal/store"
)

const (
	// handshakeTolerance bounds how many messages a client may send
	// before completing NICK and USER.
	handshakeTolerance = 32
	handshakeDeadline  = time.Minute
)

// Exact refusal lines; clients display these verbatim.
const (
	textAlreadyLoggedIn = "Already logged in. No pod people allowed!"
	textLoginFailed     = "Login failed. Goodbye."
)

// Server carries everything sessions share: the realm, the credentials
// checker, the message of the day and identification for numerics.
type Server struct {
	Realm   *realm.Realm
	Checker *cred.Checker
	MOTD    *MOTD
	Name    string
	Network string
	Version string

	started time.Time
}

// NewServer wires the protocol front end over a realm.
func NewServer(r *realm.Realm, checker *cred.Checker, motd *MOTD, network, version string) *Server {
	return &Server{
		Realm:   r,
		Checker: checker,
		MOTD:    motd,
		Name:    r.Name(),
		Network: network,
		Version: version,
		started: time.Now(),
	}
}

// Serve runs one client connection to completion.
func (s *Server) Serve(conn net.Conn) {
	sess := &Session{
		srv:  s,
		id:   uuid.NewString()[:8],
		raw:  conn,
		conn: irc.NewConn(conn),
	}
	sess.run()
}

// Session is one client connection. After login it implements
// realm.ProtocolSession, so the realm delivers into it from bus
// handlers and feed observers; the write lock keeps those interleaved
// lines whole.
type Session struct {
	srv  *Server
	id   string
	raw  net.Conn
	conn *irc.Conn

	mu   sync.Mutex
	nick string

	user   *realm.SharedUser
	logout func()
}

func (s *Session) run() {
	defer s.conn.Close()
	log.Debugf("IRC: [%s] connected from %s", s.id, s.raw.RemoteAddr())

	if !s.handshake() {
		log.Debugf("IRC: [%s] handshake failed", s.id)
		return
	}
	defer s.logout()

	s.welcome()
	s.loop()
	log.Debugf("IRC: [%s] %s disconnected", s.id, s.nick)
}

// ─── Handshake ───

// handshake collects PASS, NICK and USER, resolves credentials and
// claims the nick in the realm. It reports whether the session may
// proceed to the command loop.
func (s *Session) handshake() bool {
	s.raw.SetReadDeadline(time.Now().Add(handshakeDeadline))

	var nick, pass string
	userSeen := false
	for i := 0; i < handshakeTolerance && !(nick != "" && userSeen); i++ {
		msg, err := s.conn.Decode()
		if err != nil {
			return false
		}
		if msg == nil {
			continue
		}

		// Some clients put the handshake argument in the trailing spot.
		if (msg.Command == irc.NICK || msg.Command == irc.PASS) && msg.Trailing != "" {
			msg.Params = append(msg.Params, msg.Trailing)
		}

		switch msg.Command {
		case irc.PASS:
			if len(msg.Params) > 0 {
				pass = msg.Params[0]
			}
		case irc.NICK:
			if len(msg.Params) > 0 {
				nick = msg.Params[0]
			}
		case irc.USER:
			userSeen = true
		case irc.PING:
			s.pong(msg)
		case irc.QUIT:
			return false
		case "CAP":
			if len(msg.Params) > 0 && msg.Params[0] == "LS" {
				s.send(&irc.Message{
					Prefix:   s.serverPrefix(),
					Command:  "CAP",
					Params:   []string{"*", "LS"},
					Trailing: "",
				})
			}
		default:
			s.numeric(irc.ERR_NOTREGISTERED, []string{"*"}, "Please register first")
		}
	}
	if nick == "" || !userSeen {
		return false
	}

	attempted := strings.ToLower(nick)
	resolved, err := s.srv.Checker.Resolve(cred.UsernamePassword{User: nick, Password: pass})
	if err != nil {
		s.refuseLogin(attempted, err)
		return false
	}
	s.nick = resolved

	user, logout, err := s.srv.Realm.RequestAvatar(resolved, s)
	if err != nil {
		s.refuseLogin(resolved, err)
		return false
	}
	s.user = user
	s.logout = logout

	s.raw.SetReadDeadline(time.Time{})
	return true
}

// refuseLogin tells the client why it cannot have the nick, in the
// voice of NickServ.
func (s *Session) refuseLogin(nick string, err error) {
	text := textLoginFailed
	if errdefs.IsAlreadyLoggedIn(err) {
		text = textAlreadyLoggedIn
	}
	log.Infof("IRC: [%s] refused login for %s: %v", s.id, nick, err)
	s.send(&irc.Message{
		Prefix:   &irc.Prefix{Name: "NickServ", User: "NickServ", Host: "services"},
		Command:  irc.PRIVMSG,
		Params:   []string{nick},
		Trailing: text,
	})
}

// welcome sends the registration burst and the message of the day.
func (s *Session) welcome() {
	s.numeric(irc.RPL_WELCOME, []string{s.nick},
		fmt.Sprintf("Welcome to the %s IRC Network %s", s.srv.Network, s.nick))
	s.numeric(irc.RPL_YOURHOST, []string{s.nick},
		fmt.Sprintf("Your host is %s, running version %s", s.srv.Name, s.srv.Version))
	s.numeric(irc.RPL_CREATED, []string{s.nick},
		fmt.Sprintf("This server was created %s", s.srv.started.Format(time.UnixDate)))
	s.numeric(irc.RPL_MYINFO, []string{s.nick, s.srv.Name, s.srv.Version, "o", "nt"}, "")
	s.sendMOTD()
}

func (s *Session) sendMOTD() {
	s.numeric(irc.RPL_MOTDSTART, []string{s.nick},
		fmt.Sprintf("- %s Message of the day -", s.srv.Name))
	for _, line := range s.srv.MOTD.Lines() {
		s.numeric(irc.RPL_MOTD, []string{s.nick}, "- "+line)
	}
	s.numeric(irc.RPL_ENDOFMOTD, []string{s.nick}, "End of /MOTD command.")
}

// ─── Realm callbacks ───

// Name is the canonical nick bound to this session.
func (s *Session) Name() string { return s.nick }

// Hostname is the node this session lives on.
func (s *Session) Hostname() string { return s.srv.Name }

// Receive writes one delivered message to the client, line by line. A
// write failure tells the realm this session is broken.
func (s *Session) Receive(sender string, recipient realm.Recipient, body *proto.Body) error {
	target := recipient.Name()
	if _, ok := recipient.(*realm.SharedGroup); ok {
		target = "#" + target
	}

	host := s.srv.Name
	if body.Sender != nil && body.Sender.Hostname != "" {
		host = body.Sender.Hostname
	}
	prefix := &irc.Prefix{Name: sender, User: sender, Host: host}

	for _, line := range strings.Split(body.Text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if err := s.send(&irc.Message{
			Prefix:   prefix,
			Command:  irc.PRIVMSG,
			Params:   []string{target},
			Trailing: line,
		}); err != nil {
			return err
		}
	}
	return nil
}

// UserJoined announces another member arriving in a channel.
func (s *Session) UserJoined(group, nick, hostname string) {
	s.send(&irc.Message{
		Prefix:  &irc.Prefix{Name: nick, User: nick, Host: hostname},
		Command: irc.JOIN,
		Params:  []string{"#" + group},
	})
}

// UserLeft announces another member leaving a channel.
func (s *Session) UserLeft(group, nick, hostname, reason string) {
	s.send(&irc.Message{
		Prefix:   &irc.Prefix{Name: nick, User: nick, Host: hostname},
		Command:  irc.PART,
		Params:   []string{"#" + group},
		Trailing: reason,
	})
}

// GroupMetaUpdate announces a topic change.
func (s *Session) GroupMetaUpdate(group string, meta store.GroupMeta) {
	author := meta.TopicAuthor
	if author == "" {
		author = s.srv.Name
	}
	s.send(&irc.Message{
		Prefix:   &irc.Prefix{Name: author},
		Command:  irc.TOPIC,
		Params:   []string{"#" + group},
		Trailing: meta.Topic,
	})
}

// ─── Writing ───

func (s *Session) send(m *irc.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Encode(m); err != nil {
		log.Debugf("IRC: [%s] write: %v", s.id, err)
		return err
	}
	return nil
}

func (s *Session) numeric(cmd string, params []string, trailing string) {
	s.send(&irc.Message{
		Prefix:   s.serverPrefix(),
		Command:  cmd,
		Params:   params,
		Trailing: trailing,
	})
}

func (s *Session) serverPrefix() *irc.Prefix {
	return &irc.Prefix{Name: s.srv.Name}
}

// selfPrefix is the prefix for lines about this session's own actions.
func (s *Session) selfPrefix() *irc.Prefix {
	return &irc.Prefix{Name: s.nick, User: s.nick, Host: s.srv.Name}
}

func (s *Session) pong(msg *irc.Message) {
	token := msg.Trailing
	if token == "" && len(msg.Params) > 0 {
		token = msg.Params[0]
	}
	s.send(&irc.Message{
		Prefix:   s.serverPrefix(),
		Command:  irc.PONG,
		Params:   []string{s.srv.Name},
		Trailing: token,
	})
}

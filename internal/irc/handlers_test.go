package irc

import (
	"testing"
	"time"

	"github.com/sorcix/irc"

	"github.com/ircmesh/ircmesh/internal/store"
)

func TestJoinPlayback(t *testing.T) {
	srv, m := newTestServer(t)
	c := dial(t, srv)
	login(c, "john", "")

	c.line("JOIN #Tulsa")
	join := c.waitFor("join echo", byCommand(irc.JOIN))
	if len(join.Params) != 1 || join.Params[0] != "#tulsa" {
		t.Fatalf("join params = %v", join.Params)
	}
	if join.Prefix == nil || join.Prefix.Name != "john" || join.Prefix.Host != "alpha.example.com" {
		t.Errorf("join prefix = %v", join.Prefix)
	}
	names := c.waitFor("names", byCommand(irc.RPL_NAMREPLY))
	if names.Trailing != "john" {
		t.Errorf("names = %q", names.Trailing)
	}
	c.waitFor("names end", byCommand(irc.RPL_ENDOFNAMES))
	if n := c.count(byCommand(irc.RPL_TOPIC)); n != 0 {
		t.Errorf("got %d topic replies for a topicless channel", n)
	}

	t.Run("existing topic replayed", func(t *testing.T) {
		if err := m.CreateGroup("elm", store.GroupPublic); err != nil {
			t.Fatalf("create group: %v", err)
		}
		if err := m.SetGroupTopic("elm", "deploy at noon", "ops"); err != nil {
			t.Fatalf("set topic: %v", err)
		}
		c.line("JOIN #elm")
		topic := c.waitFor("topic", byCommand(irc.RPL_TOPIC))
		if topic.Trailing != "deploy at noon" {
			t.Errorf("topic = %q", topic.Trailing)
		}
	})

	t.Run("target without channel sigil", func(t *testing.T) {
		c.line("JOIN oak")
		refusal := c.waitFor("refusal", byCommand(irc.ERR_NOSUCHCHANNEL))
		if len(refusal.Params) < 2 || refusal.Params[1] != "oak" {
			t.Errorf("refusal params = %v", refusal.Params)
		}
	})

	t.Run("invalid channel name", func(t *testing.T) {
		c.line("JOIN #ab")
		c.waitFor("refusal", func(m *irc.Message) bool {
			return m.Command == irc.ERR_NOSUCHCHANNEL &&
				len(m.Params) > 1 && m.Params[1] == "#ab"
		})
	})
}

func TestChannelConversation(t *testing.T) {
	srv, _ := newTestServer(t)
	john := dial(t, srv)
	jane := dial(t, srv)
	login(john, "john", "")
	login(jane, "jane", "")
	joinChannel(john, "tulsa")
	joinChannel(jane, "tulsa")

	john.waitFor("jane arriving", func(m *irc.Message) bool {
		return m.Command == irc.JOIN && m.Prefix != nil && m.Prefix.Name == "jane"
	})

	john.line("PRIVMSG #tulsa :hello tulsa")
	msg := jane.waitFor("channel message", byCommand(irc.PRIVMSG))
	if msg.Prefix == nil || msg.Prefix.Name != "john" {
		t.Fatalf("message prefix = %v", msg.Prefix)
	}
	if len(msg.Params) != 1 || msg.Params[0] != "#tulsa" || msg.Trailing != "hello tulsa" {
		t.Fatalf("message = %v %q", msg.Params, msg.Trailing)
	}

	// Give a stray echo time to land before counting.
	time.Sleep(50 * time.Millisecond)
	echoes := john.count(func(m *irc.Message) bool {
		return m.Command == irc.PRIVMSG && m.Prefix != nil && m.Prefix.Name == "john"
	})
	if echoes != 0 {
		t.Errorf("sender heard %d echoes of its own message", echoes)
	}

	t.Run("direct message", func(t *testing.T) {
		jane.line("PRIVMSG john :hi john")
		dm := john.waitFor("direct message", func(m *irc.Message) bool {
			return m.Command == irc.PRIVMSG && len(m.Params) > 0 && m.Params[0] == "john"
		})
		if dm.Prefix == nil || dm.Prefix.Name != "jane" || dm.Trailing != "hi john" {
			t.Errorf("dm = %v %q", dm.Prefix, dm.Trailing)
		}
	})

	t.Run("unknown nick", func(t *testing.T) {
		john.line("PRIVMSG ghost :boo")
		refusal := john.waitFor("401", byCommand(irc.ERR_NOSUCHNICK))
		if len(refusal.Params) < 2 || refusal.Params[1] != "ghost" {
			t.Errorf("refusal params = %v", refusal.Params)
		}
	})

	t.Run("unknown channel", func(t *testing.T) {
		john.line("PRIVMSG #nowhere :boo")
		john.waitFor("403", byCommand(irc.ERR_NOSUCHCHANNEL))
	})

	t.Run("missing text", func(t *testing.T) {
		john.line("PRIVMSG #tulsa")
		john.waitFor("412", byCommand(irc.ERR_NOTEXTTOSEND))
	})

	t.Run("missing recipient", func(t *testing.T) {
		john.line("PRIVMSG")
		john.waitFor("411", byCommand(irc.ERR_NORECIPIENT))
	})
}

func TestPartAndQuit(t *testing.T) {
	srv, m := newTestServer(t)
	john := dial(t, srv)
	jane := dial(t, srv)
	login(john, "john", "")
	login(jane, "jane", "")
	joinChannel(john, "tulsa")
	joinChannel(jane, "tulsa")

	johnPart := func(m *irc.Message) bool {
		return m.Command == irc.PART && m.Prefix != nil && m.Prefix.Name == "john"
	}
	johnJoin := func(m *irc.Message) bool {
		return m.Command == irc.JOIN && m.Prefix != nil && m.Prefix.Name == "john"
	}

	john.line("PART #tulsa :gone fishing")
	echo := john.waitFor("part echo", johnPart)
	if len(echo.Params) != 1 || echo.Params[0] != "#tulsa" || echo.Trailing != "gone fishing" {
		t.Fatalf("part echo = %v %q", echo.Params, echo.Trailing)
	}
	seen := jane.waitFor("john parting", johnPart)
	if seen.Trailing != "gone fishing" {
		t.Errorf("part reason = %q", seen.Trailing)
	}

	t.Run("part when not joined", func(t *testing.T) {
		john.line("PART #tulsa")
		refusal := john.waitFor("442", byCommand(irc.ERR_NOTONCHANNEL))
		if refusal.Trailing != "You're not on that channel" {
			t.Errorf("refusal = %q", refusal.Trailing)
		}
	})

	// A quitting client parts every channel on the way out.
	john.line("JOIN #tulsa")
	waitUntil(t, "john back in the channel", func() bool { return jane.count(johnJoin) == 1 })

	john.line("QUIT :bye")
	errMsg := john.waitFor("closing link", byCommand(irc.ERROR))
	if errMsg.Trailing != "Closing link" {
		t.Errorf("error = %q", errMsg.Trailing)
	}
	waitUntil(t, "john parting on quit", func() bool { return jane.count(johnPart) == 2 })
	waitUntil(t, "session cleanup", func() bool {
		info, err := m.LookupUser("john")
		return err == nil && info.Session == nil
	})
}

func TestTopicCommand(t *testing.T) {
	srv, _ := newTestServer(t)
	john := dial(t, srv)
	jane := dial(t, srv)
	login(john, "john", "")
	login(jane, "jane", "")
	joinChannel(john, "tulsa")
	joinChannel(jane, "tulsa")

	john.line("TOPIC #tulsa")
	noTopic := john.waitFor("no topic", byCommand(irc.RPL_NOTOPIC))
	if noTopic.Trailing != "No topic is set" {
		t.Errorf("no topic = %q", noTopic.Trailing)
	}

	john.line("TOPIC #tulsa :deploy at noon")
	broadcast := jane.waitFor("topic broadcast", byCommand(irc.TOPIC))
	if broadcast.Prefix == nil || broadcast.Prefix.Name != "john" {
		t.Errorf("broadcast prefix = %v", broadcast.Prefix)
	}
	if broadcast.Trailing != "deploy at noon" {
		t.Errorf("broadcast = %q", broadcast.Trailing)
	}
	// The setter hears about it through the same feed.
	john.waitFor("topic broadcast", byCommand(irc.TOPIC))

	john.line("TOPIC #tulsa")
	reply := john.waitFor("topic reply", byCommand(irc.RPL_TOPIC))
	if reply.Trailing != "deploy at noon" {
		t.Errorf("topic reply = %q", reply.Trailing)
	}

	t.Run("unknown channel", func(t *testing.T) {
		john.line("TOPIC #nowhere")
		john.waitFor("403", byCommand(irc.ERR_NOSUCHCHANNEL))
	})
}

func TestListNamesAndModes(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)
	login(c, "john", "")
	joinChannel(c, "tulsa")
	joinChannel(c, "elm")

	c.line("LIST")
	c.waitFor("list end", byCommand(irc.RPL_LISTEND))
	rows := map[string]string{}
	for _, m := range c.all(byCommand(irc.RPL_LIST)) {
		if len(m.Params) > 2 {
			rows[m.Params[1]] = m.Params[2]
		}
	}
	if len(rows) != 2 || rows["#tulsa"] != "1" || rows["#elm"] != "1" {
		t.Errorf("list rows = %v", rows)
	}

	c.line("NAMES")
	c.waitFor("wildcard names end", func(m *irc.Message) bool {
		return m.Command == irc.RPL_ENDOFNAMES && len(m.Params) > 1 && m.Params[1] == "*"
	})

	c.line("MODE #tulsa")
	mode := c.waitFor("channel mode", byCommand(irc.RPL_CHANNELMODEIS))
	if len(mode.Params) < 3 || mode.Params[2] != "+nt" {
		t.Errorf("channel mode = %v", mode.Params)
	}

	c.line("MODE john")
	c.waitFor("user mode", byCommand(irc.RPL_UMODEIS))

	c.line("PING :12345")
	pong := c.waitFor("pong", byCommand(irc.PONG))
	if pong.Trailing != "12345" {
		t.Errorf("pong token = %q", pong.Trailing)
	}

	c.line("NICK other")
	refusal := c.waitFor("nick change refusal", byCommand(irc.ERR_NICKNAMEINUSE))
	if refusal.Trailing != "Nick changes are not supported" {
		t.Errorf("refusal = %q", refusal.Trailing)
	}

	c.line("WHOWAS john")
	c.waitFor("unknown command", byCommand(irc.ERR_UNKNOWNCOMMAND))
}

package store

import (
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ircmesh/ircmesh/internal/errdefs"
)

func TestCreateUserIdempotent(t *testing.T) {
	m := NewMemory()

	if err := m.CreateUser(User{ID: "john"}); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateUser(User{ID: "john", Email: "other@example.com"}); err != nil {
		t.Fatalf("second create must be a no-op, got %v", err)
	}

	info, err := m.LookupUser("john")
	if err != nil {
		t.Fatal(err)
	}
	if info.Email != "" {
		t.Fatalf("second create overwrote the row: %+v", info.User)
	}
	if info.Registered {
		t.Fatalf("fresh user must be anonymous")
	}
}

func TestCreateUserRejectsBadNick(t *testing.T) {
	m := NewMemory()
	if err := m.CreateUser(User{ID: "no spaces"}); !errdefs.IsInvalidField(err) {
		t.Fatalf("got %v, want invalid field", err)
	}
}

func TestLookupUserJoinsSessionAndGroups(t *testing.T) {
	m := NewMemory()

	if _, err := m.LookupUser("ghost"); !errdefs.IsNoSuchUser(err) {
		t.Fatalf("got %v, want no such user", err)
	}

	m.CreateUser(User{ID: "john"})
	m.HeartbeatUserSession("john")
	m.CreateGroup("oak", GroupPublic)
	m.HeartbeatUserInGroup("john", "oak")

	info, err := m.LookupUser("john")
	if err != nil {
		t.Fatal(err)
	}
	if info.Session == nil {
		t.Fatalf("session not joined")
	}
	if len(info.Groups) != 1 || info.Groups[0] != "oak" {
		t.Fatalf("groups = %v", info.Groups)
	}
}

func TestRegisterUserHashesPassword(t *testing.T) {
	m := NewMemory()
	m.CreateUser(User{ID: "john"})

	if err := m.RegisterUser("john", "john@example.com", "secret"); err != nil {
		t.Fatal(err)
	}

	info, _ := m.LookupUser("john")
	if !info.Registered {
		t.Fatalf("registered flag not set")
	}
	if info.Password == "secret" {
		t.Fatalf("password stored in the clear")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(info.Password), []byte("secret")); err != nil {
		t.Fatalf("stored digest does not match password: %v", err)
	}

	if err := m.RegisterUser("ghost", "g@example.com", "secret"); !errdefs.IsNoSuchUser(err) {
		t.Fatalf("got %v, want no such user", err)
	}
	if err := m.RegisterUser("john", "bad email", "secret"); !errdefs.IsInvalidField(err) {
		t.Fatalf("got %v, want invalid field", err)
	}
}

func TestHeartbeatUserSession(t *testing.T) {
	now := time.Now()
	m := NewMemory()
	m.Now = func() time.Time { return now }

	m.HeartbeatUserSession("john")
	first, _ := m.LookupUserSession("john")
	if first == nil {
		t.Fatal("no session row")
	}
	if !first.SessionStart.Equal(now) || !first.LastHeartbeat.Equal(now) {
		t.Fatalf("fresh row = %+v", first)
	}

	// Later heartbeats only move last_heartbeat.
	now = now.Add(10 * time.Second)
	m.HeartbeatUserSession("john")
	second, _ := m.LookupUserSession("john")
	if !second.SessionStart.Equal(first.SessionStart) {
		t.Fatalf("session_start moved: %v -> %v", first.SessionStart, second.SessionStart)
	}
	if !second.LastHeartbeat.After(first.LastHeartbeat) {
		t.Fatalf("last_heartbeat did not advance")
	}

	m.RemoveUserSession("john")
	if sess, _ := m.LookupUserSession("john"); sess != nil {
		t.Fatalf("session row survived removal")
	}
}

func TestSessionFreshness(t *testing.T) {
	now := time.Now()
	sess := &UserSession{LastHeartbeat: now.Add(-SessionTTL + time.Second)}
	if !sess.Fresh(now) {
		t.Fatalf("session within TTL reported stale")
	}
	sess.LastHeartbeat = now.Add(-SessionTTL)
	if sess.Fresh(now) {
		t.Fatalf("session at TTL reported fresh")
	}
	if (*UserSession)(nil).Fresh(now) {
		t.Fatalf("nil session reported fresh")
	}
}

func TestGroupPresence(t *testing.T) {
	m := NewMemory()
	m.CreateGroup("oak", GroupPublic)

	m.HeartbeatUserInGroup("john", "oak")
	m.HeartbeatUserInGroup("jane", "oak")

	info, _ := m.LookupGroup("oak")
	if len(info.Users) != 2 {
		t.Fatalf("users = %v", info.Users)
	}

	m.RemoveUserFromGroup("john", "oak")
	info, _ = m.LookupGroup("oak")
	if _, ok := info.Users["john"]; ok {
		t.Fatalf("john still present after removal")
	}
	if _, ok := info.Users["jane"]; !ok {
		t.Fatalf("jane lost on john's removal")
	}

	// Presence on a group with no prior state materializes one.
	m.HeartbeatUserInGroup("john", "elm")
	if _, ok := m.states["elm"]; !ok {
		t.Fatalf("state not created on heartbeat")
	}
}

func TestCreateGroup(t *testing.T) {
	m := NewMemory()

	if err := m.CreateGroup("oak", GroupPublic); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateGroup("oak", GroupPublic); err != nil {
		t.Fatalf("create must be idempotent, got %v", err)
	}
	if err := m.CreateGroup("bad name", GroupPublic); !errdefs.IsInvalidField(err) {
		t.Fatalf("got %v, want invalid field", err)
	}
	if err := m.CreateGroup("oak", "secret"); !errdefs.IsInvalidField(err) {
		t.Fatalf("unknown type: got %v, want invalid field", err)
	}

	if _, err := m.LookupGroup("ghost"); !errdefs.IsNoSuchGroup(err) {
		t.Fatalf("got %v, want no such group", err)
	}
}

func TestListGroupsPublicOnly(t *testing.T) {
	m := NewMemory()
	m.CreateGroup("oak", GroupPublic)
	m.CreateGroup("elm", GroupPublic)
	m.PrivateMessage("jane", "john", "psst")

	groups, err := m.ListGroups()
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want the 2 public ones", len(groups))
	}
	for _, g := range groups {
		if g.Type != GroupPublic {
			t.Fatalf("private group listed: %+v", g.Group)
		}
	}
}

func TestSetGroupTopic(t *testing.T) {
	m := NewMemory()
	m.CreateGroup("oak", GroupPublic)

	if err := m.SetGroupTopic("oak", "acorns", "john"); err != nil {
		t.Fatal(err)
	}
	info, _ := m.LookupGroup("oak")
	if info.Meta.Topic != "acorns" || info.Meta.TopicAuthor != "john" {
		t.Fatalf("meta = %+v", info.Meta)
	}
	if err := m.SetGroupTopic("ghost", "x", "john"); !errdefs.IsNoSuchGroup(err) {
		t.Fatalf("got %v, want no such group", err)
	}
}

func TestAddAndPrivateMessage(t *testing.T) {
	m := NewMemory()
	m.CreateGroup("oak", GroupPublic)

	if err := m.AddMessage("oak", "john", "hello"); err != nil {
		t.Fatal(err)
	}
	info, _ := m.LookupGroup("oak")
	if len(info.Messages) != 1 || info.Messages[0].Text != "hello" {
		t.Fatalf("messages = %+v", info.Messages)
	}

	if err := m.PrivateMessage("john", "jane", "psst"); err != nil {
		t.Fatal(err)
	}
	pair, err := m.LookupGroup("jane:john")
	if err != nil {
		t.Fatal(err)
	}
	if pair.Type != GroupPrivate {
		t.Fatalf("pair group type = %q", pair.Type)
	}
	if len(pair.Messages) != 1 || pair.Messages[0].Sender != "john" {
		t.Fatalf("messages = %+v", pair.Messages)
	}

	// Same pair, either direction, same group.
	m.PrivateMessage("jane", "john", "back at you")
	pair, _ = m.LookupGroup("jane:john")
	if len(pair.Messages) != 2 {
		t.Fatalf("pair group not reused: %+v", pair.Messages)
	}
}

func TestSetPermissionAppends(t *testing.T) {
	m := NewMemory()
	m.CreateUser(User{ID: "john"})

	m.SetPermission("john", "oak", "voice")
	m.SetPermission("john", "oak", "op")

	info, _ := m.LookupUser("john")
	got := info.Permissions["oak"]
	if len(got) != 2 || got[0] != "voice" || got[1] != "op" {
		t.Fatalf("permissions = %v", got)
	}
}

func TestObserveGroupState(t *testing.T) {
	m := NewMemory()
	m.CreateGroup("oak", GroupPublic)

	feed, err := m.ObserveGroupState("oak")
	if err != nil {
		t.Fatal(err)
	}

	m.HeartbeatUserInGroup("john", "oak")

	select {
	case ev := <-feed.C:
		if ev.New == nil {
			t.Fatalf("change has no new state")
		}
		if _, ok := ev.New.Users["john"]; !ok {
			t.Fatalf("new state misses john: %+v", ev.New)
		}
	case <-time.After(time.Second):
		t.Fatal("no state change delivered")
	}

	feed.Close()
	if _, open := <-feed.C; open {
		t.Fatalf("feed channel still open after close")
	}

	// Mutations after close must not panic or deliver.
	m.HeartbeatUserInGroup("jane", "oak")
}

func TestObserveGroupMeta(t *testing.T) {
	m := NewMemory()
	m.CreateGroup("oak", GroupPublic)

	feed, err := m.ObserveGroupMeta("oak")
	if err != nil {
		t.Fatal(err)
	}
	defer feed.Close()

	m.SetGroupTopic("oak", "acorns", "john")

	select {
	case ev := <-feed.C:
		if ev.New == nil || ev.New.Meta.Topic != "acorns" {
			t.Fatalf("meta change = %+v", ev)
		}
		if ev.Old == nil || ev.Old.Meta.Topic != "" {
			t.Fatalf("old value should carry previous meta, got %+v", ev.Old)
		}
	case <-time.After(time.Second):
		t.Fatal("no meta change delivered")
	}

	// The chat log lives on the same document: appends surface on the
	// feed as well, with meta unchanged.
	m.AddMessage("oak", "john", "hi")
	select {
	case ev := <-feed.C:
		if ev.New.Meta.Topic != "acorns" {
			t.Fatalf("append moved meta: %+v", ev.New.Meta)
		}
	case <-time.After(time.Second):
		t.Fatal("no change for log append")
	}
}

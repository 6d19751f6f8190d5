package realm

import (
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/ircmesh/ircmesh/internal/errdefs"
	"github.com/ircmesh/ircmesh/internal/proto"
)

func joinGroup(t *testing.T, r *Realm, u *SharedUser, name string) *SharedGroup {
	t.Helper()
	g, err := r.GetGroup(name)
	if err != nil {
		t.Fatalf("GetGroup %s: %v", name, err)
	}
	if err := u.Join(g); err != nil {
		t.Fatalf("join %s: %v", name, err)
	}
	return g
}

func TestJoinNotifiesLocalMembers(t *testing.T) {
	r, m, fb := newTestRealm(t, true, true)
	j1, m1, _ := login(t, r, m, "jane")
	j2, m2, _ := login(t, r, m, "john")

	joinGroup(t, r, j1, "tulsa")
	g := joinGroup(t, r, j2, "tulsa")

	if got := m1.joinEvents(); len(got) != 1 || got[0] != "tulsa: john@alpha.example.com" {
		t.Errorf("jane saw %v", got)
	}
	if got := m2.joinEvents(); len(got) != 0 {
		t.Errorf("joiner should not be notified of itself, saw %v", got)
	}

	// Both presence rows are in the store.
	info, err := m.LookupGroup("tulsa")
	if err != nil {
		t.Fatal(err)
	}
	for _, nick := range []string{"jane", "john"} {
		if _, ok := info.Users[nick]; !ok {
			t.Errorf("presence row for %s missing", nick)
		}
	}

	// One join envelope per member went out on the group topic.
	joins := 0
	for _, b := range fb.publishedTo("tulsa") {
		if b.Type == proto.TypeJoin {
			joins++
		}
	}
	if joins != 2 {
		t.Errorf("published %d joins, want 2", joins)
	}

	t.Run("rejoining is a no-op", func(t *testing.T) {
		if err := j2.Join(g); err != nil {
			t.Fatalf("rejoin: %v", err)
		}
		if got := m1.joinEvents(); len(got) != 1 {
			t.Errorf("rejoin fanned out again: %v", got)
		}
	})
}

func TestRemoteJoinAndPart(t *testing.T) {
	r, m, fb := newTestRealm(t, true, true)
	j1, m1, _ := login(t, r, m, "jane")
	g := joinGroup(t, r, j1, "tulsa")

	bob := proto.Contact{Name: "bob", Hostname: "beta.example.com"}
	fb.deliver(t, "tulsa", &proto.Envelope{Origin: "beta.example.com", MsgBody: proto.Join(bob)})

	if got := m1.joinEvents(); len(got) != 1 || got[0] != "tulsa: bob@beta.example.com" {
		t.Errorf("jane saw %v", got)
	}
	found := false
	for _, nick := range g.IterUsers() {
		if nick == "bob" {
			found = true
		}
	}
	if !found {
		t.Errorf("roster %v should include bob", g.IterUsers())
	}

	fb.deliver(t, "tulsa", &proto.Envelope{Origin: "beta.example.com", MsgBody: proto.Part(bob, "gone home")})
	if got := m1.partEvents(); len(got) != 1 || got[0] != "tulsa: bob (gone home)" {
		t.Errorf("jane saw %v", got)
	}
	for _, nick := range g.IterUsers() {
		if nick == "bob" {
			t.Errorf("roster %v still lists bob", g.IterUsers())
		}
	}

	// Relaying a remote event must not publish it again.
	for _, b := range fb.publishedTo("tulsa") {
		if b.Sender != nil && b.Sender.Name == "bob" {
			t.Errorf("remote event was republished: %+v", b)
		}
	}
}

func TestGroupMessageFanout(t *testing.T) {
	r, m, fb := newTestRealm(t, true, true)
	jane, m1, _ := login(t, r, m, "jane")
	_, m2, _ := login(t, r, m, "john")
	_, m3, _ := login(t, r, m, "kate")

	g := joinGroup(t, r, jane, "tulsa")
	for _, nick := range []string{"john", "kate"} {
		u, err := r.LookupUser(nick)
		if err != nil {
			t.Fatal(err)
		}
		if err := u.Join(g); err != nil {
			t.Fatal(err)
		}
	}

	body := proto.Body{Type: proto.TypePrivmsg, Text: "hello tulsa"}
	if err := jane.Send(g, &body); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := m2.deliveries(); len(got) != 1 || got[0] != "jane->tulsa: hello tulsa" {
		t.Errorf("john saw %v", got)
	}
	if got := m3.deliveries(); len(got) != 1 {
		t.Errorf("kate saw %v", got)
	}
	if got := m1.deliveries(); len(got) != 0 {
		t.Errorf("sender echo: %v", got)
	}

	pubs := 0
	for _, b := range fb.publishedTo("tulsa") {
		if b.Type == proto.TypePrivmsg {
			pubs++
		}
	}
	if pubs != 1 {
		t.Errorf("published %d privmsgs, want 1", pubs)
	}

	// History was appended once, by the sender's node.
	info, err := m.LookupGroup("tulsa")
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Messages) != 1 || info.Messages[0].Sender != "jane" {
		t.Errorf("history = %+v", info.Messages)
	}
}

func TestBrokenSessionIsEvicted(t *testing.T) {
	r, m, fb := newTestRealm(t, true, true)
	jane, _, _ := login(t, r, m, "jane")
	_, johnMind, _ := login(t, r, m, "john")

	g := joinGroup(t, r, jane, "tulsa")
	john, err := r.LookupUser("john")
	if err != nil {
		t.Fatal(err)
	}
	if err := john.Join(g); err != nil {
		t.Fatal(err)
	}

	johnMind.breakSession(errors.New("connection lost"))

	body := proto.Body{Type: proto.TypePrivmsg, Text: "anyone there?"}
	if err := jane.Send(g, &body); err != nil {
		t.Fatal(err)
	}

	for _, nick := range g.IterUsers() {
		if nick == "john" {
			t.Errorf("roster %v still lists john", g.IterUsers())
		}
	}
	info, err := m.LookupGroup("tulsa")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := info.Users["john"]; ok {
		t.Error("presence row for john should be gone")
	}

	parted := false
	for _, b := range fb.publishedTo("tulsa") {
		if b.Type == proto.TypePart && b.Sender != nil && b.Sender.Name == "john" {
			parted = true
		}
	}
	if !parted {
		t.Error("eviction should broadcast a part")
	}
}

func TestTopicFanoutExactlyOncePerChange(t *testing.T) {
	r, m, _ := newTestRealm(t, true, true)
	jane, m1, _ := login(t, r, m, "jane")
	g := joinGroup(t, r, jane, "tulsa")

	if err := g.SetTopic("jane", "gather here"); err != nil {
		t.Fatalf("SetTopic: %v", err)
	}

	waitUntil(t, "topic fan-out", func() bool { return len(m1.metaEvents()) == 1 })
	if got := m1.metaEvents()[0]; got.Topic != "gather here" || got.TopicAuthor != "jane" {
		t.Errorf("meta = %+v", got)
	}
	if got := g.Meta(); got.Topic != "gather here" {
		t.Errorf("cached meta = %+v", got)
	}

	// A history append rewrites the group document without changing the
	// metadata; the feed event it causes must not fan out again.
	if err := m.AddMessage("tulsa", "jane", "chatter"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := m1.metaEvents(); len(got) != 1 {
		t.Errorf("meta events = %d, want 1", len(got))
	}

	// The next change fans out exactly once more.
	if err := g.SetTopic("jane", "moved on"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "second topic fan-out", func() bool { return len(m1.metaEvents()) == 2 })
	if got := m1.metaEvents()[1]; got.Topic != "moved on" {
		t.Errorf("meta = %+v", got)
	}
}

func TestLastPartReleasesGroup(t *testing.T) {
	r, m, fb := newTestRealm(t, true, true)
	jane, _, _ := login(t, r, m, "jane")
	joinGroup(t, r, jane, "tulsa")

	if !fb.subscribed("tulsa") {
		t.Fatal("group topic should be subscribed while inhabited")
	}

	if err := jane.Leave("tulsa", "done"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	if _, err := r.LookupGroup("tulsa"); !errdefs.IsNoSuchGroup(err) {
		t.Errorf("group still materialized: %v", err)
	}
	if fb.subscribed("tulsa") {
		t.Error("group topic subscription should be dropped")
	}

	parted := false
	for _, b := range fb.publishedTo("tulsa") {
		if b.Type == proto.TypePart && b.Reason == "done" {
			parted = true
		}
	}
	if !parted {
		t.Error("part was not broadcast")
	}

	t.Run("leaving again reports no such group", func(t *testing.T) {
		if err := jane.Leave("tulsa", ""); !errdefs.IsNoSuchGroup(err) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestLogoutPartsEveryGroup(t *testing.T) {
	r, m, fb := newTestRealm(t, true, true)
	_, janeMind, _ := login(t, r, m, "jane")
	john, _, logoutJohn := login(t, r, m, "john")

	g := joinGroup(t, r, john, "tulsa")
	jane, err := r.LookupUser("jane")
	if err != nil {
		t.Fatal(err)
	}
	if err := jane.Join(g); err != nil {
		t.Fatal(err)
	}

	logoutJohn()

	if got := janeMind.partEvents(); len(got) != 1 || got[0] != "tulsa: john ()" {
		t.Errorf("jane saw %v", got)
	}
	sess, err := m.LookupUserSession("john")
	if err != nil {
		t.Fatal(err)
	}
	if sess != nil {
		t.Error("session row should be gone")
	}
	if fb.subscribed("john") {
		t.Error("nick topic should be dropped")
	}

	info, err := m.LookupGroup("tulsa")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := info.Users["john"]; ok {
		t.Error("presence row should be gone")
	}
}

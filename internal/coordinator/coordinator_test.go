package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/babachat/chat-server/internal/cache"
	"github.com/babachat/chat-server/internal/notify"
	"github.com/babachat/chat-server/internal/protocol"
	"github.com/babachat/chat-server/internal/ratelimit"
)

// fakeTransport records everything the coordinator sends.
type fakeTransport struct {
	mu     sync.Mutex
	direct map[string][]map[string]interface{} // connID -> decoded frames
	group  map[string][]map[string]interface{} // group -> decoded frames
	all    []map[string]interface{}            // Broadcast frames
	groups map[string]map[string]bool          // group -> connID set
	gone   map[string]bool                     // connIDs no longer registered
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		direct: make(map[string][]map[string]interface{}),
		group:  make(map[string][]map[string]interface{}),
		groups: make(map[string]map[string]bool),
		gone:   make(map[string]bool),
	}
}

func (f *fakeTransport) SendTo(connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var m map[string]interface{}
	_ = json.Unmarshal(data, &m)
	f.direct[connID] = append(f.direct[connID], m)
	return nil
}

func (f *fakeTransport) SendToGroup(group string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var m map[string]interface{}
	_ = json.Unmarshal(data, &m)
	f.group[group] = append(f.group[group], m)
}

func (f *fakeTransport) Broadcast(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var m map[string]interface{}
	_ = json.Unmarshal(data, &m)
	f.all = append(f.all, m)
}

func (f *fakeTransport) AddToGroup(connID, group string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups[group] == nil {
		f.groups[group] = make(map[string]bool)
	}
	f.groups[group][connID] = true
}

func (f *fakeTransport) RemoveFromGroup(connID, group string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups[group], connID)
}

func (f *fakeTransport) IsConnected(connID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.gone[connID]
}

// dropConn marks a connection as no longer registered with the transport,
// simulating a dead socket the server has not reaped yet.
func (f *fakeTransport) dropConn(connID string) {
	f.mu.Lock()
	f.gone[connID] = true
	f.mu.Unlock()
}

// directTypes returns the message types sent directly to a connection.
func (f *fakeTransport) directTypes(connID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, m := range f.direct[connID] {
		types = append(types, m["type"].(string))
	}
	return types
}

// lastDirect returns the most recent frame of the given type sent to connID.
func (f *fakeTransport) lastDirect(connID, msgType string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.direct[connID]) - 1; i >= 0; i-- {
		if f.direct[connID][i]["type"] == msgType {
			return f.direct[connID][i]
		}
	}
	return nil
}

// groupFrames returns the frames of the given type sent to a group.
func (f *fakeTransport) groupFrames(group, msgType string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, m := range f.group[group] {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// fakeNotifier records mention notifications.
type fakeNotifier struct {
	mu       sync.Mutex
	mentions []notify.Mention
}

func (f *fakeNotifier) NotifyMention(m notify.Mention) {
	f.mu.Lock()
	f.mentions = append(f.mentions, m)
	f.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RoomGracePeriod = 30 * time.Millisecond
	cfg.TypingTimeout = 50 * time.Millisecond
	return cfg
}

func newTestCoordinator(cfg Config) (*Coordinator, *fakeTransport, *fakeNotifier) {
	tr := newFakeTransport()
	nf := &fakeNotifier{}
	c := New(cfg, tr, cache.NewStore(""), nf, ratelimit.NewLimiter(nil))
	return c, tr, nf
}

func TestCreateRoom_ConfirmsAndBroadcastsDirectory(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleCreateRoom(ctx, "c1", "general")

	created := tr.lastDirect("c1", protocol.TypeRoomCreated)
	if created == nil || created["room_id"] != "general" {
		t.Fatalf("expected room_created for general, got %v", created)
	}
	if len(tr.all) != 1 || tr.all[0]["type"] != protocol.TypeRoomsList {
		t.Fatalf("expected one rooms_list broadcast, got %v", tr.all)
	}
}

func TestCreateRoom_DuplicateAndInvalid(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleCreateRoom(ctx, "c1", "general")
	c.HandleCreateRoom(ctx, "c1", "general")

	errMsg := tr.lastDirect("c1", protocol.TypeError)
	if errMsg == nil || errMsg["code"] != CodeAlreadyExists {
		t.Fatalf("expected already_exists error, got %v", errMsg)
	}

	c.HandleCreateRoom(ctx, "c2", "bad<name>")
	errMsg = tr.lastDirect("c2", protocol.TypeError)
	if errMsg == nil || errMsg["code"] != CodeInvalidInput {
		t.Fatalf("expected invalid_input error, got %v", errMsg)
	}
	// Validation failures never broadcast.
	if len(tr.all) != 1 {
		t.Fatalf("expected a single rooms_list broadcast, got %d", len(tr.all))
	}
}

func TestListRooms_MostRecentFirst(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleCreateRoom(ctx, "c1", "A")
	c.HandleCreateRoom(ctx, "c1", "B")
	c.HandleListRooms(ctx, "c1")

	list := tr.lastDirect("c1", protocol.TypeRoomsList)
	if list == nil {
		t.Fatal("expected a rooms_list response")
	}
	rooms := list["rooms"].([]interface{})
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(rooms))
	}
	first := rooms[0].(map[string]interface{})
	second := rooms[1].(map[string]interface{})
	if first["name"] != "B" || second["name"] != "A" {
		t.Fatalf("expected order [B A], got [%v %v]", first["name"], second["name"])
	}
}

func TestJoin_Success(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")

	success := tr.lastDirect("c1", protocol.TypeJoinSuccess)
	if success == nil || success["room"] != "general" || success["username"] != "alice" {
		t.Fatalf("expected join_success, got %v", success)
	}
	if !tr.groups["general"]["c1"] {
		t.Fatal("expected c1 in the general transport group")
	}

	sys := tr.groupFrames("general", protocol.TypeMessage)
	if len(sys) != 1 || sys[0]["kind"] != protocol.KindSystem || sys[0]["content"] != "alice joined" {
		t.Fatalf("expected 'alice joined' system message, got %v", sys)
	}
	if users := tr.groupFrames("general", protocol.TypeUserList); len(users) != 1 {
		t.Fatalf("expected one user_list broadcast, got %v", users)
	}
}

func TestJoin_InvalidNameDoesNotMutate(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "system")

	errMsg := tr.lastDirect("c1", protocol.TypeError)
	if errMsg == nil || errMsg["code"] != CodeInvalidInput {
		t.Fatalf("expected invalid_input error, got %v", errMsg)
	}
	rooms, _, sessions, _ := c.Stats()
	if rooms != 0 || sessions != 0 {
		t.Fatalf("expected no state change, got rooms=%d sessions=%d", rooms, sessions)
	}
	if len(tr.all) != 0 {
		t.Fatalf("expected no broadcasts, got %v", tr.all)
	}
}

func TestJoin_ReconnectEvictsDeadConnection(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "old", "general", "alice")

	// The socket died without the server noticing; the session lingers.
	tr.dropConn("old")
	c.HandleJoin(ctx, "new", "general", "Alice")

	success := tr.lastDirect("new", protocol.TypeJoinSuccess)
	if success == nil {
		t.Fatal("reconnecting client should join successfully")
	}
	if tr.groups["general"]["old"] {
		t.Fatal("stale connection should be removed from the transport group")
	}
	if !tr.groups["general"]["new"] {
		t.Fatal("new connection should be in the transport group")
	}

	_, members, sessions, _ := c.Stats()
	if members != 1 || sessions != 1 {
		t.Fatalf("expected exactly one member and session, got members=%d sessions=%d", members, sessions)
	}
	if _, ok := c.sessions.Peek("old"); ok {
		t.Fatal("stale session should be gone")
	}
}

func TestJoin_LiveNameCollisionRejected(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")
	c.HandleJoin(ctx, "c2", "general", "Alice")

	errFrame := tr.lastDirect("c2", protocol.TypeError)
	if errFrame == nil {
		t.Fatal("expected an error response for the colliding join")
	}
	if errFrame["code"] != CodeDuplicateName {
		t.Fatalf("expected code %q, got %v", CodeDuplicateName, errFrame["code"])
	}
	if tr.lastDirect("c2", protocol.TypeJoinSuccess) != nil {
		t.Fatal("colliding join must not succeed")
	}
	if !tr.groups["general"]["c1"] {
		t.Fatal("live member must stay in the transport group")
	}
	if tr.groups["general"]["c2"] {
		t.Fatal("rejected connection must not enter the transport group")
	}

	_, members, sessions, _ := c.Stats()
	if members != 1 || sessions != 1 {
		t.Fatalf("expected the original member only, got members=%d sessions=%d", members, sessions)
	}
	if sess, ok := c.sessions.Peek("c1"); !ok || sess.DisplayName != "alice" {
		t.Fatalf("original session should be intact, got %+v (ok=%v)", sess, ok)
	}
}

func TestLeave_BroadcastsDepartureWhileOthersRemain(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")
	c.HandleJoin(ctx, "c2", "general", "bob")
	c.HandleLeave(ctx, "c1")

	if tr.lastDirect("c1", protocol.TypeLeaveSuccess) == nil {
		t.Fatal("expected leave_success")
	}

	var sawLeft bool
	for _, m := range tr.groupFrames("general", protocol.TypeMessage) {
		if m["content"] == "alice left" {
			sawLeft = true
		}
	}
	if !sawLeft {
		t.Fatal("expected 'alice left' system message")
	}
}

func TestLeave_EmptyRoomSkipsMemberListButRefreshesDirectory(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")
	joinUserLists := len(tr.groupFrames("general", protocol.TypeUserList))
	joinBroadcasts := len(tr.all)

	c.HandleLeave(ctx, "c1")

	if got := len(tr.groupFrames("general", protocol.TypeUserList)); got != joinUserLists {
		t.Fatalf("no user_list broadcast expected for an emptied room, got %d new", got-joinUserLists)
	}
	if len(tr.all) != joinBroadcasts+1 {
		t.Fatalf("expected one rooms_list broadcast after leave, got %d", len(tr.all)-joinBroadcasts)
	}

	// The emptied room survives until the grace period elapses.
	rooms, _, _, _ := c.Stats()
	if rooms != 1 {
		t.Fatalf("room should survive the grace period, got %d rooms", rooms)
	}

	time.Sleep(60 * time.Millisecond)
	rooms, _, _, _ = c.Stats()
	if rooms != 0 {
		t.Fatalf("room should be deleted after the grace period, got %d rooms", rooms)
	}
}

func TestLeave_RejoinDuringGraceKeepsRoom(t *testing.T) {
	c, _, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")
	c.HandleLeave(ctx, "c1")
	c.HandleJoin(ctx, "c2", "general", "bob")

	time.Sleep(60 * time.Millisecond)
	rooms, members, _, _ := c.Stats()
	if rooms != 1 || members != 1 {
		t.Fatalf("room should survive a rejoin during grace, got rooms=%d members=%d", rooms, members)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	c, _, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")
	c.HandleDisconnect(ctx, "c1")
	c.HandleDisconnect(ctx, "c1")
	c.HandleDisconnect(ctx, "never-connected")

	_, _, sessions, _ := c.Stats()
	if sessions != 0 {
		t.Fatalf("expected 0 sessions, got %d", sessions)
	}
}

func TestMessage_RelayedWithServerTimestamp(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")
	c.HandleMessage(ctx, "c1", "general", "alice", "hello everyone")

	var chat map[string]interface{}
	for _, m := range tr.groupFrames("general", protocol.TypeMessage) {
		if m["kind"] == protocol.KindUser {
			chat = m
		}
	}
	if chat == nil {
		t.Fatal("expected a relayed user message")
	}
	if chat["content"] != "hello everyone" || chat["username"] != "alice" || chat["user_id"] != "c1" {
		t.Fatalf("unexpected message payload %v", chat)
	}
	if _, ok := chat["timestamp"].(float64); !ok {
		t.Fatal("expected a server-assigned timestamp")
	}
}

func TestMessage_RejectedWithoutMatchingSession(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")

	// Wrong room, wrong name, and no session at all are all rejected.
	c.HandleMessage(ctx, "c1", "other", "alice", "hi")
	c.HandleMessage(ctx, "c1", "general", "mallory", "hi")
	c.HandleMessage(ctx, "ghost", "general", "alice", "hi")

	for _, conn := range []string{"c1", "ghost"} {
		errMsg := tr.lastDirect(conn, protocol.TypeError)
		if errMsg == nil || errMsg["code"] != CodeNotAuthorized {
			t.Fatalf("expected not_authorized for %s, got %v", conn, errMsg)
		}
	}
	var relayed int
	for _, m := range tr.groupFrames("general", protocol.TypeMessage) {
		if m["kind"] == protocol.KindUser {
			relayed++
		}
	}
	if relayed != 0 {
		t.Fatalf("expected no relayed messages, got %d", relayed)
	}
}

func TestMessage_ClearsTypingMarker(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")
	c.HandleTypingStart(ctx, "c1")
	before := len(tr.groupFrames("general", protocol.TypeTypingStatus))

	c.HandleMessage(ctx, "c1", "general", "alice", "done typing")

	statuses := tr.groupFrames("general", protocol.TypeTypingStatus)
	if len(statuses) != before+1 {
		t.Fatalf("expected a typing_status broadcast after send, got %d new", len(statuses)-before)
	}
	last := statuses[len(statuses)-1]
	if users := last["users"].([]interface{}); len(users) != 0 {
		t.Fatalf("expected empty typing list, got %v", users)
	}
}

func TestMessage_MentionHookFiresForRoomMembers(t *testing.T) {
	c, _, nf := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")
	c.HandleJoin(ctx, "c2", "general", "bob")

	c.HandleMessage(ctx, "c1", "general", "alice", "hey @Bob and @stranger, also @bob again")

	nf.mu.Lock()
	defer nf.mu.Unlock()
	if len(nf.mentions) != 1 {
		t.Fatalf("expected exactly one mention notification, got %v", nf.mentions)
	}
	m := nf.mentions[0]
	if m.MentionedName != "bob" || m.MentionedConn != "c2" || m.SenderName != "alice" || m.Room != "general" {
		t.Fatalf("unexpected mention %+v", m)
	}
}

func TestTyping_StartBroadcastsOnceAndStopIsIdempotent(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")

	c.HandleTypingStart(ctx, "c1")
	c.HandleTypingStart(ctx, "c1")
	if got := len(tr.groupFrames("general", protocol.TypeTypingStatus)); got != 1 {
		t.Fatalf("repeated typing_start should broadcast once, got %d", got)
	}

	c.HandleTypingStop(ctx, "c1")
	if got := len(tr.groupFrames("general", protocol.TypeTypingStatus)); got != 2 {
		t.Fatalf("typing_stop should broadcast once, got %d", got)
	}

	// Stopping while not typing changes nothing, so nothing is sent.
	c.HandleTypingStop(ctx, "c1")
	if got := len(tr.groupFrames("general", protocol.TypeTypingStatus)); got != 2 {
		t.Fatalf("redundant typing_stop must not broadcast, got %d", got)
	}
}

func TestTyping_RequiresSession(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleTypingStart(ctx, "ghost")
	errMsg := tr.lastDirect("ghost", protocol.TypeError)
	if errMsg == nil || errMsg["code"] != CodeNotAuthorized {
		t.Fatalf("expected not_authorized, got %v", errMsg)
	}
}

func TestListUsers_UnknownRoomIsAnError(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleListUsers(ctx, "c1", "nowhere")

	errMsg := tr.lastDirect("c1", protocol.TypeError)
	if errMsg == nil || errMsg["code"] != CodeNotFound {
		t.Fatalf("expected not_found, got %v", errMsg)
	}
}

func TestListUsers_ReturnsRoster(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")
	c.HandleJoin(ctx, "c2", "general", "bob")
	c.HandleListUsers(ctx, "viewer", "general")

	list := tr.lastDirect("viewer", protocol.TypeUserList)
	if list == nil || list["room"] != "general" {
		t.Fatalf("expected user_list for general, got %v", list)
	}
	users := list["users"].([]interface{})
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %v", users)
	}
	first := users[0].(map[string]interface{})
	if first["username"] != "alice" || first["sid"] != "c1" {
		t.Fatalf("unexpected first entry %v", first)
	}
}

func TestPing_EchoesTimestamp(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandlePing(ctx, "c1", 1700000000123)

	pong := tr.lastDirect("c1", protocol.TypePong)
	if pong == nil {
		t.Fatal("expected a pong")
	}
	if int64(pong["timestamp"].(float64)) != 1700000000123 {
		t.Fatalf("expected echoed timestamp, got %v", pong["timestamp"])
	}
	if _, ok := pong["server_time"].(float64); !ok {
		t.Fatal("expected server_time in pong")
	}
}

func TestReapTypingMarkers_ExpiresAndBroadcasts(t *testing.T) {
	cfg := testConfig()
	cfg.TypingTimeout = 10 * time.Millisecond
	c, tr, _ := newTestCoordinator(cfg)
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")
	c.HandleTypingStart(ctx, "c1")
	before := len(tr.groupFrames("general", protocol.TypeTypingStatus))

	time.Sleep(25 * time.Millisecond)
	if n := c.ReapTypingMarkers(); n != 1 {
		t.Fatalf("expected 1 expired marker, got %d", n)
	}
	if got := len(tr.groupFrames("general", protocol.TypeTypingStatus)); got != before+1 {
		t.Fatalf("expected one typing_status broadcast after reap, got %d new", got-before)
	}
}

func TestReapIdleSessions_ForcesLeave(t *testing.T) {
	cfg := testConfig()
	cfg.SessionIdleMax = 10 * time.Millisecond
	c, _, _ := newTestCoordinator(cfg)
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")
	time.Sleep(25 * time.Millisecond)

	if n := c.ReapIdleSessions(ctx); n != 1 {
		t.Fatalf("expected 1 reaped session, got %d", n)
	}
	_, _, sessions, _ := c.Stats()
	if sessions != 0 {
		t.Fatalf("expected 0 sessions after reap, got %d", sessions)
	}
}

func TestMessageHistory_ReplayedOnJoin(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")
	c.HandleMessage(ctx, "c1", "general", "alice", "first")
	c.HandleMessage(ctx, "c1", "general", "alice", "second")

	c.HandleJoin(ctx, "c2", "general", "bob")

	history := tr.lastDirect("c2", protocol.TypeMessageHistory)
	if history == nil || history["room"] != "general" {
		t.Fatalf("expected message_history for general, got %v", history)
	}
	msgs := history["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 archived messages, got %d", len(msgs))
	}
	first := msgs[0].(map[string]interface{})
	if first["content"] != "first" {
		t.Fatalf("expected oldest-first history, got %v", msgs)
	}
}

func TestMessage_SanitizesMarkup(t *testing.T) {
	c, tr, _ := newTestCoordinator(testConfig())
	ctx := context.Background()

	c.HandleJoin(ctx, "c1", "general", "alice")
	c.HandleMessage(ctx, "c1", "general", "alice", "<b>bold</b> words")

	var chat map[string]interface{}
	for _, m := range tr.groupFrames("general", protocol.TypeMessage) {
		if m["kind"] == protocol.KindUser {
			chat = m
		}
	}
	if chat == nil || chat["content"] != "bold words" {
		t.Fatalf("expected sanitized content, got %v", chat)
	}
}

package state_test

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selvabharathi807/Neon-Mindz/app/bus"
	"github.com/selvabharathi807/Neon-Mindz/app/models"
	"github.com/selvabharathi807/Neon-Mindz/app/protocol"
	"github.com/selvabharathi807/Neon-Mindz/app/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*state.Store, *bus.Bus) {
	t.Helper()
	b := bus.New(nil, testLogger())
	return state.New(b, nil, nil, testLogger()), b
}

func apply(t *testing.T, s *state.Store, line string) {
	t.Helper()
	env, ok := protocol.Decode(line)
	require.True(t, ok, "test frame must decode: %s", line)
	s.Apply(env)
}

func drain(ch <-chan bus.Event) []bus.Event {
	var out []bus.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func eventTypes(events []bus.Event) []string {
	out := make([]string, len(events))
	for i, evt := range events {
		out[i] = string(evt.Type)
	}
	return out
}

func TestDronePresence(t *testing.T) {
	s, _ := newTestStore(t)
	before := time.Now()

	apply(t, s, `{"type":"DRONE_JOIN","from":"D1","payload":"{\"mac\":\"AA:BB\"}"}`)
	snap := s.Snapshot()
	require.Contains(t, snap.Drones, "D1")
	d := snap.Drones["D1"]
	assert.True(t, d.Active)
	assert.Equal(t, "AA:BB", d.Mac)
	assert.False(t, d.LastSeen.Before(before))

	// Heartbeats create records too.
	apply(t, s, `{"type":"HEARTBEAT","from":"D2"}`)
	assert.Contains(t, s.Snapshot().Drones, "D2")

	// Boot falls back to the payload when from is empty.
	apply(t, s, `{"type":"DRONE_BOOT","payload":"D3"}`)
	assert.Contains(t, s.Snapshot().Drones, "D3")
}

func TestMasterIsNeverADrone(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s, `{"type":"DRONE_JOIN","from":"MASTER"}`)
	apply(t, s, `{"type":"HEARTBEAT","payload":"MASTER"}`)
	apply(t, s, `{"type":"HEARTBEAT"}`)
	assert.Empty(t, s.Snapshot().Drones)
}

func TestDroneJoinWithBadMacPayloadStillRecordsPresence(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s, `{"type":"DRONE_JOIN","from":"D1","payload":"{garbage"}`)
	snap := s.Snapshot()
	require.Contains(t, snap.Drones, "D1")
	assert.True(t, snap.Drones["D1"].Active)
	assert.Empty(t, snap.Drones["D1"].Mac)
}

func TestDroneLost(t *testing.T) {
	s, b := newTestStore(t)
	apply(t, s, `{"type":"DRONE_JOIN","from":"D1"}`)
	_, ch := b.Subscribe(models.EventDroneUpdate)

	apply(t, s, `{"type":"DRONE_LOST","from":"D1"}`)
	snap := s.Snapshot()
	require.Contains(t, snap.Drones, "D1")
	assert.False(t, snap.Drones["D1"].Active, "lost drones stay in the map, inactive")
	require.Len(t, drain(ch), 1)

	events := s.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, models.MsgDroneLost, events[0].Type)
	assert.Equal(t, "D1", events[0].Drone)
}

func TestDroneLostUnknownDroneMutatesNothing(t *testing.T) {
	s, b := newTestStore(t)
	_, ch := b.Subscribe(models.EventDroneUpdate)
	apply(t, s, `{"type":"DRONE_LOST","from":"NOPE"}`)
	assert.Empty(t, s.Snapshot().Drones)
	assert.Empty(t, drain(ch))
}

func TestServiceRegOfferAndRequestAreIndependent(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s, `{"type":"SERVICE_REG","from":"D1","userId":"U1","payload":"{\"role\":\"offer\",\"srv\":\"FOOD\",\"drone\":\"D1\"}"}`)

	users := s.Snapshot().Users
	require.Len(t, users, 1)
	assert.Equal(t, "FOOD", users[0].Offering)
	assert.Empty(t, users[0].Requesting, "offer must not touch requesting")

	apply(t, s, `{"type":"SERVICE_REG","from":"D1","userId":"U1","payload":"{\"role\":\"request\",\"srv\":\"WATER\",\"drone\":\"D1\"}"}`)
	users = s.Snapshot().Users
	require.Len(t, users, 1)
	assert.Equal(t, "FOOD", users[0].Offering, "request must not touch offering")
	assert.Equal(t, "WATER", users[0].Requesting)
}

func TestServiceRegIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	frame := `{"type":"SERVICE_REG","from":"D1","userId":"U1","payload":"{\"role\":\"offer\",\"srv\":\"MED\",\"drone\":\"D1\"}"}`
	apply(t, s, frame)
	first := s.Snapshot()
	apply(t, s, frame)
	second := s.Snapshot()
	assert.Equal(t, first.Users, second.Users)
	assert.Equal(t, first.Drones, second.Drones)
}

func TestServiceRegBadPayloadIsNoOp(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s, `{"type":"SERVICE_REG","userId":"U1","payload":"not json"}`)
	apply(t, s, `{"type":"SERVICE_REG","payload":"{\"role\":\"offer\",\"srv\":\"FOOD\"}"}`)
	assert.Empty(t, s.Snapshot().Users)
}

func TestGPSUpdate(t *testing.T) {
	s, b := newTestStore(t)
	_, ch := b.Subscribe(models.EventGPSUpdate, models.EventUsersUpdate)

	apply(t, s, `{"type":"GPS_UPDATE","from":"D1","payload":"{\"uid\":\"U1\",\"lat\":9.93,\"lng\":76.26}"}`)
	users := s.Snapshot().Users
	require.Len(t, users, 1)
	require.NotNil(t, users[0].Lat)
	require.NotNil(t, users[0].Lng)
	assert.InDelta(t, 9.93, *users[0].Lat, 0.0001)
	assert.InDelta(t, 76.26, *users[0].Lng, 0.0001)
	assert.Equal(t, "D1", users[0].Drone)
	assert.Equal(t, models.StatusActive, users[0].Status)

	got := eventTypes(drain(ch))
	assert.Equal(t, []string{models.EventGPSUpdate, models.EventUsersUpdate}, got)
}

func TestGPSUpdateMissingCoordinateIsNoOp(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s, `{"type":"GPS_UPDATE","from":"D1","payload":"{\"uid\":\"U1\",\"lat\":null,\"lng\":76.26}"}`)
	apply(t, s, `{"type":"GPS_UPDATE","from":"D1","payload":"{\"uid\":\"U1\",\"lat\":9.93}"}`)
	apply(t, s, `{"type":"GPS_UPDATE","from":"D1","payload":"{\"lat\":9.93,\"lng\":76.26}"}`)
	assert.Empty(t, s.Snapshot().Users)
}

func TestGPSUpdateUIDFallsBackToEnvelope(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s, `{"type":"GPS_UPDATE","from":"D1","userId":"U7","payload":"{\"lat\":1.5,\"lng\":2.5}"}`)
	users := s.Snapshot().Users
	require.Len(t, users, 1)
	assert.Equal(t, "U7", users[0].UID)
}

func TestUserLeftAndGPSRevive(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s, `{"type":"SERVICE_REG","from":"D1","userId":"U1","payload":"{\"role\":\"offer\",\"srv\":\"FOOD\",\"drone\":\"D1\"}"}`)

	apply(t, s, `{"type":"USER_LEFT","from":"D1","userId":"U1"}`)
	users := s.Snapshot().Users
	require.Len(t, users, 1)
	assert.Equal(t, models.StatusLeft, users[0].Status)
	assert.NotNil(t, users[0].LeftAt)

	// A fresh GPS fix revives the user.
	apply(t, s, `{"type":"GPS_UPDATE","from":"D1","payload":"{\"uid\":\"U1\",\"lat\":9.93,\"lng\":76.26}"}`)
	users = s.Snapshot().Users
	require.Len(t, users, 1)
	assert.Equal(t, models.StatusActive, users[0].Status)
}

func TestUserLeftUnknownUIDIsNoOp(t *testing.T) {
	s, b := newTestStore(t)
	_, ch := b.Subscribe(models.EventUsersUpdate)
	apply(t, s, `{"type":"USER_LEFT","from":"D1","userId":"GHOST"}`)
	assert.Empty(t, s.Snapshot().Users, "no record may be created for an unknown uid")
	assert.Empty(t, drain(ch))
	assert.Empty(t, s.Events())
}

func TestChatHistoryBound(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i <= models.MaxChats; i++ {
		apply(t, s, fmt.Sprintf(
			`{"type":"CHAT","from":"D1","userId":"U1","payload":"{\"from\":\"U1\",\"to\":\"U2\",\"text\":\"msg-%d\"}"}`, i))
	}
	assert.Equal(t, models.MaxChats, s.Snapshot().ChatCount)

	chats := s.Chats("")
	require.NotEmpty(t, chats)
	assert.Equal(t, fmt.Sprintf("msg-%d", models.MaxChats), chats[0].Text, "newest first")

	// msg-0 was evicted from the tail.
	all := s.Chats("U1")
	for _, c := range all {
		assert.NotEqual(t, "msg-0", c.Text)
	}
}

func TestChatQueryFilterAndCap(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 250; i++ {
		apply(t, s, fmt.Sprintf(
			`{"type":"CHAT","from":"D1","payload":"{\"from\":\"U1\",\"to\":\"U2\",\"text\":\"a-%d\"}"}`, i))
	}
	apply(t, s, `{"type":"CHAT","from":"D1","payload":"{\"from\":\"U3\",\"to\":\"U1\",\"text\":\"for-u1\"}"}`)
	apply(t, s, `{"type":"CHAT","from":"D1","payload":"{\"from\":\"U3\",\"to\":\"U4\",\"text\":\"not-u1\"}"}`)

	assert.Len(t, s.Chats(""), models.MaxChatQuery)
	assert.Len(t, s.Chats("U1"), models.MaxChatQuery)

	u3 := s.Chats("U3")
	require.Len(t, u3, 2)
	assert.Equal(t, "not-u1", u3[0].Text)

	u4 := s.Chats("U4")
	require.Len(t, u4, 1)
	assert.Equal(t, "not-u1", u4[0].Text)
}

func TestChatFromFallsBackToUserID(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s, `{"type":"CHAT","from":"D1","userId":"U1","payload":"{\"to\":\"U2\",\"text\":\"hi\"}"}`)
	chats := s.Chats("")
	require.Len(t, chats, 1)
	assert.Equal(t, "U1", chats[0].From)
	assert.Equal(t, "D1", chats[0].Drone)
}

func TestEventHistoryBound(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < models.MaxEvents+50; i++ {
		apply(t, s, `{"type":"DRONE_LOST","from":"D1"}`)
	}
	assert.Len(t, s.Events(), models.MaxEventQuery)
	s.SetTicker("newest")
	events := s.Events()
	assert.Equal(t, models.AuditTicker, events[0].Type, "newest first")
}

func TestUnknownTypeEmitsOnlyRawPassthrough(t *testing.T) {
	s, b := newTestStore(t)
	_, ch := b.Subscribe()
	apply(t, s, `{"type":"SOMETHING_NEW","from":"D1","payload":"x"}`)

	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, bus.EventType(models.EventRawMessage), events[0].Type)
	assert.Empty(t, s.Snapshot().Drones)
	assert.Empty(t, s.Snapshot().Users)
	assert.Empty(t, s.Events())
}

func TestRawPassthroughAccompaniesTypedEvents(t *testing.T) {
	s, b := newTestStore(t)
	_, ch := b.Subscribe()
	apply(t, s, `{"type":"HEARTBEAT","from":"D1"}`)
	got := eventTypes(drain(ch))
	assert.Equal(t, []string{models.EventDroneUpdate, models.EventRawMessage}, got)
}

func TestMasterBoot(t *testing.T) {
	s, b := newTestStore(t)
	_, ch := b.Subscribe(models.EventMasterBoot)
	apply(t, s, `{"type":"MASTER_BOOT","payload":"CC:DD"}`)

	events := drain(ch)
	require.Len(t, events, 1)
	payload, ok := events[0].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "CC:DD", payload["mac"])

	audit := s.Events()
	require.Len(t, audit, 1)
	assert.Equal(t, models.MsgMasterBoot, audit[0].Type)
}

func TestTicker(t *testing.T) {
	s, b := newTestStore(t)
	_, ch := b.Subscribe(models.EventTickerUpdate)

	s.SetTicker("food drop at 1600")
	assert.Equal(t, "food drop at 1600", s.Ticker())
	assert.Equal(t, "food drop at 1600", s.Snapshot().Ticker)
	require.Len(t, drain(ch), 1)

	audit := s.Events()
	require.NotEmpty(t, audit)
	assert.Equal(t, models.AuditTicker, audit[0].Type)
	assert.Equal(t, "food drop at 1600", audit[0].Text)

	// Empty message clears; last write wins.
	s.SetTicker("")
	assert.Empty(t, s.Ticker())
}

func TestRecordFixDirect(t *testing.T) {
	s, _ := newTestStore(t)
	s.RecordFix("U9", "web", 10.0, 20.0)
	users := s.Snapshot().Users
	require.Len(t, users, 1)
	assert.Equal(t, "web", users[0].Drone)
	require.NotNil(t, users[0].Lat)
	assert.InDelta(t, 10.0, *users[0].Lat, 0.0001)
}

func TestSetLinkStatusEmitsOnlyOnChange(t *testing.T) {
	s, b := newTestStore(t)
	_, ch := b.Subscribe(models.EventSerialStatus)

	s.SetLinkStatus(true, "")
	s.SetLinkStatus(true, "")
	require.Len(t, drain(ch), 1, "identical status must not re-emit")

	s.SetLinkStatus(false, "read /dev/ttyUSB0: input/output error")
	events := drain(ch)
	require.Len(t, events, 1)
	status, ok := events[0].Data.(models.LinkStatus)
	require.True(t, ok)
	assert.False(t, status.Connected)
	assert.NotEmpty(t, status.LastError)
	assert.False(t, s.LinkStatus().Connected)

	// Repeated failures with the same error stay quiet.
	s.SetLinkStatus(false, "read /dev/ttyUSB0: input/output error")
	assert.Empty(t, drain(ch))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s, `{"type":"DRONE_JOIN","from":"D1","payload":"{\"mac\":\"AA:BB\"}"}`)
	apply(t, s, `{"type":"GPS_UPDATE","from":"D1","payload":"{\"uid\":\"U1\",\"lat\":1,\"lng\":2}"}`)

	snap := s.Snapshot()
	d := snap.Drones["D1"]
	d.Mac = "mutated"
	snap.Drones["D1"] = d
	*snap.Users[0].Lat = 99

	fresh := s.Snapshot()
	assert.Equal(t, "AA:BB", fresh.Drones["D1"].Mac)
	assert.InDelta(t, 1.0, *fresh.Users[0].Lat, 0.0001)
}

func TestInitState(t *testing.T) {
	s, _ := newTestStore(t)
	apply(t, s, `{"type":"DRONE_JOIN","from":"D1"}`)
	for i := 0; i < models.InitChats+20; i++ {
		apply(t, s, fmt.Sprintf(
			`{"type":"CHAT","from":"D1","payload":"{\"from\":\"U1\",\"to\":\"U2\",\"text\":\"m%d\"}"}`, i))
	}
	s.SetTicker("hello")
	s.SetLinkStatus(true, "")

	init := s.InitState()
	assert.Contains(t, init.Drones, "D1")
	assert.Len(t, init.Chats, models.InitChats)
	assert.Equal(t, "hello", init.Ticker)
	assert.True(t, init.Serial)
}

func TestBridgeScenario(t *testing.T) {
	// The canonical end-to-end sequence: a drone joins, a user registers
	// an offer through it, then sends a chat.
	s, _ := newTestStore(t)
	apply(t, s, `{"type":"DRONE_JOIN","from":"D1","payload":"{\"mac\":\"AA:BB\"}"}`)
	apply(t, s, `{"type":"SERVICE_REG","from":"D1","userId":"U1","payload":"{\"role\":\"offer\",\"srv\":\"FOOD\",\"drone\":\"D1\"}"}`)
	apply(t, s, `{"type":"CHAT","from":"D1","userId":"U1","payload":"{\"from\":\"U1\",\"to\":\"U2\",\"text\":\"hi\"}"}`)

	snap := s.Snapshot()
	require.Len(t, snap.Drones, 1)
	assert.True(t, snap.Drones["D1"].Active)
	assert.Equal(t, "AA:BB", snap.Drones["D1"].Mac)

	require.Len(t, snap.Users, 1)
	u := snap.Users[0]
	assert.Equal(t, "U1", u.UID)
	assert.Equal(t, "FOOD", u.Offering)
	assert.Equal(t, "D1", u.Drone)
	assert.Equal(t, models.StatusActive, u.Status)

	assert.Equal(t, 1, snap.ChatCount)
	chats := s.Chats("")
	require.Len(t, chats, 1)
	assert.Equal(t, "hi", chats[0].Text)
}

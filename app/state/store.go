// Package state owns all shared mutable state of the bridge: drones, users,
// chats, the audit trail, the ticker, and the serial link status. Every
// mutation happens under a single mutex and emits its events on the bus
// before the mutex is released, so observers see events in exactly the order
// mutations were applied and a snapshot never reflects a half-applied frame.
package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/selvabharathi807/Neon-Mindz/app/bus"
	"github.com/selvabharathi807/Neon-Mindz/app/models"
	"github.com/selvabharathi807/Neon-Mindz/app/protocol"
)

// AuditSink receives every audit event for external append-only persistence.
type AuditSink interface {
	Append(models.SystemEvent) error
}

// Store is the single owner of bridge state. The serial reader goroutine is
// the only caller of Apply and SetLinkStatus; HTTP and WebSocket contexts
// read through Snapshot/Chats/Events and mutate only through SetTicker and
// RecordFix, all serialized by the same mutex.
type Store struct {
	mu     sync.Mutex
	drones map[string]*models.Drone
	users  map[string]*models.User
	chats  []models.ChatMessage
	events []models.SystemEvent
	ticker string
	link   models.LinkStatus

	bus    *bus.Bus
	audit  AuditSink
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Store publishing on eventBus. audit may be nil to disable
// external persistence; promRegistry may be nil to disable metrics.
func New(
	eventBus *bus.Bus,
	audit AuditSink,
	promRegistry prometheus.Registerer,
	logger *slog.Logger,
) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		drones: make(map[string]*models.Drone),
		users:  make(map[string]*models.User),
		bus:    eventBus,
		audit:  audit,
		logger: logger,
		now:    time.Now,
	}
	if promRegistry != nil {
		s.initMetrics(promRegistry)
	}
	return s
}

func (s *Store) initMetrics(registry prometheus.Registerer) {
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "reliefnet_drones_active",
			Help: "Number of drones currently marked active",
		},
		func() float64 {
			s.mu.Lock()
			defer s.mu.Unlock()
			n := 0
			for _, d := range s.drones {
				if d.Active {
					n++
				}
			}
			return float64(n)
		},
	))
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "reliefnet_users_known",
			Help: "Number of user records in the store",
		},
		func() float64 {
			s.mu.Lock()
			defer s.mu.Unlock()
			return float64(len(s.users))
		},
	))
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "reliefnet_chats_retained",
			Help: "Number of chat messages in the bounded in-memory window",
		},
		func() float64 {
			s.mu.Lock()
			defer s.mu.Unlock()
			return float64(len(s.chats))
		},
	))
}

// Apply reconciles one decoded envelope into the store. Unknown types cause
// no mutation; every envelope, handled or not, is forwarded as a raw_msg
// passthrough so observers can reconstruct full history.
func (s *Store) Apply(env *protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	switch env.Type {
	case models.MsgDroneJoin, models.MsgDroneBoot, models.MsgHeartbeat:
		s.applyDroneAlive(env, now)
	case models.MsgDroneLost:
		s.applyDroneLost(env, now)
	case models.MsgServiceReg:
		s.applyServiceReg(env, now)
	case models.MsgGPSUpdate:
		s.applyGPSUpdate(env, now)
	case models.MsgChat:
		s.applyChat(env, now)
	case models.MsgMasterBoot:
		s.applyMasterBoot(env, now)
	case models.MsgUserLeft:
		s.applyUserLeft(env, now)
	}

	s.bus.Publish(models.EventRawMessage, env.Raw)
}

func (s *Store) applyDroneAlive(env *protocol.Envelope, now time.Time) {
	id := env.DroneID()
	if id == "" || id == models.MasterID {
		return
	}
	d, ok := s.drones[id]
	if !ok {
		d = &models.Drone{ID: id}
		s.drones[id] = d
	}
	d.Active = true
	d.LastSeen = now
	if env.Type == models.MsgDroneJoin {
		// mac is best-effort; a malformed payload keeps the join effect.
		if p, ok := env.JoinPayload(); ok {
			d.Mac = p.Mac
		}
	}
	s.bus.Publish(models.EventDroneUpdate, map[string]any{"drones": s.dronesCopy()})
}

func (s *Store) applyDroneLost(env *protocol.Envelope, now time.Time) {
	if d, ok := s.drones[env.From]; ok {
		d.Active = false
		s.bus.Publish(models.EventDroneUpdate, map[string]any{"drones": s.dronesCopy()})
	}
	s.recordEvent(models.SystemEvent{
		Type:      models.MsgDroneLost,
		Drone:     env.From,
		Timestamp: now,
	})
}

func (s *Store) applyServiceReg(env *protocol.Envelope, now time.Time) {
	p, ok := env.ServicePayload()
	if !ok || env.UserID == "" {
		return
	}
	u := s.upsertUser(env.UserID, p.Drone, now)
	if p.Role == models.RoleOffer {
		u.Offering = p.Srv
	} else {
		u.Requesting = p.Srv
	}
	if p.Drone != "" {
		u.Drone = p.Drone
	}
	u.Status = models.StatusActive
	s.bus.Publish(models.EventUsersUpdate, map[string]any{"users": s.usersCopy()})
	s.recordEvent(models.SystemEvent{
		Type:      models.MsgServiceReg,
		UID:       env.UserID,
		Role:      p.Role,
		Service:   p.Srv,
		Drone:     env.From,
		Timestamp: now,
	})
}

func (s *Store) applyGPSUpdate(env *protocol.Envelope, now time.Time) {
	p, ok := env.GPSPayload()
	if !ok {
		return
	}
	uid := p.UID
	if uid == "" {
		uid = env.UserID
	}
	drone := p.Drone
	if drone == "" {
		drone = env.From
	}
	if uid == "" || p.Lat == nil || p.Lng == nil {
		return
	}
	s.recordFixLocked(uid, drone, *p.Lat, *p.Lng, now)
}

// recordFixLocked applies a GPS fix: upsert, set coordinates, revive a user
// that had left. Caller holds the mutex.
func (s *Store) recordFixLocked(uid, drone string, lat, lng float64, now time.Time) {
	u := s.upsertUser(uid, drone, now)
	u.Lat = &lat
	u.Lng = &lng
	if drone != "" {
		u.Drone = drone
	}
	u.Status = models.StatusActive
	s.bus.Publish(models.EventGPSUpdate, models.GPSFix{
		UID:   uid,
		Lat:   lat,
		Lng:   lng,
		Drone: u.Drone,
	})
	s.bus.Publish(models.EventUsersUpdate, map[string]any{"users": s.usersCopy()})
}

func (s *Store) applyChat(env *protocol.Envelope, now time.Time) {
	p, ok := env.ChatPayload()
	if !ok {
		return
	}
	from := p.From
	if from == "" {
		from = env.UserID
	}
	entry := models.ChatMessage{
		From:      from,
		To:        p.To,
		Text:      p.Text,
		Drone:     env.From,
		Timestamp: now,
	}
	s.chats = append([]models.ChatMessage{entry}, s.chats...)
	if len(s.chats) > models.MaxChats {
		s.chats = s.chats[:models.MaxChats]
	}
	s.bus.Publish(models.EventNewChat, entry)
	s.recordEvent(models.SystemEvent{
		Type:      models.MsgChat,
		From:      entry.From,
		To:        entry.To,
		Text:      entry.Text,
		Drone:     entry.Drone,
		Timestamp: now,
	})
}

func (s *Store) applyMasterBoot(env *protocol.Envelope, now time.Time) {
	mac := env.PayloadString()
	if mac == "" {
		mac = env.Mac
	}
	s.bus.Publish(models.EventMasterBoot, map[string]any{"mac": mac})
	s.recordEvent(models.SystemEvent{
		Type:      models.MsgMasterBoot,
		Timestamp: now,
	})
}

func (s *Store) applyUserLeft(env *protocol.Envelope, now time.Time) {
	u, ok := s.users[env.UserID]
	if !ok {
		return
	}
	u.Status = models.StatusLeft
	left := now
	u.LeftAt = &left
	s.bus.Publish(models.EventUsersUpdate, map[string]any{"users": s.usersCopy()})
	s.recordEvent(models.SystemEvent{
		Type:      models.MsgUserLeft,
		UID:       env.UserID,
		Drone:     env.From,
		Timestamp: now,
	})
}

// upsertUser returns the user record for uid, creating it on first sight.
// Caller holds the mutex.
func (s *Store) upsertUser(uid, drone string, now time.Time) *models.User {
	u, ok := s.users[uid]
	if !ok {
		u = &models.User{
			UID:         uid,
			Drone:       drone,
			Status:      models.StatusActive,
			ConnectedAt: now,
		}
		s.users[uid] = u
	}
	return u
}

// recordEvent prepends to the bounded audit window and forwards to the
// external sink. Caller holds the mutex.
func (s *Store) recordEvent(evt models.SystemEvent) {
	s.events = append([]models.SystemEvent{evt}, s.events...)
	if len(s.events) > models.MaxEvents {
		s.events = s.events[:models.MaxEvents]
	}
	if s.audit != nil {
		if err := s.audit.Append(evt); err != nil {
			s.logger.Warn(
				"failed to persist audit event",
				"component", "state",
				"type", evt.Type,
				"error", err,
			)
		}
	}
}

// SetTicker replaces the current announcement; an empty message clears it.
func (s *Store) SetTicker(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticker = message
	s.bus.Publish(models.EventTickerUpdate, map[string]any{"message": message})
	s.recordEvent(models.SystemEvent{
		Type:      models.AuditTicker,
		Text:      message,
		Timestamp: s.now(),
	})
}

// RecordFix applies a GPS fix reported directly over HTTP rather than the
// serial link. Same upsert and revive semantics as a GPS_UPDATE frame.
func (s *Store) RecordFix(uid, drone string, lat, lng float64) {
	if uid == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordFixLocked(uid, drone, lat, lng, s.now())
}

// SetLinkStatus records the serial link state. A serial_status event is
// emitted only when something actually changed, so a failing reconnect loop
// does not spam subscribers with identical updates.
func (s *Store) SetLinkStatus(connected bool, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := models.LinkStatus{Connected: connected, LastError: lastError}
	if next == s.link {
		return
	}
	s.link = next
	s.bus.Publish(models.EventSerialStatus, next)
}

// LinkStatus returns the current serial link state.
func (s *Store) LinkStatus() models.LinkStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Ticker returns the current announcement.
func (s *Store) Ticker() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticker
}

// Snapshot returns a deep, consistent copy of the queryable state.
func (s *Store) Snapshot() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.Snapshot{
		Drones:    s.dronesCopy(),
		Users:     s.usersCopy(),
		ChatCount: len(s.chats),
		Serial:    s.link.Connected,
		Ticker:    s.ticker,
	}
}

// InitState returns the bootstrap payload for a new real-time subscriber.
func (s *Store) InitState() models.InitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.InitState{
		Drones: s.dronesCopy(),
		Users:  s.usersCopy(),
		Chats:  s.chatsCopy("", models.InitChats),
		Serial: s.link.Connected,
		Ticker: s.ticker,
	}
}

// Chats returns the most recent chat messages, newest first, capped at
// MaxChatQuery. A non-empty uid keeps only messages where uid is the sender
// or the recipient.
func (s *Store) Chats(uid string) []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatsCopy(uid, models.MaxChatQuery)
}

// Events returns the most recent audit events, newest first, capped at
// MaxEventQuery.
func (s *Store) Events() []models.SystemEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(len(s.events), models.MaxEventQuery)
	out := make([]models.SystemEvent, n)
	copy(out, s.events[:n])
	return out
}

func (s *Store) dronesCopy() map[string]models.Drone {
	out := make(map[string]models.Drone, len(s.drones))
	for id, d := range s.drones {
		out[id] = *d
	}
	return out
}

func (s *Store) usersCopy() []models.User {
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		c := *u
		if u.Lat != nil {
			lat := *u.Lat
			c.Lat = &lat
		}
		if u.Lng != nil {
			lng := *u.Lng
			c.Lng = &lng
		}
		if u.LeftAt != nil {
			left := *u.LeftAt
			c.LeftAt = &left
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

func (s *Store) chatsCopy(uid string, limit int) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, limit)
	for _, c := range s.chats {
		if len(out) == limit {
			break
		}
		if uid != "" && c.From != uid && c.To != uid {
			continue
		}
		out = append(out, c)
	}
	return out
}

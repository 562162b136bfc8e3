package models

// Envelope types received from the master hub, one JSON object per serial line.
const (
	MsgDroneJoin  = "DRONE_JOIN"
	MsgDroneBoot  = "DRONE_BOOT"
	MsgHeartbeat  = "HEARTBEAT"
	MsgDroneLost  = "DRONE_LOST"
	MsgServiceReg = "SERVICE_REG"
	MsgGPSUpdate  = "GPS_UPDATE"
	MsgChat       = "CHAT"
	MsgMasterBoot = "MASTER_BOOT"
	MsgUserLeft   = "USER_LEFT"

	// MsgCommand is the only envelope type written back down the link.
	MsgCommand = "CMD"
)

// MasterID is the hub node's own id on the wire. The hub is never tracked
// as a drone.
const MasterID = "MASTER"

// Broadcast is the reserved command target meaning all drones.
const Broadcast = "BROADCAST"

// Event names pushed to real-time dashboard clients.
const (
	EventDroneUpdate  = "drone_update"
	EventUsersUpdate  = "users_update"
	EventGPSUpdate    = "gps_update"
	EventNewChat      = "new_chat"
	EventMasterBoot   = "master_boot"
	EventTickerUpdate = "ticker_update"
	EventRawMessage   = "raw_msg"
	EventSerialStatus = "serial_status"
	EventInit         = "init"
)

// Service codes carried in SERVICE_REG payloads.
const (
	ServiceFood  = "FOOD"
	ServiceWater = "WATER"
	ServiceAccom = "ACCOM"
	ServiceMed   = "MED"
)

// RoleOffer marks a registration as an offer; any other role is a request.
const RoleOffer = "offer"

// User presence states.
const (
	StatusActive = "active"
	StatusLeft   = "left"
)

// AuditTicker is the audit event type recorded for ticker changes, which
// are operator-originated and have no wire counterpart.
const AuditTicker = "TICKER"

// Bounded history and query limits.
const (
	MaxChats      = 1000 // in-memory chat window
	MaxEvents     = 500  // in-memory audit window
	MaxChatQuery  = 200  // per /api/chats response
	MaxEventQuery = 100  // per /api/events response
	InitChats     = 100  // chats included in the init payload
)

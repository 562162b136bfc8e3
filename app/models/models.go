package models

import "time"

// Drone represents a relay node in the field mesh. A record is created the
// first time the node is sighted and never deleted; a lost drone just flips
// to inactive so its historical presence stays visible.
type Drone struct {
	ID       string    `json:"id"`
	Active   bool      `json:"active"`
	Mac      string    `json:"mac"`
	LastSeen time.Time `json:"lastSeen"`
}

// User represents an end-user device connected through a drone.
// Offering and Requesting are independent: a user may both offer and
// request a service at the same time.
type User struct {
	UID         string     `json:"uid"`
	Drone       string     `json:"drone"`
	Offering    string     `json:"offering"`
	Requesting  string     `json:"requesting"`
	Status      string     `json:"status"`
	Lat         *float64   `json:"lat"`
	Lng         *float64   `json:"lng"`
	ConnectedAt time.Time  `json:"connTime"`
	LeftAt      *time.Time `json:"leftTime,omitempty"`
}

// ChatMessage is one relayed text message. Immutable once created.
type ChatMessage struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Text      string    `json:"text"`
	Drone     string    `json:"drone"`
	Timestamp time.Time `json:"ts"`
}

// SystemEvent is one entry in the operational audit trail. Only the fields
// relevant to the event kind are set.
type SystemEvent struct {
	Type      string    `json:"type"`
	Drone     string    `json:"drone,omitempty"`
	UID       string    `json:"uid,omitempty"`
	Role      string    `json:"role,omitempty"`
	Service   string    `json:"srv,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"_ts"`
}

// LinkStatus reports the health of the serial link to the master hub.
type LinkStatus struct {
	Connected bool   `json:"ok"`
	LastError string `json:"err,omitempty"`
}

// GPSFix is the payload of a gps_update event.
type GPSFix struct {
	UID   string  `json:"uid"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Drone string  `json:"drone"`
}

// Snapshot is the point-in-time state copy served to polling clients.
type Snapshot struct {
	Drones    map[string]Drone `json:"drones"`
	Users     []User           `json:"users"`
	ChatCount int              `json:"chatCount"`
	Serial    bool             `json:"serial"`
	Ticker    string           `json:"ticker"`
}

// InitState is the bootstrap payload sent once to every new real-time
// subscriber; unlike Snapshot it carries the recent chat history.
type InitState struct {
	Drones map[string]Drone `json:"drones"`
	Users  []User           `json:"users"`
	Chats  []ChatMessage    `json:"chats"`
	Serial bool             `json:"serial"`
	Ticker string           `json:"ticker"`
}

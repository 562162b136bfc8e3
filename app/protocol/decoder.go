// Package protocol decodes the line-delimited JSON envelopes exchanged with
// the master hub over the serial link. Malformed frames are expected noise on
// a flaky link, so decoding never returns an error: a frame either yields an
// Envelope or it is silently discarded.
package protocol

import "encoding/json"

// Envelope is the top-level decoded object from one serial line. All fields
// are optional on the wire and default to their zero value. Payload is
// usually a JSON string containing a second JSON document, decoded lazily at
// the point of use so a bad payload never invalidates the envelope itself.
type Envelope struct {
	Type    string
	From    string
	UserID  string
	Mac     string
	Payload json.RawMessage

	// Raw holds the full decoded object so unhandled fields survive the
	// passthrough to observers.
	Raw map[string]json.RawMessage
}

// Command is the single outbound envelope shape written back onto the link.
type Command struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	UserID  string `json:"userId"`
	Payload string `json:"payload"`
}

// Decode parses one raw line into an Envelope. The second return value is
// false when the line is not a JSON object; the caller drops the line with
// no error surfaced upstream.
func Decode(line string) (*Envelope, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, false
	}
	return &Envelope{
		Type:    stringField(raw, "type"),
		From:    stringField(raw, "from"),
		UserID:  stringField(raw, "userId"),
		Mac:     stringField(raw, "mac"),
		Payload: raw["payload"],
		Raw:     raw,
	}, true
}

// stringField extracts a string-valued field, tolerating absent or
// non-string values.
func stringField(raw map[string]json.RawMessage, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// PayloadString returns the payload as plain text: a JSON string is
// unquoted, anything else comes back empty.
func (e *Envelope) PayloadString() string {
	if len(e.Payload) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return ""
	}
	return s
}

// DroneID resolves the drone id for presence frames: the from field,
// falling back to a string payload when from is empty.
func (e *Envelope) DroneID() string {
	if e.From != "" {
		return e.From
	}
	return e.PayloadString()
}

// decodePayload unmarshals the payload's embedded JSON into v. The hub
// normally sends the payload as a string containing a second JSON document;
// a bare object is accepted too. Failure at this layer discards only the
// payload's effect, never the envelope.
func (e *Envelope) decodePayload(v any) bool {
	if len(e.Payload) == 0 {
		return false
	}
	var s string
	if err := json.Unmarshal(e.Payload, &s); err == nil {
		return json.Unmarshal([]byte(s), v) == nil
	}
	return json.Unmarshal(e.Payload, v) == nil
}

// JoinPayload is the embedded payload of a DRONE_JOIN frame.
type JoinPayload struct {
	Mac string `json:"mac"`
}

func (e *Envelope) JoinPayload() (JoinPayload, bool) {
	var p JoinPayload
	ok := e.decodePayload(&p)
	return p, ok
}

// ServicePayload is the embedded payload of a SERVICE_REG frame.
type ServicePayload struct {
	Role  string `json:"role"`
	Srv   string `json:"srv"`
	Drone string `json:"drone"`
}

func (e *Envelope) ServicePayload() (ServicePayload, bool) {
	var p ServicePayload
	ok := e.decodePayload(&p)
	return p, ok
}

// GPSPayload is the embedded payload of a GPS_UPDATE frame. Lat and Lng are
// pointers so a missing coordinate is distinguishable from zero.
type GPSPayload struct {
	UID   string   `json:"uid"`
	Lat   *float64 `json:"lat"`
	Lng   *float64 `json:"lng"`
	Drone string   `json:"drone"`
}

func (e *Envelope) GPSPayload() (GPSPayload, bool) {
	var p GPSPayload
	ok := e.decodePayload(&p)
	return p, ok
}

// ChatPayload is the embedded payload of a CHAT frame.
type ChatPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
}

func (e *Envelope) ChatPayload() (ChatPayload, bool) {
	var p ChatPayload
	ok := e.decodePayload(&p)
	return p, ok
}

// oreon/defense · watchthelight <wtl>

// Package ipc defines the control socket protocol between logband and
// its clients: newline-delimited JSON requests and responses over a unix
// socket. Subscribed connections additionally receive pushed events with
// the response ID "event".
package ipc

import (
	"encoding/json"
	"errors"
	"time"
)

// ProtocolVersion is the version spoken by this package. Requests with
// version 0 are accepted as legacy clients.
const ProtocolVersion = 1

// DefaultSocket is the daemon's default control socket path.
const DefaultSocket = "/run/logban/logban.sock"

// EventID is the response ID of pushed events.
const EventID = "event"

// Commands.
const (
	CmdPing      = "ping"
	CmdStatus    = "status"
	CmdBans      = "bans"
	CmdUnban     = "unban"
	CmdSubscribe = "subscribe"
)

// Request is one client command.
type Request struct {
	Version int             `json:"version,omitempty"`
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Response answers a Request with the same ID.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// UnmarshalData decodes the response payload into v.
func (r *Response) UnmarshalData(v any) error {
	if len(r.Data) == 0 {
		return errors.New("response has no data")
	}
	return json.Unmarshal(r.Data, v)
}

// UnbanArgs are the arguments of CmdUnban.
type UnbanArgs struct {
	Trigger string `json:"trigger"`
	Addr    string `json:"addr"`
}

// StatusResponse is the data of CmdStatus.
type StatusResponse struct {
	State         string          `json:"state"`
	Version       string          `json:"version"`
	StartedAt     time.Time       `json:"started_at"`
	Backend       string          `json:"backend"`
	Logs          []LogStatus     `json:"logs"`
	Triggers      []TriggerStatus `json:"triggers"`
	PendingTimers int             `json:"pending_timers"`
}

// LogStatus describes one monitored log.
type LogStatus struct {
	Path    string `json:"path"`
	State   string `json:"state"`
	Offset  int64  `json:"offset"`
	Filters int    `json:"filters"`
}

// TriggerStatus describes one configured trigger.
type TriggerStatus struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Ban is one tracked offender.
type Ban struct {
	Trigger   string    `json:"trigger"`
	Addr      string    `json:"addr"`
	Status    string    `json:"status"`
	Count     int       `json:"count"`
	FirstTime time.Time `json:"first_time"`
	LastTime  time.Time `json:"last_time"`
	Until     time.Time `json:"until"`
}

// BansResponse is the data of CmdBans.
type BansResponse struct {
	Bans []Ban `json:"bans"`
}

// Event types pushed to subscribers.
const (
	EventBan         = "ban"
	EventStateChange = "state_change"
)

// Event is pushed to subscribed connections.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`

	// EventBan
	Name   string            `json:"name,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`

	// EventStateChange
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`
}

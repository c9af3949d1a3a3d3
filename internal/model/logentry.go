package model

import "encoding/json"

// Direction distinguishes who produced a log entry.
type Direction string

const (
	DirectionClient Direction = "client"
	DirectionAgent  Direction = "agent"
)

// LogEntry is one append-only record in a project's message log. On disk it
// is a single compact JSON line: `{"t": <nanos>, "d": "client"|"agent", "m": <payload>}`.
type LogEntry struct {
	T int64           `json:"t"`
	D Direction       `json:"d"`
	M json.RawMessage `json:"m"`
}

// ReplayEntry is the shape of one entry inside a `messages_response` frame.
type ReplayEntry struct {
	Timestamp int64           `json:"timestamp"`
	Direction Direction       `json:"direction"`
	Message   json.RawMessage `json:"message"`
}

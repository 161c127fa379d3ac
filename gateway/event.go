package gateway

import (
	jsoniter "github.com/json-iterator/go"
)

type EventKind int

const (
	// KindDispatch carries a decoded op 0 frame.
	KindDispatch EventKind = iota
	// KindStateChange reports a session state transition.
	KindStateChange
	// KindFatal reports a shard that stopped for good, with Err set.
	KindFatal
)

func (k EventKind) String() string {
	switch k {
	case KindDispatch:
		return "dispatch"
	case KindStateChange:
		return "state"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Event is what a Manager delivers to its consumer. Events of one shard
// arrive in the order that shard produced them.
type Event struct {
	Kind  EventKind
	Shard int

	// dispatch
	Name     string
	Sequence int64
	Data     jsoniter.RawMessage

	// state change
	State State
	From  State

	Err error
}

// Decode unmarshals a dispatch payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

package core

// IEvent is anything a session's event loop can dispatch on.
type IEvent interface {
	GetId() string // Stable identifier of the event kind, e.g. "channel.media".
}

package resource

// Handle is the descriptor a guest uses to name a table entry.
// Handle 0 is reserved and always invalid.
type Handle uint32

// EventType distinguishes table notifications.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDropped
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Event reports an entry entering or leaving a table.
type Event[T any] struct {
	Value  T
	Handle Handle
	Type   EventType
}

// Observer receives table events. Observers run outside the table lock
// on the goroutine that changed the table.
type Observer[T any] interface {
	OnTableEvent(Event[T])
}

// Releaser is implemented by values that own an OS resource or an
// in-flight usercall. Release is called once, when the value leaves the
// table by Remove, Clear or Close.
type Releaser interface {
	Release()
}

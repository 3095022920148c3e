package broadcast

// Phase is the lifecycle position of a broadcast or listen session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseLive       Phase = "live"
	PhaseEnded      Phase = "ended"
)

// State is the externally visible session snapshot. Mutated only by the
// owning state machine; consumers get copies.
type State struct {
	Phase           Phase `json:"phase"`
	DurationSeconds int64 `json:"durationSeconds"`
	ListenerCount   int   `json:"listenerCount"`
	Muted           bool  `json:"muted"`
}

// Notifier receives session callbacks. Implementations must be quick;
// callbacks are invoked from session goroutines.
type Notifier interface {
	StateChanged(state State)
	SessionError(err error)
	// StreamEnded fires when the server declares the room over, with the
	// final listener count it reported.
	StreamEnded(finalListenerCount int)
}

// NopNotifier discards every callback.
type NopNotifier struct{}

func (NopNotifier) StateChanged(State) {}
func (NopNotifier) SessionError(error) {}
func (NopNotifier) StreamEnded(int)    {}

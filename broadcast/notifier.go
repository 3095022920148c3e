package broadcast

import (
	"github.com/minbarhq/minbar-live/internal/log"
)

// logNotifier reports session activity to the log. Used by the daemons,
// where the status endpoint is the queryable surface and the log is the
// push surface.
type logNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) Notifier {
	return &logNotifier{logger: logger}
}

func (n *logNotifier) StateChanged(state State) {
	n.logger.Info("session state",
		log.String("phase", string(state.Phase)),
		log.Int64("durationSeconds", state.DurationSeconds),
		log.Int("listeners", state.ListenerCount),
		log.Bool("muted", state.Muted))
}

func (n *logNotifier) SessionError(err error) {
	n.logger.Error("session error", log.Error(err))
}

func (n *logNotifier) StreamEnded(finalListenerCount int) {
	n.logger.Info("stream ended by server",
		log.Int("finalListeners", finalListenerCount))
}

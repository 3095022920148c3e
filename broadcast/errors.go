package broadcast

import "github.com/minbarhq/minbar-live/internal/errors"

// Session error taxonomy. Each start() failure surfaces exactly one of
// these so operators can tell a device problem from a gateway problem.
const (
	ErrMicrophoneDenied       errors.Code = "microphone permission denied"
	ErrSignalingConnectFailed errors.Code = "signaling connect failed"
	ErrPluginAttachFailed     errors.Code = "plugin attach failed"
	ErrOfferFailed            errors.Code = "sdp offer failed"
	ErrAnswerFailed           errors.Code = "sdp answer failed"
	ErrPublishRejected        errors.Code = "publish rejected"
	ErrEndStreamFailed        errors.Code = "end stream failed"
	ErrAlreadyStarted         errors.Code = "session already started"
	ErrNotLive                errors.Code = "session not live"
)

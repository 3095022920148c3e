package signaling

import "github.com/minbarhq/minbar-live/internal/errors"

const (
	ErrInitFailed    errors.Code = "signaling init failed"
	ErrConnectFailed errors.Code = "signaling connect failed"
	ErrAttachFailed  errors.Code = "plugin attach failed"
	ErrRequestFailed errors.Code = "signaling request failed"
	ErrEventTimeout  errors.Code = "signaling event timeout"
	ErrClosed        errors.Code = "signaling connection closed"
)

var errNilResponse = errors.New(ErrRequestFailed, "gateway response is nil")

func newGatewayError(code int, reason string) error {
	return errors.Newf(ErrRequestFailed, "gateway error %d: %s", code, reason)
}

func newUnexpectedResponse(janus string) error {
	return errors.Newf(ErrRequestFailed, "unexpected gateway response %q", janus)
}

package bridge

import (
	"errors"
	"net/http"

	"github.com/TomazMarques001/Estufa-project/internal/pkg/regmap"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/scheduler"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/transport"
)

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// errorKind maps the error taxonomy onto HTTP status codes and the failure
// kind named in the structured error body.
func errorKind(err error) (int, string) {
	switch {
	case errors.Is(err, regmap.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, regmap.ErrRange):
		return http.StatusBadRequest, "RangeError"
	case errors.Is(err, regmap.ErrTypeMismatch):
		return http.StatusBadRequest, "TypeMismatch"
	case errors.Is(err, regmap.ErrReadOnly):
		return http.StatusBadRequest, "ReadOnly"
	case errors.Is(err, scheduler.ErrOverloaded):
		return http.StatusServiceUnavailable, "Overloaded"
	case errors.Is(err, scheduler.ErrShuttingDown):
		return http.StatusServiceUnavailable, "ShuttingDown"
	case errors.Is(err, scheduler.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout, "DeadlineExceeded"
	case errors.Is(err, transport.ErrTimeout):
		return http.StatusGatewayTimeout, "TimeoutError"
	case errors.Is(err, transport.ErrNotConnected):
		return http.StatusBadGateway, "NotConnectedError"
	case errors.Is(err, scheduler.ErrDeviceUnavailable):
		return http.StatusBadGateway, "DeviceUnavailable"
	case errors.Is(err, transport.ErrException):
		return http.StatusBadGateway, "DeviceUnavailable"
	case errors.Is(err, transport.ErrLink):
		return http.StatusBadGateway, "LinkError"
	}
	return http.StatusInternalServerError, "InternalError"
}

func (b *Bridge) writeError(w http.ResponseWriter, err error) {
	status, kind := errorKind(err)
	if status >= http.StatusInternalServerError {
		b.health.ReportError("bridge", err)
	}
	writeJSON(w, status, errorBody{Error: kind, Detail: err.Error()})
}

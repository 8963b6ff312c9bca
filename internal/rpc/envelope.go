package rpc

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wasmatrix/wasmatrix/internal/apierr"
	"github.com/wasmatrix/wasmatrix/internal/wire"
)

// WriteOK writes a successful wire.Response, echoing the caller's
// request ID (empty if the caller sent none).
func WriteOK(c *gin.Context, requestID string, payload interface{}) {
	c.JSON(http.StatusOK, wire.Response{
		Version:   wire.CurrentVersion,
		RequestID: requestID,
		OK:        true,
		Payload:   payload,
	})
}

// WriteError writes err as a wire.Response using apierr's taxonomy
// (SPEC_FULL §7): clients key on Code alone, so any error not already
// an *apierr.Error is reported with Code InternalError. Message is
// err.Error() for every error, classified or not.
func WriteError(c *gin.Context, requestID string, err error) {
	code := apierr.CodeOf(err)
	c.JSON(apierr.HTTPStatus(code), wire.Response{
		Version:   wire.CurrentVersion,
		RequestID: requestID,
		OK:        false,
		Error: &wire.ErrorDetail{
			Code:      string(code),
			Message:   err.Error(),
			Timestamp: time.Now(),
		},
	})
}

// RequestID extracts the caller-supplied request ID header, used so
// a response can echo it per the envelope contract (SPEC_FULL §6).
func RequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return ""
}

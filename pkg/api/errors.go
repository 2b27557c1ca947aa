package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// MapError translates an error into an HTTP status and response body.
// Errors that are not classified broker errors become 500 with a generic
// message.
func MapError(err error) (int, ErrorBody) {
	var be *engine.BrokerError
	if !errors.As(err, &be) {
		return http.StatusInternalServerError, ErrorBody{Code: engine.ErrCodeInternal, Message: "internal error"}
	}

	body := ErrorBody{Code: be.Code, Message: be.Message, Details: be.Details}
	if body.Code == "" {
		body.Code = engine.ErrCodeInternal
	}

	switch {
	case engine.IsValidation(err):
		return http.StatusBadRequest, body
	case engine.IsAuthorization(err):
		return http.StatusForbidden, body
	case engine.IsNotFound(err):
		return http.StatusNotFound, body
	case engine.IsConflict(err), engine.IsSagaFailure(err):
		return http.StatusConflict, body
	default:
		return http.StatusInternalServerError, ErrorBody{Code: engine.ErrCodeInternal, Message: "internal error"}
	}
}

// abortWithError writes the mapped error and stops the handler chain.
func abortWithError(c *gin.Context, logger *telemetry.Logger, err error) {
	status, body := MapError(err)
	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorBody{Code: engine.ErrCodeValidation, Message: message})
}

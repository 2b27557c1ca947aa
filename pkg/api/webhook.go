package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/orderbroker/pkg/deployers/executor"
	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// HeaderCallbackToken carries the executor's shared token when it does not
// send an Authorization header.
const HeaderCallbackToken = "X-Callback-Token"

// WebhookController receives executor results.
type WebhookController struct {
	results  ResultReporter
	verifier *executor.TokenVerifier
	logger   *telemetry.Logger
}

// NewWebhookController creates the webhook controller. A nil verifier accepts
// every callback.
func NewWebhookController(results ResultReporter, verifier *executor.TokenVerifier, logger *telemetry.Logger) *WebhookController {
	return &WebhookController{results: results, verifier: verifier, logger: logger}
}

func (w *WebhookController) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/:identity/:orderId", w.Receive)
}

// Receive applies one executor result. Duplicate and late results are
// acknowledged with 200 so the executor stops retrying.
func (w *WebhookController) Receive(c *gin.Context) {
	identity := executor.Identity(c.Param("identity"))
	if err := identity.Validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorBody{Code: engine.ErrCodeNotFound, Message: err.Error()})
		return
	}
	if !w.verifier.Verify(callbackToken(c)) {
		unauthorized(c, "invalid callback token")
		return
	}

	var payload executor.ResultPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "invalid result payload: "+err.Error())
		return
	}
	res, err := payload.ToResult(c.Param("orderId"))
	if err != nil {
		abortWithError(c, w.logger, err)
		return
	}

	out, err := w.results.ReportResult(c.Request.Context(), res)
	if err != nil {
		abortWithError(c, w.logger, err)
		return
	}

	w.logger.WithOrderID(res.OrderID).
		WithField("identity", identity).
		WithField("outcome", out.Outcome).
		Debug("executor result received")
	c.JSON(http.StatusOK, gin.H{
		"orderId": res.OrderID,
		"outcome": out.Outcome,
		"status":  out.Order.Status,
	})
}

func callbackToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return c.GetHeader(HeaderCallbackToken)
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/stores"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// CreateOrderRequest is the body of POST /api/orders.
type CreateOrderRequest struct {
	Type    engine.TaskType `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// StatusResponse is returned by the long poll endpoints.
type StatusResponse struct {
	ID      string `json:"id"`
	Value   string `json:"value"`
	Changed bool   `json:"changed"`
}

// OrderController serves the order ledger.
type OrderController struct {
	orders      Orders
	waiter      Waiter
	defaultWait time.Duration
	logger      *telemetry.Logger
}

// NewOrderController creates the order controller.
func NewOrderController(orders Orders, waiter Waiter, defaultWait time.Duration, logger *telemetry.Logger) *OrderController {
	return &OrderController{orders: orders, waiter: waiter, defaultWait: defaultWait, logger: logger}
}

func (o *OrderController) RegisterRoutes(r *gin.RouterGroup) {
	orders := r.Group("/orders")
	orders.POST("", o.Create)
	orders.GET("", o.List)
	orders.GET("/:id", o.Get)
	orders.DELETE("/:id", o.Delete)
	orders.GET("/:id/status", o.AwaitStatus)
}

// Create admits an order. The response only means the order was accepted;
// its outcome is observed through the status endpoints.
func (o *OrderController) Create(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid order request: "+err.Error())
		return
	}

	ref, err := o.orders.CreateOrder(c.Request.Context(), &engine.OrderRequest{
		Type:    req.Type,
		Payload: req.Payload,
	})
	if err != nil {
		abortWithError(c, o.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, ref)
}

func (o *OrderController) Get(c *gin.Context) {
	order, err := o.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, o.logger, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// List filters by deploymentId, parentOrderId, taskType and status.
func (o *OrderController) List(c *gin.Context) {
	limit, offset, ok := pageOf(c)
	if !ok {
		return
	}
	filter := stores.OrderFilter{
		DeploymentID:  c.Query("deploymentId"),
		ParentOrderID: c.Query("parentOrderId"),
		TaskType:      engine.TaskType(c.Query("taskType")),
		Status:        engine.TaskStatus(c.Query("status")),
		Limit:         limit,
		Offset:        offset,
	}
	if filter.TaskType != "" {
		if err := filter.TaskType.Validate(); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	orders, err := o.orders.ListOrders(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, o.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (o *OrderController) Delete(c *gin.Context) {
	if err := o.orders.DeleteOrder(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, o.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AwaitStatus long polls the order status. The client passes the last value
// it saw in "last" and a budget in "timeout".
func (o *OrderController) AwaitStatus(c *gin.Context) {
	timeout, ok := waitBudget(c, o.defaultWait)
	if !ok {
		return
	}
	id := c.Param("id")
	last := engine.TaskStatus(c.Query("last"))

	status, err := o.waiter.AwaitOrderStatus(c.Request.Context(), id, last, timeout)
	if err != nil {
		abortWithError(c, o.logger, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{ID: id, Value: string(status), Changed: status != last})
}

// pageOf parses limit and offset. It writes a 400 and returns false when
// either is malformed.
func pageOf(c *gin.Context) (int, int, bool) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		badRequest(c, "limit must be a non-negative integer")
		return 0, 0, false
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		badRequest(c, "offset must be a non-negative integer")
		return 0, 0, false
	}
	return limit, offset, true
}

// waitBudget parses the timeout parameter as a Go duration or whole seconds.
func waitBudget(c *gin.Context, def time.Duration) (time.Duration, bool) {
	raw := c.Query("timeout")
	if raw == "" {
		return def, true
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		badRequest(c, "timeout must be a duration such as 30s")
		return 0, false
	}
	return d, true
}

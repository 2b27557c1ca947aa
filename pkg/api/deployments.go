package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/stores"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// DeploymentController serves deployment state and order history.
type DeploymentController struct {
	orders      Orders
	waiter      Waiter
	defaultWait time.Duration
	logger      *telemetry.Logger
}

// NewDeploymentController creates the deployment controller.
func NewDeploymentController(orders Orders, waiter Waiter, defaultWait time.Duration, logger *telemetry.Logger) *DeploymentController {
	return &DeploymentController{orders: orders, waiter: waiter, defaultWait: defaultWait, logger: logger}
}

func (d *DeploymentController) RegisterRoutes(r *gin.RouterGroup) {
	deployments := r.Group("/deployments")
	deployments.GET("/:id", d.Get)
	deployments.GET("/:id/state", d.AwaitState)
	deployments.GET("/:id/orders", d.ListOrders)
	deployments.DELETE("/:id/orders", d.DeleteOrders)
}

func (d *DeploymentController) Get(c *gin.Context) {
	dep, err := d.orders.GetDeployment(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, d.logger, err)
		return
	}
	c.JSON(http.StatusOK, dep)
}

// AwaitState long polls the deployment state.
func (d *DeploymentController) AwaitState(c *gin.Context) {
	timeout, ok := waitBudget(c, d.defaultWait)
	if !ok {
		return
	}
	id := c.Param("id")
	last := engine.DeploymentState(c.Query("last"))

	state, err := d.waiter.AwaitDeploymentState(c.Request.Context(), id, last, timeout)
	if err != nil {
		abortWithError(c, d.logger, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{ID: id, Value: string(state), Changed: state != last})
}

func (d *DeploymentController) ListOrders(c *gin.Context) {
	limit, offset, ok := pageOf(c)
	if !ok {
		return
	}
	orders, err := d.orders.ListOrders(c.Request.Context(), stores.OrderFilter{
		DeploymentID: c.Param("id"),
		TaskType:     engine.TaskType(c.Query("taskType")),
		Status:       engine.TaskStatus(c.Query("status")),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		abortWithError(c, d.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// DeleteOrders removes the terminal order history of an idle deployment.
func (d *DeploymentController) DeleteOrders(c *gin.Context) {
	n, err := d.orders.DeleteOrdersByDeployment(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, d.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

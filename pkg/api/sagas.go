package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/stores"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// SagaController exposes saga records and operator decisions.
type SagaController struct {
	sagas  Sagas
	logger *telemetry.Logger
}

// NewSagaController creates the saga controller.
func NewSagaController(sagas Sagas, logger *telemetry.Logger) *SagaController {
	return &SagaController{sagas: sagas, logger: logger}
}

func (s *SagaController) RegisterRoutes(r *gin.RouterGroup) {
	sagas := r.Group("/sagas")
	sagas.GET("", s.List)
	sagas.GET("/:id", s.Get)
	sagas.POST("/:id/retry", s.Retry)
	sagas.POST("/:id/close", s.Close)
}

// List filters by kind and status. Operators pass status=AWAITING_DECISION
// to find failed tasks.
func (s *SagaController) List(c *gin.Context) {
	limit, offset, ok := pageOf(c)
	if !ok {
		return
	}
	filter := stores.SagaFilter{
		Kind:   engine.TaskType(c.Query("kind")),
		Status: engine.SagaStatus(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	}
	if filter.Kind != "" && !filter.Kind.IsSaga() {
		badRequest(c, "kind must be one of RECREATE, MIGRATE, PORT")
		return
	}

	sagas, err := s.sagas.Query(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sagas": sagas, "count": len(sagas)})
}

func (s *SagaController) Get(c *gin.Context) {
	detail, err := s.sagas.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *SagaController) Retry(c *gin.Context) {
	sg, err := s.sagas.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, sg)
}

func (s *SagaController) Close(c *gin.Context) {
	sg, err := s.sagas.Close(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, sg)
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tracelab/webhooks/internal/webhook"
)

type DeliveryHandler struct {
	svc *webhook.Service
}

func NewDeliveryHandler(svc *webhook.Service) *DeliveryHandler {
	return &DeliveryHandler{svc: svc}
}

func (h *DeliveryHandler) Get(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid delivery id")
		return
	}

	d, err := h.svc.GetDelivery(c.Request.Context(), caller, id)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *DeliveryHandler) Retry(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid delivery id")
		return
	}

	// The retry runs synchronously; the dispatch outcome lands on the
	// returned record, not in the status code.
	d, err := h.svc.RetryDelivery(c.Request.Context(), caller, id)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

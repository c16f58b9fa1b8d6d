package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tracelab/webhooks/internal/webhook"
)

type SubscriptionHandler struct {
	svc *webhook.Service
}

func NewSubscriptionHandler(svc *webhook.Service) *SubscriptionHandler {
	return &SubscriptionHandler{svc: svc}
}

type createSubscriptionRequest struct {
	URL             string            `json:"url"`
	Events          []string          `json:"events"`
	Description     string            `json:"description,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	TransformScript *string           `json:"transform_script,omitempty"`
}

type updateSubscriptionRequest struct {
	URL             *string           `json:"url,omitempty"`
	Events          []string          `json:"events,omitempty"`
	Description     *string           `json:"description,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	IsActive        *bool             `json:"is_active,omitempty"`
	TransformScript *string           `json:"transform_script,omitempty"`
}

func (h *SubscriptionHandler) Create(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}

	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	sub, secret, err := h.svc.Create(c.Request.Context(), caller, webhook.CreateInput{
		URL:             req.URL,
		Events:          req.Events,
		Description:     req.Description,
		Headers:         req.Headers,
		TransformScript: req.TransformScript,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	// The secret is returned exactly once.
	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       secret,
	})
}

func (h *SubscriptionHandler) List(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}

	var organizationID *uuid.UUID
	if v := c.Query("organization_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.String(http.StatusBadRequest, "invalid organization_id")
			return
		}
		organizationID = &id
	}

	subs, err := h.svc.List(c.Request.Context(), caller, organizationID)
	if err != nil {
		renderError(c, err)
		return
	}
	if subs == nil {
		c.Data(http.StatusOK, "application/json", []byte("[]"))
		return
	}
	c.JSON(http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid subscription id")
		return
	}

	sub, err := h.svc.Get(c.Request.Context(), caller, id)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *SubscriptionHandler) Update(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid subscription id")
		return
	}

	var req updateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.svc.Update(c.Request.Context(), caller, id, webhook.UpdateInput{
		URL:             req.URL,
		Events:          req.Events,
		Description:     req.Description,
		Headers:         req.Headers,
		IsActive:        req.IsActive,
		TransformScript: req.TransformScript,
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *SubscriptionHandler) Delete(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid subscription id")
		return
	}

	if err := h.svc.Delete(c.Request.Context(), caller, id); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SubscriptionHandler) RegenerateSecret(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid subscription id")
		return
	}

	secret, err := h.svc.RegenerateSecret(c.Request.Context(), caller, id)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"secret": secret})
}

func (h *SubscriptionHandler) Test(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid subscription id")
		return
	}

	// An unreachable endpoint is an expected outcome, reported in the result
	// payload rather than as an error status.
	res, err := h.svc.TestSubscription(c.Request.Context(), caller, id)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *SubscriptionHandler) ListDeliveries(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid subscription id")
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	deliveries, err := h.svc.ListDeliveries(c.Request.Context(), caller, id, limit)
	if err != nil {
		renderError(c, err)
		return
	}
	if deliveries == nil {
		c.Data(http.StatusOK, "application/json", []byte("[]"))
		return
	}
	c.JSON(http.StatusOK, deliveries)
}

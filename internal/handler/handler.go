package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tracelab/webhooks/internal/model"
	"github.com/tracelab/webhooks/internal/webhook"
)

// callerFrom reads the caller identity injected by the upstream auth layer.
func callerFrom(c *gin.Context) (model.Owner, error) {
	var owner model.Owner
	if v := c.GetHeader("X-User-ID"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return model.Owner{}, errors.New("invalid X-User-ID header")
		}
		owner.UserID = &id
	}
	if v := c.GetHeader("X-Organization-ID"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return model.Owner{}, errors.New("invalid X-Organization-ID header")
		}
		owner.OrganizationID = &id
	}
	return owner, nil
}

// requireCaller rejects requests without a usable caller identity: 400 for a
// malformed header, 401 when none is supplied at all.
func requireCaller(c *gin.Context) (model.Owner, bool) {
	owner, err := callerFrom(c)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return model.Owner{}, false
	}
	if owner.Empty() {
		c.String(http.StatusUnauthorized, "caller identity required")
		return model.Owner{}, false
	}
	return owner, true
}

// Routes registers the webhook API.
func Routes(r *gin.Engine, svc *webhook.Service) {
	subH := NewSubscriptionHandler(svc)
	delH := NewDeliveryHandler(svc)

	api := r.Group("/api")
	{
		hooks := api.Group("/webhooks")
		{
			hooks.GET("", subH.List)
			hooks.POST("", subH.Create)
			hooks.GET("/:id", subH.Get)
			hooks.PATCH("/:id", subH.Update)
			hooks.DELETE("/:id", subH.Delete)
			hooks.POST("/:id/secret", subH.RegenerateSecret)
			hooks.POST("/:id/test", subH.Test)
			hooks.GET("/:id/deliveries", subH.ListDeliveries)
		}
		deliveries := api.Group("/deliveries")
		{
			deliveries.GET("/:id", delH.Get)
			deliveries.POST("/:id/retry", delH.Retry)
		}
	}
}

func renderError(c *gin.Context, err error) {
	var ve *webhook.ValidationError
	switch {
	case errors.As(err, &ve):
		c.String(http.StatusBadRequest, ve.Error())
	case errors.Is(err, webhook.ErrNotFound):
		c.String(http.StatusNotFound, "not found")
	case errors.Is(err, webhook.ErrPermissionDenied):
		c.String(http.StatusForbidden, "permission denied")
	case errors.Is(err, webhook.ErrSubscriptionDisabled):
		c.String(http.StatusConflict, "subscription is disabled")
	case errors.Is(err, webhook.ErrRetriesExhausted):
		c.String(http.StatusConflict, "retry attempts exhausted")
	default:
		slog.Error("request failed", "error", err, "path", c.FullPath())
		c.String(http.StatusInternalServerError, "internal error")
	}
}

package notification

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pulseiq/portal/internal/platform/auth"
	"github.com/pulseiq/portal/pkg/pagination"
	"github.com/pulseiq/portal/pkg/portalmodels"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	feed := g.Group("/notifications", auth.RequireRole(portalmodels.RoleDoctor, portalmodels.RolePatient))
	feed.GET("", h.List)
	feed.GET("/unread/count", h.UnreadCount)
	feed.PUT("/read-all", h.MarkAllRead)
	feed.PUT("/:id/read", h.MarkRead)
	feed.DELETE("", h.Clear)

	events := g.Group("/events", auth.RequireRole(portalmodels.RoleTechnician, portalmodels.RoleDoctor))
	events.POST("/test-upload", h.TestUpload)
}

// currentFeed resolves the caller's feed from the bearer identity.
func (h *Handler) currentFeed(c echo.Context) (*Feed, error) {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	recipientType, ok := auth.RecipientType(auth.RoleFromContext(ctx))
	if !ok {
		return nil, echo.NewHTTPError(http.StatusForbidden, "notifications are only kept for doctors and patients")
	}
	f, err := h.svc.Feed(ctx, userID, recipientType)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return f, nil
}

func (h *Handler) List(c echo.Context) error {
	f, err := h.currentFeed(c)
	if err != nil {
		return err
	}
	if c.QueryParam("refresh") == "true" {
		if err := f.Load(c.Request().Context()); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	items := f.Items()
	if c.QueryParam("unread") == "true" {
		unread := items[:0]
		for _, n := range items {
			if !n.Read {
				unread = append(unread, n)
			}
		}
		items = unread
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) UnreadCount(c echo.Context) error {
	f, err := h.currentFeed(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"unreadCount": f.UnreadCount()})
}

func (h *Handler) MarkRead(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid notification id")
	}
	f, err := h.currentFeed(c)
	if err != nil {
		return err
	}
	if err := f.MarkOne(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"unreadCount": f.UnreadCount()})
}

func (h *Handler) MarkAllRead(c echo.Context) error {
	f, err := h.currentFeed(c)
	if err != nil {
		return err
	}
	if err := f.MarkAll(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"unreadCount": 0})
}

func (h *Handler) Clear(c echo.Context) error {
	f, err := h.currentFeed(c)
	if err != nil {
		return err
	}
	if err := f.Clear(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) TestUpload(c echo.Context) error {
	var ev UploadEvent
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := ev.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	batch, err := h.svc.Publisher().PublishUpload(c.Request().Context(), ev)
	if err != nil {
		if errors.Is(err, ErrInvalidRecipient) || errors.Is(err, ErrInvalidType) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, batch)
}

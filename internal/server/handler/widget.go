package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/amoylab/fleetstate/internal/common/errorx"
	"github.com/amoylab/fleetstate/internal/state"
)

// WidgetTokenHeader carries the connection token checked by HandleVerify
const WidgetTokenHeader = "X-Widget-Token"

// WidgetHandler serves read-only views over widgets and their connections
type WidgetHandler struct {
	state  *state.Context
	errors *errorx.ErrorHandler
}

// NewWidgetHandler creates a new widget handler
func NewWidgetHandler(sc *state.Context, errs *errorx.ErrorHandler) *WidgetHandler {
	return &WidgetHandler{
		state:  sc,
		errors: errs,
	}
}

// HandleList returns the active widget index
func (h *WidgetHandler) HandleList(c *gin.Context) {
	ids, err := h.state.Widgets().ListActive(c.Request.Context())
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"widgets": ids,
		"count":   len(ids),
	})
}

// HandleContent serves the widget HTML as is
func (h *WidgetHandler) HandleContent(c *gin.Context) {
	id := c.Param("id")
	html, ok, err := h.state.Widgets().GetHTML(c.Request.Context(), id)
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	if !ok {
		h.errors.HandleError(c, errorx.NotFoundError("widget", id))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}

// HandleOwner returns the connection record of the worker serving the widget
func (h *WidgetHandler) HandleOwner(c *gin.Context) {
	id := c.Param("id")
	info, err := h.state.Connections().Get(c.Request.Context(), id)
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	if info == nil {
		h.errors.HandleError(c, errorx.NotFoundError("connection", id))
		return
	}
	c.JSON(http.StatusOK, info)
}

// HandleVerify checks the connection token sent in the X-Widget-Token header.
// A signed token must also carry the widget id when token signing is enabled.
func (h *WidgetHandler) HandleVerify(c *gin.Context) {
	id := c.Param("id")
	token := c.GetHeader(WidgetTokenHeader)
	if token == "" {
		h.errors.HandleError(c, errorx.ErrMissingToken)
		return
	}

	if tokens := h.state.Tokens(); tokens != nil {
		if _, err := tokens.ValidateWidgetToken(token, id); err != nil {
			h.errors.HandleError(c, errorx.ErrInvalidToken.WithDetail("reason", err.Error()))
			return
		}
	}

	ok, err := h.state.Widgets().VerifyToken(c.Request.Context(), id, token)
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	if !ok {
		h.errors.HandleError(c, errorx.ErrInvalidToken.WithDetail("widget_id", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":     true,
		"widget_id": id,
	})
}

// HandleWorkerConnections lists the widgets a worker currently serves
func (h *WidgetHandler) HandleWorkerConnections(c *gin.Context) {
	workerID := c.Param("id")
	ids, err := h.state.Connections().ListWorker(c.Request.Context(), workerID)
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"worker_id": workerID,
		"widgets":   ids,
	})
}

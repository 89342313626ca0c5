package task

import (
	"net/http"

	"colony-tasks/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the task API on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/v1")

	tasks := v1.Group("/tasks")
	tasks.POST("", h.enqueue)
	tasks.GET("", h.list)
	tasks.GET("/stats", h.stats)
	tasks.GET("/stale", h.stale)
	tasks.POST("/claim", h.claim)
	tasks.GET("/:id", h.get)
	tasks.POST("/:id/heartbeat", h.heartbeat)
	tasks.POST("/:id/complete", h.complete)
	tasks.POST("/:id/fail", h.fail)
	tasks.POST("/:id/await-external", h.awaitExternal)

	external := v1.Group("/external/:external_request_id")
	external.POST("/complete", h.completeExternal)
	external.POST("/fail", h.failExternal)

	v1.POST("/admin/sweep", h.sweep)
}

type workerRequest struct {
	WorkerID string `json:"worker_id"`
}

type completeRequest struct {
	WorkerID string         `json:"worker_id"`
	Result   map[string]any `json:"result"`
}

type failRequest struct {
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
}

type awaitExternalRequest struct {
	WorkerID          string `json:"worker_id"`
	ExternalRequestID string `json:"external_request_id"`
}

type externalCompleteRequest struct {
	Result map[string]any `json:"result"`
}

type externalFailRequest struct {
	Error string `json:"error"`
}

type AcceptedResponse struct {
	Accepted bool `json:"accepted"`
}

type EnqueueResponse struct {
	ID string `json:"id"`
}

// ClaimResponse is the claimed task plus how often its worker should
// heartbeat.
type ClaimResponse struct {
	*Task
	HeartbeatIntervalMs int64 `json:"heartbeat_interval_ms"`
}

type ListResponse struct {
	Tasks      []*Task `json:"tasks"`
	NextCursor string  `json:"next_cursor,omitempty"`
	HasMore    bool    `json:"has_more"`
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return false
	}
	return true
}

func accepted(c *gin.Context, ok bool, err error) {
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, AcceptedResponse{Accepted: false})
		return
	}
	c.JSON(http.StatusOK, AcceptedResponse{Accepted: true})
}

func (h *Handler) enqueue(c *gin.Context) {
	var req EnqueueRequest
	if !bind(c, &req) {
		return
	}
	id, err := h.svc.Enqueue(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, EnqueueResponse{ID: id})
}

func (h *Handler) list(c *gin.Context) {
	var f ListFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}
	tasks, page, err := h.svc.List(c.Request.Context(), f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{Tasks: tasks, NextCursor: page.NextCursor, HasMore: page.HasMore})
}

func (h *Handler) stats(c *gin.Context) {
	out, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": out})
}

func (h *Handler) stale(c *gin.Context) {
	out, err := h.svc.Stale(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

func (h *Handler) get(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) claim(c *gin.Context) {
	var req workerRequest
	if !bind(c, &req) {
		return
	}
	t, err := h.svc.Claim(c.Request.Context(), req.WorkerID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if t == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, ClaimResponse{
		Task:                t,
		HeartbeatIntervalMs: h.svc.HeartbeatInterval(t.Command).Milliseconds(),
	})
}

func (h *Handler) heartbeat(c *gin.Context) {
	var req workerRequest
	if !bind(c, &req) {
		return
	}
	ok, err := h.svc.Heartbeat(c.Request.Context(), c.Param("id"), req.WorkerID)
	accepted(c, ok, err)
}

func (h *Handler) complete(c *gin.Context) {
	var req completeRequest
	if !bind(c, &req) {
		return
	}
	ok, err := h.svc.Complete(c.Request.Context(), c.Param("id"), req.WorkerID, req.Result)
	accepted(c, ok, err)
}

func (h *Handler) fail(c *gin.Context) {
	var req failRequest
	if !bind(c, &req) {
		return
	}
	ok, err := h.svc.Fail(c.Request.Context(), c.Param("id"), req.WorkerID, req.Error)
	accepted(c, ok, err)
}

func (h *Handler) awaitExternal(c *gin.Context) {
	var req awaitExternalRequest
	if !bind(c, &req) {
		return
	}
	ok, err := h.svc.MarkAwaitingExternal(c.Request.Context(), c.Param("id"), req.WorkerID, req.ExternalRequestID)
	accepted(c, ok, err)
}

func (h *Handler) completeExternal(c *gin.Context) {
	var req externalCompleteRequest
	if !bind(c, &req) {
		return
	}
	ok, err := h.svc.CompleteExternal(c.Request.Context(), c.Param("external_request_id"), req.Result)
	accepted(c, ok, err)
}

func (h *Handler) failExternal(c *gin.Context) {
	var req externalFailRequest
	if !bind(c, &req) {
		return
	}
	ok, err := h.svc.FailExternal(c.Request.Context(), c.Param("external_request_id"), req.Error)
	accepted(c, ok, err)
}

func (h *Handler) sweep(c *gin.Context) {
	res, err := h.svc.Sweep(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

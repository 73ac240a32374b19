package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/statusflow/statusflow/pkg/resource"
)

// putResourceRequest seeds a resource at a caller-chosen id.
type putResourceRequest struct {
	Kind         string `json:"kind" binding:"required"`
	Status       string `json:"status" binding:"required"`
	StatusDetail string `json:"statusDetail"`
}

// patchResourceRequest carries the minimal change-status body: the requested
// status plus any effect parameters.
type patchResourceRequest struct {
	Status string         `json:"status" binding:"required"`
	Params map[string]any `json:"params"`
}

// changeRequestBody is the explicit change-request form. Unlike PATCH it keeps
// parameters at the top level next to the requested status.
type changeRequestBody struct {
	Status string         `json:"status" binding:"required"`
	Params map[string]any `json:"params"`
}

// asyncAccepted is the 202 body referencing the created operation.
type asyncAccepted struct {
	Operation operationRef `json:"operation"`
	Status    string       `json:"status"`
}

type operationRef struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	CreatedAt string `json:"createdAt"`
}

func (s *Server) handleListResources(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)

	list, err := s.engine.ListResources(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resources": list, "count": len(list)})
}

func (s *Server) handlePutResource(c *gin.Context) {
	var req putResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}

	r, err := s.engine.CreateResource(c.Request.Context(), c.Param("id"), req.Kind, resource.Status(req.Status), req.StatusDetail)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (s *Server) handleGetResource(c *gin.Context) {
	r, err := s.engine.GetResource(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) handlePatchResource(c *gin.Context) {
	var req patchResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	s.applyChange(c, c.Param("id"), resource.Status(req.Status), req.Params)
}

func (s *Server) handleChangeRequest(c *gin.Context) {
	var req changeRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	s.applyChange(c, c.Param("id"), resource.Status(req.Status), req.Params)
}

// applyChange runs the change through the engine and renders either the
// synchronous 200 resource or the asynchronous 202 operation reference with
// its Operation-Location header.
func (s *Server) applyChange(c *gin.Context, id string, requested resource.Status, params map[string]any) {
	result, err := s.engine.RequestChange(c.Request.Context(), id, requested, params)
	if err != nil {
		writeError(c, err)
		return
	}

	if !result.Async {
		c.JSON(http.StatusOK, result.Resource)
		return
	}

	c.Header("Operation-Location", fmt.Sprintf("/api/v1/operations/%s", result.Operation.ID))
	c.JSON(http.StatusAccepted, asyncAccepted{
		Operation: operationRef{
			ID:        result.Operation.ID,
			State:     string(result.Operation.State),
			CreatedAt: result.Operation.CreatedAt.Format(time.RFC3339),
		},
		Status: string(result.Resource.Status),
	})
}

func (s *Server) handleGetOperation(c *gin.Context) {
	op, err := s.engine.Tracker().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (s *Server) handleListResourceOperations(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.engine.GetResource(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}

	ops, err := s.store.ListOperationsByResource(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops, "count": len(ops)})
}

func (s *Server) handleListResourceEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.engine.GetResource(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}

	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	events, err := s.store.ListEvents(c.Request.Context(), &id, nil, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/dagheal/services/scheduler/builder"
	"github.com/AleutianAI/dagheal/services/scheduler/graph"
	"github.com/AleutianAI/dagheal/services/scheduler/optimizer"
	"github.com/AleutianAI/dagheal/services/scheduler/orchestrator"
)

// MaxManifestBytes bounds the body of POST /v1/manifests.
const MaxManifestBytes = 4 << 20

// Handlers contains the HTTP handlers for the scheduler.
type Handlers struct {
	orch    *orchestrator.Orchestrator
	builder *builder.Builder
	logger  *slog.Logger
}

// NewHandlers creates handlers for the given orchestrator.
//
// b builds submitted manifests. If nil, a builder with default rules and
// cycle repair enabled is used.
func NewHandlers(o *orchestrator.Orchestrator, b *builder.Builder, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if b == nil {
		b = builder.New(builder.Options{AutoRepairCycles: true, Logger: logger})
	}
	return &Handlers{
		orch:    o,
		builder: b,
		logger:  logger.With(slog.String("component", "api")),
	}
}

// HandleHealth handles GET /v1/health.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	store := h.orch.Store()
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
		Nodes:   store.Len(),
		Done:    store.Done(),
	})
}

// HandleSubmitNode handles POST /v1/nodes.
//
// Description:
//
//	Adds one pending node. Dependencies must already exist.
//
// Response:
//
//	201 Created: graph.Node
//	400 Bad Request: Invalid body or unknown type
//	404 Not Found: Unknown dependency
//	409 Conflict: Node id already exists
func (h *Handlers) HandleSubmitNode(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSubmitNode")

	var req SubmitNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Code:    "INVALID_REQUEST",
			Details: err.Error(),
		})
		return
	}

	if err := h.orch.Submit(c.Request.Context(), req.Node()); err != nil {
		h.writeError(c, logger, err)
		return
	}

	n, _ := h.orch.Store().Get(req.ID)
	logger.Info("node submitted", slog.String("node_id", req.ID))
	c.JSON(http.StatusCreated, n)
}

// HandleGetNode handles GET /v1/nodes/:id.
//
// Response:
//
//	200 OK: orchestrator.NodeStatus
//	404 Not Found: Unknown node
func (h *Handlers) HandleGetNode(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetNode")

	st, err := h.orch.Status(c.Param("id"))
	if err != nil {
		h.writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// HandleGetGraph handles GET /v1/graph.
//
// Query Parameters:
//
//	format: "json" (default) or "yaml"
//
// Response:
//
//	200 OK: graph.Document
func (h *Handlers) HandleGetGraph(c *gin.Context) {
	doc := h.orch.ExportGraph()
	switch c.DefaultQuery("format", "json") {
	case "yaml":
		c.YAML(http.StatusOK, doc)
	case "json":
		c.JSON(http.StatusOK, doc)
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "format must be json or yaml",
			Code:  "INVALID_PARAMETER",
		})
	}
}

// HandleGetStats handles GET /v1/graph/stats.
func (h *Handlers) HandleGetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Store().Stats())
}

// HandleOptimize handles POST /v1/graph/optimize.
//
// Query Parameters:
//
//	type: Node type to re-rank (optional, all types if empty)
//
// Response:
//
//	200 OK: OptimizeResponse
//	400 Bad Request: Unknown node type
func (h *Handlers) HandleOptimize(c *gin.Context) {
	logger := h.requestLogger(c, "HandleOptimize")

	nodeType := graph.NodeType(c.Query("type"))
	if nodeType != "" && !nodeType.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "unknown node type " + string(nodeType),
			Code:  "INVALID_PARAMETER",
		})
		return
	}

	ranking, err := h.orch.Optimize(nodeType)
	if err != nil {
		h.writeError(c, logger, err)
		return
	}
	if ranking == nil {
		ranking = []optimizer.Ranked{}
	}
	c.JSON(http.StatusOK, OptimizeResponse{Ranking: ranking})
}

// HandleSubmitManifest handles POST /v1/manifests.
//
// Description:
//
//	Parses a YAML manifest, builds a plan and merges it into the graph.
//	Nodes that already exist are skipped.
//
// Response:
//
//	200 OK: ManifestResponse
//	400 Bad Request: Invalid manifest
//	413 Request Entity Too Large: Body exceeds MaxManifestBytes
//	409 Conflict: Manifest contains a cycle and repair is disabled
func (h *Handlers) HandleSubmitManifest(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSubmitManifest")

	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxManifestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("manifest too large", slog.Int64("limit_bytes", tooLarge.Limit))
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Error: "manifest exceeds size limit",
				Code:  "PAYLOAD_TOO_LARGE",
			})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "failed to read request",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	m, err := builder.ParseManifest(data)
	if err != nil {
		h.writeError(c, logger, err)
		return
	}
	plan, err := h.builder.Build(m)
	if err != nil {
		h.writeError(c, logger, err)
		return
	}
	res, err := h.orch.SubmitPlan(c.Request.Context(), plan)
	if err != nil {
		h.writeError(c, logger, err)
		return
	}

	c.JSON(http.StatusOK, ManifestResponse{
		AddedNodes:   res.AddedNodes,
		SkippedNodes: res.SkippedNodes,
		AddedEdges:   res.AddedEdges,
		RemovedEdges: plan.Removed,
		Inferred:     plan.Inferred,
	})
}

// errorStatus maps domain errors to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, graph.ErrNodeNotFound):
		return http.StatusNotFound, "NODE_NOT_FOUND"
	case errors.Is(err, graph.ErrDuplicateNode), errors.Is(err, graph.ErrDuplicateEdge):
		return http.StatusConflict, "DUPLICATE"
	case errors.Is(err, graph.ErrCycleDetected):
		return http.StatusConflict, "CYCLE_DETECTED"
	case errors.Is(err, graph.ErrInvalidInput),
		errors.Is(err, builder.ErrInvalidManifest),
		errors.Is(err, orchestrator.ErrNilNode):
		return http.StatusBadRequest, "INVALID_REQUEST"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (h *Handlers) writeError(c *gin.Context, logger *slog.Logger, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("error", err.Error()))
	} else {
		logger.Warn("request rejected", slog.String("error", err.Error()), slog.String("code", code))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return h.logger.With(
		slog.String("request_id", getOrCreateRequestID(c)),
		slog.String("handler", handler),
	)
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	if requestID := c.Writer.Header().Get("X-Request-ID"); requestID != "" {
		return requestID
	}
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

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
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/dagheal/pkg/extensions"
	"github.com/AleutianAI/dagheal/services/scheduler/telemetry"
)

// RegisterRoutes registers the scheduler endpoints with the router group.
//
// Description:
//
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	GET  /v1/health - Health check
//	POST /v1/nodes - Submit a node
//	GET  /v1/nodes/:id - Node status and execution reports
//	POST /v1/manifests - Merge a YAML manifest
//	GET  /v1/graph - Export the graph (json or yaml)
//	GET  /v1/graph/stats - Graph statistics
//	POST /v1/graph/optimize - Re-rank pending nodes
//	GET  /v1/events - WebSocket event stream
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	rg.GET("/health", handlers.HandleHealth)

	nodes := rg.Group("/nodes")
	{
		nodes.POST("", handlers.HandleSubmitNode)
		nodes.GET("/:id", handlers.HandleGetNode)
	}

	rg.POST("/manifests", handlers.HandleSubmitManifest)

	g := rg.Group("/graph")
	{
		g.GET("", handlers.HandleGetGraph)
		g.GET("/stats", handlers.HandleGetStats)
		g.POST("/optimize", handlers.HandleOptimize)
	}

	rg.GET("/events", handlers.HandleEvents)
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// ServiceName names the otelgin server spans.
	ServiceName string

	// Metrics records per-route request counts. May be nil.
	Metrics *telemetry.Metrics

	// MetricsHandler serves /metrics. Nil leaves the route unregistered.
	MetricsHandler http.Handler

	// Extensions guards /v1. Nil hooks default to allow-all no-ops.
	Extensions extensions.ServiceOptions
}

// NewRouter builds the gin engine with tracing, request metrics and all
// scheduler routes.
func NewRouter(handlers *Handlers, opts RouterOptions) *gin.Engine {
	if opts.ServiceName == "" {
		opts.ServiceName = "dagheal"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(requestMetrics(opts.Metrics))

	if opts.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	v1 := router.Group("/v1")
	v1.Use(access(opts.Extensions.WithDefaults()))
	RegisterRoutes(v1, handlers)
	return router
}

// requestMetrics counts requests by method, route template and status.
func requestMetrics(m *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Context(), c.Request.Method, route, c.Writer.Status())
	}
}

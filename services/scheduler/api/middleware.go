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
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/dagheal/pkg/extensions"
)

// userKey stores the caller's *extensions.AuthInfo on the gin context.
const userKey = "dagheal.user"

// publicRoutes skip authentication.
var publicRoutes = map[string]bool{
	"/v1/health": true,
}

// requestID sets X-Request-ID on every response, echoing the caller's
// header when present.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		getOrCreateRequestID(c)
		c.Next()
	}
}

// access authenticates, authorizes and audits /v1 requests.
//
// Description:
//
//	The token comes from "Authorization: Bearer <token>" or, for browser
//	websocket clients that cannot set headers, the access_token query
//	parameter. GET and HEAD are "read"; everything else is "write".
//	Every write, and every denied request, produces an audit event.
func access(ext extensions.ServiceOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if publicRoutes[route] {
			c.Next()
			return
		}
		start := time.Now()
		action := "write"
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			action = "read"
		}
		ctx := c.Request.Context()

		audit := func(user *extensions.AuthInfo, outcome string) {
			ev := extensions.AuditEvent{
				EventType:  "api." + action,
				Timestamp:  start.UTC(),
				UserID:     "anonymous",
				Action:     c.Request.Method,
				Resource:   route,
				ResourceID: c.Param("id"),
				Outcome:    outcome,
				RequestID:  c.Writer.Header().Get("X-Request-ID"),
				Status:     c.Writer.Status(),
				Duration:   time.Since(start),
			}
			if user != nil {
				ev.UserID = user.UserID
			}
			_ = ext.AuditLogger.Log(ctx, ev)
		}

		token := bearerToken(c)
		if token == "" && ext.AuthProvider.Required() {
			abortAccess(c, http.StatusUnauthorized, "UNAUTHORIZED", extensions.ErrUnauthorized)
			audit(nil, extensions.OutcomeDenied)
			return
		}
		user, err := ext.AuthProvider.Validate(ctx, token)
		if err != nil {
			abortAccess(c, http.StatusUnauthorized, "UNAUTHORIZED", err)
			audit(nil, extensions.OutcomeDenied)
			return
		}
		if err := ext.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{User: user, Action: action, Resource: route}); err != nil {
			abortAccess(c, http.StatusForbidden, "FORBIDDEN", err)
			audit(user, extensions.OutcomeDenied)
			return
		}

		c.Set(userKey, user)
		c.Next()

		if action == "write" {
			outcome := extensions.OutcomeSuccess
			if c.Writer.Status() >= http.StatusBadRequest {
				outcome = extensions.OutcomeFailure
			}
			audit(user, outcome)
		}
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return c.Query("access_token")
}

func abortAccess(c *gin.Context, status int, code string, err error) {
	msg := err.Error()
	if errors.Is(err, extensions.ErrUnauthorized) {
		// Token details stay in the audit trail, not the response.
		msg = extensions.ErrUnauthorized.Error()
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Code: code})
}

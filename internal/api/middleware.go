package api

import (
	"net/http"
	"strconv"
	"time"

	"order-core/internal/apperror"
	"order-core/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"

	ctxUserID  = "user_id"
	ctxIsAdmin = "is_admin"

	roleAdmin = "admin"
)

// identity reads the caller set by the upstream auth gateway
func identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(headerUserID), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing or invalid " + headerUserID + " header",
				"kind":  "authentication",
			})
			return
		}
		c.Set(ctxUserID, id)
		c.Set(ctxIsAdmin, c.GetHeader(headerUserRole) == roleAdmin)
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Admin access required",
				"kind":  string(apperror.KindAuthorization),
			})
			return
		}
		c.Next()
	}
}

func userID(c *gin.Context) int64 {
	return c.GetInt64(ctxUserID)
}

func isAdmin(c *gin.Context) bool {
	return c.GetBool(ctxIsAdmin)
}

// respondError maps an order core error to its HTTP status. Internal causes
// are logged, never returned.
func respondError(c *gin.Context, err error) {
	status := apperror.StatusOf(err)
	message := "Internal server error"
	if appErr, ok := apperror.As(err); ok && appErr.Kind != apperror.KindInternal {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		util.GetLogger().Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error": message,
		"kind":  string(apperror.KindOf(err)),
	})
}

func badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   message,
		"kind":    string(apperror.KindValidation),
		"details": err.Error(),
	})
}

// requestLogger logs each request through zap
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		util.GetLogger().Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

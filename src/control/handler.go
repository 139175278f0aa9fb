// Package control exposes capture start/stop/status over local HTTP.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"quiz-autotap/src/apperrors"
	"quiz-autotap/src/pipeline"
)

const maxRequestBodySize = 4 << 10

// Controller is the part of the pipeline coordinator the API drives.
type Controller interface {
	Start(ctx context.Context, token string) error
	Stop() error
	Status() pipeline.Status
}

type StartRequest struct {
	Token string `json:"token"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

func NewHandler(ctrl Controller, logger logrus.FieldLogger) http.Handler {
	r := gin.New()
	r.Use(
		gin.Recovery(),
		requestLogger(logger),
		requestSizeLimiter(maxRequestBodySize),
	)

	r.GET("/health", healthCheck)
	v1 := r.Group("/v1")
	v1.GET("/status", status(ctrl))
	v1.POST("/capture/start", startCapture(ctrl, logger))
	v1.POST("/capture/stop", stopCapture(ctrl, logger))
	return r
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "available",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func status(ctrl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, ctrl.Status())
	}
}

func startCapture(ctrl Controller, logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req StartRequest
		// An empty body is a start without a token.
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(c, logger, http.StatusBadRequest, "invalid request format", err)
			return
		}
		if err := ctrl.Start(c.Request.Context(), req.Token); err != nil {
			respondError(c, logger, apperrors.StatusCode(err), "failed to start capture", err)
			return
		}
		c.JSON(http.StatusOK, ctrl.Status())
	}
}

func stopCapture(ctrl Controller, logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := ctrl.Stop(); err != nil {
			respondError(c, logger, apperrors.StatusCode(err), "failed to stop capture", err)
			return
		}
		c.JSON(http.StatusOK, ctrl.Status())
	}
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.ClientIP(),
		}).Debug("control request")
	}
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func respondError(c *gin.Context, logger logrus.FieldLogger, code int, message string, err error) {
	logger.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"message":     message,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
	}).Warn("Request failed")

	resp := ErrorResponse{
		Error:   http.StatusText(code),
		Message: fmt.Sprintf("%s: %v", message, err),
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		resp.Kind = string(appErr.Kind)
	}
	c.AbortWithStatusJSON(code, resp)
}

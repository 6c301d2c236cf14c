package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/biqt/internal/auth"
	"github.com/example/biqt/internal/engine"
	"github.com/example/biqt/internal/quality"
	"github.com/example/biqt/internal/registry"
	"github.com/example/biqt/internal/usecase"
)

// MaxUploadSize is the largest accepted image.
const MaxUploadSize = 10 << 20

// multipartSlack covers form fields and part headers around the image.
const multipartSlack = 64 << 10

// Service is the use case surface the HTTP API depends on.
type Service interface {
	ListProviders(ctx context.Context, modality string) ([]quality.ProviderInfo, error)
	Evaluate(ctx context.Context, req usecase.EvaluationRequest) (*usecase.Evaluation, error)
	GetResult(ctx context.Context, userID, requestID string) (*usecase.Evaluation, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. metrics may be
// nil to leave /metrics unrouted.
func RegisterRoutes(router *gin.Engine, svc Service, authMiddleware gin.HandlerFunc, metrics http.Handler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	authorized := router.Group("/", authMiddleware)

	authorized.GET("/providers", func(c *gin.Context) {
		infos, err := svc.ListProviders(c.Request.Context(), c.Query("modality"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"providers": infos})
	})

	authorized.POST("/evaluate", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartSlack)
		file, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		data, err := readUpload(file)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}
		if !isImage(file.Header.Get("Content-Type"), data) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only image uploads are supported"})
			return
		}

		result, err := svc.Evaluate(c.Request.Context(), usecase.EvaluationRequest{
			UserID:    userID,
			Provider:  strings.TrimSpace(c.PostForm("provider")),
			Modality:  strings.TrimSpace(c.PostForm("modality")),
			ImageName: file.Filename,
			Image:     data,
		})
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id": result.RequestID,
			"error_code": result.ErrorCode,
			"results":    result.Results,
		})
	})

	authorized.GET("/result/:id", func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		result, err := svc.GetResult(c.Request.Context(), userID, c.Param("id"))
		if errors.Is(err, usecase.ErrResultPending) {
			c.JSON(http.StatusAccepted, gin.H{"request_id": c.Param("id"), "status": "processing"})
			return
		}
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	authorized.GET("/result/:id/duplicates", func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		report, err := svc.GetDuplicateReport(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		c.JSON(http.StatusOK, report)
	})

	authorized.GET("/stats", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func readUpload(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

// isImage trusts an explicit image/* part type and sniffs the payload when
// the client sent a generic one.
func isImage(declared string, data []byte) bool {
	declared = strings.ToLower(strings.TrimSpace(declared))
	switch {
	case strings.HasPrefix(declared, "image/"):
		return true
	case declared == "" || strings.HasPrefix(declared, "application/octet-stream"):
		return strings.HasPrefix(http.DetectContentType(data), "image/")
	default:
		return false
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, usecase.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrShutdown), errors.Is(err, registry.ErrRegistryInitialization):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

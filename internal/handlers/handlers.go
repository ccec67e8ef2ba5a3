package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/banana-ripeness/internal/metrics"
	"github.com/example/banana-ripeness/internal/upload"
	"github.com/example/banana-ripeness/internal/usecase"
)

// MaxUploadSize is the default limit for a single uploaded image.
const MaxUploadSize = 16 << 20

// multipartOverhead leaves room for boundaries and headers around the image.
const multipartOverhead = 1 << 20

// Options configures the HTTP surface.
type Options struct {
	// UploadDir is served under upload.URLPrefix when set.
	UploadDir string
	// MaxUploadBytes defaults to MaxUploadSize.
	MaxUploadBytes int64
	// Metrics enables request metrics and the /metrics endpoint.
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.DetectionUseCase, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if opts.Logger != nil {
		router.Use(RequestLogger(opts.Logger))
	}
	if opts.Metrics != nil {
		router.Use(opts.Metrics.Middleware())
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}
	if opts.UploadDir != "" {
		router.Static(upload.URLPrefix, opts.UploadDir)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/predict", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxUploadBytes+multipartOverhead)

		file, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			case hasEmptyFilePart(c, "image"):
				c.JSON(http.StatusBadRequest, gin.H{"error": "No selected file"})
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
			}
			return
		}
		if file.Size > opts.MaxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		outcome, err := uc.Detect(c.Request.Context(), file.Filename, src)
		if err != nil {
			if !usecase.IsClientError(err) {
				_ = c.Error(err)
			}
			status, message := detectErrorResponse(err)
			c.JSON(status, gin.H{"error": message})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"prediction": outcome.Prediction,
			"confidence": outcome.Confidence,
			"image_url":  outcome.ImageURL,
			"record_id":  outcome.Record.ID,
			"label":      outcome.Result.Label,
		})
	})

	router.GET("/history", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"detections": uc.History(c.Request.Context())})
	})

	router.GET("/summary", func(c *gin.Context) {
		c.JSON(http.StatusOK, uc.Summary(c.Request.Context()))
	})

	router.POST("/delete/:id", func(c *gin.Context) {
		err := uc.DeleteRecord(c.Request.Context(), c.Param("id"))
		switch {
		case err == nil:
			c.Redirect(http.StatusSeeOther, "/history")
		case errors.Is(err, usecase.ErrRecordNotFound):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Error deleting record"})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete record"})
		}
	})
}

func detectErrorResponse(err error) (int, string) {
	var step *usecase.StepError
	cause := err.Error()
	if errors.As(err, &step) && step.Err != nil {
		cause = step.Err.Error()
	}

	switch {
	case errors.Is(err, upload.ErrEmptyFilename):
		return http.StatusBadRequest, "No selected file"
	case errors.Is(err, upload.ErrUnsupportedExtension):
		return http.StatusBadRequest, "Invalid file format"
	case errors.Is(err, usecase.ErrClassificationFailed):
		return http.StatusInternalServerError, "Prediction failed: " + cause
	case errors.Is(err, usecase.ErrResponseParsing):
		return http.StatusInternalServerError, "Prediction parsing error: " + cause
	case errors.Is(err, usecase.ErrPersistence):
		return http.StatusInternalServerError, "Failed to save detection"
	default:
		return http.StatusInternalServerError, "Failed to store upload"
	}
}

// hasEmptyFilePart reports whether the form carried the field without a
// filename, which the multipart parser files under values instead of files.
func hasEmptyFilePart(c *gin.Context, field string) bool {
	form := c.Request.MultipartForm
	if form == nil {
		return false
	}
	_, ok := form.Value[field]
	return ok
}

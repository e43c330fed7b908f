package handlers

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Brownie44l1/cifar-sorter/internal/apperr"
	"github.com/Brownie44l1/cifar-sorter/internal/batch"
	"github.com/Brownie44l1/cifar-sorter/internal/export"
	"github.com/Brownie44l1/cifar-sorter/internal/labels"
	"github.com/Brownie44l1/cifar-sorter/internal/model"
	"github.com/Brownie44l1/cifar-sorter/internal/session"
)

// ModelStatus reports on the classifier without loading it.
type ModelStatus interface {
	ModelID() string
	Ready() bool
}

// ExportObserver counts export outcomes.
type ExportObserver interface {
	ObserveExport(status string)
}

type Handler struct {
	engine   *batch.Engine
	archiver *export.Archiver
	store    session.Store
	status   ModelStatus
	exports  ExportObserver
	log      *zap.Logger
	timeout  time.Duration
}

type Options struct {
	Engine   *batch.Engine
	Archiver *export.Archiver
	Store    session.Store
	Status   ModelStatus
	Exports  ExportObserver
	Log      *zap.Logger
	// Timeout bounds every classify and export request.
	Timeout time.Duration
}

func NewHandler(opts Options) *Handler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		engine:   opts.Engine,
		archiver: opts.Archiver,
		store:    opts.Store,
		status:   opts.Status,
		exports:  opts.Exports,
		log:      log,
		timeout:  opts.Timeout,
	}
}

// ClassifyResponse is the body of a successful classify request.
type ClassifyResponse struct {
	Results     []model.Result `json:"results"`
	ClassCounts labels.Counts  `json:"classCounts"`
	TotalImages int            `json:"totalImages"`
	SessionID   string         `json:"sessionId,omitempty"`
}

// ErrorResponse carries the status text, the failure message and the
// machine-readable kind as code.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    apperr.Kind `json:"code"`
}

// HealthResponse never triggers a model load.
type HealthResponse struct {
	Status  string         `json:"status"`
	Model   string         `json:"model"`
	Ready   bool           `json:"ready"`
	Classes []labels.Label `json:"classes"`
	Storage string         `json:"storage"`
}

func (h *Handler) withTimeout(c echo.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(c.Request().Context())
	}
	return context.WithTimeout(c.Request().Context(), h.timeout)
}

func (h *Handler) fail(c echo.Context, err error) error {
	kind := apperr.KindOf(err)
	code := apperr.HTTPStatus(kind)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", c.Path()),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			zap.Error(err))
	}
	return c.JSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Message: err.Error(),
		Code:    kind,
	})
}

func (h *Handler) Index(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"message": "CIFAR-10 image classification and export API",
		"endpoints": map[string]string{
			"POST /classify":              "Classify a multipart batch of images (field 'images')",
			"GET /export/:sessionId":      "Download a session as a zip grouped by label",
			"GET /sessions":               "List sessions stored on this instance",
			"DELETE /sessions/:sessionId": "Delete a session",
			"GET /health":                 "Health check",
			"GET /metrics":                "Prometheus metrics",
		},
	})
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Model:   h.status.ModelID(),
		Ready:   h.status.Ready(),
		Classes: labels.All(),
		Storage: h.store.Mode(),
	})
}

// Classify accepts files under "images" (and the single-file "image" field)
// plus an optional "sessionId" to append to.
func (h *Handler) Classify(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return h.fail(c, apperr.New(apperr.KindValidation, "parse form", err))
	}

	headers := slices.Concat(form.File["images"], form.File["image"])
	images := make([]batch.Image, 0, len(headers))
	for _, fh := range headers {
		data, err := readUpload(fh)
		if err != nil {
			return h.fail(c, apperr.New(apperr.KindValidation, "read upload", err))
		}
		images = append(images, batch.Image{Filename: fh.Filename, Data: data})
	}

	ctx, cancel := h.withTimeout(c)
	defer cancel()

	out, err := h.engine.ClassifyBatch(ctx, images, batch.Options{SessionID: c.FormValue("sessionId")})
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(http.StatusOK, ClassifyResponse{
		Results:     out.Results,
		ClassCounts: out.Counts,
		TotalImages: len(out.Results),
		SessionID:   out.SessionID,
	})
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fh.Filename, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *Handler) Export(c echo.Context) error {
	id := c.Param("sessionId")

	ctx, cancel := h.withTimeout(c)
	defer cancel()

	data, err := h.archiver.BuildArchive(ctx, id)
	if h.exports != nil {
		status := "ok"
		if err != nil {
			status = string(apperr.KindOf(err))
		}
		h.exports.ObserveExport(status)
	}
	if err != nil {
		return h.fail(c, err)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", export.Filename(id)))
	return c.Blob(http.StatusOK, export.ContentType, data)
}

func (h *Handler) ListSessions(c echo.Context) error {
	ids, err := h.store.List(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, map[string][]string{"sessions": ids})
}

func (h *Handler) DeleteSession(c echo.Context) error {
	if err := h.store.Delete(c.Request().Context(), c.Param("sessionId")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

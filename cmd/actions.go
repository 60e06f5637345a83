package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/mikills/dagcore/dag"

	"github.com/labstack/echo/v4"
)

const defaultJournalLimit = 100

// Dependencies are the operations the HTTP routes call. A nil function turns
// its routes into 503 responses.
type Dependencies struct {
	MetricsHandler http.Handler
	AppMetrics     dag.Metrics
	InsertEdge     func(ctx context.Context, start, end int64, source string, maxHops *int) ([]dag.Edge, error)
	RemoveEdge     func(ctx context.Context, start, end int64, source string) (bool, error)
	Vertices       func(ctx context.Context, seeds any, source string, direction dag.Direction, maxHops *int) ([]int64, error)
	Edges          func(ctx context.Context, source string, directOnly bool) ([]dag.Edge, error)
	Backup         func(ctx context.Context, source string) (*dag.BlobObjectInfo, error)
	Restore        func(ctx context.Context, source, key string) (int, error)
	ListSnapshots  func(ctx context.Context, source string) ([]dag.BlobObjectInfo, error)
	DeleteSnapshot func(ctx context.Context, source, key string) error
	ListJournal    func(ctx context.Context, source string, limit int) ([]dag.MutationEvent, error)
	Logger         *slog.Logger
}

type edgeRequest struct {
	Source      string `json:"source"`
	StartVertex *int64 `json:"start_vertex"`
	EndVertex   *int64 `json:"end_vertex"`
	MaxHops     *int   `json:"max_hops,omitempty"`
}

func (r *edgeRequest) validate() error {
	r.Source = strings.TrimSpace(r.Source)
	if r.Source == "" {
		return dag.ErrSourceRequired
	}
	if r.StartVertex == nil || r.EndVertex == nil {
		return fmt.Errorf("start_vertex and end_vertex are required")
	}
	return nil
}

type queryRequest struct {
	Source  string `json:"source"`
	Seeds   any    `json:"seeds"`
	MaxHops *int   `json:"max_hops,omitempty"`
}

type restoreRequest struct {
	Key string `json:"key"`
}

// routedSource prefers the body's source and falls back to the one
// forwarded in the X-DAG-Source header.
func routedSource(c echo.Context, body string) string {
	if body = strings.TrimSpace(body); body != "" {
		return body
	}
	source, _ := c.Get(sourceContextKey).(string)
	return source
}

func unavailable(c echo.Context, what string) error {
	return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": what + " unavailable"})
}

func Register(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.AppMetrics
	if metrics == nil {
		metrics = dag.NoopMetrics{}
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(deps.MetricsHandler))
	}
	e.GET("/metrics/app", func(c echo.Context) error {
		return c.JSON(http.StatusOK, metrics.Snapshot())
	})

	e.POST("/edges", func(c echo.Context) error {
		if deps.InsertEdge == nil {
			return unavailable(c, "store")
		}
		var req edgeRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		req.Source = routedSource(c, req.Source)
		if err := req.validate(); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
		}

		edges, err := deps.InsertEdge(c.Request().Context(), *req.StartVertex, *req.EndVertex, req.Source, req.MaxHops)
		if err != nil {
			return WriteError(c, err)
		}
		if edges == nil {
			return c.JSON(http.StatusOK, map[string]any{"status": "exists"})
		}
		return c.JSON(http.StatusCreated, map[string]any{"status": "created", "edges": edges})
	})

	e.DELETE("/edges", func(c echo.Context) error {
		if deps.RemoveEdge == nil {
			return unavailable(c, "store")
		}
		var req edgeRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		req.Source = routedSource(c, req.Source)
		if err := req.validate(); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
		}

		removed, err := deps.RemoveEdge(c.Request().Context(), *req.StartVertex, *req.EndVertex, req.Source)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"removed": removed})
	})

	e.POST("/query/:direction", func(c echo.Context) error {
		if deps.Vertices == nil {
			return unavailable(c, "store")
		}
		direction, err := dag.ParseDirection(c.Param("direction"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
		}

		var req queryRequest
		dec := json.NewDecoder(c.Request().Body)
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		req.Source = routedSource(c, req.Source)
		if req.Source == "" {
			return WriteError(c, dag.ErrSourceRequired)
		}

		vertices, err := deps.Vertices(c.Request().Context(), req.Seeds, req.Source, direction, req.MaxHops)
		if err != nil {
			return WriteError(c, err)
		}
		logger.DebugContext(c.Request().Context(), "dag query completed",
			"source", req.Source,
			"direction", string(direction),
			"result_count", len(vertices),
		)
		return c.JSON(http.StatusOK, map[string]any{"vertices": vertices})
	})

	e.GET("/sources/:source/edges", func(c echo.Context) error {
		if deps.Edges == nil {
			return unavailable(c, "store")
		}
		directOnly, _ := strconv.ParseBool(c.QueryParam("direct"))
		edges, err := deps.Edges(c.Request().Context(), c.Param("source"), directOnly)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"edges": edges})
	})

	e.POST("/sources/:source/snapshots", func(c echo.Context) error {
		if deps.Backup == nil {
			return unavailable(c, "blob store")
		}
		info, err := deps.Backup(c.Request().Context(), c.Param("source"))
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusCreated, info)
	})

	e.GET("/sources/:source/snapshots", func(c echo.Context) error {
		if deps.ListSnapshots == nil {
			return unavailable(c, "blob store")
		}
		items, err := deps.ListSnapshots(c.Request().Context(), c.Param("source"))
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"snapshots": items})
	})

	e.DELETE("/sources/:source/snapshots", func(c echo.Context) error {
		if deps.DeleteSnapshot == nil {
			return unavailable(c, "blob store")
		}
		key := strings.TrimSpace(c.QueryParam("key"))
		if key == "" {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "key is required"})
		}
		if err := deps.DeleteSnapshot(c.Request().Context(), c.Param("source"), key); err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"status": "deleted"})
	})

	e.POST("/sources/:source/restore", func(c echo.Context) error {
		if deps.Restore == nil {
			return unavailable(c, "blob store")
		}
		var req restoreRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		req.Key = strings.TrimSpace(req.Key)
		if req.Key == "" {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "key is required"})
		}

		n, err := deps.Restore(c.Request().Context(), c.Param("source"), req.Key)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"status": "restored", "edges": n})
	})

	e.GET("/journal", func(c echo.Context) error {
		if deps.ListJournal == nil {
			return unavailable(c, "journal")
		}
		limit := defaultJournalLimit
		if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return c.JSON(http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
			}
			limit = n
		}
		events, err := deps.ListJournal(c.Request().Context(), strings.TrimSpace(c.QueryParam("source")), limit)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"events": events})
	})
}

// WriteError maps store errors to HTTP statuses.
func WriteError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dag.ErrCircularReference), errors.Is(err, dag.ErrTooManyHops):
		status = http.StatusConflict
	case errors.Is(err, dag.ErrInvalidArgument), errors.Is(err, dag.ErrSourceRequired), errors.Is(err, dag.ErrSnapshotSourceMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, dag.ErrBlobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dag.ErrWriteLeaseConflict):
		c.Response().Header().Set("Retry-After", "1")
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]any{"error": err.Error()})
}

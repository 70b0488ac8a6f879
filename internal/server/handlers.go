package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/vectorpipe/internal/budget"
	"github.com/mohammad-safakhou/vectorpipe/internal/embedder"
	"github.com/mohammad-safakhou/vectorpipe/internal/index"
	"github.com/mohammad-safakhou/vectorpipe/internal/pipeline"
	"github.com/mohammad-safakhou/vectorpipe/internal/retriever"
)

// IngestRequest carries chunks to embed and index.
type IngestRequest struct {
	Chunks []ChunkPayload `json:"chunks"`
}

type ChunkPayload struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
}

// SearchRequest drives the read path. Queries with more than one entry use
// max-score aggregation across them.
type SearchRequest struct {
	Query    string   `json:"query"`
	Queries  []string `json:"queries,omitempty"`
	K        int      `json:"k"`
	MinScore float64  `json:"min_score"`
	Hybrid   bool     `json:"hybrid"`
}

type SearchResponse struct {
	Results []retriever.SearchResult `json:"results"`
}

// ChunksHandler owns the write path endpoints.
type ChunksHandler struct {
	Pipe *pipeline.Pipeline
}

func (h *ChunksHandler) Register(g *echo.Group, secret []byte) {
	g.Use(withAuth(secret))
	g.POST("", h.ingest)
	g.DELETE("/:id", h.remove)
}

func (h *ChunksHandler) ingest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Chunks) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "chunks required")
	}
	chunks := make([]embedder.Chunk, 0, len(req.Chunks))
	for _, p := range req.Chunks {
		if strings.TrimSpace(p.ChunkID) == "" || strings.TrimSpace(p.Text) == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "chunk_id and text required on every chunk")
		}
		chunks = append(chunks, embedder.Chunk{ChunkID: p.ChunkID, DocumentID: p.DocumentID, Text: p.Text})
	}
	res, err := h.Pipe.Ingest(c.Request().Context(), chunks)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *ChunksHandler) remove(c echo.Context) error {
	id := c.Param("id")
	if err := h.Pipe.Remove(c.Request().Context(), id); err != nil {
		return mapDomainError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// SearchHandler owns the read path endpoints.
type SearchHandler struct {
	Retr *retriever.Retriever
}

func (h *SearchHandler) Register(g *echo.Group, secret []byte) {
	g.Use(withAuth(secret))
	g.POST("", h.search)
}

func (h *SearchHandler) search(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	var (
		results []retriever.SearchResult
		err     error
	)
	switch {
	case len(req.Queries) > 0:
		results, err = h.Retr.RetrieveMulti(ctx, req.Queries, req.K, req.MinScore)
	case strings.TrimSpace(req.Query) == "":
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	case req.Hybrid:
		results, err = h.Retr.RetrieveHybrid(ctx, req.Query, req.K, req.MinScore)
	default:
		results, err = h.Retr.Retrieve(ctx, req.Query, req.K, req.MinScore)
	}
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

// BudgetHandler exposes the spend ledger.
type BudgetHandler struct {
	Ledger *budget.Ledger
}

func (h *BudgetHandler) Register(g *echo.Group, secret []byte) {
	g.Use(withAuth(secret))
	g.GET("", h.snapshot)
}

func (h *BudgetHandler) snapshot(c echo.Context) error {
	rec := h.Ledger.Snapshot()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"period_id": rec.PeriodID,
		"spent":     rec.Spent,
		"cap":       rec.Cap,
		"headroom":  h.Ledger.Headroom(),
	})
}

// OpsHandler exposes index maintenance operations.
type OpsHandler struct {
	Pipe  *pipeline.Pipeline
	Index *index.Index
}

func (h *OpsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(withAuth(secret))
	g.POST("/compact", h.compact)
	g.GET("/stats", h.stats)
}

func (h *OpsHandler) compact(c echo.Context) error {
	if err := h.Pipe.Compact(c.Request().Context()); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"live":    h.Index.Len(),
		"version": h.Index.Version(),
	})
}

func (h *OpsHandler) stats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"live":            h.Index.Len(),
		"tombstone_ratio": h.Index.TombstoneRatio(),
		"version":         h.Index.Version(),
	})
}

// mapDomainError turns domain failures into HTTP status codes.
func mapDomainError(err error) error {
	var exceeded budget.ErrExceeded
	if errors.As(err, &exceeded) {
		return echo.NewHTTPError(http.StatusPaymentRequired, exceeded.Error())
	}
	var dup index.ErrDuplicateChunk
	if errors.As(err, &dup) {
		return echo.NewHTTPError(http.StatusConflict, dup.Error())
	}
	if errors.Is(err, index.ErrEmptyIndex) {
		return echo.NewHTTPError(http.StatusConflict, "index is empty")
	}
	if errors.Is(err, index.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	var corrupt index.ErrCorrupt
	if errors.As(err, &corrupt) {
		return echo.NewHTTPError(http.StatusInternalServerError, corrupt.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/scratchd/internal/audit"
	"github.com/jkaninda/scratchd/internal/diff"
	"github.com/jkaninda/scratchd/internal/refstore"
	"github.com/jkaninda/scratchd/internal/storage"
)

// ReferenceUploadRequest is the JSON body for POST /v1/references. Data is
// base64 encoded.
type ReferenceUploadRequest struct {
	Name string `json:"name,omitempty"`
	Data []byte `json:"data"`
}

// newReferenceRecord describes data as stored under id.
func newReferenceRecord(id, name string, data []byte) *storage.ReferenceRecord {
	art := diff.Decode(data)
	return &storage.ReferenceRecord{
		ID:        id,
		Name:      name,
		Size:      len(data),
		Format:    string(art.Format),
		Machine:   art.Machine,
		CreatedAt: time.Now().UTC(),
	}
}

func (g *Gateway) handleReferenceUpload(c *okapi.Context) error {
	var req ReferenceUploadRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if len(req.Data) == 0 {
		return c.AbortBadRequest("data is required")
	}

	id, err := g.refs.Put(c.Context(), req.Data)
	if err != nil {
		g.logger.Error("storing reference", slog.String("error", err.Error()))
		return c.AbortInternalServerError("storing reference failed")
	}
	rec := newReferenceRecord(id, req.Name, req.Data)

	if g.refIndex != nil {
		// The blob is already stored; a failed index write only loses metadata.
		if err := g.refIndex.Record(c.Context(), rec); err != nil {
			g.logger.Warn("indexing reference",
				slog.String("reference_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	g.logger.Info("reference uploaded",
		slog.String("client", c.GetString(clientKey)),
		slog.String("reference_id", id),
		slog.Int("size", rec.Size),
		slog.String("format", rec.Format),
	)
	g.record(c, audit.Event{Action: audit.ActionReferenceUpload, ReferenceID: id})
	return c.JSON(http.StatusCreated, rec)
}

func (g *Gateway) handleReferenceGet(c *okapi.Context) error {
	id := c.Param("id")
	if !refstore.ValidID(id) {
		return c.AbortBadRequest("invalid reference id")
	}
	rec, err := g.refIndex.Get(c.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "reference not found"})
		}
		return c.AbortInternalServerError("reference lookup failed")
	}
	return c.OK(rec)
}

func (g *Gateway) handleReferenceList(c *okapi.Context) error {
	limit, err := queryLimit(c.Request())
	if err != nil {
		return c.AbortBadRequest("limit must be a positive integer")
	}
	recs, err := g.refIndex.List(c.Context(), limit)
	if err != nil {
		g.logger.Error("listing references", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing references failed")
	}
	if recs == nil {
		recs = []storage.ReferenceRecord{}
	}
	return c.OK(recs)
}

package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/storage"
)

var errBadLimit = errors.New("invalid limit")

// queryLimit reads the optional limit query parameter. Absent means 0, which
// the stores treat as their default.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errBadLimit
	}
	return n, nil
}

// historyFilter builds a JobFilter from ?arch=&compiler=&outcome=&limit=.
func historyFilter(r *http.Request) (storage.JobFilter, error) {
	q := r.URL.Query()
	f := storage.JobFilter{
		Arch:     q.Get("arch"),
		Compiler: q.Get("compiler"),
		Outcome:  domain.Outcome(q.Get("outcome")),
	}
	if f.Outcome != "" && !slices.Contains(domain.Outcomes, f.Outcome) {
		return f, errors.New("unknown outcome " + string(f.Outcome))
	}
	limit, err := queryLimit(r)
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

func (g *Gateway) handleHistoryList(c *okapi.Context) error {
	filter, err := historyFilter(c.Request())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	recs, err := g.history.List(c.Context(), filter)
	if err != nil {
		g.logger.Error("listing job history", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing history failed")
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	return c.OK(recs)
}

func (g *Gateway) handleHistoryGet(c *okapi.Context) error {
	rec, err := g.history.Get(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "job not found"})
		}
		return c.AbortInternalServerError("history lookup failed")
	}
	return c.OK(rec)
}

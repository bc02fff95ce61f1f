package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/scratchd/internal/audit"
	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/scheduler"
)

// SubmitResponse is returned with HTTP 202 by POST /v1/jobs.
type SubmitResponse struct {
	ID        string       `json:"id"`
	State     domain.State `json:"state"`
	StatusURL string       `json:"status_url"`
	WatchURL  string       `json:"watch_url"`
}

// validateRequest checks the fields the toolchain lookup needs. Everything
// else is the runner's concern.
func validateRequest(req *domain.CompileRequest) string {
	switch {
	case req.Arch == "":
		return "arch is required"
	case req.Compiler == "":
		return "compiler is required"
	case req.Source == "":
		return "source is required"
	}
	return ""
}

func (g *Gateway) logSubmitted(c *okapi.Context, job *scheduler.Job) {
	g.logger.Info("job submitted",
		slog.String("client", c.GetString(clientKey)),
		slog.String("job_id", job.ID),
		slog.String("arch", job.Request.Arch),
		slog.String("compiler", job.Request.Compiler),
	)
	g.record(c, audit.SubmitEvent("", job.ID, job.Request))
}

// handleCompile handles POST /v1/compile: submit, then wait for the result.
func (g *Gateway) handleCompile(c *okapi.Context) error {
	var req domain.CompileRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if msg := validateRequest(&req); msg != "" {
		return c.AbortBadRequest(msg)
	}
	job, err := g.jobs.Submit(c.Context(), req)
	if err != nil {
		return submitError(c, err)
	}
	g.logSubmitted(c, job)

	ctx, cancel := context.WithTimeout(c.Context(), g.config.syncWaitTimeout())
	defer cancel()
	if _, err := job.Wait(ctx); err != nil {
		if c.Context().Err() != nil {
			// Nobody is left to read the result.
			_ = g.jobs.Cancel(job.ID)
			g.logger.Info("client went away, job cancelled", slog.String("job_id", job.ID))
			return nil
		}
		return c.JSON(http.StatusAccepted, job.Snapshot())
	}
	return c.OK(job.Snapshot())
}

// handleSubmit handles POST /v1/jobs.
func (g *Gateway) handleSubmit(c *okapi.Context) error {
	var req domain.CompileRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if msg := validateRequest(&req); msg != "" {
		return c.AbortBadRequest(msg)
	}
	job, err := g.jobs.Submit(c.Context(), req)
	if err != nil {
		return submitError(c, err)
	}
	g.logSubmitted(c, job)
	return c.JSON(http.StatusAccepted, SubmitResponse{
		ID:        job.ID,
		State:     job.State(),
		StatusURL: "/v1/jobs/" + job.ID,
		WatchURL:  "/v1/jobs/" + job.ID + "/watch",
	})
}

func (g *Gateway) handleJobStatus(c *okapi.Context) error {
	job, err := g.jobs.Get(c.Param("id"))
	if err != nil {
		return jobError(c, err)
	}
	return c.OK(job.Snapshot())
}

func (g *Gateway) handleJobCancel(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.jobs.Cancel(id); err != nil {
		return jobError(c, err)
	}
	g.logger.Info("job cancel requested",
		slog.String("client", c.GetString(clientKey)),
		slog.String("job_id", id),
	)
	g.record(c, audit.Event{Action: audit.ActionCancel, JobID: id})
	return c.OK(map[string]string{"status": "cancelling"})
}

// handleJobEvents handles GET /v1/jobs/{id}/events. Each transition is a
// "state" event; the final snapshot is a "result" event.
func (g *Gateway) handleJobEvents(c *okapi.Context) error {
	job, err := g.jobs.Get(c.Param("id"))
	if err != nil {
		return jobError(c, err)
	}

	events, stop := job.Watch()
	defer stop()
	for {
		select {
		case <-c.Context().Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				select {
				case <-job.Done():
					c.SSEvent("result", job.Snapshot())
				case <-c.Context().Done():
				}
				return nil
			}
			c.SSEvent("state", ev)
		}
	}
}

// submitError maps scheduler admission errors to HTTP responses.
func submitError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, scheduler.ErrQueueFull):
		return c.JSON(http.StatusServiceUnavailable, okapi.M{"error": "job queue is full, retry later"})
	case errors.Is(err, scheduler.ErrClosed):
		return c.AbortServiceUnavailable("server is shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return c.AbortServiceUnavailable("request cancelled before admission")
	default:
		return c.AbortInternalServerError("submission failed")
	}
}

func jobError(c *okapi.Context, err error) error {
	if errors.Is(err, scheduler.ErrJobNotFound) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "job not found"})
	}
	return c.AbortInternalServerError("job lookup failed")
}

// Package ws implements the job watch WebSocket. A client subscribes to one
// job and receives each state transition, then the final snapshot, then a
// normal close.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/scratchd/internal/protocol"
	"github.com/jkaninda/scratchd/internal/scheduler"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// JobSource looks up and cancels jobs. *scheduler.Scheduler satisfies it.
type JobSource interface {
	Get(id string) (*scheduler.Job, error)
	Cancel(id string) error
}

// Config tunes the watch stream.
type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func (c Config) pingInterval() time.Duration {
	if c.PingInterval > 0 {
		return c.PingInterval
	}
	return defaultPingInterval
}

func (c Config) writeTimeout() time.Duration {
	if c.WriteTimeout > 0 {
		return c.WriteTimeout
	}
	return defaultWriteTimeout
}

// Server serves GET /v1/jobs/{id}/watch.
type Server struct {
	jobs   JobSource
	cfg    Config
	logger *slog.Logger
}

// NewServer creates a watch server over jobs.
func NewServer(jobs JobSource, cfg Config, logger *slog.Logger) *Server {
	return &Server{jobs: jobs, cfg: cfg, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
// Authentication is the caller's concern.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// JobIDFromPath extracts the job id from /v1/jobs/{id}/watch. The
// job_id query parameter is accepted as a fallback.
func JobIDFromPath(r *http.Request) string {
	rest, ok := strings.CutPrefix(r.URL.Path, "/v1/jobs/")
	if ok {
		if id, ok := strings.CutSuffix(rest, "/watch"); ok && id != "" && !strings.Contains(id, "/") {
			return id
		}
	}
	return r.URL.Query().Get("job_id")
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	id := JobIDFromPath(r)
	if id == "" {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}
	job, err := s.jobs.Get(id)
	if err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, job)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, job *scheduler.Job) {
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, stop := job.Watch()
	defer stop()

	// The reader handles client messages and notices disconnects.
	go func() {
		defer cancel()
		s.readLoop(ctx, conn, job.ID)
	}()

	ticker := time.NewTicker(s.cfg.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("watch client gone", slog.String("job_id", job.ID))
			return

		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.MsgPing, job.ID, nil)
			if err := s.writeEnvelope(ctx, conn, env); err != nil {
				s.logger.Debug("watch ping failed",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
				return
			}

		case ev, ok := <-events:
			if !ok {
				s.sendResult(ctx, conn, job)
				return
			}
			env, err := protocol.NewEnvelope(protocol.MsgJobState, job.ID, protocol.StatePayload{
				State: string(ev.State),
				Time:  ev.Time,
			})
			if err != nil {
				s.logger.Error("encoding job state", slog.String("error", err.Error()))
				continue
			}
			if err := s.writeEnvelope(ctx, conn, env); err != nil {
				s.logger.Debug("watch write failed",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

// sendResult writes the final snapshot once the result is published, then
// closes the connection normally.
func (s *Server) sendResult(ctx context.Context, conn *websocket.Conn, job *scheduler.Job) {
	// Watch streams end just before waiters are released.
	select {
	case <-job.Done():
	case <-ctx.Done():
		return
	}
	env, err := protocol.NewEnvelope(protocol.MsgJobResult, job.ID, job.Snapshot())
	if err != nil {
		s.logger.Error("encoding job result", slog.String("error", err.Error()))
		conn.Close(websocket.StatusInternalError, "encoding result")
		return
	}
	if err := s.writeEnvelope(ctx, conn, env); err != nil {
		return
	}
	conn.Close(websocket.StatusNormalClosure, "job finished")
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, jobID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("invalid message from watch client",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch env.Type {
		case protocol.MsgPong:
		case protocol.MsgJobCancel:
			if err := s.jobs.Cancel(jobID); err != nil {
				reply, _ := protocol.NewEnvelope(protocol.MsgError, jobID, protocol.ErrorPayload{Message: err.Error()})
				_ = s.writeEnvelope(ctx, conn, reply)
				continue
			}
			s.logger.Info("job cancelled over watch stream", slog.String("job_id", jobID))
		default:
			s.logger.Warn("unknown message type from watch client",
				slog.String("job_id", jobID),
				slog.String("type", string(env.Type)),
			)
		}
	}
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.writeTimeout())
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

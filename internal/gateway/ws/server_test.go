package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/protocol"
	"github.com/jkaninda/scratchd/internal/runner"
	"github.com/jkaninda/scratchd/internal/scheduler"
)

type gatedCompiler struct {
	gate chan struct{}
}

func (g gatedCompiler) Compile(ctx context.Context, id string, _ domain.CompileRequest, observe runner.Observer) domain.CompileResult {
	observe(id, domain.StateCreated)
	observe(id, domain.StateRunning)
	r := domain.CompileResult{Outcome: domain.OutcomeSucceeded, Artifact: []byte("obj")}
	select {
	case <-g.gate:
	case <-ctx.Done():
		r = domain.CompileResult{Outcome: domain.OutcomeCancelled, ExitCode: -1}
	}
	observe(id, domain.OutcomeState(r.Outcome))
	observe(id, domain.StateTornDown)
	return r
}

func setup(t *testing.T) (*scheduler.Scheduler, chan struct{}, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gate := make(chan struct{})
	s := scheduler.New(gatedCompiler{gate: gate}, scheduler.Config{MaxConcurrent: 1}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})

	srv := NewServer(s, Config{PingInterval: time.Hour}, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return s, gate, ts
}

func dial(t *testing.T, ts *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/jobs/" + jobID + "/watch"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readUntilResult collects envelopes until the job.result message.
func readUntilResult(t *testing.T, conn *websocket.Conn) ([]string, scheduler.Snapshot) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var states []string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v (states so far %v)", err, states)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		switch env.Type {
		case protocol.MsgJobState:
			var p protocol.StatePayload
			if err := env.Decode(&p); err != nil {
				t.Fatal(err)
			}
			states = append(states, p.State)
		case protocol.MsgJobResult:
			var snap scheduler.Snapshot
			if err := env.Decode(&snap); err != nil {
				t.Fatal(err)
			}
			return states, snap
		}
	}
}

func TestWatch_StreamsTransitionsAndResult(t *testing.T) {
	s, gate, ts := setup(t)
	job, err := s.Submit(context.Background(), domain.CompileRequest{Source: "int x;", Arch: "mips", Compiler: "gcc"})
	if err != nil {
		t.Fatal(err)
	}
	conn := dial(t, ts, job.ID)
	if got := conn.Subprotocol(); got != protocol.Subprotocol {
		t.Errorf("subprotocol = %q", got)
	}
	close(gate)

	states, snap := readUntilResult(t, conn)
	if len(states) == 0 {
		t.Fatal("no state messages")
	}
	if last := states[len(states)-1]; last != string(domain.StateTornDown) {
		t.Errorf("last state = %s, want TORN_DOWN (all %v)", last, states)
	}
	if snap.Result == nil || snap.Result.Outcome != domain.OutcomeSucceeded {
		t.Errorf("result = %+v", snap.Result)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("expected normal closure, got %v", err)
	}
}

func TestWatch_FinishedJob(t *testing.T) {
	s, gate, ts := setup(t)
	close(gate)
	job, err := s.Submit(context.Background(), domain.CompileRequest{Source: "x"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := job.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	states, snap := readUntilResult(t, dial(t, ts, job.ID))
	if len(states) != 1 || states[0] != string(domain.StateTornDown) {
		t.Errorf("states = %v", states)
	}
	if snap.ID != job.ID {
		t.Errorf("snapshot id = %s", snap.ID)
	}
}

func TestWatch_CancelMessage(t *testing.T) {
	s, _, ts := setup(t)
	job, err := s.Submit(context.Background(), domain.CompileRequest{Source: "x"})
	if err != nil {
		t.Fatal(err)
	}
	conn := dial(t, ts, job.ID)

	env, _ := protocol.NewEnvelope(protocol.MsgJobCancel, job.ID, nil)
	data, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal(err)
	}

	_, snap := readUntilResult(t, conn)
	if snap.Result == nil || snap.Result.Outcome != domain.OutcomeCancelled {
		t.Errorf("result = %+v", snap.Result)
	}
}

func TestWatch_UnknownJob(t *testing.T) {
	_, _, ts := setup(t)
	resp, err := http.Get(ts.URL + "/v1/jobs/nope/watch")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestJobIDFromPath(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"/v1/jobs/abc/watch", "abc"},
		{"/v1/jobs/abc/def/watch", ""},
		{"/v1/jobs//watch", ""},
		{"/watch?job_id=q", "q"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, tt.url, nil)
		if got := JobIDFromPath(r); got != tt.want {
			t.Errorf("JobIDFromPath(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

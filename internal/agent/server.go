package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/kpiteira/ktrdr-sub003/internal/job"
	"github.com/kpiteira/ktrdr-sub003/pkg/command"
)

// JobFetcher pulls full job records; commands carry only ids.
type JobFetcher interface {
	GetJob(ctx context.Context, jobID string) (*job.Job, error)
}

// Server is the worker's HTTP surface: the coordinator probes it, warns it
// of shutdown, and delivers signed run/resume/stop commands to it.
type Server struct {
	agent      *Agent
	executor   *Executor
	jobs       JobFetcher
	signingKey string
	logger     *slog.Logger
}

// NewServer creates the worker HTTP handler set.
func NewServer(agent *Agent, executor *Executor, jobs JobFetcher, signingKey string) *Server {
	return &Server{
		agent:      agent,
		executor:   executor,
		jobs:       jobs,
		signingKey: signingKey,
		logger:     slog.Default().With("component", "worker-server"),
	}
}

// Routes builds the worker's HTTP mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.Health)
	mux.HandleFunc("POST /shutdown-notify", s.ShutdownNotify)
	mux.HandleFunc("POST /jobs/{jobId}/run", s.RunJob)
	mux.HandleFunc("POST /jobs/{jobId}/stop", s.StopJob)
	return mux
}

// Health answers coordinator probes and records the probe time for the
// re-registration monitor.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.agent.MarkProbed()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":       "ok",
		"workerId":     s.agent.cfg.WorkerID,
		"currentJobId": s.executor.CurrentJobID(),
	})
}

// ShutdownNotify handles the coordinator's early shutdown warning.
func (s *Server) ShutdownNotify(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.verifiedCommand(w, r); !ok {
		return
	}
	s.agent.NotifyShutdown()
	w.WriteHeader(http.StatusNoContent)
}

// RunJob handles run and resume commands. The command type distinguishes a
// fresh start from a checkpoint restart.
func (s *Server) RunJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	cmd, ok := s.verifiedCommand(w, r)
	if !ok {
		return
	}
	if cmd.JobID != jobID {
		http.Error(w, "command job id does not match path", http.StatusBadRequest)
		return
	}

	j, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.logger.Error("cannot fetch job for command", "jobId", jobID, "error", err)
		http.Error(w, "job lookup failed", http.StatusBadGateway)
		return
	}

	fromCheckpoint := cmd.Type == command.TypeResumeJob
	if err := s.executor.Start(j, fromCheckpoint); err != nil {
		switch err {
		case ErrBusy:
			http.Error(w, err.Error(), http.StatusConflict)
		case ErrUnknownJobType:
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			s.logger.Error("job start failed", "jobId", jobID, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// StopJob handles cooperative stop commands.
func (s *Server) StopJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	if _, ok := s.verifiedCommand(w, r); !ok {
		return
	}

	if !s.executor.Stop(jobID) {
		http.Error(w, "job is not executing on this worker", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// verifiedCommand reads the body, checks the HMAC signature, and decodes the
// command envelope. An empty signing key disables verification.
func (s *Server) verifiedCommand(w http.ResponseWriter, r *http.Request) (*command.Command, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}

	if s.signingKey != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" || !command.Verify(body, sig, s.signingKey) {
			s.logger.Warn("rejected command with bad signature",
				"path", r.URL.Path, "commandType", r.Header.Get("X-Command-Type"))
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return nil, false
		}
	}

	var cmd command.Command
	if len(body) > 0 {
		if err := json.Unmarshal(body, &cmd); err != nil {
			http.Error(w, "invalid command body", http.StatusBadRequest)
			return nil, false
		}
	}
	return &cmd, true
}

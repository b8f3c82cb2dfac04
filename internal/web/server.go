// Package web serves the browser front end: a form that starts a pipeline
// run as a `stackcrew job` subprocess, live run logs backed by the run
// store, output downloads, and teardown of a run's infrastructure.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bgdnvk/stackcrew/internal/ai"
	"github.com/bgdnvk/stackcrew/internal/deploy"
	"github.com/bgdnvk/stackcrew/internal/logging"
	"github.com/bgdnvk/stackcrew/internal/metrics"
	"github.com/bgdnvk/stackcrew/internal/requirements"
	"github.com/bgdnvk/stackcrew/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

// Config controls where runs live and what they execute.
type Config struct {
	// WorkRoot holds one directory per run: job file, key and default output.
	WorkRoot string
	// Binary is the executable started with `job` and `destroy`. Defaults to
	// the running executable.
	Binary string
	// Env is the child environment. Defaults to os.Environ().
	Env []string
	// Provider is the LLM provider whose API key a run needs.
	Provider      string
	DefaultRegion string
}

// Server is the web UI HTTP server.
type Server struct {
	cfg       Config
	store     *store.Store
	log       *zap.Logger
	metrics   *metrics.Recorder
	templates *template.Template

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer prepares the work root and parses the embedded templates.
func NewServer(cfg Config, st *store.Store, log *zap.Logger, rec *metrics.Recorder) (*Server, error) {
	if st == nil {
		return nil, errors.New("web: run store is required")
	}
	if cfg.WorkRoot == "" {
		return nil, errors.New("web: work root is required")
	}
	abs, err := filepath.Abs(cfg.WorkRoot)
	if err != nil {
		return nil, err
	}
	cfg.WorkRoot = abs
	if err := os.MkdirAll(filepath.Join(cfg.WorkRoot, "runs"), 0o755); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}
	if cfg.Binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		cfg.Binary = exe
	}
	if cfg.Env == nil {
		cfg.Env = os.Environ()
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = "us-east-1"
	}
	if rec == nil {
		rec = metrics.Default()
	}

	tmpl, err := template.New("").Funcs(template.FuncMap{
		"since": func(t time.Time) string { return t.Local().Format("2006-01-02 15:04:05") },
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		store:     st,
		log:       logging.OrNop(log),
		metrics:   rec,
		templates: tmpl,
		ctx:       ctx,
		cancel:    cancel,
		active:    map[string]context.CancelFunc{},
	}, nil
}

// RegisterRoutes adds the UI routes to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)
	mux.HandleFunc("GET /runs/{id}/log", s.handleRunLog)
	mux.HandleFunc("GET /runs/{id}/download", s.handleDownload)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /runs/{id}/destroy", s.handleDestroy)
	mux.HandleFunc("POST /runs/{id}/delete", s.handleDelete)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts the
// listener down and stops any child still running.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		s.log.Info("shutting down web server")
		// ctx is already cancelled; shutdown needs its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http server shutdown failed", zap.Error(err))
		}
	}()

	s.log.Info("starting web server", zap.String("addr", addr), zap.String("work_root", s.cfg.WorkRoot))
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	s.Close()
	return nil
}

// Close cancels running children and waits for their logs to be stored.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

type page struct {
	Title   string
	Error   string
	Form    *Form
	Methods []string
	Runs    []store.Run
	Run     *store.Run
	Active  bool
}

func (s *Server) render(w http.ResponseWriter, status int, name string, p page) {
	p.Methods = []string{string(deploy.MethodAnsible), string(deploy.MethodSSH), string(deploy.MethodECS)}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.templates.ExecuteTemplate(w, name, p); err != nil {
		s.log.Error("failed to render template", zap.String("template", name), zap.Error(err))
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	s.render(w, http.StatusOK, "index.html", page{
		Title: "New run",
		Form:  &Form{Region: s.cfg.DefaultRegion, DeployMethod: string(deploy.MethodAnsible)},
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.List(r.Context(), 100)
	if err != nil {
		s.log.Error("failed to list runs", zap.Error(err))
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}
	s.render(w, http.StatusOK, "runs.html", page{Title: "Runs", Runs: runs})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 2*maxUpload)
	f, err := parseForm(r)
	if err != nil {
		s.render(w, http.StatusBadRequest, "index.html", page{Title: "New run", Error: err.Error(), Form: &Form{}})
		return
	}
	if err := f.Validate(s.cfg.Provider); err != nil {
		s.render(w, http.StatusBadRequest, "index.html", page{Title: "New run", Error: err.Error(), Form: f})
		return
	}

	id := uuid.NewString()
	runDir := s.runDir(id)
	outDir, err := s.outputDir(f.OutputDir, runDir)
	if err != nil {
		s.render(w, http.StatusBadRequest, "index.html", page{Title: "New run", Error: err.Error(), Form: f})
		return
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		s.fail(w, "Failed to create run directory", err)
		return
	}
	if len(f.PEM) > 0 {
		keyPath := filepath.Join(runDir, "key.pem")
		if err := os.WriteFile(keyPath, f.PEM, 0o600); err != nil {
			s.fail(w, "Failed to store key", err)
			return
		}
		f.SSHKeyPath = keyPath
	}
	jobPath := filepath.Join(runDir, "job.json")
	if err := f.Job(outDir).Save(jobPath); err != nil {
		s.fail(w, "Failed to write job file", err)
		return
	}

	project := ""
	if req, err := requirements.Parse([]byte(f.RequirementsJSON)); err == nil {
		project = req.Project
	}
	run, err := s.store.Create(r.Context(), store.Run{
		ID:           id,
		Kind:         "run",
		Project:      project,
		OutputDir:    outDir,
		Region:       f.Region,
		DeployMethod: f.DeployMethod,
	})
	if err != nil {
		s.fail(w, "Failed to record run", err)
		return
	}
	if err := s.saveEnv(run.ID, f.EnvVars); err != nil {
		s.log.Warn("failed to store run variables", zap.String("id", run.ID), zap.Error(err))
	}
	s.start(r.Context(), run.ID, []string{"job", jobPath}, envList(f.EnvVars))
	http.Redirect(w, r, "/runs/"+run.ID, http.StatusSeeOther)
}

// start launches the child, recording a launch failure on the run itself.
func (s *Server) start(ctx context.Context, id string, args, env []string) {
	if err := s.launch(id, args, env); err != nil {
		s.log.Error("failed to start run", zap.String("id", id), zap.Error(err))
		_ = s.store.AppendLog(ctx, id, fmt.Sprintf("Error: failed to start %s: %v\n", s.cfg.Binary, err))
		_ = s.store.Finish(ctx, id, store.StatusFailed, -1)
		s.metrics.IncRun("error")
	}
}

func (s *Server) runDir(id string) string {
	return filepath.Join(s.cfg.WorkRoot, "runs", id)
}

// envFile holds the form's extra variables so later runs on the same
// output (teardown) get the same credentials. It is removed with the run.
const envFile = "env.json"

func (s *Server) saveEnv(id string, vars map[string]string) error {
	if len(vars) == 0 {
		return nil
	}
	dir := s.runDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, envFile), data, 0o600)
}

func (s *Server) loadEnv(id string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(s.runDir(id), envFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	vars := map[string]string{}
	if err := json.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", envFile, err)
	}
	return vars, nil
}

// outputDir resolves the requested output directory. Relative paths are
// taken from the work root; every output must stay inside it so downloads
// and deletes cannot reach the rest of the filesystem.
func (s *Server) outputDir(requested, runDir string) (string, error) {
	if requested == "" {
		return filepath.Join(runDir, "output"), nil
	}
	if !filepath.IsAbs(requested) {
		requested = filepath.Join(s.cfg.WorkRoot, requested)
	}
	ok, err := within(s.cfg.WorkRoot, requested)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("output directory must be inside %s", s.cfg.WorkRoot)
	}
	return filepath.Clean(requested), nil
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*store.Run, bool) {
	run, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return nil, false
	}
	if err != nil {
		s.fail(w, "Failed to load run", err)
		return nil, false
	}
	return run, true
}

func (s *Server) isActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.render(w, http.StatusOK, "run.html", page{Title: "Run " + run.ID, Run: run, Active: s.isActive(run.ID)})
}

type logChunk struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Done     bool   `json:"done"`
	Offset   int    `json:"offset"`
	Chunk    string `json:"chunk"`
}

// handleRunLog returns the log past ?offset= so the page can poll for new
// output.
func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(w, r)
	if !ok {
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 || offset > len(run.Log) {
		offset = 0
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(logChunk{
		Status:   run.Status,
		ExitCode: run.ExitCode,
		Done:     run.Done(),
		Offset:   len(run.Log),
		Chunk:    run.Log[offset:],
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if st, err := os.Stat(run.OutputDir); err != nil || !st.IsDir() {
		http.Error(w, "Output directory not found", http.StatusNotFound)
		return
	}
	name := run.Project
	if name == "" {
		name = run.ID
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+"-output.zip"))
	if err := ZipDir(run.OutputDir, w); err != nil {
		s.log.Error("failed to stream output archive", zap.String("id", run.ID), zap.Error(err))
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.cancelRun(id) {
		http.Error(w, "Run is not active", http.StatusConflict)
		return
	}
	http.Redirect(w, r, "/runs/"+id, http.StatusSeeOther)
}

// handleDestroy tears down the infrastructure of a finished run as a new
// run of kind "destroy". Failing roots do not stop the others.
func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.isActive(run.ID) {
		http.Error(w, "Run is still active", http.StatusConflict)
		return
	}
	if st, err := os.Stat(run.OutputDir); err != nil || !st.IsDir() {
		http.Error(w, "Output directory not found", http.StatusNotFound)
		return
	}
	vars, err := s.loadEnv(run.ID)
	if err != nil {
		s.fail(w, "Failed to read run variables", err)
		return
	}
	d, err := s.store.Create(r.Context(), store.Run{
		Kind:         "destroy",
		Project:      run.Project,
		OutputDir:    run.OutputDir,
		Region:       run.Region,
		DeployMethod: run.DeployMethod,
	})
	if err != nil {
		s.fail(w, "Failed to record run", err)
		return
	}
	args := []string{"destroy", "--yes", "--continue-on-error", "--output-dir", run.OutputDir}
	if run.Region != "" {
		args = append(args, "--region", run.Region)
	}
	if err := s.saveEnv(d.ID, vars); err != nil {
		s.log.Warn("failed to store run variables", zap.String("id", d.ID), zap.Error(err))
	}
	s.start(r.Context(), d.ID, args, envList(vars))
	http.Redirect(w, r, "/runs/"+d.ID, http.StatusSeeOther)
}

// handleDelete removes a finished run's files and record.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.isActive(run.ID) {
		http.Error(w, "Run is still active", http.StatusConflict)
		return
	}
	dirs := []string{s.runDir(run.ID)}
	// A destroy run shares its output directory with the run it tore down.
	if run.Kind != "destroy" {
		dirs = append(dirs, run.OutputDir)
	}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := SafeRemove(s.cfg.WorkRoot, dir); err != nil {
			s.log.Warn("refusing to delete run files", zap.String("id", run.ID), zap.String("dir", dir), zap.Error(err))
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}
	if err := s.store.Delete(r.Context(), run.ID); err != nil {
		s.fail(w, "Failed to delete run", err)
		return
	}
	http.Redirect(w, r, "/runs", http.StatusSeeOther)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	n := len(s.active)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"active_runs": n,
		"provider":    s.cfg.Provider,
		"key_set":     ai.ResolveAPIKey(s.cfg.Provider, "") != "",
	})
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, zap.Error(err))
	http.Error(w, msg, http.StatusInternalServerError)
}

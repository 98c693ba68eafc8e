package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/dagflow/internal/domain"
	"github.com/animus-labs/dagflow/internal/graph"
	"github.com/animus-labs/dagflow/internal/history"
	"github.com/animus-labs/dagflow/internal/nodes"
	"github.com/animus-labs/dagflow/internal/orchestrator"
	"github.com/animus-labs/dagflow/internal/orchestrator/query"
	"github.com/animus-labs/dagflow/internal/platform/auditlog"
	"github.com/animus-labs/dagflow/internal/platform/httpserver"
)

const maxGraphBytes = 4 << 20

type runStarter interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (string, error)
}

type executionReader interface {
	BuildExecutionTree(ctx context.Context, baseDir, filter string) ([]*history.TreeItem[domain.Execution], error)
	GetExecutionByID(ctx context.Context, runID string) (domain.Execution, error)
	CountExecutions(ctx context.Context, filter string) (int64, error)
}

type nodeCatalog interface {
	Descriptors() []nodes.Descriptor
}

type flowsAPI struct {
	logger   *slog.Logger
	runs     runStarter
	history  executionReader
	catalog  nodeCatalog
	graphDir string
	audit    *auditlog.Recorder
}

func (api *flowsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /nodes", api.handleListNodes)
	mux.HandleFunc("POST /runs", api.handleStartRun)
	mux.HandleFunc("GET /executions/tree", api.handleExecutionTree)
	mux.HandleFunc("GET /executions/count", api.handleCountExecutions)
	mux.HandleFunc("GET /executions/{run_id}", api.handleGetExecution)
}

func (api *flowsAPI) handleListNodes(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"nodes": api.catalog.Descriptors()})
}

type startRunRequest struct {
	WorkflowID   string        `json:"workflow_id,omitempty"`
	WorkflowFile string        `json:"workflow_file,omitempty"`
	Graph        *domain.Graph `json:"graph,omitempty"`
}

func (api *flowsAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxGraphBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	var (
		g    domain.Graph
		file string
	)
	switch {
	case req.Graph != nil:
		g = *req.Graph
		if strings.TrimSpace(req.WorkflowFile) != "" {
			resolved, err := api.resolveGraphFile(req.WorkflowFile)
			if err != nil {
				httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_workflow_file", err.Error())
				return
			}
			file = resolved
		}
	case strings.TrimSpace(req.WorkflowFile) != "":
		resolved, err := api.resolveGraphFile(req.WorkflowFile)
		if err != nil {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_workflow_file", err.Error())
			return
		}
		loaded, err := loadGraph(resolved)
		if errors.Is(err, os.ErrNotExist) {
			httpserver.WriteError(w, r, http.StatusNotFound, "workflow_file_not_found", req.WorkflowFile)
			return
		}
		if err != nil {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_graph", err.Error())
			return
		}
		g, file = loaded, resolved
	default:
		httpserver.WriteError(w, r, http.StatusBadRequest, "graph_required", "provide graph or workflow_file")
		return
	}

	runID, err := api.runs.Start(r.Context(), orchestrator.StartRequest{
		WorkflowID:   strings.TrimSpace(req.WorkflowID),
		WorkflowFile: file,
		Graph:        g,
	})
	if err != nil {
		var verr *graph.ValidationError
		if errors.As(err, &verr) {
			httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_graph", "issues": verr.Issues})
			return
		}
		api.logger.Error("start run", "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
		return
	}

	api.audit.Request(r, "run.start", "workflow", g.ID, map[string]any{"run_id": runID, "workflow_file": file})
	httpserver.WriteJSON(w, http.StatusAccepted, map[string]any{"run_id": runID})
}

// resolveGraphFile maps a request path onto a file under the graph
// directory. Paths escaping the directory are rejected.
func (api *flowsAPI) resolveGraphFile(name string) (string, error) {
	if api.graphDir == "" {
		return "", errors.New("graph directory is not configured")
	}
	root, err := filepath.Abs(api.graphDir)
	if err != nil {
		return "", err
	}
	name = filepath.FromSlash(strings.TrimSpace(name))
	if !filepath.IsAbs(name) {
		name = filepath.Join(root, name)
	}
	resolved := filepath.Clean(name)
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the graph directory", name)
	}
	return resolved, nil
}

func loadGraph(path string) (domain.Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Graph{}, err
	}
	return graph.Parse(raw)
}

func (api *flowsAPI) handleExecutionTree(w http.ResponseWriter, r *http.Request) {
	baseDir := strings.TrimSpace(r.URL.Query().Get("base_dir"))
	if baseDir == "" {
		baseDir = api.graphDirAbs()
	}
	tree, err := api.history.BuildExecutionTree(r.Context(), baseDir, r.URL.Query().Get("query"))
	if err != nil {
		api.writeQueryError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"items": tree})
}

func (api *flowsAPI) handleCountExecutions(w http.ResponseWriter, r *http.Request) {
	count, err := api.history.CountExecutions(r.Context(), r.URL.Query().Get("query"))
	if err != nil {
		api.writeQueryError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"count": count})
}

func (api *flowsAPI) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := api.history.GetExecutionByID(r.Context(), r.PathValue("run_id"))
	if errors.Is(err, history.ErrNotFound) {
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", "")
		return
	}
	if err != nil {
		api.writeQueryError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, exec)
}

func (api *flowsAPI) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, query.ErrSyntax) || errors.Is(err, orchestrator.ErrInvalidToken) {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	api.logger.Error("execution query", "error", err)
	httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
}

func (api *flowsAPI) graphDirAbs() string {
	if api.graphDir == "" {
		return ""
	}
	if abs, err := filepath.Abs(api.graphDir); err == nil {
		return abs
	}
	return api.graphDir
}

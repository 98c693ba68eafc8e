// Package history replays orchestrator event logs into executions and a
// browsable execution tree. Nothing here is persisted.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/dagflow/internal/domain"
	"github.com/animus-labs/dagflow/internal/orchestrator"
	"github.com/animus-labs/dagflow/internal/orchestrator/query"
)

var ErrNotFound = errors.New("execution not found")

// Source is the read side of the orchestrator.
type Source interface {
	ListExecutions(ctx context.Context, query, token string) ([]orchestrator.ExecutionInfo, string, error)
	FetchHistory(ctx context.Context, runID string) ([]orchestrator.Event, error)
	CountExecutions(ctx context.Context, query string) (int64, error)
}

type Reconstructor struct {
	source Source
	cfg    Config
	logger *slog.Logger
}

func New(source Source, cfg Config, logger *slog.Logger) (*Reconstructor, error) {
	if source == nil {
		return nil, errors.New("orchestrator source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{source: source, cfg: cfg, logger: logger}, nil
}

// BuildExecutionTree lists every run matching filter, reconstructs each one
// and groups them by the category path of their workflow file.
func (r *Reconstructor) BuildExecutionTree(ctx context.Context, baseDir, filter string) ([]*TreeItem[domain.Execution], error) {
	infos, err := r.listAll(ctx, filter)
	if err != nil {
		return nil, err
	}

	executions := make([]domain.Execution, len(infos))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(r.cfg.FetchConcurrency)
	for i, info := range infos {
		group.Go(func() error {
			executions[i] = r.reconstruct(gctx, info)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tree := newTreeBuilder[domain.Execution](r.cfg.MaxSiblings, r.cfg.MaxDepth)
	for i, info := range infos {
		path := CategoryPath(info.SearchAttributes[orchestrator.AttrWorkflowFile], baseDir)
		tree.insert(path, info.RunID, &executions[i])
	}
	if tree.dropped > 0 {
		r.logger.Info("execution tree truncated", "dropped", tree.dropped, "max_siblings", r.cfg.MaxSiblings)
	}
	return tree.build(func(e *domain.Execution) time.Time { return e.CreatedAtTimestampUTC }), nil
}

// GetExecutionByID reconstructs a single run.
func (r *Reconstructor) GetExecutionByID(ctx context.Context, runID string) (domain.Execution, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Execution{}, ErrNotFound
	}
	filter := query.String(query.Compare{Attr: orchestrator.AttrRunID, Op: query.OpEq, Value: runID})
	infos, _, err := r.source.ListExecutions(ctx, filter, "")
	if err != nil {
		return domain.Execution{}, err
	}
	for _, info := range infos {
		if info.RunID == runID {
			return r.reconstruct(ctx, info), nil
		}
	}
	return domain.Execution{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
}

func (r *Reconstructor) CountExecutions(ctx context.Context, filter string) (int64, error) {
	return r.source.CountExecutions(ctx, filter)
}

// listAll drains the paginated listing.
func (r *Reconstructor) listAll(ctx context.Context, filter string) ([]orchestrator.ExecutionInfo, error) {
	var (
		all   []orchestrator.ExecutionInfo
		token string
		seen  = map[string]struct{}{}
	)
	for {
		page, next, err := r.source.ListExecutions(ctx, filter, token)
		if err != nil {
			return nil, fmt.Errorf("list executions: %w", err)
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		if _, repeated := seen[next]; repeated {
			return nil, fmt.Errorf("list executions: continuation token repeated")
		}
		seen[next] = struct{}{}
		token = next
	}
}

// reconstruct never fails: a run whose history cannot be read or decoded
// keeps its listed status and has empty outputs.
func (r *Reconstructor) reconstruct(ctx context.Context, info orchestrator.ExecutionInfo) domain.Execution {
	exec := domain.Execution{
		ID:                    info.RunID,
		WorkflowID:            info.WorkflowID,
		Status:                statusFromAttributes(info),
		NodeToOutputsMap:      domain.NodeOutputs{},
		CreatedAtTimestampUTC: info.StartTime.UTC(),
		UpdatesAtTimestampUTC: lastUpdate(nil, info),
	}
	logger := r.logger.With("run_id", info.RunID)

	events, err := r.source.FetchHistory(ctx, info.RunID)
	if err != nil {
		logger.Warn("fetch history failed", "error", err)
		return exec
	}
	exec.Status = DeriveStatus(events)
	exec.UpdatesAtTimestampUTC = lastUpdate(events, info)

	if outputs, err := DeriveOutputs(events); err != nil {
		logger.Warn("derive node outputs failed", "error", err)
	} else {
		exec.NodeToOutputsMap = outputs
	}

	snapshot, err := Snapshot(events)
	if err != nil {
		logger.Warn("decode workflow snapshot failed", "error", err)
	}
	OverlayNodeStatuses(snapshot, exec.NodeToOutputsMap, exec.Status)
	exec.WorkflowSnapshot = snapshot
	return exec
}

func statusFromAttributes(info orchestrator.ExecutionInfo) domain.ExecutionStatus {
	switch status := domain.ExecutionStatus(info.SearchAttributes[orchestrator.AttrExecutionStatus]); status {
	case domain.ExecutionStatusRunning, domain.ExecutionStatusCompleted, domain.ExecutionStatusFailed, domain.ExecutionStatusTimedOut:
		return status
	default:
		return domain.ExecutionStatusScheduled
	}
}

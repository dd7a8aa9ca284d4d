package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/luczsoma/rifle-import/internal/config"
	"github.com/luczsoma/rifle-import/internal/gitrepo"
	"github.com/luczsoma/rifle-import/internal/rifle"
	"github.com/luczsoma/rifle-import/internal/transform"
)

// Mode selects how the change set is computed for a run.
type Mode string

const (
	// ModeFull re-uploads every tracked file, bypassing incremental diffing.
	ModeFull Mode = "full"

	// ModeIncremental uploads only the differences since the last commit
	// the remote service has recorded for the revision.
	ModeIncremental Mode = "incremental"
)

// TransformFailure records a per-file transform error. The file is excluded
// from the change set; the run continues.
type TransformFailure struct {
	Path string
	Err  error
}

// Result summarizes one synchronization run.
type Result struct {
	Revision string
	Commit   string
	Mode     Mode

	// UpToDate is true when the remote already had the current commit and
	// nothing was uploaded.
	UpToDate bool

	Added    int
	Modified int
	Deleted  int

	TransformFailures []TransformFailure
}

// Engine orchestrates one synchronization run: resolve the local revision,
// look up the remote state, decide the mode, compute the change set and
// submit it. The remote service remains the sole authority for what was last
// uploaded; the engine keeps no state of its own between runs.
type Engine struct {
	cfg         *config.Config
	ignores     *config.IgnoreSet
	repo        gitrepo.Repository
	remote      rifle.Service
	transformer transform.Transformer
	logger      *slog.Logger
	fullResync  bool
	dryRun      bool
}

// NewEngine creates a new sync engine
func NewEngine(
	cfg *config.Config,
	ignores *config.IgnoreSet,
	repo gitrepo.Repository,
	remote rifle.Service,
	transformer transform.Transformer,
	logger *slog.Logger,
	fullResync, dryRun bool,
) *Engine {
	return &Engine{
		cfg:         cfg,
		ignores:     ignores,
		repo:        repo,
		remote:      remote,
		transformer: transformer,
		logger:      logger,
		fullResync:  fullResync,
		dryRun:      dryRun,
	}
}

// Run executes the complete synchronization process
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	revision, head, err := e.repo.Resolve()
	if err != nil {
		return nil, err
	}
	e.logger.Info("resolved repository",
		"revision", revision,
		"commit", head,
		"full_resync", e.fullResync,
		"dry_run", e.dryRun)

	last, recorded, err := e.remote.LastCommit(ctx, revision)
	if err != nil {
		return nil, fmt.Errorf("failed to look up remote revision state: %w", err)
	}

	mode := ModeIncremental
	if e.fullResync || !recorded {
		mode = ModeFull
	}

	result := &Result{Revision: revision, Commit: head, Mode: mode}

	if mode == ModeIncremental && head == last {
		e.logger.Info("current commit already uploaded, nothing to do",
			"revision", revision,
			"commit", head)
		result.UpToDate = true
		return result, nil
	}

	if recorded {
		e.logger.Info("remote revision state found", "last_commit", last)
	} else {
		e.logger.Info("no remote revision state, uploading full revision")
	}

	// Explicit full resync over existing remote state discards that state
	// first. This is destructive and deliberate.
	if e.fullResync && recorded {
		if e.dryRun {
			e.logger.Info("[dry-run] would delete remote revision state", "revision", revision)
		} else {
			e.logger.Warn("deleting remote revision state", "revision", revision, "last_commit", last)
			if err := e.remote.DeleteRevision(ctx, revision); err != nil {
				return nil, fmt.Errorf("failed to delete remote revision state: %w", err)
			}
		}
	}

	var raw []gitrepo.Change
	if mode == ModeFull {
		raw, err = e.repo.TrackedFiles(head)
	} else {
		raw, err = e.repo.DiffCommits(last, head)
	}
	if err != nil {
		return nil, err
	}

	cs := &rifle.ChangeSet{Revision: revision, CurrentCommit: head}
	if mode == ModeIncremental {
		cs.BaseCommit = last
	}
	e.buildChanges(ctx, cs, raw, result)

	e.logger.Info("change set computed",
		"mode", mode,
		"added", result.Added,
		"modified", result.Modified,
		"deleted", result.Deleted,
		"transform_failures", len(result.TransformFailures))

	if e.dryRun {
		e.logChangeSetDetails(cs)
		e.logger.Info("dry-run complete, no changes submitted")
		return result, nil
	}

	// An empty change set is still submitted: the service records the
	// current commit as the revision baseline, keeping re-runs cheap.
	if err := e.remote.UploadChangeSet(ctx, cs); err != nil {
		return nil, fmt.Errorf("failed to submit change set: %w", err)
	}

	e.logger.Info("synchronization complete", "revision", revision, "commit", head)
	return result, nil
}

// buildChanges filters the raw repository changes through the include
// patterns and the ignore set, runs the transform step over added and
// modified files, and appends the surviving entries to the change set in the
// repository's lexicographic order.
func (e *Engine) buildChanges(ctx context.Context, cs *rifle.ChangeSet, raw []gitrepo.Change, result *Result) {
	for _, ch := range raw {
		if !e.cfg.Included(ch.Path) {
			continue
		}
		// An ignored path is dropped entirely: it is neither uploaded nor
		// reported as deleted, even if an earlier run uploaded it under a
		// looser ignore file.
		if e.ignores.Ignored(ch.Path) {
			e.logger.Debug("skipping ignored path", "path", ch.Path)
			continue
		}

		switch ch.Action {
		case gitrepo.ActionDeleted:
			cs.Changes = append(cs.Changes, rifle.FileChange{Op: rifle.OpDeleted, Path: ch.Path})
			result.Deleted++

		case gitrepo.ActionAdded, gitrepo.ActionModified:
			content, err := e.transformer.Transform(ctx, ch.Path, ch.Content)
			if err != nil {
				e.logger.Warn("transform failed, skipping file", "path", ch.Path, "error", err)
				result.TransformFailures = append(result.TransformFailures, TransformFailure{Path: ch.Path, Err: err})
				continue
			}

			op := rifle.OpAdded
			if ch.Action == gitrepo.ActionModified {
				op = rifle.OpModified
				result.Modified++
			} else {
				result.Added++
			}
			cs.Changes = append(cs.Changes, rifle.FileChange{Op: op, Path: ch.Path, Content: content})
		}
	}
}

// logChangeSetDetails logs every entry of the change set for dry-run
func (e *Engine) logChangeSetDetails(cs *rifle.ChangeSet) {
	for _, ch := range cs.Changes {
		e.logger.Info("[dry-run] would submit", "op", ch.Op, "path", ch.Path, "bytes", len(ch.Content))
	}
}

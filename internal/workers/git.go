package workers

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// EventSink is how a worker adapter reports events back to the engine. The
// router implements this; adapters hold a sink rather than an engine
// reference so they never bypass the per-pipeline event ordering the router
// enforces.
type EventSink interface {
	Route(ctx context.Context, evt Event) error
}

// GitVCSWorker is a reference VCS worker that manipulates a real git
// checkout via the git CLI (adapted from the teacher's os/exec-wrapping
// style in internal/executor/git.go, generalized behind the abstract VCS
// worker contract instead of being called directly by task code). One
// GitVCSWorker serves one pipeline's repository clone.
type GitVCSWorker struct {
	name        string
	repoPath    string
	defaultBase string // the default branch name, e.g. "main"
	sink        EventSink
}

// NewGitVCSWorker constructs a VCS worker over a local clone at repoPath.
func NewGitVCSWorker(name, repoPath, defaultBase string, sink EventSink) *GitVCSWorker {
	return &GitVCSWorker{name: name, repoPath: repoPath, defaultBase: defaultBase, sink: sink}
}

func (g *GitVCSWorker) Name() string { return g.name }

// Dispatch performs the command asynchronously and reports the outcome as an
// Event through the sink, so the caller (the engine, via the router) is never
// blocked on a real git/network operation.
func (g *GitVCSWorker) Dispatch(cmd Command) error {
	switch cmd.Type {
	case CmdVCSMerge:
		go g.merge(cmd)
	case CmdVCSFastForward:
		go g.fastForward(cmd)
	case CmdVCSQueryTip:
		go g.queryTip(cmd)
	default:
		return fmt.Errorf("workers: git worker received unsupported command %s", cmd.Type)
	}
	return nil
}

func (g *GitVCSWorker) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *GitVCSWorker) currentTip(base string) (string, error) {
	if _, err := g.run("fetch", "origin", base); err != nil {
		return "", err
	}
	return g.run("rev-parse", "origin/"+base)
}

// merge speculatively merges pr_head onto the current default branch tip into
// a staging commit — the artifact CI actually tests.
func (g *GitVCSWorker) merge(cmd Command) {
	ctx := context.Background()
	base := g.defaultBase
	tip, err := g.currentTip(base)
	if err != nil {
		_ = g.sink.Route(ctx, Event{Type: EvtVCSMergeFailed, PipelineID: cmd.PipelineID, CorrelationID: cmd.CorrelationID, At: time.Now(), Reason: err.Error()})
		return
	}

	// Correlation ids contain ':', which git does not allow in a ref name.
	stagingBranch := "queued/staging/" + strings.ReplaceAll(cmd.CorrelationID, ":", "-")
	if _, err := g.run("checkout", "-B", stagingBranch, tip); err != nil {
		_ = g.sink.Route(ctx, Event{Type: EvtVCSMergeFailed, PipelineID: cmd.PipelineID, CorrelationID: cmd.CorrelationID, At: time.Now(), Reason: err.Error()})
		return
	}
	if _, err := g.run("merge", "--no-ff", "-m", cmd.Message, cmd.PRHead); err != nil {
		_, _ = g.run("merge", "--abort")
		_ = g.sink.Route(ctx, Event{Type: EvtVCSMergeFailed, PipelineID: cmd.PipelineID, CorrelationID: cmd.CorrelationID, At: time.Now(), Reason: "conflict"})
		return
	}
	sha, err := g.run("rev-parse", "HEAD")
	if err != nil {
		_ = g.sink.Route(ctx, Event{Type: EvtVCSMergeFailed, PipelineID: cmd.PipelineID, CorrelationID: cmd.CorrelationID, At: time.Now(), Reason: err.Error()})
		return
	}
	_ = g.sink.Route(ctx, Event{Type: EvtVCSMerged, PipelineID: cmd.PipelineID, CorrelationID: cmd.CorrelationID, At: time.Now(), Commit: sha})
}

// fastForward advances the default branch to staging, iff staging's lineage
// still descends from the freshly observed tip. A stale base yields
// EvtVCSFfwdStale rather than an error — the engine re-merges and retries.
func (g *GitVCSWorker) fastForward(cmd Command) {
	ctx := context.Background()
	tip, err := g.currentTip(g.defaultBase)
	if err != nil {
		_ = g.sink.Route(ctx, Event{Type: EvtVCSFfwdStale, PipelineID: cmd.PipelineID, CorrelationID: cmd.CorrelationID, At: time.Now(), Reason: err.Error()})
		return
	}
	if _, err := g.run("merge-base", "--is-ancestor", tip, cmd.Staging); err != nil {
		_ = g.sink.Route(ctx, Event{Type: EvtVCSFfwdStale, PipelineID: cmd.PipelineID, CorrelationID: cmd.CorrelationID, At: time.Now()})
		return
	}
	if _, err := g.run("push", "origin", cmd.Staging+":"+g.defaultBase); err != nil {
		if strings.Contains(err.Error(), "non-fast-forward") || strings.Contains(err.Error(), "fetch first") {
			_ = g.sink.Route(ctx, Event{Type: EvtVCSFfwdStale, PipelineID: cmd.PipelineID, CorrelationID: cmd.CorrelationID, At: time.Now()})
			return
		}
		_ = g.sink.Route(ctx, Event{Type: EvtVCSFfwdStale, PipelineID: cmd.PipelineID, CorrelationID: cmd.CorrelationID, At: time.Now(), Reason: err.Error()})
		return
	}
	_ = g.sink.Route(ctx, Event{Type: EvtVCSFfwdOK, PipelineID: cmd.PipelineID, CorrelationID: cmd.CorrelationID, At: time.Now(), Commit: cmd.Staging})
}

func (g *GitVCSWorker) queryTip(cmd Command) {
	ctx := context.Background()
	tip, err := g.currentTip(g.defaultBase)
	if err != nil {
		return
	}
	_ = g.sink.Route(ctx, Event{Type: EvtVCSTipReported, PipelineID: cmd.PipelineID, CorrelationID: cmd.CorrelationID, At: time.Now(), Commit: tip})
}

package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/aixgo-dev/contextguard/pkg/ledger"
)

// LedgerSource is the usage ledger as seen by the bundle manager.
type LedgerSource interface {
	Snapshot() ledger.Snapshot
	Session() ledger.Session
	Budgets() map[ledger.Scope]ledger.Budget
	ActiveActors() []string
}

// Restorer accepts restored usage. *ledger.Ledger implements it.
type Restorer interface {
	Restore(ctx context.Context, in ledger.RestoreInput) error
}

// SessionInfo is runtime state the ledger does not track.
type SessionInfo struct {
	ActiveActor      string
	WorkingDirectory string
	Baseline         int64
	Priming          int64
	Knowledge        json.RawMessage
	BackgroundTasks  []string
	Dependencies     []string
}

// SessionSource supplies runtime session state at save time.
type SessionSource interface {
	SessionInfo(ctx context.Context) (SessionInfo, error)
}

// SessionFunc adapts a function to SessionSource.
type SessionFunc func(ctx context.Context) (SessionInfo, error)

// SessionInfo implements SessionSource.
func (f SessionFunc) SessionInfo(ctx context.Context) (SessionInfo, error) { return f(ctx) }

// VCSProbe reports the version-control state of a directory.
type VCSProbe interface {
	Probe(ctx context.Context, dir string) (*VCSState, error)
}

// GitProbe shells out to git.
type GitProbe struct {
	// Binary defaults to "git".
	Binary  string
	Timeout time.Duration
}

// Probe implements VCSProbe. A directory outside a work tree yields nil.
func (g GitProbe) Probe(ctx context.Context, dir string) (*VCSState, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := func(args ...string) (string, error) {
		bin := g.Binary
		if bin == "" {
			bin = "git"
		}
		cmd := exec.CommandContext(ctx, bin, args...)
		cmd.Dir = dir
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
		return strings.TrimSpace(stdout.String()), nil
	}

	if inside, err := run("rev-parse", "--is-inside-work-tree"); err != nil || inside != "true" {
		return nil, nil //nolint:nilerr // not a repository
	}

	state := &VCSState{}
	// symbolic-ref works before the first commit; it fails on a detached HEAD.
	state.Branch, _ = run("symbolic-ref", "--short", "HEAD")
	state.Commit, _ = run("rev-parse", "HEAD")
	status, err := run("status", "--porcelain")
	if err != nil {
		return nil, err
	}
	state.Dirty = status != ""
	state.Remote, _ = run("config", "--get", "remote.origin.url")
	return state, nil
}

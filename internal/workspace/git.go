package workspace

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// gitResult carries the combined output of one git invocation.
type gitResult struct {
	output string
	err    error
}

func (r gitResult) ok() bool {
	return r.err == nil
}

// errorText returns the git output when present (it is almost always more
// useful than the exec error), falling back to the error string.
func (r gitResult) errorText() string {
	out := strings.TrimSpace(r.output)
	if out != "" {
		return out
	}
	if r.err != nil {
		return r.err.Error()
	}
	return ""
}

// runGit executes a git command in dir with a bounded deadline.
func runGit(ctx context.Context, dir string, timeout time.Duration, args ...string) gitResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	return gitResult{output: string(output), err: err}
}

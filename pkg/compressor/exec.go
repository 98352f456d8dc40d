package compressor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/aixgo-dev/contextguard/pkg/faults"
)

// ExecCompressor runs an external compressor process. The process receives
// content on stdin and the arguments
//
//	compress --target-reduction F --preservation-threshold F --max-time N [--aggressive-mode]
//
// and prints a JSON Result on stdout. Failures are reported on stderr as
// {"status":"error","error":"..."} with a non-zero exit code.
type ExecCompressor struct {
	// Command is the executable followed by any leading arguments,
	// e.g. ["python3", "semantic-compressor.py"].
	Command []string
	// Grace is added to the request's MaxTime before the process is killed.
	Grace time.Duration
}

// NewExecCompressor returns a compressor running command.
func NewExecCompressor(command ...string) *ExecCompressor {
	return &ExecCompressor{Command: command, Grace: time.Second}
}

// Args returns the arguments passed to the process for req.
func Args(req Request) []string {
	maxTime := int(req.MaxTime.Round(time.Second) / time.Second)
	if maxTime < 1 {
		maxTime = 1
	}
	args := []string{
		"compress",
		"--target-reduction", strconv.FormatFloat(req.TargetReductionPercent/100, 'f', -1, 64),
		"--preservation-threshold", strconv.FormatFloat(req.PreservationThreshold, 'f', -1, 64),
		"--max-time", strconv.Itoa(maxTime),
	}
	if req.Aggressive {
		args = append(args, "--aggressive-mode")
	}
	return args
}

// waitDelay bounds how long output pipes are drained after the process is
// killed, in case it left children holding them.
const waitDelay = 500 * time.Millisecond

type processError struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Compress implements Compressor.
func (e *ExecCompressor) Compress(ctx context.Context, req Request) (Result, error) {
	if len(e.Command) == 0 {
		return Result{}, faults.Configurationf("compressor.exec", "no compressor command configured")
	}
	if strings.TrimSpace(req.Content) == "" {
		return Result{Status: "success"}, nil
	}

	if req.MaxTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.MaxTime+e.Grace)
		defer cancel()
	}

	argv := append(append([]string{}, e.Command[1:]...), Args(req)...)
	cmd := exec.CommandContext(ctx, e.Command[0], argv...) // #nosec G204 -- operator configured command
	cmd.Stdin = strings.NewReader(req.Content)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, faults.Transient("compressor.exec", fmt.Errorf("compressor timed out: %w", ctx.Err()))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, faults.Transient("compressor.exec", fmt.Errorf("compressor exited %d: %s", exitErr.ExitCode(), describeStderr(stderr.Bytes())))
		}
		return Result{}, faults.Transient("compressor.exec", fmt.Errorf("run compressor: %w", err))
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return Result{}, faults.Transient("compressor.exec", fmt.Errorf("decode compressor output: %w", err))
	}
	if res.Status != "" && res.Status != "success" {
		return Result{}, faults.Transient("compressor.exec", fmt.Errorf("compressor status %q", res.Status))
	}
	if res.TokensSaved < 0 {
		res.TokensSaved = 0
	}
	return res, nil
}

// describeStderr extracts the error of a JSON failure report, falling back
// to the last stderr line.
func describeStderr(stderr []byte) string {
	lines := strings.Split(strings.TrimSpace(string(stderr)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		var pe processError
		if json.Unmarshal([]byte(lines[i]), &pe) == nil && pe.Error != "" {
			return pe.Error
		}
	}
	if len(lines) == 0 || lines[len(lines)-1] == "" {
		return "no diagnostics"
	}
	return lines[len(lines)-1]
}

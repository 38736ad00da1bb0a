// Package launcher implements the Child Launcher (C6): output path
// derivation, the collector environment contract, subprocess supervision,
// and the completion contract that turns a child's exit into a tagged
// Outcome.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/esdataapp/orchestrator/internal/config"
	"github.com/esdataapp/orchestrator/internal/types"
)

// Outcome is the tagged result of one child-process invocation (§9: a
// tagged outcome value in place of exceptions).
type Outcome struct {
	Success       bool
	OutputPath    string
	FailureReason string
}

// CommandSpec describes one child invocation, independent of how it is
// actually executed.
type CommandSpec struct {
	Dir  string
	Path string
	Args []string
	Env  []string
}

// CommandResult is what running a CommandSpec produced.
type CommandResult struct {
	ExitCode int
	SpawnErr error // non-nil only if the process never started
}

// commandExecutor is the swappable execution seam (grounded on the
// teacher's commandExecutor/execCommand pattern), generalized to stream
// output lines and to respect cancellation.
type commandExecutor func(ctx context.Context, spec CommandSpec, onLine func(line string)) CommandResult

// execCommand is the package-level executor; tests replace it with a fake
// so no real child process is ever spawned in the test suite.
var execCommand commandExecutor = runCommand

func runCommand(ctx context.Context, spec CommandSpec, onLine func(string)) CommandResult {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return CommandResult{SpawnErr: err}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return CommandResult{SpawnErr: err}
	}
	pw.Close() // parent's copy; the child holds the other reference

	done := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			onLine(scanner.Text())
		}
		close(done)
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-waitErr
		pr.Close()
		<-done
		return CommandResult{ExitCode: -1, SpawnErr: ctx.Err()}
	case err := <-waitErr:
		pr.Close()
		<-done
		if err == nil {
			return CommandResult{ExitCode: 0}
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return CommandResult{ExitCode: exitErr.ExitCode()}
		}
		return CommandResult{SpawnErr: err}
	}
}

// Launcher translates a WorkItem into exactly one child invocation and
// enforces the output contract (§4.6).
type Launcher struct {
	DataRoot       string
	CollectorsRoot string
	Logger         *slog.Logger
	Timeout        time.Duration // 0 disables the wall-clock bound

	// ExecutablePath resolves a collector name to the program to run.
	// Defaults to joining CollectorsRoot with the collector name.
	ExecutablePath func(collectorName string) string
}

// New constructs a Launcher with defaults filled in.
func New(dataRoot, collectorsRoot string, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		DataRoot:       dataRoot,
		CollectorsRoot: collectorsRoot,
		Logger:         logger,
	}
}

func (l *Launcher) resolvePath(collectorName string) string {
	if l.ExecutablePath != nil {
		return l.ExecutablePath(collectorName)
	}
	return filepath.Join(l.CollectorsRoot, collectorName)
}

// OutputPath derives the deterministic path for item's output file (§4.6).
func OutputPath(dataRoot, monthYear string, executionNumber int, item *types.WorkItem) string {
	filename := item.OutputFilename(monthYear, executionNumber)
	return filepath.Join(dataRoot, item.SiteCode, item.CityCode, item.OperationCode, item.ProductCode,
		monthYear, fmt.Sprintf("%02d", executionNumber), filename)
}

// BuildEnv constructs the COLLECTOR_* environment contract for item (§4.6,
// §6). base is merged in first so the child inherits the parent's PATH etc.
func BuildEnv(base []string, item *types.WorkItem, outputPath, collectorsRoot, batchID string, siteCfg config.SiteConfig) []string {
	mode := "url"
	if item.Stage == types.StageDetail {
		mode = "detail"
	}

	env := append([]string{}, base...)
	env = append(env,
		"COLLECTOR_MODE="+mode,
		"COLLECTOR_OUTPUT_FILE="+outputPath,
		"COLLECTOR_BASE_DIR="+collectorsRoot,
		"COLLECTOR_BATCH_ID="+batchID,
		"COLLECTOR_SITE_CODE="+item.SiteCode,
		"COLLECTOR_CITY_CODE="+item.CityCode,
		"COLLECTOR_OPERATION_CODE="+item.OperationCode,
		"COLLECTOR_PRODUCT_CODE="+item.ProductCode,
		"COLLECTOR_INPUT_URL="+item.SeedURL,
	)
	if siteCfg.MaxPagesPerSession > 0 {
		env = append(env, fmt.Sprintf("COLLECTOR_MAX_PAGES=%d", siteCfg.MaxPagesPerSession))
	}
	if siteCfg.RateLimitSeconds > 0 {
		env = append(env, fmt.Sprintf("COLLECTOR_RATE_LIMIT=%g", siteCfg.RateLimitSeconds))
	}
	if item.Stage == types.StageDetail {
		env = append(env, "COLLECTOR_URL_LIST_FILE="+item.DependencyPath)
	}
	return env
}

// Launch runs item's collector to completion (or until Timeout elapses) and
// returns its Outcome. It performs the detail-stage dependency preflight,
// output-path directory creation, environment construction, subprocess
// supervision with merged/line-forwarded stdout+stderr, and the completion
// contract in §4.6.
func (l *Launcher) Launch(ctx context.Context, item *types.WorkItem, monthYear string, executionNumber int, batchID string, siteCfg config.SiteConfig) Outcome {
	if item.Stage == types.StageDetail {
		if info, err := os.Stat(item.DependencyPath); err != nil || info.Size() == 0 {
			return Outcome{FailureReason: "missing dependency"}
		}
	}

	outputPath := OutputPath(l.DataRoot, monthYear, executionNumber, item)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return Outcome{FailureReason: fmt.Sprintf("create output directory: %v", err)}
	}

	spec := CommandSpec{
		Dir:  l.CollectorsRoot,
		Path: l.resolvePath(item.CollectorName),
		Env:  BuildEnv(os.Environ(), item, outputPath, l.CollectorsRoot, batchID, siteCfg),
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if l.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	collectorLog := l.Logger.With("collector", item.CollectorName, "site", item.SiteCode)
	result := execCommand(runCtx, spec, func(line string) {
		collectorLog.Info(line)
	})

	if result.SpawnErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return Outcome{FailureReason: "timeout"}
		}
		return Outcome{FailureReason: fmt.Sprintf("spawn error: %v", result.SpawnErr)}
	}

	if result.ExitCode != 0 {
		return Outcome{FailureReason: fmt.Sprintf("exit %d", result.ExitCode)}
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return Outcome{FailureReason: "empty output"}
	}

	return Outcome{Success: true, OutputPath: outputPath}
}

package launcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/esdataapp/orchestrator/internal/config"
	"github.com/esdataapp/orchestrator/internal/types"
)

// stubExecutor replaces the package-level execCommand for the duration of a
// test, restoring it on cleanup, mirroring the teacher's CommandMock.Install.
func stubExecutor(t *testing.T, fn commandExecutor) {
	t.Helper()
	orig := execCommand
	execCommand = fn
	t.Cleanup(func() { execCommand = orig })
}

func newTestItem(stage types.Stage, dependencyPath string) *types.WorkItem {
	w := &types.WorkItem{
		CollectorName: "i24",
		SiteCode:      "A",
		CityCode:      "X",
		OperationCode: "S",
		ProductCode:   "P",
		SeedURL:       "https://example.test",
		Order:         1,
		Stage:         stage,
		DependencyPath: dependencyPath,
	}
	return w
}

func TestLaunchSuccessWritesOutputAndReturnsPath(t *testing.T) {
	dataRoot := t.TempDir()
	collectorsRoot := t.TempDir()

	stubExecutor(t, func(ctx context.Context, spec CommandSpec, onLine func(string)) CommandResult {
		outputPath := envValue(spec.Env, "COLLECTOR_OUTPUT_FILE")
		if err := os.WriteFile(outputPath, []byte("site,city\nA,X\n"), 0o644); err != nil {
			t.Fatalf("write fake output: %v", err)
		}
		return CommandResult{ExitCode: 0}
	})

	l := New(dataRoot, collectorsRoot, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	item := newTestItem(types.StagePrimary, "")

	outcome := l.Launch(context.Background(), item, "sep25", 1, "sep25_01", config.SiteConfig{})
	if !outcome.Success {
		t.Fatalf("expected success, got failure reason %q", outcome.FailureReason)
	}
	if outcome.OutputPath == "" {
		t.Fatal("expected non-empty output path")
	}
}

func TestLaunchEmptyOutputIsFailure(t *testing.T) {
	dataRoot := t.TempDir()
	stubExecutor(t, func(ctx context.Context, spec CommandSpec, onLine func(string)) CommandResult {
		outputPath := envValue(spec.Env, "COLLECTOR_OUTPUT_FILE")
		os.WriteFile(outputPath, []byte{}, 0o644)
		return CommandResult{ExitCode: 0}
	})

	l := New(dataRoot, t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	outcome := l.Launch(context.Background(), newTestItem(types.StagePrimary, ""), "sep25", 1, "sep25_01", config.SiteConfig{})
	if outcome.Success || outcome.FailureReason != "empty output" {
		t.Fatalf("expected empty output failure, got %+v", outcome)
	}
}

func TestLaunchNonZeroExitIsFailure(t *testing.T) {
	dataRoot := t.TempDir()
	stubExecutor(t, func(ctx context.Context, spec CommandSpec, onLine func(string)) CommandResult {
		return CommandResult{ExitCode: 2}
	})

	l := New(dataRoot, t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	outcome := l.Launch(context.Background(), newTestItem(types.StagePrimary, ""), "sep25", 1, "sep25_01", config.SiteConfig{})
	if outcome.Success || outcome.FailureReason != "exit 2" {
		t.Fatalf("expected exit 2 failure, got %+v", outcome)
	}
}

func TestLaunchMissingDependencyPreflightFailsWithoutSpawning(t *testing.T) {
	dataRoot := t.TempDir()
	spawned := false
	stubExecutor(t, func(ctx context.Context, spec CommandSpec, onLine func(string)) CommandResult {
		spawned = true
		return CommandResult{ExitCode: 0}
	})

	l := New(dataRoot, t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	item := newTestItem(types.StageDetail, filepath.Join(dataRoot, "does-not-exist.csv"))
	outcome := l.Launch(context.Background(), item, "sep25", 1, "sep25_01", config.SiteConfig{})

	if outcome.Success || outcome.FailureReason != "missing dependency" {
		t.Fatalf("expected missing dependency failure, got %+v", outcome)
	}
	if spawned {
		t.Fatal("expected no child process to be spawned on preflight failure")
	}
}

func TestLaunchDetailItemReceivesURLListFile(t *testing.T) {
	dataRoot := t.TempDir()
	depPath := filepath.Join(dataRoot, "upstream.csv")
	os.WriteFile(depPath, []byte("u\n"), 0o644)

	var seenEnv []string
	stubExecutor(t, func(ctx context.Context, spec CommandSpec, onLine func(string)) CommandResult {
		seenEnv = spec.Env
		outputPath := envValue(spec.Env, "COLLECTOR_OUTPUT_FILE")
		os.WriteFile(outputPath, []byte("row\n"), 0o644)
		return CommandResult{ExitCode: 0}
	})

	l := New(dataRoot, t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	item := newTestItem(types.StageDetail, depPath)
	outcome := l.Launch(context.Background(), item, "sep25", 1, "sep25_01", config.SiteConfig{})

	if !outcome.Success {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if envValue(seenEnv, "COLLECTOR_URL_LIST_FILE") != depPath {
		t.Fatalf("expected COLLECTOR_URL_LIST_FILE=%s, got %q", depPath, envValue(seenEnv, "COLLECTOR_URL_LIST_FILE"))
	}
	if envValue(seenEnv, "COLLECTOR_MODE") != "detail" {
		t.Fatalf("expected COLLECTOR_MODE=detail, got %q", envValue(seenEnv, "COLLECTOR_MODE"))
	}
}

func TestLaunchHonorsSiteConfigEnv(t *testing.T) {
	dataRoot := t.TempDir()
	var seenEnv []string
	stubExecutor(t, func(ctx context.Context, spec CommandSpec, onLine func(string)) CommandResult {
		seenEnv = spec.Env
		outputPath := envValue(spec.Env, "COLLECTOR_OUTPUT_FILE")
		os.WriteFile(outputPath, []byte("row\n"), 0o644)
		return CommandResult{ExitCode: 0}
	})

	l := New(dataRoot, t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	siteCfg := config.SiteConfig{MaxPagesPerSession: 5, RateLimitSeconds: 1.5}
	l.Launch(context.Background(), newTestItem(types.StagePrimary, ""), "sep25", 1, "sep25_01", siteCfg)

	if envValue(seenEnv, "COLLECTOR_MAX_PAGES") != "5" {
		t.Fatalf("expected COLLECTOR_MAX_PAGES=5, got %q", envValue(seenEnv, "COLLECTOR_MAX_PAGES"))
	}
	if envValue(seenEnv, "COLLECTOR_RATE_LIMIT") != "1.5" {
		t.Fatalf("expected COLLECTOR_RATE_LIMIT=1.5, got %q", envValue(seenEnv, "COLLECTOR_RATE_LIMIT"))
	}
}

func TestLaunchTimeoutReportsTimeoutReason(t *testing.T) {
	dataRoot := t.TempDir()
	stubExecutor(t, func(ctx context.Context, spec CommandSpec, onLine func(string)) CommandResult {
		<-ctx.Done()
		return CommandResult{ExitCode: -1, SpawnErr: ctx.Err()}
	})

	l := New(dataRoot, t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	l.Timeout = 10 * time.Millisecond
	outcome := l.Launch(context.Background(), newTestItem(types.StagePrimary, ""), "sep25", 1, "sep25_01", config.SiteConfig{})

	if outcome.Success || outcome.FailureReason != "timeout" {
		t.Fatalf("expected timeout failure, got %+v", outcome)
	}
}

func TestOutputPathPrimaryCarriesURLInfix(t *testing.T) {
	item := &types.WorkItem{SiteCode: "A", CityCode: "X", OperationCode: "S", ProductCode: "P", Stage: types.StagePrimary}
	path := OutputPath("/data", "sep25", 1, item)
	want := filepath.Join("/data", "A", "X", "S", "P", "sep25", "01", "AURL_X_S_P_sep25_01.csv")
	if path != want {
		t.Fatalf("expected %s, got %s", want, path)
	}
}

func TestOutputPathDetailOmitsURLInfix(t *testing.T) {
	item := &types.WorkItem{SiteCode: "A", CityCode: "X", OperationCode: "S", ProductCode: "P", Stage: types.StageDetail}
	path := OutputPath("/data", "sep25", 1, item)
	want := filepath.Join("/data", "A", "X", "S", "P", "sep25", "01", "A_X_S_P_sep25_01.csv")
	if path != want {
		t.Fatalf("expected %s, got %s", want, path)
	}
}

func envValue(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):]
		}
	}
	return ""
}

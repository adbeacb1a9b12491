package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/spotguard/internal/checkpoint"
	"github.com/psantana5/spotguard/internal/config"
	"github.com/psantana5/spotguard/internal/report"
	"github.com/psantana5/spotguard/internal/stager"
	"github.com/psantana5/spotguard/pkg/models"
	"github.com/psantana5/spotguard/pkg/retry"
	"github.com/psantana5/spotguard/pkg/storage"
)

// uploadLog wraps the local store and records every upload to the output
// prefix, including whether the worker was still alive at that moment.
type uploadLog struct {
	storage.Store
	dest    string
	pidFile string

	inFlight atomic.Int32
	overlap  atomic.Bool

	mu      sync.Mutex
	uploads []bool // worker alive per upload
}

func (u *uploadLog) Sync(ctx context.Context, src, dst string, opts storage.SyncOptions) (storage.SyncStats, error) {
	if dst != u.dest {
		return u.Store.Sync(ctx, src, dst, opts)
	}
	if u.inFlight.Add(1) > 1 {
		u.overlap.Store(true)
	}
	defer u.inFlight.Add(-1)

	u.mu.Lock()
	u.uploads = append(u.uploads, u.workerAlive())
	u.mu.Unlock()
	return u.Store.Sync(ctx, src, dst, opts)
}

func (u *uploadLog) workerAlive() bool {
	raw, err := os.ReadFile(u.pidFile)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func (u *uploadLog) snapshot() []bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]bool(nil), u.uploads...)
}

type fixture struct {
	cfg     *config.Config
	store   *uploadLog
	history *report.SyncHistory
	input   string
	output  string
	sup     *Supervisor
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newFixture builds a supervisor whose worker is a shell script. The script
// sees the worker arguments as $1.. and records its pid in the output tree.
func newFixture(t *testing.T, script string, inputs map[string]string) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		input:  filepath.Join(root, "durable", "in"),
		output: filepath.Join(root, "durable", "out"),
	}
	require.NoError(t, os.MkdirAll(f.input, 0o755))
	for name, content := range inputs {
		writeFile(t, filepath.Join(f.input, name), content)
	}

	workdir := filepath.Join(root, "work")
	f.cfg = &config.Config{
		JobID:            "job-test",
		InputURI:         f.input,
		OutputURI:        f.output,
		APIKeyEnv:        "SPOTGUARD_TEST_KEY",
		APIKey:           "secret",
		Iterations:       5,
		WorkDir:          workdir,
		WorkerCommand:    []string{"/bin/sh", "-c", `echo $$ > "$4/worker.pid"; ` + script, "worker"},
		ProgramFile:      config.DefaultProgramFile,
		EvaluatorFile:    config.DefaultEvaluatorFile,
		WorkerConfigFile: config.DefaultWorkerConfigFile,
		CheckpointMarker: config.DefaultCheckpointMarker,
		SyncInterval:     time.Hour,
		GracePeriod:      5 * time.Second,
		PollInterval:     10 * time.Millisecond,
		Excludes:         config.DefaultExcludes,
	}
	f.store = &uploadLog{
		Store:   storage.NewLocal(),
		dest:    f.output,
		pidFile: filepath.Join(workdir, "output", "worker.pid"),
	}
	f.history = report.NewSyncHistory(1000)
	return f
}

func (f *fixture) build(t *testing.T) *Supervisor {
	t.Helper()
	fast := retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
	sup, err := New(Options{Config: f.cfg, Store: f.store, History: f.history, Retry: &fast})
	require.NoError(t, err)
	f.sup = sup
	return sup
}

func (f *fixture) finalSyncs() int {
	n := 0
	for _, rec := range f.history.Recent(0) {
		if rec.Kind == report.SyncFinal {
			n++
		}
	}
	return n
}

func (f *fixture) report(t *testing.T) models.Report {
	t.Helper()
	r, err := report.ReadReport(report.ReportPath(filepath.Join(f.output, ".spotguard"), f.cfg.Attempt))
	require.NoError(t, err)
	return r
}

var validInputs = map[string]string{
	"initial_program.py": "print('hi')\n",
	"evaluator.py":       "def evaluate(path): return {}\n",
}

func TestNaturalExitCodePropagates(t *testing.T) {
	f := newFixture(t, `echo result > "$4/best.txt"; exit 7`, validInputs)
	code := f.build(t).Run(context.Background())

	assert.Equal(t, 7, code)
	assert.Equal(t, models.StateExited, f.sup.State())
	assert.Equal(t, 1, f.finalSyncs())
	assert.FileExists(t, filepath.Join(f.output, "best.txt"))

	r := f.report(t)
	assert.Equal(t, models.ExitPathNatural, r.Path)
	assert.Equal(t, 7, r.WorkerExitCode)
	assert.Equal(t, 7, r.ExitCode)
	assert.FileExists(t, filepath.Join(f.output, ".spotguard", MetricsFile))
}

func TestNaturalSuccess(t *testing.T) {
	f := newFixture(t, `exit 0`, validInputs)
	assert.Equal(t, 0, f.build(t).Run(context.Background()))
	assert.Equal(t, "success", f.report(t).WorkerReason)
}

func TestMissingEvaluatorIsFatalWithoutWorkerOrSync(t *testing.T) {
	f := newFixture(t, `touch "$4/ran"; exit 0`, map[string]string{
		"initial_program.py": "print('hi')\n",
	})
	code := f.build(t).Run(context.Background())

	assert.Equal(t, ExitConfig, code)
	assert.Equal(t, models.StateExited, f.sup.State())
	assert.NoFileExists(t, filepath.Join(f.cfg.WorkDir, "output", "ran"))
	assert.Empty(t, f.store.snapshot(), "nothing may be uploaded")
	assert.NoDirExists(t, f.output)
}

func TestWorkerReceivesArgumentsAndCredential(t *testing.T) {
	inputs := map[string]string{"config.yaml": "llm:\n  model: x\n"}
	for k, v := range validInputs {
		inputs[k] = v
	}
	f := newFixture(t, `echo "$@" > "$4/args.txt"; echo "$SPOTGUARD_TEST_KEY" > "$4/key.txt"`, inputs)
	require.Equal(t, 0, f.build(t).Run(context.Background()))

	args, err := os.ReadFile(filepath.Join(f.output, "args.txt"))
	require.NoError(t, err)
	work := f.cfg.WorkDir
	assert.Equal(t, strings.Join([]string{
		filepath.Join(work, "input", "initial_program.py"),
		filepath.Join(work, "input", "evaluator.py"),
		"--output", filepath.Join(work, "output"),
		"--iterations", "5",
		"--config", filepath.Join(work, "input", "config.yaml"),
	}, " ")+"\n", string(args))

	key, err := os.ReadFile(filepath.Join(f.output, "key.txt"))
	require.NoError(t, err)
	assert.Equal(t, "secret\n", string(key))
}

func TestRetryResumesFromHighestRemoteCheckpoint(t *testing.T) {
	f := newFixture(t, `echo "$@" > "$4/args.txt"`, validInputs)
	for _, n := range []string{"3", "10"} {
		dir := filepath.Join(f.output, "checkpoints", "checkpoint_"+n)
		writeFile(t, filepath.Join(dir, "metadata.json"), "{}")
		writeFile(t, filepath.Join(dir, "best_program.py"), "v"+n)
	}
	f.cfg.Attempt = 1

	require.Equal(t, 0, f.build(t).Run(context.Background()))

	local := filepath.Join(f.cfg.WorkDir, "output", "checkpoints")
	assert.DirExists(t, filepath.Join(local, "checkpoint_3"))
	args, err := os.ReadFile(filepath.Join(f.output, "args.txt"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(args)),
		"--checkpoint "+filepath.Join(local, "checkpoint_10")), string(args))
	assert.Equal(t, "checkpoint_10", f.report(t).ResumedFrom)
}

func TestFirstAttemptIgnoresRemoteCheckpoints(t *testing.T) {
	f := newFixture(t, `echo "$@" > "$4/args.txt"`, validInputs)
	writeFile(t, filepath.Join(f.output, "checkpoints", "checkpoint_4", "metadata.json"), "{}")

	require.Equal(t, 0, f.build(t).Run(context.Background()))

	assert.NoDirExists(t, filepath.Join(f.cfg.WorkDir, "output", "checkpoints", "checkpoint_4"))
	args, err := os.ReadFile(filepath.Join(f.output, "args.txt"))
	require.NoError(t, err)
	assert.NotContains(t, string(args), "--checkpoint")
}

// run starts the supervisor and waits for the worker to be up.
func run(t *testing.T, f *fixture) <-chan int {
	t.Helper()
	sup := f.build(t)
	done := make(chan int, 1)
	go func() { done <- sup.Run(context.Background()) }()

	ready := filepath.Join(f.cfg.WorkDir, "output", "ready")
	require.Eventually(t, func() bool {
		_, err := os.Stat(ready)
		return err == nil
	}, 10*time.Second, 5*time.Millisecond)
	return done
}

func await(t *testing.T, done <-chan int) int {
	t.Helper()
	select {
	case code := <-done:
		return code
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor did not exit")
		return -1
	}
}

func TestInterruptForceKillsStubbornWorker(t *testing.T) {
	f := newFixture(t, `trap '' TERM; touch "$4/ready"; while true; do echo tick >> "$4/progress.log"; sleep 0.02; done`, validInputs)
	f.cfg.GracePeriod = 300 * time.Millisecond
	f.cfg.SyncInterval = 20 * time.Millisecond
	done := run(t, f)

	time.Sleep(100 * time.Millisecond)
	f.sup.Interrupt(syscall.SIGTERM)
	f.sup.Interrupt(syscall.SIGTERM)
	code := await(t, done)

	assert.Equal(t, 0, code)
	assert.Equal(t, 1, f.finalSyncs())
	assert.False(t, f.store.overlap.Load(), "uploads overlapped")

	uploads := f.store.snapshot()
	require.NotEmpty(t, uploads)
	assert.False(t, uploads[len(uploads)-1], "final upload ran while the worker was alive")

	r := f.report(t)
	assert.Equal(t, models.ExitPathInterrupted, r.Path)
	assert.Equal(t, "SIGTERM", r.InterruptSignal)
	assert.True(t, r.ForceKilled)
	assert.Equal(t, "SIGKILL", r.WorkerSignal)
	assert.FileExists(t, filepath.Join(f.output, "progress.log"))
}

func TestInterruptGracefulWorker(t *testing.T) {
	f := newFixture(t, `trap 'echo saved > "$4/final.txt"; exit 3' TERM; touch "$4/ready"; while true; do sleep 0.02; done`, validInputs)
	done := run(t, f)

	f.sup.Interrupt(syscall.SIGTERM)
	code := await(t, done)

	assert.Equal(t, 0, code, "worker's own code is not used on the shutdown path")
	assert.FileExists(t, filepath.Join(f.output, "final.txt"))
	r := f.report(t)
	assert.False(t, r.ForceKilled)
	assert.Equal(t, 3, r.WorkerExitCode)
}

func TestInterruptExitCodeIsConfigurablePerSignal(t *testing.T) {
	f := newFixture(t, `touch "$4/ready"; while true; do sleep 0.02; done`, validInputs)
	f.cfg.SigintExitCode = 130
	done := run(t, f)

	f.sup.Interrupt(syscall.SIGINT)
	assert.Equal(t, 130, await(t, done))
	assert.Equal(t, "SIGINT", f.report(t).InterruptSignal)
}

func TestContextCancelRunsShutdownProtocol(t *testing.T) {
	f := newFixture(t, `touch "$4/ready"; while true; do sleep 0.02; done`, validInputs)
	ctx, cancel := context.WithCancel(context.Background())
	sup := f.build(t)
	done := make(chan int, 1)
	go func() { done <- sup.Run(ctx) }()
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(f.cfg.WorkDir, "output", "ready"))
		return err == nil
	}, 10*time.Second, 5*time.Millisecond)

	cancel()
	assert.Equal(t, 0, await(t, done))
	assert.Equal(t, 1, f.finalSyncs())
}

func TestInterruptBeforeWorkerStarts(t *testing.T) {
	f := newFixture(t, `touch "$4/ran"`, validInputs)
	sup := f.build(t)
	sup.Interrupt(syscall.SIGTERM)

	assert.Equal(t, 0, sup.Run(context.Background()))
	assert.NoFileExists(t, filepath.Join(f.cfg.WorkDir, "output", "ran"))
	assert.Equal(t, 1, f.finalSyncs())
	assert.Equal(t, models.ExitPathInterrupted, f.report(t).Path)
}

// stallingStore blocks downloads from source until the caller gives up.
type stallingStore struct {
	storage.Store
	source  string
	once    sync.Once
	started chan struct{}
}

func (s *stallingStore) Sync(ctx context.Context, src, dst string, opts storage.SyncOptions) (storage.SyncStats, error) {
	if src != s.source {
		return s.Store.Sync(ctx, src, dst, opts)
	}
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return storage.SyncStats{}, ctx.Err()
}

func interruptWhileStalled(t *testing.T, f *fixture, source string) int {
	t.Helper()
	stall := &stallingStore{Store: storage.NewLocal(), source: source, started: make(chan struct{})}
	f.store.Store = stall
	sup := f.build(t)

	done := make(chan int, 1)
	go func() { done <- sup.Run(context.Background()) }()
	select {
	case <-stall.started:
	case <-time.After(10 * time.Second):
		t.Fatal("download never started")
	}
	assert.Equal(t, models.StateStagingInput, sup.State())

	sup.Interrupt(syscall.SIGTERM)
	return await(t, done)
}

func TestInterruptDuringInputStaging(t *testing.T) {
	f := newFixture(t, `touch "$4/ran"`, validInputs)
	f.cfg.SigtermExitCode = 143

	assert.Equal(t, 143, interruptWhileStalled(t, f, f.input))
	assert.Equal(t, models.StateExited, f.sup.State())
	assert.NoFileExists(t, filepath.Join(f.cfg.WorkDir, "output", "ran"))
	assert.Equal(t, 1, f.finalSyncs())

	r := f.report(t)
	assert.Equal(t, models.ExitPathInterrupted, r.Path)
	assert.Equal(t, "SIGTERM", r.InterruptSignal)
	assert.Equal(t, 143, r.ExitCode)
}

func TestInterruptDuringCheckpointDownload(t *testing.T) {
	f := newFixture(t, `touch "$4/ran"`, validInputs)
	f.cfg.Attempt = 1

	assert.Equal(t, 0, interruptWhileStalled(t, f, storage.Join(f.output, "checkpoints")))
	assert.NoFileExists(t, filepath.Join(f.cfg.WorkDir, "output", "ran"))

	r := f.report(t)
	assert.Equal(t, models.ExitPathInterrupted, r.Path)
	assert.Empty(t, r.ResumedFrom)
}

func TestWorkerThatCannotStart(t *testing.T) {
	f := newFixture(t, ``, validInputs)
	f.cfg.WorkerCommand = []string{filepath.Join(t.TempDir(), "missing-binary")}

	assert.Equal(t, ExitInternal, f.build(t).Run(context.Background()))
	assert.Equal(t, 1, f.finalSyncs())
	r := f.report(t)
	assert.Equal(t, models.ExitPathError, r.Path)
	assert.NotEmpty(t, r.Error)
}

func TestStatusWhileRunning(t *testing.T) {
	f := newFixture(t, `touch "$4/ready"; while true; do sleep 0.02; done`, validInputs)
	done := run(t, f)

	st := f.sup.Status(context.Background())
	assert.Equal(t, string(models.StateRunning), st.State)
	assert.Equal(t, "job-test", st.JobID)
	assert.NotZero(t, st.WorkerPID)
	if assert.NotNil(t, st.Worker) {
		assert.True(t, st.Worker.Running)
	}

	f.sup.Interrupt(syscall.SIGTERM)
	await(t, done)
}

func TestWorkerArgs(t *testing.T) {
	tests := []struct {
		name string
		in   stager.Inputs
		ref  checkpoint.Ref
		want string
	}{
		{"fresh", stager.Inputs{Program: "p.py", Evaluator: "e.py"}, checkpoint.Ref{}, "p.py e.py --output /o --iterations 9"},
		{"config and checkpoint", stager.Inputs{Program: "p.py", Evaluator: "e.py", Config: "c.yaml"},
			checkpoint.Ref{Name: "checkpoint_10", Number: 10, Path: "/o/checkpoints/checkpoint_10"},
			"p.py e.py --output /o --iterations 9 --config c.yaml --checkpoint /o/checkpoints/checkpoint_10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, strings.Join(WorkerArgs(tt.in, "/o", 9, tt.ref), " "))
		})
	}
}

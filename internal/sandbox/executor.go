// Package sandbox runs attacker-supplied snippets in an isolated,
// time-bounded subprocess. Code never executes in this process's address
// space: builtin restriction alone cannot stop introspection-based escapes,
// so the boundary is the OS process.
package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/quantumnexus/deception/internal/db"
	"github.com/quantumnexus/deception/internal/errs"
)

// harness is the interpreter shim executed in the child process. It exposes
// only the allow-listed builtins to the payload; no import machinery, no
// filesystem, no process spawning. The full traceback goes to stderr for the
// audit row; the caller-facing error is sanitized on the Go side.
const harness = `import sys

_ALLOWED = ("abs", "min", "max", "sum", "len", "range", "enumerate", "print",
            "bool", "int", "float", "str", "Exception", "ValueError", "TypeError")
if isinstance(__builtins__, dict):
    _SAFE = {name: __builtins__[name] for name in _ALLOWED}
else:
    _SAFE = {name: getattr(__builtins__, name) for name in _ALLOWED}

with open(sys.argv[1], "r", encoding="utf-8") as fh:
    _source = fh.read()

try:
    _code = compile(_source, "<sandbox>", "exec")
    exec(_code, {"__builtins__": _SAFE}, {})
except BaseException:
    import traceback
    traceback.print_exc(file=sys.stderr)
    sys.exit(1)
`

// Result reports one execution. A failed or timed-out snippet is an expected
// outcome, not an error: attacker code breaking is routine.
type Result struct {
	FingerprintHash string  `json:"fingerprint_hash"`
	Success         bool    `json:"success"`
	Output          string  `json:"output"`
	Error           string  `json:"error,omitempty"`
	CPUTime         float64 `json:"cpu_time"`  // wall-clock proxy, not precise accounting
	MemoryKB        float64 `json:"memory_kb"` // source-size proxy; peak RSS is an extension point
}

// Executor spawns the isolated interpreter child.
type Executor struct {
	db          *db.DB
	interpreter string
	timeout     time.Duration
}

func New(database *db.DB, interpreter string, timeout time.Duration) *Executor {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &Executor{db: database, interpreter: interpreter, timeout: timeout}
}

// Execute runs code in a subprocess and persists the run, including failures
// and timeouts. Scratch files are removed on every exit path; the submitted
// source survives only in the audit row.
func (e *Executor) Execute(ctx context.Context, fingerprintHash, code string) (*Result, error) {
	if fingerprintHash == "" {
		return nil, errs.Validation("fingerprint_hash", "must not be empty")
	}

	interpreter, err := exec.LookPath(e.interpreter)
	if err != nil {
		return nil, fmt.Errorf("sandbox interpreter %q unavailable: %w", e.interpreter, err)
	}

	dir, err := os.MkdirTemp("", "nexus-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	harnessPath := filepath.Join(dir, "harness.py")
	payloadPath := filepath.Join(dir, "payload.py")
	if err := os.WriteFile(harnessPath, []byte(harness), 0o600); err != nil {
		return nil, fmt.Errorf("writing sandbox harness: %w", err)
	}
	if err := os.WriteFile(payloadPath, []byte(code), 0o600); err != nil {
		return nil, fmt.Errorf("writing sandbox payload: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// -S skips site initialisation and -B bytecode caching. The environment
	// is replaced wholesale below, so PYTHONHASHSEED is the only seed source
	// and the child inherits no secrets.
	cmd := exec.CommandContext(runCtx, interpreter, "-S", "-B", harnessPath, payloadPath)
	cmd.Dir = dir
	cmd.Env = []string{"PYTHONHASHSEED=0", "PYTHONDONTWRITEBYTECODE=1"}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Escalate straight to SIGKILL on the whole process group; adversarial
		// code does not get a chance to ignore termination.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Seconds()

	result := &Result{
		FingerprintHash: fingerprintHash,
		Success:         runErr == nil,
		Output:          strings.TrimSpace(stdout.String()),
		CPUTime:         round4(elapsed),
		MemoryKB:        round4(float64(len(code)) / 1024.0),
	}

	diagnostics := strings.TrimSpace(stderr.String())
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Success = false
		result.Error = "timeout"
	case runErr != nil:
		result.Error = sanitizeError(diagnostics, runErr)
	}

	run := &db.SandboxRun{
		FingerprintHash: fingerprintHash,
		Success:         result.Success,
		Output:          result.Output,
		CPUTime:         result.CPUTime,
		MemoryKB:        result.MemoryKB,
		Code:            code,
		CodeDigest:      digest(code),
	}
	if diagnostics != "" {
		run.Error = &diagnostics // full trace, diagnostics only
	} else if result.Error != "" {
		run.Error = &result.Error
	}
	if err := e.db.InsertSandboxRun(ctx, run); err != nil {
		return nil, err
	}
	return result, nil
}

// sanitizeError reduces an interpreter traceback to its final line so the
// observer's internals are never echoed across the trust boundary.
func sanitizeError(diagnostics string, runErr error) string {
	lines := strings.Split(diagnostics, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" && !strings.HasPrefix(line, "File ") {
			return line
		}
	}
	return runErr.Error()
}

func digest(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}

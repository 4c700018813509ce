package extension

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/acs/pkg/log"
	"github.com/cuemby/acs/pkg/metrics"
	"github.com/cuemby/acs/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds one extension run
const DefaultTimeout = 5 * time.Second

// Result is the outcome of an extension call. Exactly one of Fault and Value
// is meaningful.
type Result struct {
	Fault *types.Fault `json:"fault"`
	Value any          `json:"value"`
}

// output is the JSON document an extension prints on stdout
type output struct {
	Fault *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"fault"`
	Value any `json:"value"`
}

// Runner executes extension programs from a directory. Identical concurrent
// calls share one execution.
type Runner struct {
	dir     string
	timeout time.Duration
	group   singleflight.Group
	logger  zerolog.Logger
}

// NewRunner creates a runner for programs in dir
func NewRunner(dir string, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		dir:     dir,
		timeout: timeout,
		logger:  log.WithComponent("extension"),
	}
}

// Run invokes args[0] with the remaining arguments. Failures of the program
// are reported as a fault; an error is returned only when ctx is done.
func (r *Runner) Run(ctx context.Context, args []string) (*Result, error) {
	if len(args) == 0 {
		return &Result{Fault: &types.Fault{Code: "ext.Error", Message: "missing extension name"}}, nil
	}
	key, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	v, err, _ := r.group.Do(string(key), func() (any, error) {
		return r.run(ctx, args)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (r *Runner) run(ctx context.Context, args []string) (*Result, error) {
	name := args[0]
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ExtensionDuration, name)

	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		metrics.ExtensionCallsTotal.WithLabelValues(name, "fault").Inc()
		return faultResult("ext.Error", fmt.Sprintf("invalid extension name %q", name)), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, filepath.Join(r.dir, name), args[1:]...)
	cmd.Dir = r.dir
	cmd.WaitDelay = 500 * time.Millisecond
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		metrics.ExtensionCallsTotal.WithLabelValues(name, "timeout").Inc()
		r.logger.Warn().Str("extension", name).Dur("timeout", r.timeout).Msg("Extension timed out")
		return faultResult("ext.Timeout", fmt.Sprintf("extension %s timed out after %s", name, r.timeout)), nil
	}
	if err != nil {
		metrics.ExtensionCallsTotal.WithLabelValues(name, "fault").Inc()
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		r.logger.Warn().Err(err).Str("extension", name).Msg("Extension failed")
		return faultResult("ext.Error", msg), nil
	}

	var out output
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		metrics.ExtensionCallsTotal.WithLabelValues(name, "fault").Inc()
		return faultResult("ext.Error", fmt.Sprintf("invalid output from %s: %v", name, err)), nil
	}
	if out.Fault != nil {
		metrics.ExtensionCallsTotal.WithLabelValues(name, "fault").Inc()
		code := out.Fault.Code
		if code == "" {
			code = "Error"
		}
		return faultResult("ext."+code, out.Fault.Message), nil
	}

	metrics.ExtensionCallsTotal.WithLabelValues(name, "ok").Inc()
	return &Result{Value: out.Value}, nil
}

func faultResult(code, message string) *Result {
	return &Result{Fault: &types.Fault{Code: code, Message: message}}
}

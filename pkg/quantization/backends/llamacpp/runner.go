package llamacpp

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/examstutor/model-quantizer/pkg/logging"
	"github.com/examstutor/model-quantizer/pkg/tailbuffer"
)

const (
	// tailSize is how much tool output is kept for error messages.
	tailSize = 4096
	// waitDelay bounds how long a cancelled tool may take to exit after
	// being interrupted.
	waitDelay = 10 * time.Second
)

// Runner executes one tool invocation. stdout receives the tool's standard
// output; it may be nil, in which case the output is logged.
type Runner func(ctx context.Context, name string, args []string, stdout io.Writer) error

// execRunner returns a Runner that starts tools as subprocesses. Standard
// error goes to the log, and its tail is attached to failures.
func execRunner(log logging.Logger) Runner {
	return func(ctx context.Context, name string, args []string, stdout io.Writer) error {
		tool := filepath.Base(name)
		log.Debugf("Running %s %v", tool, args)

		toolLog := log.WithField("tool", tool).WriterLevel(logrus.DebugLevel)
		defer toolLog.Close()
		if stdout == nil {
			stdout = toolLog
		}
		tailBuf := tailbuffer.NewTailBuffer(tailSize)

		command := exec.CommandContext(ctx, name, args...)
		command.Cancel = func() error {
			if runtime.GOOS == "windows" {
				return command.Process.Kill()
			}
			return command.Process.Signal(os.Interrupt)
		}
		command.WaitDelay = waitDelay
		command.Stdout = stdout
		command.Stderr = io.MultiWriter(toolLog, tailBuf)

		if err := command.Run(); err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return fmt.Errorf("%s interrupted: %w", tool, cause)
			}
			return &ToolError{Tool: tool, Err: err, Output: tailBuf.String()}
		}
		return nil
	}
}

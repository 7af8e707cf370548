package flash

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/allbin/probemon/internal/logx"
	"golang.org/x/sys/unix"
	"pkt.systems/pslog"
)

// DefaultTool is the flashing tool looked up on PATH.
const DefaultTool = "pyocd"

// PyOCD flashes through the pyocd command line tool.
type PyOCD struct {
	// Tool is the executable name or path; DefaultTool when empty.
	Tool   string
	Logger pslog.Logger
	// WaitDelay bounds how long output is drained after the process is killed.
	WaitDelay time.Duration
}

// Args returns the pyocd command line for p, without the executable.
func (f *PyOCD) Args(p Params) []string {
	args := []string{"flash", p.Image, "-t", p.Target, "-u", p.ProbeUID, "-f", p.Frequency}
	if p.Pack != "" {
		args = append(args, "--pack", p.Pack)
	}
	return args
}

// Flash runs pyocd and streams its merged stdout and stderr.
func (f *PyOCD) Flash(ctx context.Context, p Params, emit func(line string)) error {
	tool := f.Tool
	if tool == "" {
		tool = DefaultTool
	}
	log := logx.Component(f.Logger, "pyocd")

	cmd := exec.CommandContext(ctx, tool, f.Args(p)...)
	// Own process group so that helper processes die with pyocd.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = f.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFlashTool, err)
	}
	cmd.Stderr = cmd.Stdout

	log.Info("running flash tool", "cmd", tool+" "+strings.Join(f.Args(p), " "))
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s not found", ErrFlashTool, tool)
		}
		return fmt.Errorf("%w: start %s: %v", ErrFlashTool, tool, err)
	}

	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	sc.Split(scanProgressLines)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), " \t"); line != "" {
			emit(line)
		}
	}

	err = cmd.Wait()
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: timed out: %w", ErrFlashTool, ctx.Err())
		}
		return fmt.Errorf("%w: cancelled: %w", ErrFlashTool, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s exited with status %d", ErrFlashTool, tool, exitErr.ExitCode())
	}
	return fmt.Errorf("%w: %v", ErrFlashTool, err)
}

// scanProgressLines splits on \n, \r\n and bare \r, the latter being how
// pyocd redraws its progress bar.
func scanProgressLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' {
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if !atEOF {
				// Need one more byte to tell \r from \r\n.
				return 0, nil, nil
			}
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// Worker is a handle on one isolated stage execution
type Worker interface {
	// Messages is closed once the worker stops producing output
	Messages() <-chan Message
	// Done is closed once the worker has exited
	Done() <-chan struct{}
	// ExitErr is the exit status, valid after Done
	ExitErr() error
	// Cancel asks the worker to stop
	Cancel()
	// Kill terminates the worker and everything it started
	Kill()
	Pid() int
}

// Launcher starts workers
type Launcher interface {
	Launch(ctx context.Context, job Job) (Worker, error)
}

// ProcessLauncher runs each job in a child process of the dfirpipe binary.
// The job goes in as one JSON line on stdin, which then stays open: closing it
// is the cancellation signal. Messages come back as JSON lines on stdout and
// stderr is appended to logs/worker_<stage>.log.
type ProcessLauncher struct {
	Executable string
	Args       []string
	Env        []string // appended to the current environment
	Dir        string
	LogDir     string
	Grace      time.Duration // between SIGTERM and SIGKILL
	Logger     *slog.Logger
}

// NewProcessLauncher launches `<executable> worker --config <configPath>`
func NewProcessLauncher(configPath, logDir string, logger *slog.Logger) (*ProcessLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	args := []string{"worker"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return &ProcessLauncher{
		Executable: exe,
		Args:       args,
		LogDir:     logDir,
		Grace:      2 * time.Second,
		Logger:     logger,
	}, nil
}

// Launch implements Launcher
func (l *ProcessLauncher) Launch(ctx context.Context, job Job) (Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(l.Executable, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	configureProcess(cmd)

	var logFile *os.File
	if l.LogDir != "" {
		f, err := os.OpenFile(filepath.Join(l.LogDir, fmt.Sprintf("worker_%s.log", job.Stage)),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn("failed to open worker log", "stage", job.Stage, "error", err)
		} else {
			logFile = f
			fmt.Fprintf(f, "=== %s run %s started %s ===\n", job.Stage, job.RunID, time.Now().Format(time.RFC3339))
			cmd.Stderr = f
		}
	}
	if cmd.Stderr == nil {
		cmd.Stderr = io.Discard
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeQuietly(logFile)
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeQuietly(logFile)
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		closeQuietly(logFile)
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	w := &processWorker{
		cmd:      cmd,
		stdin:    stdin,
		messages: make(chan Message, 64),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
		grace:    l.Grace,
		logger:   logger.With("stage", job.Stage, "pid", cmd.Process.Pid),
	}

	line, err := json.Marshal(job)
	if err == nil {
		_, err = stdin.Write(append(line, '\n'))
	}
	if err != nil {
		w.Kill()
		_ = cmd.Wait()
		closeQuietly(logFile)
		return nil, fmt.Errorf("failed to send job to worker: %w", err)
	}

	go w.run(stdout, logFile)
	return w, nil
}

func closeQuietly(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}

type processWorker struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	messages chan Message
	done     chan struct{}
	stop     chan struct{}
	exitErr  error
	grace    time.Duration
	logger   *slog.Logger

	cancelOnce sync.Once
	stopOnce   sync.Once
}

func (w *processWorker) run(stdout io.Reader, logFile *os.File) {
	err := readMessages(stdout, func(m Message) bool {
		select {
		case w.messages <- m:
			return true
		case <-w.stop:
			return false
		}
	}, func(line string) {
		w.logger.Debug("worker stdout", "line", line)
	})
	if err != nil {
		w.logger.Warn("worker output ended", "error", err)
	}
	close(w.messages)

	// drain whatever is left so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, stdout)
	w.exitErr = w.cmd.Wait()
	w.Cancel()
	closeQuietly(logFile)
	close(w.done)
}

func (w *processWorker) Messages() <-chan Message { return w.messages }
func (w *processWorker) Done() <-chan struct{}    { return w.done }
func (w *processWorker) Pid() int                 { return w.cmd.Process.Pid }

func (w *processWorker) ExitErr() error {
	<-w.done
	return w.exitErr
}

// Cancel closes stdin, which the worker treats as a cancellation request
func (w *processWorker) Cancel() {
	w.cancelOnce.Do(func() {
		_ = w.stdin.Close()
	})
}

// Kill stops delivery, cancels, then terminates the process group after the
// grace period. It returns immediately.
func (w *processWorker) Kill() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.Cancel()
		go func() {
			select {
			case <-w.done:
				return
			case <-time.After(w.grace):
			}
			terminateProcess(w.cmd, w.grace)
		}()
	})
}

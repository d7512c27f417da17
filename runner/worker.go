package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
)

// Reporter lets a stage send checkpoints to the coordinator
type Reporter interface {
	Progress(text string)
	Warning(text string)
}

// StageExecutor does a stage's work inside the worker process
type StageExecutor interface {
	Execute(ctx context.Context, job Job, r Reporter) (*StageResult, error)
}

// StageExecutorFunc adapts a function to StageExecutor
type StageExecutorFunc func(ctx context.Context, job Job, r Reporter) (*StageResult, error)

// Execute implements StageExecutor
func (f StageExecutorFunc) Execute(ctx context.Context, job Job, r Reporter) (*StageResult, error) {
	return f(ctx, job, r)
}

// ServeWorker is the worker process main loop. It reads one Job from in, runs
// it and writes exactly one error or result message to out. EOF on in after
// the job cancels the run.
func ServeWorker(ctx context.Context, in io.Reader, out io.Writer, exec StageExecutor) error {
	reader := bufio.NewReaderSize(in, 64<<10)
	line, err := reader.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return fmt.Errorf("failed to read job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(line, &job); err != nil {
		return fmt.Errorf("failed to decode job: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_, _ = io.Copy(io.Discard, reader)
		cancel()
	}()

	w := newMessageWriter(out)
	result, err := runStage(ctx, exec, job, w)
	if err != nil {
		return w.send(Message{Type: MsgError, Text: err.Error(), Kind: KindOf(err)})
	}
	return w.send(Message{Type: MsgResult, Result: result})
}

// runStage converts panics into failures so the worker always reports
func runStage(ctx context.Context, exec StageExecutor, job Job, r Reporter) (result *StageResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = stageErr(KindEngine, "panic: %v\n%s", p, debug.Stack())
		}
	}()
	result, err = exec.Execute(ctx, job, r)
	if err == nil && result == nil {
		result = &StageResult{}
	}
	return result, err
}

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobLine(t *testing.T, job Job) string {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	return string(data) + "\n"
}

func decodeMessages(t *testing.T, out *bytes.Buffer) []Message {
	t.Helper()
	var msgs []Message
	require.NoError(t, readMessages(out, func(m Message) bool {
		msgs = append(msgs, m)
		return true
	}, func(line string) { t.Errorf("stray line %q", line) }))
	return msgs
}

func TestServeWorkerReportsResult(t *testing.T) {
	var out bytes.Buffer
	exec := StageExecutorFunc(func(ctx context.Context, job Job, r Reporter) (*StageResult, error) {
		assert.Equal(t, "run-1", job.RunID)
		assert.Equal(t, StageAnalysis, job.Stage)
		r.Progress("working")
		r.Warning("careful")
		return &StageResult{FinalText: "<b>done</b>", Steps: 4}, nil
	})

	err := ServeWorker(context.Background(), strings.NewReader(jobLine(t, Job{RunID: "run-1", Stage: StageAnalysis})), &out, exec)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "<b>done</b>", "html is not escaped")

	msgs := decodeMessages(t, &out)
	require.Len(t, msgs, 3)
	assert.Equal(t, Message{Type: MsgProgress, Text: "working"}, msgs[0])
	assert.Equal(t, Message{Type: MsgWarning, Text: "careful"}, msgs[1])
	assert.Equal(t, MsgResult, msgs[2].Type)
	assert.Equal(t, 4, msgs[2].Result.Steps)
}

func TestServeWorkerReportsTypedError(t *testing.T) {
	var out bytes.Buffer
	exec := StageExecutorFunc(func(ctx context.Context, job Job, r Reporter) (*StageResult, error) {
		return nil, stageErr(KindOutputWrite, "disk full")
	})

	require.NoError(t, ServeWorker(context.Background(), strings.NewReader(jobLine(t, Job{Stage: StageReport})), &out, exec))
	msgs := decodeMessages(t, &out)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgError, msgs[0].Type)
	assert.Equal(t, KindOutputWrite, msgs[0].Kind)
	assert.Equal(t, "disk full", msgs[0].Text)
}

func TestServeWorkerRecoversPanic(t *testing.T) {
	var out bytes.Buffer
	exec := StageExecutorFunc(func(ctx context.Context, job Job, r Reporter) (*StageResult, error) {
		panic("boom")
	})

	require.NoError(t, ServeWorker(context.Background(), strings.NewReader(jobLine(t, Job{Stage: StageAnalysis})), &out, exec))
	msgs := decodeMessages(t, &out)
	require.Len(t, msgs, 1)
	assert.Equal(t, KindEngine, msgs[0].Kind)
	assert.Contains(t, msgs[0].Text, "panic: boom")
}

func TestServeWorkerNilResult(t *testing.T) {
	var out bytes.Buffer
	exec := StageExecutorFunc(func(ctx context.Context, job Job, r Reporter) (*StageResult, error) {
		return nil, nil
	})
	require.NoError(t, ServeWorker(context.Background(), strings.NewReader(jobLine(t, Job{Stage: StageAnalysis})), &out, exec))
	msgs := decodeMessages(t, &out)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgResult, msgs[0].Type)
	assert.NotNil(t, msgs[0].Result)
}

func TestServeWorkerCancelsOnStdinClose(t *testing.T) {
	pr, pw := io.Pipe()
	var out bytes.Buffer
	started := make(chan struct{})
	exec := StageExecutorFunc(func(ctx context.Context, job Job, r Reporter) (*StageResult, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return nil, errors.New("not cancelled")
		}
	})

	done := make(chan error, 1)
	go func() { done <- ServeWorker(context.Background(), pr, &out, exec) }()
	_, err := pw.Write([]byte(jobLine(t, Job{Stage: StageAnalysis})))
	require.NoError(t, err)
	<-started
	require.NoError(t, pw.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker ignored stdin close")
	}
	msgs := decodeMessages(t, &out)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgError, msgs[0].Type)
	assert.Contains(t, msgs[0].Text, "context canceled")
}

func TestServeWorkerRejectsBadJob(t *testing.T) {
	var out bytes.Buffer
	err := ServeWorker(context.Background(), strings.NewReader("not json\n"), &out, StageExecutorFunc(nil))
	assert.ErrorContains(t, err, "failed to decode job")

	err = ServeWorker(context.Background(), strings.NewReader(""), &out, StageExecutorFunc(nil))
	assert.ErrorContains(t, err, "failed to read job")
	assert.Zero(t, out.Len())
}

func TestReadMessagesStrayLines(t *testing.T) {
	in := strings.NewReader("warming up\n\n{\"type\":\"progress\",\"text\":\"a\"}\n{\"x\":1}\n{\"type\":\"result\"}\n{\"type\":\"progress\",\"text\":\"ignored\"}\n")
	var got []Message
	var stray []string
	err := readMessages(in, func(m Message) bool {
		got = append(got, m)
		return m.Type != MsgResult
	}, func(line string) { stray = append(stray, line) })
	require.NoError(t, err)
	assert.Equal(t, []string{"warming up", `{"x":1}`}, stray)
	require.Len(t, got, 2)
	assert.Equal(t, MsgResult, got[1].Type)
}

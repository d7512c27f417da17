package runner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Job is the unit of work handed to a worker process as its first stdin line
type Job struct {
	RunID         string `json:"run_id"`
	Stage         Stage  `json:"stage"`
	FilePath      string `json:"file_path,omitempty"`
	UserPrompt    string `json:"user_prompt,omitempty"`
	IncidentTitle string `json:"incident_title,omitempty"`
}

// MessageType identifies a worker message
type MessageType string

const (
	MsgProgress MessageType = "progress"
	MsgWarning  MessageType = "warning"
	MsgError    MessageType = "error"
	MsgResult   MessageType = "result"
)

// Message is one JSON line written by a worker on stdout
type Message struct {
	Type   MessageType  `json:"type"`
	Text   string       `json:"text,omitempty"`
	Kind   ErrorKind    `json:"kind,omitempty"`
	Result *StageResult `json:"result,omitempty"`
}

// maxLine bounds a single protocol line; results carry the engine's final text
const maxLine = 8 << 20

// messageWriter serializes messages onto a stream, one per line
type messageWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newMessageWriter(w io.Writer) *messageWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &messageWriter{enc: enc}
}

func (w *messageWriter) send(m Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(m)
}

// Progress implements Reporter
func (w *messageWriter) Progress(text string) {
	_ = w.send(Message{Type: MsgProgress, Text: text})
}

// Warning implements Reporter
func (w *messageWriter) Warning(text string) {
	_ = w.send(Message{Type: MsgWarning, Text: text})
}

// readMessages decodes lines until EOF. Lines that are not protocol messages
// are handed to stray.
func readMessages(r io.Reader, emit func(Message) bool, stray func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil || m.Type == "" {
			if stray != nil {
				stray(string(line))
			}
			continue
		}
		if !emit(m) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read worker output: %w", err)
	}
	return nil
}

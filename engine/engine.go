// Package engine is the boundary to the external agent that performs the
// analysis and writes the report. The pipeline treats it as opaque: it runs an
// instruction, may write files through its tools, and may fail or hang.
package engine

import (
	"context"
	"errors"
	"fmt"

	"dfirpipe/report"
)

// ErrMaxSteps is returned when the agent is still calling tools after its step budget
var ErrMaxSteps = errors.New("engine: max steps exceeded")

// Result is what an engine call hands back
type Result struct {
	FinalText string
	Steps     int
}

// Engine runs one instruction to completion
type Engine interface {
	Invoke(ctx context.Context, instruction string, maxSteps int) (Result, error)
}

// TemplateEngine renders the report without a model by calling the render
// tool directly.
type TemplateEngine struct {
	Renderer *report.Renderer
}

// Invoke implements Engine
func (e *TemplateEngine) Invoke(ctx context.Context, _ string, _ int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	path, size, err := e.Renderer.RenderToFile()
	if err != nil {
		return Result{Steps: 1}, err
	}
	return Result{
		FinalText: fmt.Sprintf("HTML report generated at %s (%d bytes)", path, size),
		Steps:     1,
	}, nil
}

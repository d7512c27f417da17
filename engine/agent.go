package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"dfirpipe/config"
)

// Agent drives an OpenAI-compatible chat completions endpoint through a tool
// calling loop until the model answers without calling a tool.
type Agent struct {
	client openai.Client
	model  string
	system string
	tools  map[string]Tool
	params []openai.ChatCompletionToolParam
	logger *slog.Logger
}

// AgentOption configures an Agent
type AgentOption func(*agentOptions)

type agentOptions struct {
	requestOptions []option.RequestOption
	logger         *slog.Logger
}

// WithRequestOptions passes extra options to the underlying client
func WithRequestOptions(opts ...option.RequestOption) AgentOption {
	return func(o *agentOptions) {
		o.requestOptions = append(o.requestOptions, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) AgentOption {
	return func(o *agentOptions) {
		o.logger = logger
	}
}

// NewAgent creates an agent bound to an endpoint, a system prompt and a toolset
func NewAgent(ep config.Endpoint, system string, tools []Tool, opts ...AgentOption) *Agent {
	o := &agentOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	var requestOptions []option.RequestOption
	if ep.APIKey != "" {
		requestOptions = append(requestOptions, option.WithAPIKey(ep.APIKey))
	}
	if ep.BaseURL != "" {
		base := ep.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		requestOptions = append(requestOptions, option.WithBaseURL(base))
	}
	if ep.Timeout > 0 {
		requestOptions = append(requestOptions, option.WithRequestTimeout(ep.Timeout))
	}
	requestOptions = append(requestOptions, o.requestOptions...)

	a := &Agent{
		client: openai.NewClient(requestOptions...),
		model:  ep.Model,
		system: system,
		tools:  make(map[string]Tool, len(tools)),
		logger: o.logger,
	}
	for _, t := range tools {
		a.tools[t.Name] = t
		a.params = append(a.params, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.Parameters),
			},
		})
	}
	return a
}

// Invoke implements Engine
func (a *Agent) Invoke(ctx context.Context, instruction string, maxSteps int) (Result, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if a.system != "" {
		messages = append(messages, openai.SystemMessage(a.system))
	}
	messages = append(messages, openai.UserMessage(instruction))

	var last string
	for step := 1; step <= maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return Result{FinalText: last, Steps: step - 1}, err
		}

		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(a.model),
			Messages: messages,
		}
		if len(a.params) > 0 {
			params.Tools = a.params
		}

		resp, err := a.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return Result{FinalText: last, Steps: step}, fmt.Errorf("chat completion failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return Result{FinalText: last, Steps: step}, errors.New("chat completion returned no choices")
		}

		msg := resp.Choices[0].Message
		last = msg.Content
		if len(msg.ToolCalls) == 0 {
			return Result{FinalText: msg.Content, Steps: step}, nil
		}

		messages = append(messages, msg.ToParam())
		for _, call := range msg.ToolCalls {
			out := a.call(ctx, call.Function.Name, call.Function.Arguments)
			messages = append(messages, openai.ToolMessage(out, call.ID))
		}
	}
	return Result{FinalText: last, Steps: maxSteps}, ErrMaxSteps
}

// call runs a tool. Tool errors go back to the model as text, they never end
// the loop.
func (a *Agent) call(ctx context.Context, name, arguments string) string {
	tool, ok := a.tools[name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", name)
	}
	a.logger.Debug("tool call", "tool", name, "args_bytes", len(arguments))
	out, err := tool.Run(ctx, json.RawMessage(arguments))
	if err != nil {
		a.logger.Warn("tool call failed", "tool", name, "error", err)
		if out != "" {
			return fmt.Sprintf("%s\nerror: %v", out, err)
		}
		return "error: " + err.Error()
	}
	return out
}

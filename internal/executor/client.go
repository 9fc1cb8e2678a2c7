// Package executor invokes the Claude CLI as a child process and parses its
// single JSON reply.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/config"
	"github.com/csdwd/claude-code-server/internal/common/errors"
	"github.com/csdwd/claude-code-server/internal/common/logger"
)

// Options parameterizes a single executor invocation.
type Options struct {
	Prompt          string
	ProjectPath     string
	Model           string
	SessionID       string
	SystemPrompt    string
	MaxBudgetUSD    float64
	AllowedTools    []string
	DisallowedTools []string
	Agent           string
	MCPConfig       string
	Timeout         time.Duration
	Stream          bool
}

// Usage carries token accounting from the CLI reply.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the outcome of one invocation: either success with the reply
// body and cost, or failure with an error message. DurationMs is wall-clock
// from fork to exit in both cases.
type Result struct {
	Success    bool    `json:"success"`
	Result     string  `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs int64   `json:"duration_ms"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
}

// cliReply is the JSON document the CLI writes to stdout.
type cliReply struct {
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	SessionID    string  `json:"session_id"`
	Usage        *Usage  `json:"usage"`
	IsError      bool    `json:"is_error"`
}

// Runner is the narrow interface the scheduler and session manager depend
// on; Client is the production implementation.
type Runner interface {
	Execute(ctx context.Context, opts Options) (*Result, error)
}

// Client runs the configured CLI binary per invocation.
type Client struct {
	binary         string
	defaultModel   string
	defaultTimeout time.Duration
	logger         *logger.Logger
}

var _ Runner = (*Client)(nil)

// NewClient creates an executor client from configuration.
func NewClient(cfg config.ExecutorConfig, log *logger.Logger) *Client {
	return &Client{
		binary:         cfg.Binary,
		defaultModel:   cfg.DefaultModel,
		defaultTimeout: cfg.TimeoutDuration(),
		logger:         log.WithFields(zap.String("component", "executor")),
	}
}

// Execute runs the CLI with the given options and returns its parsed reply.
// The returned error is reserved for precondition violations (empty prompt,
// streaming requested); execution failures are reported inside Result so
// callers get duration and a message either way.
func (c *Client) Execute(ctx context.Context, opts Options) (*Result, error) {
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, errors.ValidationError("prompt", "must not be empty")
	}
	if opts.Stream {
		return nil, errors.NotImplemented("streaming execution")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := c.buildArgs(opts)
	cmd := exec.CommandContext(ctx, c.binary, args...)
	// After the deadline kills the CLI, stop waiting for output pipes that an
	// orphaned grandchild process may still hold open.
	cmd.WaitDelay = time.Second
	if opts.ProjectPath != "" {
		cmd.Dir = opts.ProjectPath
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("invoking executor",
		zap.String("binary", c.binary),
		zap.String("project_path", opts.ProjectPath),
		zap.Duration("timeout", timeout))

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		if ctx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("executor timed out after %s", timeout)
		}
		c.logger.Warn("executor failed",
			zap.Int64("duration_ms", elapsed),
			zap.String("error", msg))
		return &Result{Success: false, Error: msg, DurationMs: elapsed}, nil
	}

	var reply cliReply
	if err := json.Unmarshal(stdout.Bytes(), &reply); err != nil {
		return &Result{
			Success:    false,
			Error:      fmt.Sprintf("unparseable executor output: %v", err),
			DurationMs: elapsed,
		}, nil
	}

	if reply.IsError {
		return &Result{
			Success:    false,
			Error:      reply.Result,
			DurationMs: elapsed,
		}, nil
	}

	if opts.MaxBudgetUSD > 0 && reply.TotalCostUSD > opts.MaxBudgetUSD {
		return &Result{
			Success:    false,
			Error:      fmt.Sprintf("cost %.4f USD exceeded budget %.4f USD", reply.TotalCostUSD, opts.MaxBudgetUSD),
			DurationMs: elapsed,
			CostUSD:    reply.TotalCostUSD,
			SessionID:  reply.SessionID,
		}, nil
	}

	c.logger.Debug("executor completed",
		zap.Int64("duration_ms", elapsed),
		zap.Float64("cost_usd", reply.TotalCostUSD))

	return &Result{
		Success:    true,
		Result:     reply.Result,
		DurationMs: elapsed,
		CostUSD:    reply.TotalCostUSD,
		SessionID:  reply.SessionID,
		Usage:      reply.Usage,
	}, nil
}

// buildArgs encodes options as CLI arguments. The reply contract requires
// --output-format json: one JSON document on stdout.
func (c *Client) buildArgs(opts Options) []string {
	args := []string{"-p", opts.Prompt, "--output-format", "json"}

	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.Agent != "" {
		args = append(args, "--agents", opts.Agent)
	}
	if opts.MCPConfig != "" {
		args = append(args, "--mcp-config", opts.MCPConfig)
	}
	return args
}

// OptionsFromMetadata extracts executor options embedded in task metadata.
func OptionsFromMetadata(meta map[string]interface{}) Options {
	var opts Options
	if meta == nil {
		return opts
	}
	if v, ok := meta["system_prompt"].(string); ok {
		opts.SystemPrompt = v
	}
	if v, ok := meta["max_budget_usd"].(float64); ok {
		opts.MaxBudgetUSD = v
	}
	if v, ok := meta["agent"].(string); ok {
		opts.Agent = v
	}
	if v, ok := meta["mcp_config"].(string); ok {
		opts.MCPConfig = v
	}
	opts.AllowedTools = stringSlice(meta["allowed_tools"])
	opts.DisallowedTools = stringSlice(meta["disallowed_tools"])
	return opts
}

func stringSlice(v interface{}) []string {
	switch value := v.(type) {
	case []string:
		return value
	case []interface{}:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

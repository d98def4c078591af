package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"magpie/internal/services"
)

// CommandInvoker shells out to an external tool binary. The call is written
// to the child's stdin as JSON and the result is read from its stdout as
// JSON; a non-zero exit is a tool invocation failure.
type CommandInvoker struct {
	command string
	args    []string
}

// NewCommandInvoker parses a configured command line. The first token is
// the binary, the rest are fixed arguments.
func NewCommandInvoker(commandLine string) (*CommandInvoker, error) {
	parts := strings.Fields(strings.TrimSpace(commandLine))
	if len(parts) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "", "tool command", "command line is empty", nil)
	}
	return &CommandInvoker{command: parts[0], args: parts[1:]}, nil
}

type commandRequest struct {
	Tool   string         `json:"tool"`
	RunID  string         `json:"run_id"`
	ItemID string         `json:"item_id"`
	Fields map[string]any `json:"fields,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
}

type commandResponse struct {
	Proposals []FieldProposal   `json:"proposals,omitempty"`
	Summary   string            `json:"summary,omitempty"`
	CostUsd   float64           `json:"cost_usd,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Invoke runs the external command under the caller's context deadline.
func (c *CommandInvoker) Invoke(ctx context.Context, call Call) (*Result, error) {
	fields := make(map[string]any, len(call.Fields))
	for name, state := range call.Fields {
		fields[name] = state
	}
	payload, err := json.Marshal(commandRequest{
		Tool:   call.Tool,
		RunID:  call.RunID,
		ItemID: call.ItemID,
		Fields: fields,
		Input:  call.Input,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrToolInvocation, "", call.Tool, "encode request", err)
	}

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, services.Wrap(services.ErrToolInvocation, "", call.Tool, detail, err)
	}

	var resp commandResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, services.Wrap(services.ErrToolInvocation, "", call.Tool, "decode response", err)
	}
	if resp.Error != "" {
		return nil, services.Wrap(services.ErrToolInvocation, "", call.Tool, resp.Error, nil)
	}
	return &Result{
		Proposals: resp.Proposals,
		Summary:   resp.Summary,
		CostUsd:   resp.CostUsd,
		Metadata:  resp.Metadata,
	}, nil
}

// String describes the bound command for logs.
func (c *CommandInvoker) String() string {
	if len(c.args) == 0 {
		return c.command
	}
	return fmt.Sprintf("%s %s", c.command, strings.Join(c.args, " "))
}

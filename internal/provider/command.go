package provider

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/me/taskbroker/pkg/model"
)

// CommandInvoker runs a provider as a local OS process. The payload is
// written to stdin and stdout becomes the result.
type CommandInvoker struct {
	spec model.ProviderSpec
}

// NewCommandInvoker creates a CommandInvoker for spec.
func NewCommandInvoker(spec model.ProviderSpec) *CommandInvoker {
	return &CommandInvoker{spec: spec}
}

func (c *CommandInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	cmd := exec.CommandContext(ctx, c.spec.Command, c.spec.Args...)
	cmd.Stdin = bytes.NewReader(req.Payload)
	cmd.Env = append(os.Environ(),
		"TASKBROKER_ITEM_ID="+req.ItemID,
		"TASKBROKER_TASK_TYPE="+string(req.TaskType),
		"TASKBROKER_OWNER_ID="+req.OwnerID,
	)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return Response{}, model.NewProviderError(model.ProviderTransport, c.spec.Name, ctx.Err())
	}
	switch err := runErr.(type) {
	case nil:
	case *exec.ExitError:
		return Response{}, model.NewProviderError(model.ProviderTransport, c.spec.Name,
			fmt.Errorf("exit code %d: %s", err.ExitCode(), tail(stderrBuf.String(), 200)))
	default:
		// Non-exit errors (e.g. binary not found).
		return Response{}, model.NewProviderError(model.ProviderTransport, c.spec.Name, fmt.Errorf("run command: %w", runErr))
	}

	return Response{Output: stdoutBuf.Bytes()}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

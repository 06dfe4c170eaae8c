package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Lewis0770/reorganization-sub005/flow"
)

// execSink submits a calculation by running an external command, typically a
// wrapper around the cluster scheduler's submit tool. The calculation is
// passed as JSON on stdin and through CALCFLOW_* environment variables.
type execSink struct {
	command []string
	timeout time.Duration
}

func newExecSink(command []string, timeout time.Duration) (*execSink, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, fmt.Errorf("submit.command is not configured")
	}
	return &execSink{command: command, timeout: timeout}, nil
}

func (s *execSink) Submit(ctx context.Context, calc flow.Calculation) (string, error) {
	payload, err := json.Marshal(calc)
	if err != nil {
		return "", fmt.Errorf("encode calculation %s: %w", calc.ID, err)
	}
	out, err := runCommand(ctx, s.command, s.timeout, calcEnv(calc), payload)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", calc.ID, err)
	}
	jobID := firstLine(out)
	if jobID == "" {
		return "", fmt.Errorf("submit %s: command printed no job id", calc.ID)
	}
	return jobID, nil
}

// execStatusSource asks an external command for a calculation's status. The
// command receives the calculation id as its last argument and prints one of
// pending, submitted, running, completed, failed.
type execStatusSource struct {
	command []string
	timeout time.Duration
}

func newExecStatusSource(command []string, timeout time.Duration) (*execStatusSource, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, fmt.Errorf("status.command is not configured")
	}
	return &execStatusSource{command: command, timeout: timeout}, nil
}

func (s *execStatusSource) Status(ctx context.Context, calcID string) (flow.Status, error) {
	args := append(append([]string{}, s.command...), calcID)
	out, err := runCommand(ctx, args, s.timeout, []string{"CALCFLOW_CALC_ID=" + calcID}, nil)
	if err != nil {
		return "", fmt.Errorf("status %s: %w", calcID, err)
	}
	return flow.ParseStatus(firstLine(out))
}

func runCommand(ctx context.Context, command []string, timeout time.Duration, env []string, stdin []byte) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Env = append(os.Environ(), env...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

func calcEnv(calc flow.Calculation) []string {
	s := calc.Settings
	return []string{
		"CALCFLOW_CALC_ID=" + calc.ID,
		"CALCFLOW_MATERIAL_ID=" + calc.MaterialID,
		"CALCFLOW_STAGE=" + string(calc.Stage),
		fmt.Sprintf("CALCFLOW_ATTEMPT=%d", calc.Attempt),
		fmt.Sprintf("CALCFLOW_WALLTIME=%d", int64(s.Walltime.Seconds())),
		fmt.Sprintf("CALCFLOW_NODES=%d", s.Nodes),
		fmt.Sprintf("CALCFLOW_TASKS=%d", s.Tasks),
		fmt.Sprintf("CALCFLOW_CPUS_PER_TASK=%d", s.CPUsPerTask),
		"CALCFLOW_MEMORY_PER_CPU=" + s.MemoryPerCPU,
		"CALCFLOW_ACCOUNT=" + s.Account,
		"CALCFLOW_PARTITION=" + s.Partition,
		"CALCFLOW_CONSTRAINT=" + s.Constraint,
		"CALCFLOW_MODULES=" + strings.Join(s.Modules, " "),
		"CALCFLOW_TEMPLATE=" + s.Template,
	}
}

func firstLine(out []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line
		}
	}
	return ""
}

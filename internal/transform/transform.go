package transform

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Transformer rewrites file content before upload. Implementations must be
// pure with respect to the repository: the input bytes and the configured
// flags fully determine the output.
type Transformer interface {
	// Transform rewrites src and returns the result. The path is the
	// repository-relative file name, used for error reporting only.
	Transform(ctx context.Context, path string, src []byte) ([]byte, error)
}

// Noop passes file content through unchanged. It is used when no transform
// command is configured.
type Noop struct{}

// Transform returns src unchanged.
func (Noop) Transform(_ context.Context, _ string, src []byte) ([]byte, error) {
	return src, nil
}

// Command runs an external transform program (e.g. a transpiler) for each
// file, feeding the source on stdin and reading the result from stdout.
type Command struct {
	command string
	flags   []string
}

// NewCommand creates a transformer that invokes the given program with the
// given flags for every file.
func NewCommand(command string, flags []string) *Command {
	return &Command{command: command, flags: flags}
}

// Transform pipes src through the configured command. A non-zero exit is
// reported as a per-file error carrying the command's stderr.
func (c *Command) Transform(ctx context.Context, path string, src []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.command, c.flags...)
	cmd.Stdin = bytes.NewReader(src)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("transform of %q failed: %w: %s", path, err, detail)
		}
		return nil, fmt.Errorf("transform of %q failed: %w", path, err)
	}

	return stdout.Bytes(), nil
}

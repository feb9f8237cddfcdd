// Package command tokenizes and runs site-configured shell commands without
// delegating to a host shell.
package command

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"log/slog"
)

// Split tokenizes a command line, honoring single/double quotes and
// backslash escapes.
func Split(cmdline string) ([]string, error) {
	cmdline = strings.TrimSpace(cmdline)
	if cmdline == "" {
		return nil, nil
	}
	var (
		tokens   []string
		current  strings.Builder
		inSingle bool
		inDouble bool
		escape   bool
	)

	for _, r := range cmdline {
		switch {
		case escape:
			current.WriteRune(r)
			escape = false
		case r == '\\':
			escape = true
		case r == '\'':
			if !inDouble {
				inSingle = !inSingle
				continue
			}
			current.WriteRune(r)
		case r == '"':
			if !inSingle {
				inDouble = !inDouble
				continue
			}
			current.WriteRune(r)
		case (r == ' ' || r == '\t' || r == '\n' || r == '\r') && !inSingle && !inDouble:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}

	if escape || inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quoted string in command: %s", cmdline)
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}

	return tokens, nil
}

// Executable returns the program name of a command line, or "" when empty.
func Executable(cmdline string) (string, error) {
	args, err := Split(cmdline)
	if err != nil {
		return "", err
	}
	if len(args) == 0 {
		return "", nil
	}
	return args[0], nil
}

// Run executes a command line in dir with the given extra environment and
// returns the combined output. The caller bounds execution via ctx.
func Run(ctx context.Context, cmdline, dir string, extraEnv []string, log *slog.Logger) (string, error) {
	args, err := Split(cmdline)
	if err != nil {
		return "", err
	}
	if len(args) == 0 {
		return "", nil
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)
	output, err := cmd.CombinedOutput()
	if len(output) > 0 && log != nil {
		log.Debug("command output", "command", args[0], "output", string(output))
	}
	if err != nil {
		return string(output), fmt.Errorf("command %s failed: %w", cmdline, err)
	}
	return string(output), nil
}

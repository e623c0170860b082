package updater

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Installer takes over a verified package file.
type Installer interface {
	Install(ctx context.Context, path string, d Descriptor) error
}

// InstallerFunc adapts a function to Installer.
type InstallerFunc func(ctx context.Context, path string, d Descriptor) error

func (f InstallerFunc) Install(ctx context.Context, path string, d Descriptor) error {
	return f(ctx, path, d)
}

// CommandInstaller runs an external command with the package path appended
// as the last argument.
type CommandInstaller struct {
	Command string
	Args    []string
}

// ParseCommandInstaller splits a command line on whitespace. An empty line
// yields nil.
func ParseCommandInstaller(line string) *CommandInstaller {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	return &CommandInstaller{Command: fields[0], Args: fields[1:]}
}

func (c *CommandInstaller) Install(ctx context.Context, path string, d Descriptor) error {
	args := append(append([]string{}, c.Args...), path)
	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Env = append(cmd.Environ(), "KDSRELAY_UPDATE_VERSION="+d.Version)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("install command %s failed: %w: %s", c.Command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

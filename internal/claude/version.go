package claude

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// MinCLIVersion is the oldest claude CLI release that supports the flag set
// the runner depends on (stream-json I/O, partial messages, session forking).
const MinCLIVersion = "1.0.44"

// CLIVersion runs `<binary> --version` and returns the reported version.
func CLIVersion(ctx context.Context, binary string) (*semver.Version, error) {
	out, err := exec.CommandContext(ctx, binary, "--version").Output() //nolint:gosec // binary comes from admin config
	if err != nil {
		return nil, fmt.Errorf("running %s --version: %w", binary, err)
	}

	// Output looks like "2.0.13 (Claude Code)"; the version is the first field.
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%s --version produced no output", binary)
	}
	v, err := semver.NewVersion(fields[0])
	if err != nil {
		return nil, fmt.Errorf("parsing CLI version %q: %w", fields[0], err)
	}
	return v, nil
}

// CheckCLI verifies the claude binary exists and is recent enough. It returns
// the detected version string for display.
func CheckCLI(ctx context.Context, binary string) (string, error) {
	v, err := CLIVersion(ctx, binary)
	if err != nil {
		return "", err
	}
	constraint, err := semver.NewConstraint(">= " + MinCLIVersion)
	if err != nil {
		return "", fmt.Errorf("building version constraint: %w", err)
	}
	if !constraint.Check(v) {
		return v.String(), fmt.Errorf("claude CLI %s is older than the minimum supported %s", v, MinCLIVersion)
	}
	return v.String(), nil
}

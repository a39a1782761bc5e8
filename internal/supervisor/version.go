package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// versionTimeout bounds the --version invocation; a binary that hangs here
// would hang the daemon's info endpoint otherwise.
const versionTimeout = 3 * time.Second

// Version runs the configured binary with --version and returns the first
// line of its output, trimmed. It is a read-only probe and never touches
// the supervised process.
func Version(ctx context.Context, binary string) (string, error) {
	if _, err := os.Stat(binary); err != nil {
		return "", fmt.Errorf("stat %s: %w", binary, err)
	}

	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("version probe %s: %w", binary, err)
	}

	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line), nil
}

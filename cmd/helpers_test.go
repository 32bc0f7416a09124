// cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// executeCommand runs a fresh root command with the given arguments and
// returns its combined output. Every call gets its own command tree, so
// flags and config never leak between tests.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootCmd := NewRootCommand()

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// writeTempConfig drops YAML content into a per-test file and returns its
// path, for passing via --config so tests never pick up a developer's real
// config from the search path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// quietConfig is the baseline test config: no log file, errors only, so
// initializing the process-wide logger inside command hooks stays silent.
func quietConfig(t *testing.T) string {
	t.Helper()
	return writeTempConfig(t, "logging:\n  level: error\n  log_file: \"\"\n")
}

// quietConfigWith appends extra YAML sections to the quiet baseline.
func quietConfigWith(t *testing.T, extra string) string {
	t.Helper()
	return writeTempConfig(t, fmt.Sprintf("logging:\n  level: error\n  log_file: \"\"\n%s", extra))
}

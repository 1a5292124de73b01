package sshexec

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roost-io/roost/pkg/errdefs"
)

// TestShellQuote tests single-quote escaping for sh -c
func TestShellQuote(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{
			name:     "plain command",
			in:       "docker compose up -d",
			expected: "'docker compose up -d'",
		},
		{
			name:     "embedded single quote",
			in:       "echo 'hi'",
			expected: `'echo '\''hi'\'''`,
		},
		{
			name:     "empty string",
			in:       "",
			expected: "''",
		},
		{
			name:     "double quotes pass through",
			in:       `grep "a b"`,
			expected: `'grep "a b"'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, shellQuote(tt.in))
		})
	}
}

// TestPctExecCommand tests the node-side wrapper
func TestPctExecCommand(t *testing.T) {
	cmd := pctExecCommand(101, "docker info")
	assert.Equal(t, "pct exec 101 -- sh -c 'docker info'", cmd)

	cmd = pctExecCommand(200, "echo 'it'")
	assert.Contains(t, cmd, "pct exec 200 -- sh -c ")
	assert.Contains(t, cmd, `'\''it'\''`)
}

// TestRedact tests credential masking for the debug log
func TestRedact(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{
			name:     "password assignment",
			in:       "pct create 101 t.tar.zst --password=hunter2",
			expected: "pct create 101 t.tar.zst --password=***",
		},
		{
			name:     "mixed case token",
			in:       "export Api_Token=abc123 && run",
			expected: "export Api_Token=*** && run",
		},
		{
			name:     "secret in env form",
			in:       "DB_SECRET=x docker compose up",
			expected: "DB_SECRET=*** docker compose up",
		},
		{
			name:     "no sensitive fields untouched",
			in:       "systemctl restart nginx",
			expected: "systemctl restart nginx",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, redact(tt.in))
		})
	}
}

// TestResultErr tests non-zero exit conversion
func TestResultErr(t *testing.T) {
	ok := &Result{ExitCode: 0, Stdout: "done"}
	assert.NoError(t, ok.Err())

	failed := &Result{ExitCode: 127, Stderr: "sh: docker: not found"}
	err := failed.Err()
	assert.Error(t, err)
	assert.Equal(t, errdefs.KindExecFailed, errdefs.Kind(err))
	assert.Contains(t, err.Error(), "not found")
}

package pve

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-io/roost/pkg/errdefs"
)

type fakeNetError struct{ timeout bool }

func (e *fakeNetError) Error() string   { return "fake network error" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return false }

var _ net.Error = (*fakeNetError)(nil)

// TestClassify tests transport and API error mapping into the taxonomy
func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected errdefs.ErrKind
	}{
		{
			name:     "nil passes through",
			err:      nil,
			expected: "",
		},
		{
			name:     "already classified untouched",
			err:      errdefs.New(errdefs.KindStorageUnavailable, "full"),
			expected: errdefs.KindStorageUnavailable,
		},
		{
			name:     "context canceled",
			err:      context.Canceled,
			expected: errdefs.KindCanceled,
		},
		{
			name:     "deadline exceeded",
			err:      context.DeadlineExceeded,
			expected: errdefs.KindTimeout,
		},
		{
			name:     "network timeout",
			err:      &fakeNetError{timeout: true},
			expected: errdefs.KindTimeout,
		},
		{
			name:     "network refusal",
			err:      &fakeNetError{},
			expected: errdefs.KindUnreachable,
		},
		{
			name:     "url error",
			err:      &url.Error{Op: "Get", URL: "https://pve1:8006", Err: fmt.Errorf("connection refused")},
			expected: errdefs.KindUnreachable,
		},
		{
			name:     "401 response",
			err:      fmt.Errorf("bad request: 401 authentication failure"),
			expected: errdefs.KindAuthFailed,
		},
		{
			name:     "conflict response",
			err:      fmt.Errorf("CT 101 already exists"),
			expected: errdefs.KindConflict,
		},
		{
			name:     "missing target response",
			err:      fmt.Errorf("configuration file 'nodes/pve1/lxc/101.conf' does not exist"),
			expected: errdefs.KindNotFound,
		},
		{
			name:     "unclassified stays raw",
			err:      fmt.Errorf("some other failure"),
			expected: errdefs.KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, errdefs.Kind(classify(tt.err, "op")))
		})
	}
}

// TestFlexInt tests both encodings the API uses for numbers
func TestFlexInt(t *testing.T) {
	var n FlexInt
	require.NoError(t, json.Unmarshal([]byte(`100`), &n))
	assert.Equal(t, FlexInt(100), n)

	require.NoError(t, json.Unmarshal([]byte(`"101"`), &n))
	assert.Equal(t, FlexInt(101), n)

	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &n))
}

// TestStorageContentFlags tests content type parsing
func TestStorageContentFlags(t *testing.T) {
	s := StorageInfo{Content: "rootdir,images,vztmpl"}
	assert.True(t, s.SupportsRootFS())
	assert.True(t, s.SupportsTemplates())
	assert.False(t, s.SupportsBackups())

	b := StorageInfo{Content: "backup"}
	assert.True(t, b.SupportsBackups())
	assert.False(t, b.SupportsRootFS())

	// Substrings must not match whole content types.
	odd := StorageInfo{Content: "rootdirs"}
	assert.False(t, odd.SupportsRootFS())
}

// TestPickRootFSStorage tests best-free storage selection
func TestPickRootFSStorage(t *testing.T) {
	storages := []StorageInfo{
		{Name: "local", Content: "rootdir,images", Active: true, Available: 50 << 30},
		{Name: "big", Content: "rootdir", Active: true, Available: 200 << 30},
		{Name: "inactive", Content: "rootdir", Active: false, Available: 500 << 30},
		{Name: "backups", Content: "backup", Active: true, Available: 900 << 30},
	}

	assert.Equal(t, "big", pickRootFSStorage(storages, 8<<30))

	// Capacity filter excludes storages without room.
	assert.Equal(t, "big", pickRootFSStorage(storages, 100<<30))
	assert.Equal(t, "", pickRootFSStorage(storages, 300<<30))
}

// TestTaskStatusPredicates tests terminal state detection
func TestTaskStatusPredicates(t *testing.T) {
	running := TaskStatusInfo{Status: "running"}
	assert.False(t, running.Finished())

	ok := TaskStatusInfo{Status: "stopped", ExitStatus: "OK"}
	assert.True(t, ok.Finished())
	assert.True(t, ok.OK())

	failed := TaskStatusInfo{Status: "stopped", ExitStatus: "command 'pct create' failed: exit code 1"}
	assert.True(t, failed.Finished())
	assert.False(t, failed.OK())
}

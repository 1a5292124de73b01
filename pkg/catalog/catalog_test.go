package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-io/roost/pkg/errdefs"
)

const nginxEntry = `
name: Nginx
description: Static web server
compose: |
  services:
    web:
      image: nginx:1.25
      ports:
        - "80:80"
ports: [80]
`

const giteaEntry = `
id: gitea
name: Gitea
compose: |
  services:
    gitea:
      image: gitea/gitea:1.21
primary_port: 3000
min_cpu: 2
min_memory_mb: 1024
template_family: debian-12
`

// TestLoadIndexedDirectory tests the directory + index.yaml form
func TestLoadIndexedDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.yaml"),
		[]byte("apps:\n  - nginx.yaml\n  - gitea.yaml\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nginx.yaml"), []byte(nginxEntry), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gitea.yaml"), []byte(giteaEntry), 0o644))

	c, err := Load(dir)
	require.NoError(t, err)

	// The id defaults to the file name when the entry omits it.
	nginx, err := c.Get("nginx")
	require.NoError(t, err)
	assert.Equal(t, "Nginx", nginx.Name)
	assert.Equal(t, 80, nginx.PrimaryPort)

	gitea, err := c.Get("gitea")
	require.NoError(t, err)
	assert.Equal(t, 3000, gitea.PrimaryPort)
	assert.Equal(t, 2, gitea.MinCPU)

	assert.Len(t, c.List(), 2)
	assert.True(t, c.Has("nginx"))
	assert.False(t, c.Has("wordpress"))
}

// TestLoadLegacyFile tests the single-file inline form
func TestLoadLegacyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `
apps:
  - id: redis
    name: Redis
    compose: |
      services:
        redis:
          image: redis:7
    ports: [6379]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	app, err := c.Get("redis")
	require.NoError(t, err)
	assert.Equal(t, 6379, app.PrimaryPort)
	// Resource floors apply when the entry names none.
	assert.Equal(t, 1, app.MinCPU)
	assert.Equal(t, 512, app.MinMemoryMB)
	assert.Equal(t, "debian-12", app.TemplateFamily)
}

// TestLoadValidation tests the entries Load refuses
func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "no compose",
			content: "apps:\n  - id: broken\n    name: Broken\n",
		},
		{
			name:    "no ports at all",
			content: "apps:\n  - id: broken\n    compose: \"services: {}\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "catalog.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

// TestLoadDuplicateID tests duplicate detection across entries
func TestLoadDuplicateID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `
apps:
  - id: app
    compose: "services: {x: {image: a}}"
    ports: [80]
  - id: app
    compose: "services: {y: {image: b}}"
    ports: [81]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
}

// TestLoadMissingPath tests the not-found classification
func TestLoadMissingPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

// TestGetUnknown tests lookup of an id the catalog lacks
func TestGetUnknown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("apps: []\n"), 0o644))
	c, err := Load(path)
	require.NoError(t, err)

	_, err = c.Get("ghost")
	assert.True(t, errdefs.IsNotFound(err))
}

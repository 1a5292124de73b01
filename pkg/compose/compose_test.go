package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/roost-io/roost/pkg/types"
)

func catalogApp(compose string, env map[string]string) *types.CatalogApp {
	return &types.CatalogApp{
		ID:          "testapp",
		Compose:     compose,
		Environment: env,
	}
}

// parseServices unmarshals a rendered document back for assertions.
func parseServices(t *testing.T, doc *Document) map[string]map[string]interface{} {
	t.Helper()
	var parsed struct {
		Services map[string]map[string]interface{} `yaml:"services"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(doc.Content), &parsed))
	return parsed.Services
}

// TestMaterializeEnvironmentMerge tests that user values win over catalog defaults
func TestMaterializeEnvironmentMerge(t *testing.T) {
	src := `
services:
  app:
    image: gitea/gitea:1.21
    environment:
      - GITEA__server__HTTP_PORT=3000
      - USER_UID=1000
`
	app := catalogApp(src, map[string]string{"APP_NAME": "Gitea"})
	doc, err := Materialize(app, "git", map[string]string{"USER_UID": "2000"}, "/var/lib/roost/volumes")
	require.NoError(t, err)

	svc := parseServices(t, doc)["app"]
	env, ok := svc["environment"].([]interface{})
	require.True(t, ok)

	assert.Contains(t, env, "USER_UID=2000")
	assert.Contains(t, env, "APP_NAME=Gitea")
	assert.Contains(t, env, "GITEA__server__HTTP_PORT=3000")
	assert.NotContains(t, env, "USER_UID=1000")
}

// TestMaterializeEnvironmentMapForm tests normalization of the mapping form
func TestMaterializeEnvironmentMapForm(t *testing.T) {
	src := `
services:
  db:
    image: postgres:16
    environment:
      POSTGRES_DB: app
      POSTGRES_PORT: 5432
`
	doc, err := Materialize(catalogApp(src, nil), "db", map[string]string{"POSTGRES_PASSWORD": "x"}, "/vol")
	require.NoError(t, err)

	env, ok := parseServices(t, doc)["db"]["environment"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, env, "POSTGRES_DB=app")
	assert.Contains(t, env, "POSTGRES_PORT=5432")
	assert.Contains(t, env, "POSTGRES_PASSWORD=x")
}

// TestMaterializeVolumeRewrite tests bind-mount rebasing under the volumes dir
func TestMaterializeVolumeRewrite(t *testing.T) {
	src := `
services:
  app:
    image: nginx:1.25
    volumes:
      - ./data:/usr/share/nginx/html
      - conf/extra:/etc/nginx/extra
      - /etc/localtime:/etc/localtime:ro
      - named:/cache
`
	doc, err := Materialize(catalogApp(src, nil), "web1", nil, "/var/lib/roost/volumes")
	require.NoError(t, err)

	vols, ok := parseServices(t, doc)["app"]["volumes"].([]interface{})
	require.True(t, ok)

	assert.Contains(t, vols, "/var/lib/roost/volumes/web1/data:/usr/share/nginx/html")
	assert.Contains(t, vols, "/var/lib/roost/volumes/web1/conf/extra:/etc/nginx/extra")
	// Absolute host paths and named volumes pass through unchanged.
	assert.Contains(t, vols, "/etc/localtime:/etc/localtime:ro")
	assert.Contains(t, vols, "named:/cache")

	assert.ElementsMatch(t, []string{
		"/var/lib/roost/volumes/web1/data",
		"/var/lib/roost/volumes/web1/conf/extra",
	}, doc.HostPaths)
}

// TestMaterializeRejectsBadDocuments tests documents the pipeline must refuse
func TestMaterializeRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name    string
		compose string
	}{
		{
			name:    "invalid yaml",
			compose: "services: [unclosed",
		},
		{
			name:    "no services",
			compose: "services: {}",
		},
		{
			name:    "malformed service",
			compose: "services:\n  app: just-a-string\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Materialize(catalogApp(tt.compose, nil), "h", nil, "/vol")
			assert.Error(t, err)
		})
	}
}

// TestMaterializeNoEnvLeavesServiceUntouched tests that an empty merge adds nothing
func TestMaterializeNoEnvLeavesServiceUntouched(t *testing.T) {
	src := `
services:
  app:
    image: redis:7
`
	doc, err := Materialize(catalogApp(src, nil), "cache", nil, "/vol")
	require.NoError(t, err)

	svc := parseServices(t, doc)["app"]
	_, hasEnv := svc["environment"]
	assert.False(t, hasEnv)
	assert.Empty(t, doc.HostPaths)
}

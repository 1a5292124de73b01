// Package compose materializes the per-application compose document from
// the catalog template, the user's environment and the host volume layout.
package compose

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/types"
)

// RemotePath is where the rendered document lands inside the container.
const RemotePath = "/root/docker-compose.yml"

// Document is a rendered compose file plus the host directories its bind
// mounts expect to exist.
type Document struct {
	Content   string
	HostPaths []string
}

// Materialize merges the catalog compose with the user environment and
// rewrites relative bind-mount sources to live under
// <volumesDir>/<hostname>/. User environment wins over catalog defaults.
func Materialize(app *types.CatalogApp, hostname string, userEnv map[string]string, volumesDir string) (*Document, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal([]byte(app.Compose), &doc); err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnknown, err, "catalog %s compose is not valid YAML", app.ID)
	}

	services, ok := doc["services"].(map[string]interface{})
	if !ok || len(services) == 0 {
		return nil, errdefs.New(errdefs.KindUnknown, "catalog %s compose defines no services", app.ID)
	}

	env := mergeEnv(app.Environment, userEnv)
	appDir := path.Join(volumesDir, hostname)
	var hostPaths []string

	for name, raw := range services {
		svc, ok := raw.(map[string]interface{})
		if !ok {
			return nil, errdefs.New(errdefs.KindUnknown, "catalog %s service %s is malformed", app.ID, name)
		}
		applyEnv(svc, env)
		paths, err := rewriteVolumes(svc, appDir)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindUnknown, err, "catalog %s service %s", app.ID, name)
		}
		hostPaths = append(hostPaths, paths...)
		services[name] = svc
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnknown, err, "cannot render compose for %s", hostname)
	}
	sort.Strings(hostPaths)
	return &Document{Content: string(out), HostPaths: dedupe(hostPaths)}, nil
}

// mergeEnv overlays user values on catalog defaults.
func mergeEnv(defaults, user map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(user))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range user {
		merged[k] = v
	}
	return merged
}

// applyEnv writes the merged environment into the service, preserving
// entries the template sets that the merge does not override.
func applyEnv(svc map[string]interface{}, env map[string]string) {
	if len(env) == 0 {
		return
	}
	existing := serviceEnv(svc)
	for k, v := range env {
		existing[k] = v
	}

	keys := make([]string, 0, len(existing))
	for k := range existing {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		list = append(list, fmt.Sprintf("%s=%s", k, existing[k]))
	}
	svc["environment"] = list
}

// serviceEnv normalizes the two compose environment forms (list of K=V
// strings, or mapping) into a map.
func serviceEnv(svc map[string]interface{}) map[string]string {
	out := make(map[string]string)
	switch cur := svc["environment"].(type) {
	case []interface{}:
		for _, item := range cur {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if eq := strings.IndexByte(s, '='); eq > 0 {
				out[s[:eq]] = s[eq+1:]
			} else {
				out[s] = ""
			}
		}
	case map[string]interface{}:
		for k, v := range cur {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

// rewriteVolumes rebases relative bind-mount sources under appDir and
// returns the host directories to create. Named volumes pass through.
func rewriteVolumes(svc map[string]interface{}, appDir string) ([]string, error) {
	raw, ok := svc["volumes"].([]interface{})
	if !ok {
		return nil, nil
	}
	var hostPaths []string
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("volume entry %d is not a string", i)
		}
		parts := strings.SplitN(s, ":", 2)
		if len(parts) != 2 {
			continue // single named volume
		}
		src := parts[0]
		switch {
		case strings.HasPrefix(src, "./"):
			src = path.Join(appDir, src[2:])
		case strings.HasPrefix(src, "/"):
			// Absolute host path passes through untouched; only rebased
			// directories are created on the node.
			continue
		case strings.Contains(src, "/"):
			src = path.Join(appDir, src)
		default:
			continue // named volume
		}
		raw[i] = src + ":" + parts[1]
		hostPaths = append(hostPaths, src)
	}
	return hostPaths, nil
}

func dedupe(in []string) []string {
	out := in[:0]
	var last string
	for i, s := range in {
		if i == 0 || s != last {
			out = append(out, s)
		}
		last = s
	}
	return out
}

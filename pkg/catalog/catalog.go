// Package catalog loads the read-only application catalog from disk.
//
// Two on-disk forms are accepted: a directory containing an index.yaml
// naming one file per application, or a legacy single YAML file carrying
// every application inline.
package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/log"
	"github.com/roost-io/roost/pkg/types"
)

// Catalog is the in-memory view of the on-disk catalog. It is immutable
// after Load.
type Catalog struct {
	apps map[string]*types.CatalogApp
}

type indexFile struct {
	Apps []string `yaml:"apps"`
}

type legacyFile struct {
	Apps []*types.CatalogApp `yaml:"apps"`
}

// Load reads the catalog at path. A directory is read through its
// index.yaml; a plain file is parsed as the legacy single-file form.
func Load(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNotFound, err, "catalog path %s", path)
	}

	var apps []*types.CatalogApp
	if info.IsDir() {
		apps, err = loadIndexed(path)
	} else {
		apps, err = loadLegacy(path)
	}
	if err != nil {
		return nil, err
	}

	c := &Catalog{apps: make(map[string]*types.CatalogApp, len(apps))}
	for _, app := range apps {
		if err := validate(app); err != nil {
			return nil, err
		}
		if _, dup := c.apps[app.ID]; dup {
			return nil, errdefs.Conflict("catalog id", app.ID)
		}
		c.apps[app.ID] = app
	}
	logger := log.WithComponent("catalog")
	logger.Info().Int("apps", len(c.apps)).Str("path", path).Msg("catalog loaded")
	return c, nil
}

func loadIndexed(dir string) ([]*types.CatalogApp, error) {
	data, err := os.ReadFile(filepath.Join(dir, "index.yaml"))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNotFound, err, "catalog index in %s", dir)
	}
	var idx indexFile
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnknown, err, "catalog index in %s is not valid YAML", dir)
	}

	apps := make([]*types.CatalogApp, 0, len(idx.Apps))
	for _, name := range idx.Apps {
		entry, err := loadEntry(filepath.Join(dir, filepath.Clean(name)))
		if err != nil {
			return nil, err
		}
		apps = append(apps, entry)
	}
	return apps, nil
}

func loadEntry(path string) (*types.CatalogApp, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNotFound, err, "catalog entry %s", path)
	}
	var app types.CatalogApp
	if err := yaml.Unmarshal(data, &app); err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnknown, err, "catalog entry %s is not valid YAML", path)
	}
	if app.ID == "" {
		// Entries may omit the id; the file name minus extension is it.
		app.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &app, nil
}

func loadLegacy(path string) ([]*types.CatalogApp, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNotFound, err, "catalog file %s", path)
	}
	var legacy legacyFile
	if err := yaml.Unmarshal(data, &legacy); err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnknown, err, "catalog file %s is not valid YAML", path)
	}
	return legacy.Apps, nil
}

func validate(app *types.CatalogApp) error {
	if app.ID == "" {
		return errdefs.New(errdefs.KindUnknown, "catalog entry without id")
	}
	if app.Compose == "" {
		return errdefs.New(errdefs.KindUnknown, "catalog entry %s has no compose document", app.ID)
	}
	if app.PrimaryPort == 0 {
		if len(app.Ports) == 0 {
			return errdefs.New(errdefs.KindUnknown, "catalog entry %s exposes no ports", app.ID)
		}
		app.PrimaryPort = app.Ports[0]
	}
	if app.MinCPU == 0 {
		app.MinCPU = 1
	}
	if app.MinMemoryMB == 0 {
		app.MinMemoryMB = 512
	}
	if app.TemplateFamily == "" {
		app.TemplateFamily = "debian-12"
	}
	return nil
}

// Get returns the catalog entry for id.
func (c *Catalog) Get(id string) (*types.CatalogApp, error) {
	app, ok := c.apps[id]
	if !ok {
		return nil, errdefs.NotFound("catalog app", id)
	}
	return app, nil
}

// List returns every entry sorted by id.
func (c *Catalog) List() []*types.CatalogApp {
	out := make([]*types.CatalogApp, 0, len(c.apps))
	for _, app := range c.apps {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Has reports whether id exists in the catalog.
func (c *Catalog) Has(id string) bool {
	_, ok := c.apps[id]
	return ok
}

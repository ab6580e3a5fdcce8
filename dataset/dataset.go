// Package dataset describes which Drive files make up a dataset and where
// they go on disk.
package dataset

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// ErrUnknownDataset is returned by Builtin for names without a definition
var ErrUnknownDataset = errors.New("unknown dataset")

// Dataset is a named set of file groups
type Dataset struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description,omitempty"`
	Groups      []Group `yaml:"groups"`
}

// Group is a set of files sharing one directory, downloaded and extracted together
type Group struct {
	Name      string `yaml:"name"`
	Directory string `yaml:"directory"`
	Extract   bool   `yaml:"extract"`
	Enabled   *bool  `yaml:"enabled,omitempty"`
	Files     []File `yaml:"files"`
}

// File is one remote file
type File struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

// IsEnabled reports whether the group is downloaded when no groups are selected explicitly
func (g Group) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// Path returns the group directory below root
func (g Group) Path(root string) string {
	return filepath.Join(root, filepath.FromSlash(g.Directory))
}

// Parse decodes and validates a YAML dataset definition
func Parse(r io.Reader) (*Dataset, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var ds Dataset
	if err := dec.Decode(&ds); err != nil {
		return nil, fmt.Errorf("failed to parse dataset: %w", err)
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return &ds, nil
}

// Load reads a dataset definition from a YAML file
func Load(filename string) (*Dataset, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer f.Close()

	ds, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return ds, nil
}

// Builtin returns the embedded definition called name (case-insensitive)
func Builtin(name string) (*Dataset, error) {
	data, err := builtinFS.ReadFile(path.Join("builtin", strings.ToLower(name)+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownDataset, name, strings.Join(BuiltinNames(), ", "))
	}
	return Parse(bytes.NewReader(data))
}

// BuiltinNames lists the embedded dataset names
func BuiltinNames() []string {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".yaml"); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Validate checks names, ids and directories of every group
func (d *Dataset) Validate() error {
	var err error
	if d.Name == "" {
		err = multierr.Append(err, errors.New("dataset name cannot be empty"))
	}
	if len(d.Groups) == 0 {
		err = multierr.Append(err, errors.New("dataset has no groups"))
	}

	groups := make(map[string]bool, len(d.Groups))
	for i, g := range d.Groups {
		label := fmt.Sprintf("group %d", i)
		if g.Name != "" {
			label = fmt.Sprintf("group %q", g.Name)
		}

		if g.Name == "" {
			err = multierr.Append(err, fmt.Errorf("%s: name cannot be empty", label))
		} else if groups[g.Name] {
			err = multierr.Append(err, fmt.Errorf("%s: duplicate group name", label))
		}
		groups[g.Name] = true

		if !filepath.IsLocal(filepath.FromSlash(g.Directory)) {
			err = multierr.Append(err, fmt.Errorf("%s: directory %q must be a relative path inside the download directory", label, g.Directory))
		}
		if len(g.Files) == 0 {
			err = multierr.Append(err, fmt.Errorf("%s: no files", label))
		}

		files := make(map[string]bool, len(g.Files))
		for _, f := range g.Files {
			switch {
			case f.Name == "" || f.Name == "." || f.Name == "..":
				err = multierr.Append(err, fmt.Errorf("%s: file name cannot be empty", label))
			case strings.ContainsAny(f.Name, `/\`):
				err = multierr.Append(err, fmt.Errorf("%s: file name %q must not contain path separators", label, f.Name))
			case files[f.Name]:
				err = multierr.Append(err, fmt.Errorf("%s: duplicate file %q", label, f.Name))
			}
			files[f.Name] = true

			if f.ID == "" {
				err = multierr.Append(err, fmt.Errorf("%s: file %q has no id", label, f.Name))
			}
		}
	}

	if err != nil {
		return fmt.Errorf("invalid dataset %q: %w", d.Name, err)
	}
	return nil
}

// Group returns the group called name
func (d *Dataset) Group(name string) (Group, bool) {
	for _, g := range d.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

// Select returns the named groups in the order given, or every enabled
// group when names is empty
func (d *Dataset) Select(names []string) ([]Group, error) {
	if len(names) == 0 {
		var enabled []Group
		for _, g := range d.Groups {
			if g.IsEnabled() {
				enabled = append(enabled, g)
			}
		}
		return enabled, nil
	}

	selected := make([]Group, 0, len(names))
	var err error
	for _, name := range names {
		g, ok := d.Group(name)
		if !ok {
			err = multierr.Append(err, fmt.Errorf("dataset %q has no group %q", d.Name, name))
			continue
		}
		selected = append(selected, g)
	}
	if err != nil {
		return nil, err
	}
	return selected, nil
}

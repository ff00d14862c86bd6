package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/faucetdb/tilefaucet/internal/model"
)

// Extension is the file extension picked up from configured directories.
const Extension = ".pmtiles"

// FileConfig lists archives to serve. In YAML it may be a single path, a
// list of paths, or a mapping with "paths" and "sources":
//
//	pmtiles:
//	  paths:
//	    - /data/tiles          # every *.pmtiles file inside
//	    - /data/extra.pmtiles  # served as "extra"
//	  sources:
//	    basemap: /data/planet.pmtiles
//	    terrain:
//	      path: /data/terrain.pmtiles
type FileConfig struct {
	Paths []string `yaml:"paths,omitempty"`
	// Sources maps an explicit identifier to a file.
	Sources map[string]string `yaml:"sources,omitempty"`
}

// IsEmpty reports whether no archive is configured.
func (c FileConfig) IsEmpty() bool {
	return len(c.Paths) == 0 && len(c.Sources) == 0
}

// UnmarshalYAML accepts the short forms described on FileConfig.
func (c *FileConfig) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		var p string
		if err := n.Decode(&p); err != nil {
			return err
		}
		if p != "" {
			c.Paths = []string{p}
		}
		return nil
	case yaml.SequenceNode:
		return n.Decode(&c.Paths)
	case yaml.MappingNode:
		var raw struct {
			Paths   yaml.Node            `yaml:"paths"`
			Sources map[string]yaml.Node `yaml:"sources"`
		}
		if err := n.Decode(&raw); err != nil {
			return err
		}
		if raw.Paths.Kind != 0 {
			var paths FileConfig
			if err := paths.UnmarshalYAML(&raw.Paths); err != nil {
				return fmt.Errorf("pmtiles.paths: %w", err)
			}
			c.Paths = paths.Paths
		}
		if len(raw.Sources) > 0 {
			c.Sources = make(map[string]string, len(raw.Sources))
		}
		for id, v := range raw.Sources {
			var p string
			if v.Kind == yaml.MappingNode {
				var obj struct {
					Path string `yaml:"path"`
				}
				if err := v.Decode(&obj); err != nil {
					return fmt.Errorf("pmtiles.sources.%s: %w", id, err)
				}
				p = obj.Path
			} else if err := v.Decode(&p); err != nil {
				return fmt.Errorf("pmtiles.sources.%s: %w", id, err)
			}
			if p == "" {
				return fmt.Errorf("pmtiles.sources.%s: path is required", id)
			}
			c.Sources[id] = p
		}
		return nil
	}
	return fmt.Errorf("pmtiles: expected a path, a list of paths or a mapping")
}

type entry struct {
	id      string
	archive *Archive
}

// Set is the collection of archives named by a FileConfig. Several
// identifiers may share one open file.
type Set struct {
	entries []entry
	byPath  map[string]*Archive
}

// OpenSet opens every archive cfg names. Explicit sources come first, sorted
// by identifier, then files found through paths, named by their file stem. A
// file reached through paths that is already served is skipped. A missing
// path or an unreadable archive is an error.
func OpenSet(cfg FileConfig) (*Set, error) {
	s := &Set{byPath: make(map[string]*Archive)}

	ids := make([]string, 0, len(cfg.Sources))
	for id := range cfg.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		path, err := canonical(cfg.Sources[id])
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("pmtiles source %q: %w", id, err)
		}
		if err := s.add(id, path); err != nil {
			s.Close()
			return nil, err
		}
	}

	for _, p := range cfg.Paths {
		files, err := expand(p)
		if err != nil {
			s.Close()
			return nil, err
		}
		for _, path := range files {
			if _, dup := s.byPath[path]; dup {
				continue
			}
			id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			if err := s.add(id, path); err != nil {
				s.Close()
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Set) add(id, path string) error {
	a, ok := s.byPath[path]
	if !ok {
		var err error
		if a, err = Open(path); err != nil {
			return err
		}
		s.byPath[path] = a
	}
	s.entries = append(s.entries, entry{id: id, archive: a})
	return nil
}

// canonical resolves p to an absolute, symlink-free path of a regular file.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a file", abs)
	}
	return abs, nil
}

// expand returns the archive files p names: p itself, or every *.pmtiles
// file directly inside it.
func expand(p string) ([]string, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("pmtiles path: %w", err)
	}
	if !fi.IsDir() {
		path, err := canonical(p)
		if err != nil {
			return nil, fmt.Errorf("pmtiles path: %w", err)
		}
		return []string{path}, nil
	}

	dirEntries, err := os.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("pmtiles path: %w", err)
	}
	var files []string
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != Extension {
			continue
		}
		path, err := canonical(filepath.Join(p, de.Name()))
		if err != nil {
			continue
		}
		files = append(files, path)
	}
	return files, nil
}

// Sources describes every configured archive, in configuration order.
func (s *Set) Sources() []model.Source {
	if s == nil {
		return nil
	}
	out := make([]model.Source, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.archive.Source(e.id)
	}
	return out
}

// Warnings lists archives whose metadata could not be read.
func (s *Set) Warnings() []error {
	if s == nil {
		return nil
	}
	var warnings []error
	for path, a := range s.byPath {
		if err := a.MetadataErr(); err != nil {
			warnings = append(warnings, fmt.Errorf("%s: metadata ignored: %w", path, err))
		}
	}
	return warnings
}

// Tile reads one tile from the archive at path.
func (s *Set) Tile(ctx context.Context, path string, c model.TileCoord) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("archive %s is not open", path)
	}
	a, ok := s.byPath[path]
	if !ok {
		return nil, fmt.Errorf("archive %s is not open", path)
	}
	return a.Tile(ctx, c)
}

// Len returns the number of configured sources.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Close closes every archive.
func (s *Set) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, a := range s.byPath {
		errs = append(errs, a.Close())
	}
	return errors.Join(errs...)
}

// Package feature reads the feature directory: whether a feature exists and
// the vibe tag it declares for its tasks.
//
// A feature path "/features/<name>" maps to "<root>/<name>" in the
// filesystem. The tag comes from YAML front matter in the feature's
// README.md ("vibe: calm"), or from a feature.yaml file next to it.
package feature

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"taskledger/internal/logging"
)

// PathPrefix is the fixed root segment of feature paths.
const PathPrefix = "/features/"

const (
	readmeFile   = "README.md"
	manifestFile = "feature.yaml"
)

type descriptor struct {
	Vibe    string `yaml:"vibe"`
	VibeTag string `yaml:"vibe_tag"`
}

func (d descriptor) tag() string {
	if d.Vibe != "" {
		return strings.TrimSpace(d.Vibe)
	}
	return strings.TrimSpace(d.VibeTag)
}

// Directory is the feature-directory collaborator.
type Directory struct {
	fsys fs.FS
	root string
}

// NewDirectory returns a Directory reading features under root in fsys.
func NewDirectory(fsys fs.FS, root string) *Directory {
	root = strings.Trim(path.Clean("/"+root), "/")
	return &Directory{fsys: fsys, root: root}
}

func (d *Directory) dir(featurePath string) (string, error) {
	if !strings.HasPrefix(featurePath, PathPrefix) {
		return "", fmt.Errorf("feature path %q does not start with %s", featurePath, PathPrefix)
	}
	name := path.Clean(strings.TrimPrefix(featurePath, PathPrefix))
	if name == "." || name == "" || strings.HasPrefix(name, "..") {
		return "", fmt.Errorf("feature path %q does not name a feature", featurePath)
	}
	if d.root == "" {
		return name, nil
	}
	return path.Join(d.root, name), nil
}

// Exists reports whether the feature directory exists.
func (d *Directory) Exists(featurePath string) (bool, error) {
	dir, err := d.dir(featurePath)
	if err != nil {
		return false, nil
	}
	info, err := fs.Stat(d.fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// DefaultTag returns the vibe tag declared by the feature, or "" when the
// feature declares none or does not exist.
func (d *Directory) DefaultTag(featurePath string) (string, error) {
	dir, err := d.dir(featurePath)
	if err != nil {
		return "", nil
	}

	data, err := fs.ReadFile(d.fsys, path.Join(dir, readmeFile))
	switch {
	case err == nil:
		if fm, ok := frontMatter(data); ok {
			var desc descriptor
			if err := yaml.Unmarshal(fm, &desc); err != nil {
				return "", fmt.Errorf("parse front matter of %s: %w", featurePath, err)
			}
			if tag := desc.tag(); tag != "" {
				return tag, nil
			}
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("read %s description: %w", featurePath, err)
	}

	data, err = fs.ReadFile(d.fsys, path.Join(dir, manifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logging.Get(logging.CategoryMigration).Debug("feature %s declares no vibe tag", featurePath)
			return "", nil
		}
		return "", fmt.Errorf("read %s manifest: %w", featurePath, err)
	}
	var desc descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return "", fmt.Errorf("parse %s manifest: %w", featurePath, err)
	}
	return desc.tag(), nil
}

// frontMatter returns the YAML block between a leading "---" line and the
// next "---" line.
func frontMatter(data []byte) ([]byte, bool) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	lines := bytes.SplitAfter(data, []byte("\n"))
	if len(lines) == 0 || string(bytes.TrimSpace(lines[0])) != "---" {
		return nil, false
	}
	var block []byte
	for _, l := range lines[1:] {
		if string(bytes.TrimSpace(l)) == "---" {
			return block, true
		}
		block = append(block, l...)
	}
	return nil, false
}

// Package filesource loads migration descriptors from YAML files named
// <id>_<name>.yaml.
package filesource

import (
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"schemamigrator/internal/domain"
)

type Source struct {
	fsys fs.FS
}

func NewSource(dir string) *Source {
	return &Source{fsys: os.DirFS(dir)}
}

// NewFSSource reads descriptors from the root of fsys, e.g. an embed.FS
// sub-tree.
func NewFSSource(fsys fs.FS) *Source {
	return &Source{fsys: fsys}
}

// Descriptors parses every .yaml/.yml file. Other files are ignored.
func (s *Source) Descriptors() ([]domain.Descriptor, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, errors.Wrap(err, "read migration directory")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var descriptors []domain.Descriptor
	for _, entry := range entries {
		ext := path.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		content, err := fs.ReadFile(s.fsys, entry.Name())
		if err != nil {
			return nil, errors.Wrapf(err, "read migration %s", entry.Name())
		}
		d, err := ParseDescriptor(entry.Name(), content)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

// ParseDescriptor decodes one file. The id and name come from the file name;
// id/name keys inside the file, when present, must agree with it.
func ParseDescriptor(fileName string, content []byte) (domain.Descriptor, error) {
	malformed := func(format string, args ...interface{}) error {
		return errors.Wrapf(domain.ErrMalformedDescriptor, "%s: "+format, append([]interface{}{fileName}, args...)...)
	}

	id, name, err := splitFileName(fileName)
	if err != nil {
		return domain.Descriptor{}, malformed("%v", err)
	}

	var doc descriptorDoc
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return domain.Descriptor{}, malformed("%v", err)
	}
	if doc.ID != nil && domain.MigrationID(*doc.ID) != id {
		return domain.Descriptor{}, malformed("id %d does not match file name", *doc.ID)
	}
	if doc.Name != "" && doc.Name != name {
		return domain.Descriptor{}, malformed("name %q does not match file name", doc.Name)
	}

	d := domain.Descriptor{ID: id, Name: name}
	for _, op := range doc.Up {
		d.Up = append(d.Up, op.op)
	}
	for _, op := range doc.Down {
		d.Down = append(d.Down, op.op)
	}
	return d, nil
}

func splitFileName(fileName string) (domain.MigrationID, string, error) {
	base := strings.TrimSuffix(fileName, path.Ext(fileName))
	split := strings.SplitN(base, "_", 2)
	if len(split) != 2 || split[1] == "" {
		return 0, "", errors.New("file name must be <id>_<name>.yaml")
	}
	id, err := domain.ParseMigrationID(split[0])
	if err != nil {
		return 0, "", errors.Wrap(err, "migration id")
	}
	return id, split[1], nil
}

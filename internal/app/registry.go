package app

import (
	"sort"

	"github.com/pkg/errors"

	"schemamigrator/internal/domain"
)

// Registry is the validated, ordered set of known migrations.
type Registry struct {
	ordered []domain.Descriptor
	byID    map[domain.MigrationID]int
}

// LoadRegistry validates descriptors and sorts them by id. Nothing is
// returned on error, so a partial registry is never used.
func LoadRegistry(descriptors []domain.Descriptor) (*Registry, error) {
	r := &Registry{
		ordered: make([]domain.Descriptor, 0, len(descriptors)),
		byID:    make(map[domain.MigrationID]int, len(descriptors)),
	}
	seen := make(map[domain.MigrationID]string, len(descriptors))
	for _, d := range descriptors {
		if name, ok := seen[d.ID]; ok {
			return nil, errors.Wrapf(domain.ErrDuplicateID, "migration %s (%s and %s)", d.ID, name, d.Name)
		}
		if err := validateDescriptor(d); err != nil {
			return nil, err
		}
		seen[d.ID] = d.Name
		r.ordered = append(r.ordered, d)
	}

	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].ID < r.ordered[j].ID
	})
	for i, d := range r.ordered {
		r.byID[d.ID] = i
	}
	return r, nil
}

func validateDescriptor(d domain.Descriptor) error {
	malformed := func(format string, args ...interface{}) error {
		return errors.Wrapf(domain.ErrMalformedDescriptor, "migration %s: "+format, append([]interface{}{d.ID}, args...)...)
	}
	if d.ID <= 0 {
		return malformed("id must be positive")
	}
	if d.Name == "" {
		return malformed("name is empty")
	}
	if (len(d.Up) == 0) != (len(d.Down) == 0) {
		return malformed("up has %d operations but down has %d", len(d.Up), len(d.Down))
	}
	for _, dir := range []domain.Direction{domain.Apply, domain.Revert} {
		for i, op := range d.Operations(dir) {
			if op == nil {
				return malformed("%s operation %d is nil", dir, i)
			}
			if err := op.Validate(); err != nil {
				return malformed("%s operation %d: %v", dir, i, err)
			}
		}
	}
	return nil
}

// Ordered returns the descriptors in ascending id order.
func (r *Registry) Ordered() []domain.Descriptor {
	out := make([]domain.Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) Get(id domain.MigrationID) (domain.Descriptor, error) {
	i, ok := r.byID[id]
	if !ok {
		return domain.Descriptor{}, errors.Wrapf(domain.ErrNotFound, "migration %s", id)
	}
	return r.ordered[i], nil
}

func (r *Registry) Contains(id domain.MigrationID) bool {
	_, ok := r.byID[id]
	return ok
}

func (r *Registry) Len() int {
	return len(r.ordered)
}

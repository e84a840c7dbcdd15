package app_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemamigrator/internal/app"
	"schemamigrator/internal/domain"
	"schemamigrator/internal/infrastructure/filesource"
)

func TestCreateDescriptorFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "migrations")
	now := time.Date(2024, 3, 1, 9, 30, 15, 0, time.UTC)

	path, err := app.CreateDescriptorFile(dir, "add_invoice_status", now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "20240301093015_add_invoice_status.yaml"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	d, err := filesource.ParseDescriptor(filepath.Base(path), content)
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationID(20240301093015), d.ID)
	assert.Equal(t, "add_invoice_status", d.Name)
	assert.Empty(t, d.Up)
	assert.Empty(t, d.Down)

	_, err = app.LoadRegistry([]domain.Descriptor{d})
	assert.NoError(t, err)

	_, err = app.CreateDescriptorFile(dir, "add_invoice_status", now)
	assert.Error(t, err, "existing file must not be overwritten")
}

func TestCreateDescriptorFile_InvalidName(t *testing.T) {
	for _, name := range []string{"", "Add Status", "../escape", "drop-table"} {
		_, err := app.CreateDescriptorFile(t.TempDir(), name, time.Now())
		assert.Error(t, err, name)
	}
}

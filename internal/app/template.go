package app

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"text/template"
	"time"

	"github.com/pkg/errors"
)

const descriptorTemplate = `# {{.Name}}
id: {{.Version}}
name: {{.Name}}
up:
  # - op: add_column
  #   table: invoices
  #   column: {name: status, type: "varchar(32)", nullable: false, default: "'draft'"}
down:
  # - op: drop_column
  #   table: invoices
  #   column: status
`

var migrationName = regexp.MustCompile(`^[a-z0-9_]+$`)

var descriptorTmpl = template.Must(template.New("descriptor").Parse(descriptorTemplate))

// CreateDescriptorFile writes an empty descriptor named <version>_<name>.yaml
// into dir and returns its path.
func CreateDescriptorFile(dir, name string, now time.Time) (string, error) {
	if !migrationName.MatchString(name) {
		return "", errors.Errorf("invalid migration name %q: use lowercase letters, digits and underscores", name)
	}
	in := struct {
		Version string
		Name    string
	}{
		Version: now.UTC().Format("20060102150405"),
		Name:    name,
	}

	var out bytes.Buffer
	if err := descriptorTmpl.Execute(&out, in); err != nil {
		return "", errors.Wrap(err, "unable to execute template")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "unable to create migration directory")
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.yaml", in.Version, in.Name))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", errors.Wrap(err, "unable to create migration file")
	}
	defer file.Close()

	if _, err = file.Write(out.Bytes()); err != nil {
		return "", errors.Wrap(err, "unable to write migration file")
	}
	return path, nil
}

package storage

import (
	"fmt"
	"path"
	"strings"
	"unicode"
)

const maxComponentLength = 255

// TableKey builds the object key of one stored table: <db>/<schema>/<table><ext>.
func TableKey(db, schema, table, ext string) (string, error) {
	if err := ValidateComponent(db, "namespace"); err != nil {
		return "", err
	}
	if err := ValidateComponent(schema, "schema"); err != nil {
		return "", err
	}
	if err := ValidateComponent(table+ext, "table"); err != nil {
		return "", err
	}
	return path.Join(db, schema, table+ext), nil
}

// ExportKey builds the key of one exported parquet part below folder.
func ExportKey(folder, partID string) (string, error) {
	folder = strings.Trim(strings.TrimSpace(folder), "/")
	if err := ValidateComponent(partID, "part id"); err != nil {
		return "", err
	}
	name := fmt.Sprintf("part-%s.parquet", partID)
	if folder == "" {
		return name, nil
	}
	cleaned := path.Clean(folder)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid export folder: %q", folder)
	}
	return path.Join(cleaned, name), nil
}

// SplitExt splits a file name into base name and lower-cased extension.
func SplitExt(name string) (string, string) {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext), strings.ToLower(ext)
}

// ValidateComponent rejects values that cannot be used as a single path segment.
func ValidateComponent(value, field string) error {
	if value == "" || value == "." || value == ".." || len(value) > maxComponentLength {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	for _, r := range value {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return fmt.Errorf("invalid %s: %q", field, value)
		}
	}
	return nil
}

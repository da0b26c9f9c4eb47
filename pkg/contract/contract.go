// pkg/contract/contract.go
package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Load reads a contract document. A missing file is reported with an error
// wrapping fs.ErrNotExist so callers can treat it as "no contract".
func Load(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a contract document and fills in column defaults.
func Parse(data []byte) (*Contract, error) {
	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse contract: %w", err)
	}
	if c.Columns == nil {
		c.Columns = map[string]Column{}
	}
	for name, col := range c.Columns {
		if col.Type == "" {
			col.Type = TypeString
			c.Columns[name] = col
		}
		if !IsSupportedType(col.Type) {
			return nil, fmt.Errorf("column %q: unsupported type %q", name, col.Type)
		}
	}
	return &c, nil
}

// Save writes the contract as indented JSON, replacing the file atomically.
func Save(path string, c *Contract) error {
	if c.Columns == nil {
		c.Columns = map[string]Column{}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".contract-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ColumnNames returns the declared columns sorted by name.
func (c *Contract) ColumnNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Columns))
	for name := range c.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

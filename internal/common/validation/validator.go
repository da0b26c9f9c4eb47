// internal/common/validation/validator.go
package validation

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/models"
	"sheetbridge/pkg/contract"
)

// Result of validating one payload. On rejection Row is nil and Reason is
// "missing_required:<column>" or "type_error:<column>:<type>".
type Result struct {
	OK     bool
	Row    *models.RowData
	Reason string
}

// Validate coerces data against c. A nil contract accepts the payload
// unchanged. Declared columns are checked in name order so the reported
// reason is deterministic; undeclared columns pass through untouched.
func Validate(data *models.RowData, c *contract.Contract) Result {
	if c == nil || len(c.Columns) == 0 {
		return Result{OK: true, Row: data}
	}

	out := data.Clone()
	for _, name := range c.ColumnNames() {
		col := c.Columns[name]
		value, present := data.Get(name)
		if !present || value == nil {
			if col.Required {
				return Result{Reason: fmt.Sprintf("%s:%s", models.ReasonMissingRequired, name)}
			}
			continue
		}
		coerced, err := coerce(value, col.Type)
		if err != nil {
			return Result{Reason: fmt.Sprintf("%s:%s:%s", models.ReasonTypeError, name, col.Type)}
		}
		out.Set(name, coerced)
	}
	return Result{OK: true, Row: out}
}

// Validator holds the active contract. It is loaded once from the configured
// path and swapped atomically by Replace or Reload.
type Validator struct {
	mu       sync.RWMutex
	path     string
	contract *contract.Contract
	logger   logger.Logger
}

func NewValidator(path string, log logger.Logger) *Validator {
	return &Validator{
		path:   path,
		logger: log.WithFields(map[string]interface{}{"component": "validator"}),
	}
}

// Load reads the contract at the current path. A missing file clears the
// contract, which disables validation.
func (v *Validator) Load() error {
	v.mu.RLock()
	path := v.path
	v.mu.RUnlock()
	return v.Reload(path)
}

// Reload switches to path and loads it.
func (v *Validator) Reload(path string) error {
	c, err := contract.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load contract %s: %w", path, err)
	}

	v.mu.Lock()
	v.path = path
	v.contract = c
	v.mu.Unlock()

	v.logger.Info("contract loaded", map[string]interface{}{
		"path":    path,
		"present": c != nil,
		"columns": len(c.ColumnNames()),
	})
	return nil
}

// Replace checks doc against the contract meta-schema, persists it to the
// current path and makes it active for subsequent validations.
func (v *Validator) Replace(doc []byte) (*contract.Contract, string, error) {
	if err := CheckContractDocument(doc); err != nil {
		return nil, "", err
	}
	c, err := contract.Parse(doc)
	if err != nil {
		return nil, "", err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := contract.Save(v.path, c); err != nil {
		return nil, "", fmt.Errorf("save contract %s: %w", v.path, err)
	}
	v.contract = c
	v.logger.Info("contract replaced", map[string]interface{}{
		"path":    v.path,
		"columns": len(c.Columns),
	})
	return c, v.path, nil
}

// Contract returns the active contract, nil when none is loaded.
func (v *Validator) Contract() *contract.Contract {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.contract
}

// Path returns the contract file location.
func (v *Validator) Path() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.path
}

// Validate runs the active contract over data.
func (v *Validator) Validate(data *models.RowData) Result {
	return Validate(data, v.Contract())
}

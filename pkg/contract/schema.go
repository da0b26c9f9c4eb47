// pkg/contract/schema.go
package contract

// Column types accepted in a contract.
const (
	TypeString   = "string"
	TypeNumber   = "number"
	TypeInteger  = "integer"
	TypeBoolean  = "boolean"
	TypeDate     = "date"
	TypeDatetime = "datetime"
)

// Types lists every supported column type.
var Types = []string{TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeDate, TypeDatetime}

// Contract is the declarative row contract: column name to type/required.
type Contract struct {
	Columns map[string]Column `json:"columns"`
}

type Column struct {
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// IsSupportedType reports whether t is a known column type.
func IsSupportedType(t string) bool {
	for _, known := range Types {
		if known == t {
			return true
		}
	}
	return false
}

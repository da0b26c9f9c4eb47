// cmd/tools/contract-tool/main.go
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"sheetbridge/internal/common/validation"
	"sheetbridge/internal/models"
	"sheetbridge/pkg/contract"
)

var contractPath string

func main() {
	showCmd := flag.NewFlagSet("show", flag.ExitOnError)
	setCmd := flag.NewFlagSet("set-column", flag.ExitOnError)
	dropCmd := flag.NewFlagSet("drop-column", flag.ExitOnError)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)

	for _, set := range []*flag.FlagSet{showCmd, setCmd, dropCmd, validateCmd} {
		set.StringVar(&contractPath, "path", "schema.json", "Path to contract file")
	}

	// set-column flags
	setName := setCmd.String("name", "", "Column name")
	setType := setCmd.String("type", contract.TypeString, "Column type ("+strings.Join(contract.Types, ", ")+")")
	setRequired := setCmd.Bool("required", false, "Reject rows without a value for the column")

	// drop-column flags
	dropName := dropCmd.String("name", "", "Column name")

	// validate flags
	sampleRow := validateCmd.String("row", "", "Optional JSON row to check against the contract")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "show":
		showCmd.Parse(os.Args[2:])
		err = show()

	case "set-column":
		setCmd.Parse(os.Args[2:])
		if *setName == "" {
			fmt.Println("Error: name is required for set-column.")
			setCmd.Usage()
			os.Exit(1)
		}
		if err = setColumn(*setName, *setType, *setRequired); err == nil {
			fmt.Printf("Set column %s (%s, required=%t) in %s\n", *setName, *setType, *setRequired, contractPath)
		}

	case "drop-column":
		dropCmd.Parse(os.Args[2:])
		if *dropName == "" {
			fmt.Println("Error: name is required for drop-column.")
			dropCmd.Usage()
			os.Exit(1)
		}
		if err = dropColumn(*dropName); err == nil {
			fmt.Printf("Dropped column %s from %s\n", *dropName, contractPath)
		}

	case "validate":
		validateCmd.Parse(os.Args[2:])
		err = validate(*sampleRow)

	case "help":
		fallthrough
	default:
		help()
		return
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// loadOrEmpty returns the contract at contractPath, or an empty one when the
// file does not exist yet.
func loadOrEmpty() (*contract.Contract, error) {
	c, err := contract.Load(contractPath)
	if errors.Is(err, fs.ErrNotExist) {
		return &contract.Contract{Columns: map[string]contract.Column{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contract: %w", err)
	}
	return c, nil
}

func show() error {
	c, err := loadOrEmpty()
	if err != nil {
		return err
	}
	if len(c.Columns) == 0 {
		fmt.Printf("%s: no columns declared, every row is accepted\n", contractPath)
		return nil
	}
	fmt.Printf("%s:\n", contractPath)
	for _, name := range c.ColumnNames() {
		col := c.Columns[name]
		req := ""
		if col.Required {
			req = " (required)"
		}
		fmt.Printf("  %-24s %s%s\n", name, col.Type, req)
	}
	return nil
}

func setColumn(name, typ string, required bool) error {
	if !contract.IsSupportedType(typ) {
		return fmt.Errorf("unsupported type %q, want one of %s", typ, strings.Join(contract.Types, ", "))
	}
	c, err := loadOrEmpty()
	if err != nil {
		return err
	}
	c.Columns[name] = contract.Column{Type: typ, Required: required}
	return save(c)
}

func dropColumn(name string) error {
	c, err := loadOrEmpty()
	if err != nil {
		return err
	}
	if _, ok := c.Columns[name]; !ok {
		return fmt.Errorf("column %s not found", name)
	}
	delete(c.Columns, name)
	return save(c)
}

// save checks the document against the meta-schema before writing so the
// tool never produces a file the service would refuse.
func save(c *contract.Contract) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal contract: %w", err)
	}
	if err := validation.CheckContractDocument(doc); err != nil {
		return err
	}
	return contract.Save(contractPath, c)
}

func validate(sample string) error {
	doc, err := os.ReadFile(contractPath)
	if err != nil {
		return fmt.Errorf("failed to read contract: %w", err)
	}
	if err := validation.CheckContractDocument(doc); err != nil {
		return err
	}
	c, err := contract.Parse(doc)
	if err != nil {
		return err
	}
	fmt.Printf("Contract validation passed. Found %d columns.\n", len(c.Columns))

	if sample == "" {
		return nil
	}
	row, err := models.DecodeRowData([]byte(sample))
	if err != nil {
		return fmt.Errorf("invalid sample row: %w", err)
	}
	result := validation.Validate(row, c)
	if !result.OK {
		return fmt.Errorf("sample row rejected: %s", result.Reason)
	}
	out, err := result.Row.Encode()
	if err != nil {
		return err
	}
	fmt.Printf("Sample row accepted: %s\n", out)
	return nil
}

func help() {
	fmt.Print(`
Usage: contract-tool <command> [flags]

Commands:
  show         Print the declared columns
  set-column   Add or replace a column
  drop-column  Remove a column
  validate     Check the contract file, and optionally a sample row against it
  help         Show this help message

Examples:
  contract-tool show -path schema.json
  contract-tool set-column -path schema.json -name amount -type integer -required
  contract-tool drop-column -path schema.json -name amount
  contract-tool validate -path schema.json -row '{"id":"1","amount":"42"}'

Use 'contract-tool <command> -h' for more information about a command.
` + "\n")
}

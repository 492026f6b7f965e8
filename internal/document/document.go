// Package document loads and validates notebook files.
//
// A notebook is a YAML document naming its cells in presentation order.
// Loading is strict twice over: the YAML decoder rejects unknown fields,
// and the decoded document is checked against an embedded CUE schema so a
// malformed notebook is reported with file context before the engine sees
// any of it.
package document

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/cellflow/internal/engine"
	"github.com/roach88/cellflow/internal/store"
)

//go:embed schema.cue
var schemaSource []byte

// Notebook is a parsed notebook document.
type Notebook struct {
	// Name uniquely identifies the notebook.
	Name string `yaml:"name"`

	// Description explains what the notebook computes.
	Description string `yaml:"description,omitempty"`

	// Cells lists the notebook's cells in document order. Document order
	// is the scheduling tie-break, so the listed order matters.
	Cells []Cell `yaml:"cells"`

	// Variables seeds the variable store before any cell runs. Seeded
	// names are visible to dependency extraction, so cells may reference
	// them without a producing cell.
	Variables map[string]any `yaml:"variables,omitempty"`
}

// Cell is one notebook cell definition.
type Cell struct {
	// ID is optional; the engine generates one when empty.
	ID string `yaml:"id,omitempty"`

	// Kind selects the execution strategy: code, formula, input, markdown.
	Kind string `yaml:"kind"`

	// Source is the cell's program text.
	Source string `yaml:"source"`
}

// Load reads and parses a notebook YAML file.
func Load(path string) (*Notebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read notebook file: %w", err)
	}
	nb, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return nb, nil
}

// Parse decodes and validates a notebook from YAML bytes.
func Parse(data []byte) (*Notebook, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	// Strict decoding catches typos the schema's optional fields would
	// otherwise let through silently.
	var nb Notebook
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&nb); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateNotebook(&nb); err != nil {
		return nil, fmt.Errorf("invalid notebook: %w", err)
	}
	return &nb, nil
}

// validateSchema unifies the raw document with the embedded CUE schema.
func validateSchema(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling notebook schema: %w", err)
	}

	value := schema.Unify(ctx.Encode(doc))
	if err := value.Validate(); err != nil {
		return fmt.Errorf("notebook does not match schema: %w", err)
	}
	return nil
}

// validateNotebook checks the constraints the schema cannot express.
func validateNotebook(nb *Notebook) error {
	if nb.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(nb.Cells) == 0 {
		return fmt.Errorf("cells list is required and must be non-empty")
	}

	seen := make(map[string]bool, len(nb.Cells))
	for i, cell := range nb.Cells {
		if _, err := engine.ParseKind(cell.Kind); err != nil {
			return fmt.Errorf("cells[%d]: %w", i, err)
		}
		if cell.Source == "" {
			return fmt.Errorf("cells[%d]: source is required", i)
		}
		if cell.ID != "" {
			if seen[cell.ID] {
				return fmt.Errorf("cells[%d]: duplicate cell id %q", i, cell.ID)
			}
			seen[cell.ID] = true
		}
	}

	for name := range nb.Variables {
		if store.IsInternalName(name) {
			return fmt.Errorf("variables: %q uses the reserved prefix", name)
		}
	}
	return nil
}

// Build creates an engine for the notebook: seeds the declared variables,
// registers every cell in document order, and returns the chosen cell ids
// (generated ones included, parallel to Cells).
//
// A structural error (cycle, export conflict) surfaces here, before
// anything runs.
func (nb *Notebook) Build(e *engine.Engine) ([]string, error) {
	for name, value := range nb.Variables {
		if err := e.DefineVariable(name, value); err != nil {
			return nil, fmt.Errorf("seeding variable %q: %w", name, err)
		}
	}

	ids := make([]string, 0, len(nb.Cells))
	for i, cell := range nb.Cells {
		kind, err := engine.ParseKind(cell.Kind)
		if err != nil {
			return nil, fmt.Errorf("cells[%d]: %w", i, err)
		}
		id, err := e.RegisterCell(cell.ID, kind, cell.Source)
		if err != nil {
			return nil, fmt.Errorf("cells[%d]: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Run executes the notebook to completion on a fresh tick per root: each
// cell is run once in document order, skipping cells that propagation
// already reached, so a fully connected notebook triggers exactly one run
// per cell.
func (nb *Notebook) Run(ctx context.Context, e *engine.Engine, ids []string) error {
	for _, id := range ids {
		snap, err := e.CellSnapshot(id)
		if err != nil {
			return err
		}
		if snap.Counter > 0 {
			continue // already reached by an earlier cell's propagation
		}
		if _, err := e.RunCell(ctx, id, "", nil); err != nil {
			return err
		}
	}
	return nil
}

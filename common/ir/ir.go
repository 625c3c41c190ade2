package ir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lyzr/storyflow/common/fault"
)

// Composite node types handled by the executor itself. Everything else
// resolves through the node registry.
const (
	TypeSequence = "Sequence"
	TypeIf       = "If"
	TypeSubflow  = "Subflow"
)

// Document is one flow definition. The same in-memory form is produced
// from both on-disk encodings.
type Document struct {
	ID      string    `json:"id" yaml:"id"`
	Version int       `json:"version" yaml:"version"`
	Entry   string    `json:"entry" yaml:"entry"`
	Nodes   []NodeDef `json:"nodes" yaml:"nodes"`
}

// NodeDef defines one node. Exactly one of the composite fields
// (Children, If, Subflow) may be set, and only on the matching type.
type NodeDef struct {
	ID       string                 `json:"id" yaml:"id"`
	Type     string                 `json:"type" yaml:"type"`
	Params   map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
	Children []string               `json:"children,omitempty" yaml:"children,omitempty"`
	If       *IfSpec                `json:"if,omitempty" yaml:"if,omitempty"`
	Subflow  *SubflowSpec           `json:"subflow,omitempty" yaml:"subflow,omitempty"`
}

// IfSpec is the conditional branch description
type IfSpec struct {
	Cond string   `json:"cond" yaml:"cond"`
	Then []string `json:"then" yaml:"then"`
	Else []string `json:"else,omitempty" yaml:"else,omitempty"`
}

// SubflowSpec references another document with field mapping. ShareState
// defaults to true when unset; ShareItems defaults to false.
type SubflowSpec struct {
	Ref        string            `json:"ref" yaml:"ref"`
	InputMap   map[string]string `json:"input_map,omitempty" yaml:"input_map,omitempty"`
	OutputMap  map[string]string `json:"output_map,omitempty" yaml:"output_map,omitempty"`
	ShareState *bool             `json:"share_state,omitempty" yaml:"share_state,omitempty"`
	ShareItems bool              `json:"share_items,omitempty" yaml:"share_items,omitempty"`
}

// SharesState resolves the ShareState default.
func (s *SubflowSpec) SharesState() bool {
	return s.ShareState == nil || *s.ShareState
}

// Ref returns the document's index key, "id@version".
func (d *Document) Ref() string {
	return fmt.Sprintf("%s@%d", d.ID, d.Version)
}

// Node looks up a node definition by id.
func (d *Document) Node(id string) (*NodeDef, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Parse decodes a document from "yaml" or "json" bytes. The result is
// not yet validated.
func Parse(data []byte, format string) (*Document, error) {
	var doc Document
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fault.New(fault.KindSchema, "parsing yaml document: %v", err)
		}
	case "json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fault.New(fault.KindSchema, "parsing json document: %v", err)
		}
	default:
		return nil, fault.New(fault.KindSchema, "unknown document format: %s", format)
	}
	return &doc, nil
}

// FormatForFile maps a filename to its encoding, or "" when the file is
// not a flow document.
func FormatForFile(name string) string {
	switch {
	case strings.HasSuffix(name, ".yaml"), strings.HasSuffix(name, ".yml"):
		return "yaml"
	case strings.HasSuffix(name, ".json"):
		return "json"
	default:
		return ""
	}
}

// SplitRef splits "id@version" into its parts. Version is 0 for a bare
// id reference.
func SplitRef(ref string) (id string, version int, err error) {
	at := strings.LastIndex(ref, "@")
	if at < 0 {
		if ref == "" {
			return "", 0, fault.New(fault.KindSchema, "empty flow ref")
		}
		return ref, 0, nil
	}

	id = ref[:at]
	if id == "" {
		return "", 0, fault.New(fault.KindSchema, "flow ref %q has no id", ref)
	}
	version, convErr := strconv.Atoi(ref[at+1:])
	if convErr != nil || version < 1 {
		return "", 0, fault.New(fault.KindSchema, "flow ref %q has bad version", ref)
	}
	return id, version, nil
}

package ir

import "github.com/lyzr/storyflow/common/fault"

// Validate checks schema conformance and referential integrity. It does
// not resolve subflow refs or node types; those bind at execution time.
func (d *Document) Validate() error {
	if d.ID == "" {
		return fault.New(fault.KindSchema, "document has no id")
	}
	if d.Version < 1 {
		return fault.New(fault.KindSchema, "document %s: version must be >= 1, got %d", d.ID, d.Version)
	}
	if d.Entry == "" {
		return fault.New(fault.KindSchema, "document %s: entry is required", d.ID)
	}

	defined := make(map[string]bool, len(d.Nodes))
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.ID == "" {
			return fault.New(fault.KindSchema, "document %s: node %d has no id", d.ID, i)
		}
		if defined[n.ID] {
			return fault.New(fault.KindSchema, "document %s: duplicate node id %q", d.ID, n.ID)
		}
		defined[n.ID] = true

		if n.Type == "" {
			return fault.New(fault.KindSchema, "document %s: node %q has no type", d.ID, n.ID)
		}
	}

	if !defined[d.Entry] {
		return fault.New(fault.KindSchema, "document %s: entry not found: %q", d.ID, d.Entry)
	}

	for i := range d.Nodes {
		if err := d.validateNode(&d.Nodes[i], defined); err != nil {
			return err
		}
	}
	return nil
}

func (d *Document) validateNode(n *NodeDef, defined map[string]bool) error {
	// Composite fields only appear on their matching type
	if n.Children != nil && n.Type != TypeSequence {
		return fault.New(fault.KindSchema, "document %s: node %q has children but type %q", d.ID, n.ID, n.Type)
	}
	if n.If != nil && n.Type != TypeIf {
		return fault.New(fault.KindSchema, "document %s: node %q has an if block but type %q", d.ID, n.ID, n.Type)
	}
	if n.Subflow != nil && n.Type != TypeSubflow {
		return fault.New(fault.KindSchema, "document %s: node %q has a subflow block but type %q", d.ID, n.ID, n.Type)
	}

	switch n.Type {
	case TypeSequence:
		for _, child := range n.Children {
			if !defined[child] {
				return fault.New(fault.KindSchema, "document %s: node %q references unknown child %q", d.ID, n.ID, child)
			}
		}

	case TypeIf:
		if n.If == nil {
			return fault.New(fault.KindSchema, "document %s: node %q needs an if block", d.ID, n.ID)
		}
		if n.If.Cond == "" {
			return fault.New(fault.KindSchema, "document %s: node %q has an empty cond", d.ID, n.ID)
		}
		for _, ref := range n.If.Then {
			if !defined[ref] {
				return fault.New(fault.KindSchema, "document %s: node %q then references unknown node %q", d.ID, n.ID, ref)
			}
		}
		for _, ref := range n.If.Else {
			if !defined[ref] {
				return fault.New(fault.KindSchema, "document %s: node %q else references unknown node %q", d.ID, n.ID, ref)
			}
		}

	case TypeSubflow:
		if n.Subflow == nil {
			return fault.New(fault.KindSchema, "document %s: node %q needs a subflow block", d.ID, n.ID)
		}
		id, version, err := SplitRef(n.Subflow.Ref)
		if err != nil {
			return err
		}
		if version == 0 {
			return fault.New(fault.KindSchema, "document %s: node %q subflow ref %q must be id@version", d.ID, n.ID, id)
		}
	}

	return nil
}

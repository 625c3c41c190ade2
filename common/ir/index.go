package ir

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/lyzr/storyflow/common/fault"
)

// Index holds loaded documents keyed by "id@version". Bare-id lookups
// resolve to the highest version.
type Index struct {
	byRef map[string]*Document
	byID  map[string][]*Document // sorted by version, descending
}

// NewIndex builds an index, rejecting duplicate refs.
func NewIndex(docs []*Document) (*Index, error) {
	idx := &Index{
		byRef: make(map[string]*Document, len(docs)),
		byID:  make(map[string][]*Document),
	}
	for _, doc := range docs {
		ref := doc.Ref()
		if _, dup := idx.byRef[ref]; dup {
			return nil, fault.New(fault.KindSchema, "duplicate flow %s", ref)
		}
		idx.byRef[ref] = doc
		idx.byID[doc.ID] = append(idx.byID[doc.ID], doc)
	}
	for _, versions := range idx.byID {
		sort.Slice(versions, func(i, j int) bool {
			return versions[i].Version > versions[j].Version
		})
	}
	return idx, nil
}

// Resolve finds a document by "id@version" or bare "id".
func (idx *Index) Resolve(ref string) (*Document, error) {
	id, version, err := SplitRef(ref)
	if err != nil {
		return nil, err
	}

	if version > 0 {
		if doc, ok := idx.byRef[ref]; ok {
			return doc, nil
		}
		return nil, fault.New(fault.KindNotFound, "flow %s not loaded", ref)
	}

	versions := idx.byID[id]
	if len(versions) == 0 {
		return nil, fault.New(fault.KindNotFound, "flow %s not loaded", id)
	}
	return versions[0], nil
}

// Refs lists all loaded refs, sorted.
func (idx *Index) Refs() []string {
	out := make([]string, 0, len(idx.byRef))
	for ref := range idx.byRef {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// Len reports how many documents are loaded.
func (idx *Index) Len() int {
	return len(idx.byRef)
}

// LoadDir parses and validates every flow document in one directory.
// Files without a recognized extension are skipped.
func LoadDir(dir string) ([]*Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fault.New(fault.KindNotFound, "reading flow dir %s: %v", dir, err)
	}

	var docs []*Document
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		format := FormatForFile(entry.Name())
		if format == "" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fault.New(fault.KindInternal, "reading %s: %v", path, err)
		}

		doc, err := Parse(data, format)
		if err != nil {
			return nil, fault.New(fault.KindSchema, "%s: %v", path, err)
		}
		if err := doc.Validate(); err != nil {
			return nil, fault.New(fault.KindSchema, "%s: %v", path, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// LoadDirs loads several directories into one index.
func LoadDirs(dirs []string) (*Index, error) {
	var all []*Document
	for _, dir := range dirs {
		docs, err := LoadDir(dir)
		if err != nil {
			return nil, err
		}
		all = append(all, docs...)
	}
	return NewIndex(all)
}

package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/storyflow/common/fault"
	"github.com/lyzr/storyflow/common/ir"
	"github.com/lyzr/storyflow/common/items"
	"github.com/lyzr/storyflow/common/node"
	"github.com/lyzr/storyflow/common/state"
)

type testLogger struct{ t *testing.T }

func (l *testLogger) Info(msg string, kv ...interface{})  { l.t.Log("INFO:", msg, kv) }
func (l *testLogger) Error(msg string, kv ...interface{}) { l.t.Log("ERROR:", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...interface{})  { l.t.Log("WARN:", msg, kv) }
func (l *testLogger) Debug(msg string, kv ...interface{}) { l.t.Log("DEBUG:", msg, kv) }

func testExecutor(t *testing.T, docs ...*ir.Document) *Executor {
	t.Helper()
	idx, err := ir.NewIndex(docs)
	require.NoError(t, err)
	registry, err := node.BuildRegistry(node.DefaultProviders()...)
	require.NoError(t, err)
	return New(idx, registry, 3, &testLogger{t})
}

func testNC(t *testing.T, initial map[string]interface{}) *node.Context {
	t.Helper()
	return &node.Context{
		SessionID: "sess_test",
		BranchID:  "br_test",
		RoundNo:   1,
		State:     state.Scratch(initial),
		Logger:    &testLogger{t},
	}
}

func hasLog(logs []string, substr string) bool {
	for _, l := range logs {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool { return &b }

func TestRunSequence(t *testing.T) {
	doc := &ir.Document{
		ID: "main", Version: 1, Entry: "root",
		Nodes: []ir.NodeDef{
			{ID: "root", Type: ir.TypeSequence, Children: []string{"tag", "keep"}},
			{ID: "tag", Type: "Map", Params: map[string]interface{}{
				"set": map[string]interface{}{"stage": "'tagged'"},
			}},
			{ID: "keep", Type: "Filter", Params: map[string]interface{}{
				"where": "item.n >= `2`",
			}},
		},
	}
	e := testExecutor(t, doc)

	in := []items.Item{{"n": 1}, {"n": 2}, {"n": 3}}
	res, err := e.Run(context.Background(), "main@1", in, testNC(t, nil))
	require.NoError(t, err)
	require.False(t, res.Failed)

	require.Len(t, res.Items, 2)
	assert.EqualValues(t, 2, res.Items[0]["n"])
	assert.EqualValues(t, 3, res.Items[1]["n"])
	assert.Equal(t, "tagged", res.Items[0]["stage"])

	assert.True(t, hasLog(res.Logs, "map: set 1 fields on 3 items"))
	assert.True(t, hasLog(res.Logs, "filter: kept 2 of 3"))

	// Per-node counters sum across the sequence
	assert.Equal(t, float64(6), res.Metrics["items_in"])
	assert.Equal(t, float64(5), res.Metrics["items_out"])
	assert.Contains(t, res.Metrics, "duration_ms")
}

func TestSequenceStopsOnFailure(t *testing.T) {
	doc := &ir.Document{
		ID: "main", Version: 1, Entry: "root",
		Nodes: []ir.NodeDef{
			{ID: "root", Type: ir.TypeSequence, Children: []string{"flag", "boom", "after"}},
			{ID: "flag", Type: "Map", Params: map[string]interface{}{
				"set": map[string]interface{}{"flag": true},
			}},
			{ID: "boom", Type: "Code", Params: map[string]interface{}{"function": "explode"}},
			{ID: "after", Type: "Map", Params: map[string]interface{}{
				"set": map[string]interface{}{"after": true},
			}},
		},
	}
	e := testExecutor(t, doc)

	res, err := e.Run(context.Background(), "main@1", []items.Item{{"n": 1}}, testNC(t, nil))
	require.NoError(t, err)
	require.True(t, res.Failed)

	// Stream is whatever the last successful node produced
	require.Len(t, res.Items, 1)
	assert.Equal(t, true, res.Items[0]["flag"])
	assert.NotContains(t, res.Items[0], "after")

	assert.True(t, hasLog(res.Logs, "error: node boom"))
	assert.False(t, hasLog(res.Logs, "after"))
}

func TestIfBranches(t *testing.T) {
	doc := &ir.Document{
		ID: "main", Version: 1, Entry: "decide",
		Nodes: []ir.NodeDef{
			{ID: "decide", Type: ir.TypeIf, If: &ir.IfSpec{
				Cond: "item.ready",
				Then: []string{"mark_yes"},
				Else: []string{"mark_no"},
			}},
			{ID: "mark_yes", Type: "Map", Params: map[string]interface{}{
				"set": map[string]interface{}{"picked": "'yes'"},
			}},
			{ID: "mark_no", Type: "Map", Params: map[string]interface{}{
				"set": map[string]interface{}{"picked": "'no'"},
			}},
		},
	}
	e := testExecutor(t, doc)

	tests := []struct {
		name   string
		in     []items.Item
		picked string
		log    string
	}{
		{"then branch", []items.Item{{"ready": true}}, "yes", "if decide: cond=true"},
		{"else branch", []items.Item{{"ready": false}}, "no", "if decide: cond=false"},
		{"missing field is falsy", []items.Item{{}}, "no", "if decide: cond=false"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Run(context.Background(), "main@1", tt.in, testNC(t, nil))
			require.NoError(t, err)
			require.False(t, res.Failed)
			require.Len(t, res.Items, 1)
			assert.Equal(t, tt.picked, res.Items[0]["picked"])
			assert.True(t, hasLog(res.Logs, tt.log))
		})
	}
}

func TestIfConditionOnState(t *testing.T) {
	// Empty stream: the condition can still see state
	doc := &ir.Document{
		ID: "main", Version: 1, Entry: "decide",
		Nodes: []ir.NodeDef{
			{ID: "decide", Type: ir.TypeIf, If: &ir.IfSpec{
				Cond: "state.enabled",
				Then: []string{"emit"},
			}},
			{ID: "emit", Type: "Merge", Params: map[string]interface{}{
				"with": []interface{}{map[string]interface{}{"from": "then"}},
			}},
		},
	}
	e := testExecutor(t, doc)

	res, err := e.Run(context.Background(), "main@1", nil, testNC(t, map[string]interface{}{"enabled": true}))
	require.NoError(t, err)
	require.False(t, res.Failed)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "then", res.Items[0]["from"])

	// Disabled: else branch is empty, stream passes through
	res, err = e.Run(context.Background(), "main@1", nil, testNC(t, nil))
	require.NoError(t, err)
	require.False(t, res.Failed)
	assert.Empty(t, res.Items)
	assert.True(t, hasLog(res.Logs, "running 0 nodes"))
}

func TestIfConditionError(t *testing.T) {
	doc := &ir.Document{
		ID: "main", Version: 1, Entry: "decide",
		Nodes: []ir.NodeDef{
			{ID: "decide", Type: ir.TypeIf, If: &ir.IfSpec{
				Cond: "item.[",
				Then: []string{"emit"},
			}},
			{ID: "emit", Type: "Merge"},
		},
	}
	e := testExecutor(t, doc)

	in := []items.Item{{"n": 1}}
	res, err := e.Run(context.Background(), "main@1", in, testNC(t, nil))
	require.NoError(t, err)
	require.True(t, res.Failed)
	assert.Equal(t, in, res.Items)
	assert.True(t, hasLog(res.Logs, "error: node decide"))
}

func TestSubflowSharedState(t *testing.T) {
	parent := &ir.Document{
		ID: "main", Version: 1, Entry: "sub",
		Nodes: []ir.NodeDef{
			{ID: "sub", Type: ir.TypeSubflow, Subflow: &ir.SubflowSpec{Ref: "child@1"}},
		},
	}
	child := &ir.Document{
		ID: "child", Version: 1, Entry: "save",
		Nodes: []ir.NodeDef{
			{ID: "save", Type: "WriteState", Params: map[string]interface{}{
				"from_item_map": map[string]interface{}{"msg": "note"},
			}},
		},
	}
	e := testExecutor(t, parent, child)
	nc := testNC(t, nil)

	res, err := e.Run(context.Background(), "main@1", []items.Item{{"msg": "hello"}}, nc)
	require.NoError(t, err)
	require.False(t, res.Failed)

	// share_state defaults to true: the write lands on the caller's state
	v, ok := nc.State.Read("note")
	require.True(t, ok)
	assert.Equal(t, "hello", v)

	// No output_map: the parent stream passes through unchanged
	require.Len(t, res.Items, 1)
	assert.Equal(t, "hello", res.Items[0]["msg"])
	assert.True(t, hasLog(res.Logs, "subflow sub: ran child@1"))
}

func TestSubflowScratchState(t *testing.T) {
	parent := &ir.Document{
		ID: "main", Version: 1, Entry: "sub",
		Nodes: []ir.NodeDef{
			{ID: "sub", Type: ir.TypeSubflow, Subflow: &ir.SubflowSpec{
				Ref:        "child@1",
				ShareState: boolPtr(false),
			}},
		},
	}
	child := &ir.Document{
		ID: "child", Version: 1, Entry: "save",
		Nodes: []ir.NodeDef{
			{ID: "save", Type: "WriteState", Params: map[string]interface{}{
				"from_item_map": map[string]interface{}{"msg": "note"},
			}},
		},
	}
	e := testExecutor(t, parent, child)
	nc := testNC(t, map[string]interface{}{"seed": "kept"})

	res, err := e.Run(context.Background(), "main@1", []items.Item{{"msg": "hello"}}, nc)
	require.NoError(t, err)
	require.False(t, res.Failed)

	// The child ran against a scratch copy; its write is discarded
	_, ok := nc.State.Read("note")
	assert.False(t, ok)
	v, ok := nc.State.Read("seed")
	require.True(t, ok)
	assert.Equal(t, "kept", v)
	assert.True(t, hasLog(res.Logs, "write_state: 1 keys"))
}

func TestSubflowShareItems(t *testing.T) {
	parent := &ir.Document{
		ID: "main", Version: 1, Entry: "sub",
		Nodes: []ir.NodeDef{
			{ID: "sub", Type: ir.TypeSubflow, Subflow: &ir.SubflowSpec{
				Ref:        "child@1",
				ShareItems: true,
				OutputMap:  map[string]string{"saw": "saw"},
			}},
		},
	}
	child := &ir.Document{
		ID: "child", Version: 1, Entry: "peek",
		Nodes: []ir.NodeDef{
			{ID: "peek", Type: "Map", Params: map[string]interface{}{
				"set": map[string]interface{}{"saw": "item.secret"},
			}},
		},
	}
	e := testExecutor(t, parent, child)

	res, err := e.Run(context.Background(), "main@1", []items.Item{{"secret": "x"}}, testNC(t, nil))
	require.NoError(t, err)
	require.False(t, res.Failed)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "x", res.Items[0]["saw"])
}

func TestSubflowItemIsolation(t *testing.T) {
	// Without share_items the child sees only input_map fields
	parent := &ir.Document{
		ID: "main", Version: 1, Entry: "sub",
		Nodes: []ir.NodeDef{
			{ID: "sub", Type: ir.TypeSubflow, Subflow: &ir.SubflowSpec{
				Ref:       "child@1",
				InputMap:  map[string]string{"n": "value"},
				OutputMap: map[string]string{"got": "res", "saw": "saw"},
			}},
		},
	}
	child := &ir.Document{
		ID: "child", Version: 1, Entry: "peek",
		Nodes: []ir.NodeDef{
			{ID: "peek", Type: "Map", Params: map[string]interface{}{
				"set": map[string]interface{}{"got": "item.value", "saw": "item.secret"},
			}},
		},
	}
	e := testExecutor(t, parent, child)

	res, err := e.Run(context.Background(), "main@1", []items.Item{{"n": 1, "secret": "x"}}, testNC(t, nil))
	require.NoError(t, err)
	require.False(t, res.Failed)
	require.Len(t, res.Items, 1)

	// The mapped field made it in, the unmapped one did not
	assert.EqualValues(t, 1, res.Items[0]["res"])
	assert.Nil(t, res.Items[0]["saw"])

	// Parent fields survive the merge
	assert.EqualValues(t, 1, res.Items[0]["n"])
	assert.Equal(t, "x", res.Items[0]["secret"])
}

func TestSubflowExtraItems(t *testing.T) {
	parent := &ir.Document{
		ID: "main", Version: 1, Entry: "sub",
		Nodes: []ir.NodeDef{
			{ID: "sub", Type: ir.TypeSubflow, Subflow: &ir.SubflowSpec{
				Ref:        "child@1",
				ShareItems: true,
				OutputMap:  map[string]string{"v": "v"},
			}},
		},
	}
	child := &ir.Document{
		ID: "child", Version: 1, Entry: "fan",
		Nodes: []ir.NodeDef{
			{ID: "fan", Type: "Split", Params: map[string]interface{}{
				"at":         "item.parts",
				"dest_field": "v",
			}},
		},
	}
	e := testExecutor(t, parent, child)

	in := []items.Item{{"parts": []interface{}{1, 2}}}
	res, err := e.Run(context.Background(), "main@1", in, testNC(t, nil))
	require.NoError(t, err)
	require.False(t, res.Failed)

	// First child item merges onto the parent, the surplus one is appended
	require.Len(t, res.Items, 2)
	assert.EqualValues(t, 1, res.Items[0]["v"])
	assert.Contains(t, res.Items[0], "parts")
	assert.EqualValues(t, 2, res.Items[1]["v"])
	assert.NotContains(t, res.Items[1], "parts")
}

func TestSubflowDepthCap(t *testing.T) {
	loop := &ir.Document{
		ID: "loop", Version: 1, Entry: "again",
		Nodes: []ir.NodeDef{
			{ID: "again", Type: ir.TypeSubflow, Subflow: &ir.SubflowSpec{Ref: "loop@1"}},
		},
	}
	e := testExecutor(t, loop)

	in := []items.Item{{"n": 1}}
	res, err := e.Run(context.Background(), "loop@1", in, testNC(t, nil))
	require.NoError(t, err)
	require.True(t, res.Failed)
	assert.Equal(t, in, res.Items)
	assert.True(t, hasLog(res.Logs, "subflow depth cap 3 exceeded"))
	assert.True(t, hasLog(res.Logs, "error: node again: subflow loop@1 failed"))
}

func TestSubflowMissingFlow(t *testing.T) {
	doc := &ir.Document{
		ID: "main", Version: 1, Entry: "sub",
		Nodes: []ir.NodeDef{
			{ID: "sub", Type: ir.TypeSubflow, Subflow: &ir.SubflowSpec{Ref: "ghost@1"}},
		},
	}
	e := testExecutor(t, doc)

	res, err := e.Run(context.Background(), "main@1", []items.Item{{"n": 1}}, testNC(t, nil))
	require.NoError(t, err)
	require.True(t, res.Failed)
	assert.True(t, hasLog(res.Logs, "error: node sub"))
}

func TestSubflowFailureKeepsParentStream(t *testing.T) {
	parent := &ir.Document{
		ID: "main", Version: 1, Entry: "sub",
		Nodes: []ir.NodeDef{
			{ID: "sub", Type: ir.TypeSubflow, Subflow: &ir.SubflowSpec{
				Ref:        "child@1",
				ShareItems: true,
			}},
		},
	}
	child := &ir.Document{
		ID: "child", Version: 1, Entry: "boom",
		Nodes: []ir.NodeDef{
			{ID: "boom", Type: "Code", Params: map[string]interface{}{"function": "explode"}},
		},
	}
	e := testExecutor(t, parent, child)

	in := []items.Item{{"n": 1}}
	res, err := e.Run(context.Background(), "main@1", in, testNC(t, nil))
	require.NoError(t, err)
	require.True(t, res.Failed)
	assert.Equal(t, in, res.Items)
	assert.True(t, hasLog(res.Logs, "error: node boom"))
	assert.True(t, hasLog(res.Logs, "error: node sub: subflow child@1 failed"))
}

func TestRunCancelled(t *testing.T) {
	doc := &ir.Document{
		ID: "main", Version: 1, Entry: "tag",
		Nodes: []ir.NodeDef{
			{ID: "tag", Type: "Map", Params: map[string]interface{}{
				"set": map[string]interface{}{"flag": true},
			}},
		},
	}
	e := testExecutor(t, doc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := []items.Item{{"n": 1}}
	res, err := e.Run(ctx, "main@1", in, testNC(t, nil))
	require.NoError(t, err)
	require.True(t, res.Failed)
	assert.Equal(t, in, res.Items)
	assert.True(t, hasLog(res.Logs, "run cancelled"))
}

func TestRunMissingFlow(t *testing.T) {
	e := testExecutor(t)
	_, err := e.Run(context.Background(), "ghost@1", nil, testNC(t, nil))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestRunDocRequiresContext(t *testing.T) {
	doc := &ir.Document{
		ID: "main", Version: 1, Entry: "tag",
		Nodes: []ir.NodeDef{
			{ID: "tag", Type: "Map", Params: map[string]interface{}{
				"set": map[string]interface{}{"flag": true},
			}},
		},
	}
	e := testExecutor(t, doc)

	_, err := e.RunDoc(context.Background(), doc, nil, nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindInternal))
}

func TestReload(t *testing.T) {
	dir := t.TempDir()

	mainFlow := `
id: main
version: 1
entry: root
nodes:
  - id: root
    type: Sequence
    children: [tag]
  - id: tag
    type: Map
    params:
      set:
        stage: "'loaded'"
`
	extraFlow := `{
  "id": "extra",
  "version": 2,
  "entry": "keep",
  "nodes": [
    {"id": "keep", "type": "Filter", "params": {"where": "item.ok"}}
  ]
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.yaml"), []byte(mainFlow), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.json"), []byte(extraFlow), 0o644))

	e := testExecutor(t)
	refs, types, err := e.Reload([]string{dir})
	require.NoError(t, err)

	assert.Equal(t, []string{"extra@2", "main@1"}, refs)
	assert.Len(t, types, 12)
	assert.Contains(t, types, ir.TypeSequence)
	assert.Contains(t, types, ir.TypeIf)
	assert.Contains(t, types, ir.TypeSubflow)
	assert.Contains(t, types, "LLMChat")

	// The swapped index serves runs immediately
	res, err := e.Run(context.Background(), "main@1", []items.Item{{}}, testNC(t, nil))
	require.NoError(t, err)
	require.False(t, res.Failed)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "loaded", res.Items[0]["stage"])

	// Bare id resolves to the loaded version
	doc, err := e.Resolve("extra")
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)
}

func TestReloadBadDir(t *testing.T) {
	e := testExecutor(t)
	_, _, err := e.Reload([]string{filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

type noopLogger struct{}

func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Debug(string, ...interface{}) {}

func BenchmarkSequenceRun(b *testing.B) {
	doc := &ir.Document{
		ID: "bench", Version: 1, Entry: "root",
		Nodes: []ir.NodeDef{
			{ID: "root", Type: ir.TypeSequence, Children: []string{"tag", "keep", "fan"}},
			{ID: "tag", Type: "Map", Params: map[string]interface{}{
				"set": map[string]interface{}{"stage": "'tagged'"},
			}},
			{ID: "keep", Type: "Filter", Params: map[string]interface{}{
				"where": "item.n >= `2`",
			}},
			{ID: "fan", Type: "Split", Params: map[string]interface{}{
				"at": "item.parts",
			}},
		},
	}
	idx, err := ir.NewIndex([]*ir.Document{doc})
	if err != nil {
		b.Fatal(err)
	}
	registry, err := node.BuildRegistry(node.DefaultProviders()...)
	if err != nil {
		b.Fatal(err)
	}
	e := New(idx, registry, 3, noopLogger{})

	in := []items.Item{
		{"n": 1, "parts": []interface{}{"a"}},
		{"n": 2, "parts": []interface{}{"a", "b"}},
		{"n": 3, "parts": []interface{}{"a", "b", "c"}},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		nc := &node.Context{
			SessionID: "sess_bench",
			BranchID:  "br_bench",
			RoundNo:   1,
			State:     state.Scratch(nil),
			Logger:    noopLogger{},
		}
		res, err := e.Run(context.Background(), "bench@1", in, nc)
		if err != nil {
			b.Fatal(err)
		}
		if res.Failed {
			b.Fatal("benchmark flow failed")
		}
	}
}

package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/xrefdb/internal/index"
)

const cTestSource = `#include <stdio.h>

int add(int a, int b) {
	return a + b;
}

int twice(int x) {
	return add(x, x);
}
`

// parseCSource parses C source with tree-sitter directly and registers it
// in a fresh source store.
func parseCSource(t *testing.T, src string) (*sitter.Tree, *sourceStore) {
	t.Helper()

	lang, ok := ParserForLanguage("c")
	require.True(t, ok)

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(context.Background(), nil, []byte(src))
	require.NoError(t, err)

	ss := newSourceStore()
	ss.store(tree, []byte(src), lang)
	t.Cleanup(ss.close)
	return tree, ss
}

// --- Language detection tests ---

func TestLanguageForFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want index.Language
		ok   bool
	}{
		{"main.c", index.LangC, true},
		{"util.h", index.LangC, true},
		{"main.cpp", index.LangCPP, true},
		{"main.cc", index.LangCPP, true},
		{"main.cxx", index.LangCPP, true},
		{"util.hpp", index.LangCPP, true},
		{"util.hh", index.LangCPP, true},
		{"path/to/FILE.C", index.LangC, true}, // case insensitive
		{"main.go", 0, false},
		{"Makefile", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			got, ok := LanguageForFile(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParserForLanguage(t *testing.T) {
	t.Parallel()

	for _, lang := range index.Languages() {
		l, ok := ParserForLanguage(lang.String())
		assert.True(t, ok, lang.String())
		assert.NotNil(t, l, lang.String())
	}

	_, ok := ParserForLanguage("cobol")
	assert.False(t, ok)
}

// --- Source store tests ---

func TestSourceStore_LookupFromNestedNode(t *testing.T) {
	tree, ss := parseCSource(t, cTestSource)

	fn := tree.RootNode().NamedChild(1)
	require.Equal(t, "function_definition", fn.Type())
	body := fn.ChildByFieldName("body")
	require.NotNil(t, body)

	src, lang, ok := ss.lookup(body)
	require.True(t, ok)
	assert.NotNil(t, lang)
	assert.Equal(t, "add", fn.ChildByFieldName("declarator").ChildByFieldName("declarator").Content(src))
}

func TestSourceStore_CloseForgetsTrees(t *testing.T) {
	_, ss := parseCSource(t, cTestSource)

	ss.close()
	assert.Empty(t, ss.trees)
	assert.Empty(t, ss.sources)
	assert.Empty(t, ss.langs)
}

// --- Risor integration tests (via RunSource) ---

func TestRunSource_ParseAndNodeText(t *testing.T) {
	dir := t.TempDir()
	cFile := filepath.Join(dir, "test.c")
	require.NoError(t, os.WriteFile(cFile, []byte(cTestSource), 0644))

	rt := NewRuntime("")

	script := `
tree := parse(test_file, "c")
root := tree.RootNode()

assert(root.Type() == "translation_unit", "expected translation_unit")

names := []
count := int(root.NamedChildCount())
for i := 0; i < count; i++ {
    child := root.NamedChild(i)
    if child.Type() == "function_definition" {
        decl := node_child(child, "declarator")
        names.append(node_text(node_child(decl, "declarator")))
    }
}

assert(len(names) == 2, 'expected 2 functions, got {len(names)}')
assert(names[0] == "add", 'expected add, got {names[0]}')
assert(names[1] == "twice", 'expected twice, got {names[1]}')
`
	err := rt.RunSource(context.Background(), script, map[string]any{"test_file": cFile})
	require.NoError(t, err)
}

func TestRunSource_ParseSrc(t *testing.T) {
	rt := NewRuntime("")

	script := `
tree := parse_src(src, "cpp")
root := tree.RootNode()
assert(root.Type() == "translation_unit", "expected translation_unit")
ns := root.NamedChild(0)
assert(ns.Type() == "namespace_definition", 'got {ns.Type()}')
assert(node_text(node_child(ns, "name")) == "geo")
`
	err := rt.RunSource(context.Background(), script, map[string]any{
		"src": "namespace geo { int area(); }\n",
	})
	require.NoError(t, err)
}

func TestRunSource_ParseSrcUnknownLanguage(t *testing.T) {
	rt := NewRuntime("")
	err := rt.RunSource(context.Background(), `parse_src("x", "cobol")`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported language")
}

func TestRunSource_QueryHostFunction(t *testing.T) {
	rt := NewRuntime("")

	script := `
root := parse_src(src, "c").RootNode()
matches := query("(call_expression function: (identifier) @callee)", root)
assert(len(matches) == 1, 'expected 1 match, got {len(matches)}')
text := node_text(matches[0]["callee"])
assert(text == "add", 'expected add, got {text}')
`
	err := rt.RunSource(context.Background(), script, map[string]any{"src": cTestSource})
	require.NoError(t, err)
}

func TestRunSource_QueryInvalidPattern(t *testing.T) {
	rt := NewRuntime("")

	script := `
root := parse_src("int x;", "c").RootNode()
query("(not_a_real_node", root)
`
	err := rt.RunSource(context.Background(), script, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")
}

func TestRunSource_NodeChildMissingFieldIsNil(t *testing.T) {
	rt := NewRuntime("")

	script := `
root := parse_src("int x;", "c").RootNode()
decl := root.NamedChild(0)
assert(node_child(decl, "body") == nil, "expected nil")
assert(node_child(decl, "type") != nil, "expected type")
`
	err := rt.RunSource(context.Background(), script, nil)
	require.NoError(t, err)
}

// --- Script loading tests ---

func TestRunScript_LoadsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.risor"), []byte(`result := 1 + 1`), 0644))

	rt := NewRuntime(dir)
	require.NoError(t, rt.RunScript(context.Background(), "test.risor", nil))
}

func TestRunScript_MissingFile(t *testing.T) {
	rt := NewRuntime(t.TempDir())
	err := rt.RunScript(context.Background(), "nonexistent.risor", nil)
	require.Error(t, err)
}

func TestLoadScript_FromFS(t *testing.T) {
	t.Parallel()

	mapFS := fstest.MapFS{
		"extract/c.risor": &fstest.MapFile{Data: []byte(`x := 42`)},
	}
	rt := NewRuntime("", WithRuntimeFS(mapFS))

	got, err := rt.LoadScript("extract/c.risor")
	require.NoError(t, err)
	assert.Equal(t, `x := 42`, got)

	// Absolute-style paths resolve within the FS.
	got, err = rt.LoadScript("/extract/c.risor")
	require.NoError(t, err)
	assert.Equal(t, `x := 42`, got)

	_, err = rt.LoadScript("missing.risor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from fs")
}

func TestLoadScript_FallsBackToDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.risor"), []byte(`z := 7`), 0644))

	rt := NewRuntime(dir)
	got, err := rt.LoadScript("test.risor")
	require.NoError(t, err)
	assert.Equal(t, `z := 7`, got)
}

func TestExtractionScriptPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, filepath.Join("extract", "c.risor"), ExtractionScriptPath(index.LangC))
	assert.Equal(t, filepath.Join("extract", "cpp.risor"), ExtractionScriptPath(index.LangCPP))
}

// --- Importer wiring tests ---

func TestImport_FSImporter(t *testing.T) {
	mapFS := fstest.MapFS{
		"lib_helpers.risor": &fstest.MapFile{Data: []byte(`
func greet(name) {
	return "hello " + name
}
`)},
	}
	rt := NewRuntime("", WithRuntimeFS(mapFS))

	script := `
import lib_helpers

msg := lib_helpers.greet("world")
assert(msg == "hello world", 'expected "hello world", got ' + msg)
`
	require.NoError(t, rt.RunSource(context.Background(), script, nil))
}

func TestImport_LocalImporter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "math_utils.risor"), []byte(`
func double(x) {
	return x * 2
}
`), 0644))

	rt := NewRuntime(dir)

	script := `
import math_utils

result := math_utils.double(21)
assert(result == 42, 'expected 42, got {result}')
`
	require.NoError(t, rt.RunSource(context.Background(), script, nil))
}

func TestImport_GlobalsAvailableInImportedModules(t *testing.T) {
	// Imported modules compile against the host globals.
	mapFS := fstest.MapFS{
		"helper.risor": &fstest.MapFile{Data: []byte(`
func do_log(msg) {
	log.Info(msg)
}
`)},
	}
	rt := NewRuntime("", WithRuntimeFS(mapFS))

	script := `
import helper
helper.do_log("test message")
`
	require.NoError(t, rt.RunSource(context.Background(), script, nil))
}

// --- Extraction tests ---

const emitScript = `
inc := add_include({"path": "util.h", "offset": 0, "directive": "#include \"util.h\"", "system": false})
assert(inc == expected_include, 'unexpected target {inc}')
add_include({"path": "stdio.h", "offset": 20, "directive": "#include <stdio.h>", "system": true})
add_macro({"name": "MAX", "expansion": "10", "offset": 45})
add_name({
    "name": "area",
    "kind": "function",
    "roles": ["decl", "def"],
    "offset": 60,
    "scope": [{"name": "geo", "kind": "namespace"}],
    "params": ["int", "int"],
    "type": "int",
})
add_name({"name": "area", "kind": "function", "offset": 90, "any_signature": true})
add_name({"name": "RED", "kind": "enumerator", "roles": "def", "offset": 100, "value": 3})
`

func TestExtractSource_Emitters(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "util.h"), []byte("int util(void);\n"), 0644))
	location := filepath.Join(dir, "main.cpp")

	rt := NewRuntime("", WithRuntimeFS(fstest.MapFS{
		"extract/cpp.risor": &fstest.MapFile{Data: []byte(`expected_include := file_path[:len(file_path)-len("main.cpp")] + "util.h"` + emitScript)},
	}))

	c, err := rt.ExtractSource(context.Background(), location, []byte("// ignored"), index.LangCPP)
	require.NoError(t, err)

	assert.Equal(t, location, c.Location)
	assert.Equal(t, index.LangCPP, c.Language)

	require.Len(t, c.Includes, 2)
	assert.Equal(t, filepath.Join(dir, "util.h"), c.Includes[0].Target)
	assert.Equal(t, `#include "util.h"`, c.Includes[0].Directive)
	assert.False(t, c.Includes[0].System)
	assert.Empty(t, c.Includes[1].Target)
	assert.True(t, c.Includes[1].System)
	assert.Equal(t, 20, c.Includes[1].Offset)

	require.Equal(t, []index.MacroDesc{{Name: "MAX", Expansion: "10", Offset: 45}}, c.Macros)

	require.Len(t, c.Names, 3)
	def := c.Names[0]
	assert.Equal(t, index.RoleDeclaration|index.RoleDefinition, def.Roles)
	assert.Equal(t, 4, def.Length)
	assert.Equal(t, []index.ScopeDesc{{Name: "geo", Kind: index.KindNamespace}}, def.Binding.Scope)
	assert.Equal(t, []string{"int", "int"}, def.Binding.Params)
	assert.Equal(t, "int", def.Binding.Type)
	assert.False(t, def.Binding.AnySignature)

	ref := c.Names[1]
	assert.Equal(t, index.RoleReference, ref.Roles)
	assert.True(t, ref.Binding.AnySignature)

	enum := c.Names[2]
	assert.Equal(t, index.KindEnumerator, enum.Binding.Kind)
	assert.Equal(t, index.RoleDefinition, enum.Roles)
	assert.Equal(t, int64(3), enum.Binding.Value)
}

func TestExtractSource_InvalidNameFails(t *testing.T) {
	tests := map[string]string{
		"unknown kind": `add_name({"name": "x", "kind": "module"})`,
		"missing name": `add_name({"kind": "function"})`,
		"unknown role": `add_name({"name": "x", "kind": "function", "roles": ["use"]})`,
		"not a map":    `add_name("x")`,
		"macro name":   `add_macro({"expansion": "1"})`,
	}
	for name, script := range tests {
		t.Run(name, func(t *testing.T) {
			rt := NewRuntime("", WithRuntimeFS(fstest.MapFS{
				"extract/c.risor": &fstest.MapFile{Data: []byte(script)},
			}))
			_, err := rt.ExtractSource(context.Background(), "x.c", nil, index.LangC)
			require.Error(t, err)
		})
	}
}

func TestExtract_ReadsFileAndStampsModTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.c")
	require.NoError(t, os.WriteFile(path, []byte("int a;"), 0644))

	rt := NewRuntime("", WithRuntimeFS(fstest.MapFS{
		"extract/c.risor": &fstest.MapFile{Data: []byte(`assert(file_source == "int a;")
assert(file_language == "c")`)},
	}))
	c, err := rt.Extract(context.Background(), path, index.LangC)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(c.Timestamp))

	_, err = rt.Extract(context.Background(), filepath.Join(dir, "missing.c"), index.LangC)
	require.Error(t, err)
}

func TestResolveInclude(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	inc := filepath.Join(root, "include")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.MkdirAll(inc, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "local.h"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(inc, "lib.h"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(inc, "local.h"), nil, 0644))

	rt := NewRuntime("", WithIncludeDirs(inc))
	from := filepath.Join(src, "main.c")

	assert.Equal(t, filepath.Join(src, "local.h"), rt.resolveInclude(from, "local.h", false))
	assert.Equal(t, filepath.Join(inc, "local.h"), rt.resolveInclude(from, "local.h", true))
	assert.Equal(t, filepath.Join(inc, "lib.h"), rt.resolveInclude(from, "lib.h", false))
	assert.Empty(t, rt.resolveInclude(from, "missing.h", false))
	assert.Empty(t, rt.resolveInclude(from, "", false))
}

func TestScriptsHash(t *testing.T) {
	fsys := fstest.MapFS{
		"extract/c.risor":   &fstest.MapFile{Data: []byte(`x := 1`)},
		"extract/cpp.risor": &fstest.MapFile{Data: []byte(`x := 2`)},
		"README.md":         &fstest.MapFile{Data: []byte(`ignored`)},
	}
	h1 := NewRuntime("", WithRuntimeFS(fsys)).ScriptsHash()
	assert.Len(t, h1, 16)
	assert.Equal(t, h1, NewRuntime("", WithRuntimeFS(fsys)).ScriptsHash())

	fsys["README.md"] = &fstest.MapFile{Data: []byte(`still ignored`)}
	assert.Equal(t, h1, NewRuntime("", WithRuntimeFS(fsys)).ScriptsHash())

	fsys["extract/c.risor"] = &fstest.MapFile{Data: []byte(`x := 3`)}
	assert.NotEqual(t, h1, NewRuntime("", WithRuntimeFS(fsys)).ScriptsHash())
}

func TestNewRuntime_Defaults(t *testing.T) {
	t.Parallel()

	rt := NewRuntime("/some/dir")
	require.NotNil(t, rt)
	assert.Nil(t, rt.fsys)
	assert.Equal(t, "/some/dir", rt.scriptsDir)
	assert.NotNil(t, rt.log)
}

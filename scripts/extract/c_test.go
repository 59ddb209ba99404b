package extract_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/xrefdb/internal/index"
)

func TestCExtract_FunctionDefinition(t *testing.T) {
	c, _ := extractFile(t, index.LangC, "add.c", `int add(int a, int b) {
    return a + b;
}
`, nil)

	defs := withRole(names(c, "add", index.KindFunction), index.RoleDefinition)
	require.Len(t, defs, 1)
	fn := defs[0]
	assert.Equal(t, 4, fn.Offset)
	assert.Equal(t, 3, fn.Length)
	assert.Equal(t, []string{"int", "int"}, trimmed(fn.Binding.Params))
	assert.Equal(t, "int", fn.Binding.Type)
	assert.Empty(t, fn.Binding.Scope)
}

func TestCExtract_Prototype(t *testing.T) {
	c, _ := extractFile(t, index.LangC, "hello.c", "void hello(int x, char *y);\n", nil)

	decls := names(c, "hello", index.KindFunction)
	require.Len(t, decls, 1)
	assert.Equal(t, index.RoleDeclaration, decls[0].Roles)
	assert.Equal(t, []string{"int", "char *"}, trimmed(decls[0].Binding.Params))
}

func TestCExtract_StructFields(t *testing.T) {
	c, _ := extractFile(t, index.LangC, "point.c", "struct point { int x; int y; };\n", nil)

	s := names(c, "point", index.KindStructure)
	require.Len(t, s, 1)
	assert.Equal(t, index.RoleDefinition, s[0].Roles)

	for _, field := range []string{"x", "y"} {
		f := names(c, field, index.KindField)
		require.Len(t, f, 1, field)
		assert.Equal(t, []index.ScopeDesc{{Name: "point", Kind: index.KindStructure}}, f[0].Binding.Scope)
		assert.Equal(t, "int", f[0].Binding.Type)
	}
}

func TestCExtract_EnumeratorValues(t *testing.T) {
	c, _ := extractFile(t, index.LangC, "color.c", "enum color { RED, GREEN = 5, BLUE };\n", nil)

	require.Len(t, names(c, "color", index.KindEnumeration), 1)
	want := map[string]int64{"RED": 0, "GREEN": 5, "BLUE": 6}
	for name, v := range want {
		e := names(c, name, index.KindEnumerator)
		require.Len(t, e, 1, name)
		assert.Equal(t, v, e[0].Binding.Value, name)
		assert.Equal(t, []index.ScopeDesc{{Name: "color", Kind: index.KindEnumeration}}, e[0].Binding.Scope)
	}
}

func TestCExtract_TypedefStruct(t *testing.T) {
	c, _ := extractFile(t, index.LangC, "node.c", "typedef struct node { int v; } node_t;\n", nil)

	require.Len(t, names(c, "node", index.KindStructure), 1)
	td := names(c, "node_t", index.KindTypedef)
	require.Len(t, td, 1)
	assert.Equal(t, "struct node", td[0].Binding.Type)
	assert.Len(t, names(c, "v", index.KindField), 1)
}

func TestCExtract_IncludesAndMacros(t *testing.T) {
	src := "#include <stdio.h>\n#include \"util.h\"\n#define MAX 10\n"
	c, dir := extractFile(t, index.LangC, "main.c", src, map[string]string{"util.h": "int util(void);\n"})

	require.Len(t, c.Includes, 2)
	assert.Equal(t, "#include <stdio.h>", c.Includes[0].Directive)
	assert.True(t, c.Includes[0].System)
	assert.Empty(t, c.Includes[0].Target)
	assert.Equal(t, 0, c.Includes[0].Offset)

	assert.False(t, c.Includes[1].System)
	assert.Equal(t, filepath.Join(dir, "util.h"), c.Includes[1].Target)

	require.Len(t, c.Macros, 1)
	assert.Equal(t, "MAX", c.Macros[0].Name)
	assert.Equal(t, "10", c.Macros[0].Expansion)
}

func TestCExtract_CallReference(t *testing.T) {
	c, _ := extractFile(t, index.LangC, "call.c", "int helper(void);\nint main(void) { return helper(); }\n", nil)

	all := names(c, "helper", index.KindFunction)
	require.Len(t, all, 2)
	assert.Equal(t, index.RoleDeclaration, all[0].Roles)

	refs := withRole(all, index.RoleReference)
	require.Len(t, refs, 1)
	assert.Equal(t, 42, refs[0].Offset)
}

func TestCExtract_GlobalVariableReference(t *testing.T) {
	c, _ := extractFile(t, index.LangC, "counter.c", "int counter;\nextern int limit;\nvoid inc(void) { counter++; }\n", nil)

	v := names(c, "counter", index.KindVariable)
	require.Len(t, v, 2)
	assert.Equal(t, index.RoleDefinition, v[0].Roles)
	assert.Equal(t, index.RoleReference, v[1].Roles)

	limit := names(c, "limit", index.KindVariable)
	require.Len(t, limit, 1)
	assert.Equal(t, index.RoleDeclaration, limit[0].Roles)
}

func TestCExtract_TypedefReference(t *testing.T) {
	c, _ := extractFile(t, index.LangC, "td.c", "typedef int myint;\nint f(void) { myint x = 0; return x; }\n", nil)

	td := names(c, "myint", index.KindTypedef)
	require.Len(t, td, 2)
	assert.Equal(t, index.RoleDefinition, td[0].Roles)
	assert.Equal(t, index.RoleReference, td[1].Roles)
}

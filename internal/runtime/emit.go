package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/risor-io/risor/object"

	"github.com/jward/xrefdb/internal/index"
)

// collector accumulates what an extraction script emits for one file.
// Risor scripts cannot construct Go structs, so the emitters accept maps
// with primitive values and build index descriptions Go-side.
type collector struct {
	rt       *Runtime
	location string
	content  index.FileContent
}

func newCollector(rt *Runtime, location string) *collector {
	return &collector{rt: rt, location: location}
}

func (c *collector) globals() map[string]any {
	return map[string]any{
		"add_include": object.NewBuiltin("add_include", c.addInclude),
		"add_macro":   object.NewBuiltin("add_macro", c.addMacro),
		"add_name":    object.NewBuiltin("add_name", c.addName),
	}
}

// add_include({"path": "stdio.h", "offset": 0, "directive": "#include <stdio.h>", "system": true})
func (c *collector) addInclude(ctx context.Context, args ...object.Object) object.Object {
	if len(args) != 1 {
		return object.NewArgsError("add_include", 1, len(args))
	}
	m, err := extractMap(args[0])
	if err != nil {
		return object.Errorf("add_include: %v", err)
	}
	system := getBool(m, "system")
	inc := index.IncludeDesc{
		Target:    c.rt.resolveInclude(c.location, getString(m, "path"), system),
		Offset:    getInt(m, "offset"),
		Directive: getString(m, "directive"),
		System:    system,
	}
	c.content.Includes = append(c.content.Includes, inc)
	return object.NewString(inc.Target)
}

// add_macro({"name": "MAX", "expansion": "((a)>(b)?(a):(b))", "offset": 8})
func (c *collector) addMacro(ctx context.Context, args ...object.Object) object.Object {
	if len(args) != 1 {
		return object.NewArgsError("add_macro", 1, len(args))
	}
	m, err := extractMap(args[0])
	if err != nil {
		return object.Errorf("add_macro: %v", err)
	}
	name := getString(m, "name")
	if name == "" {
		return object.Errorf("add_macro: name is required")
	}
	c.content.Macros = append(c.content.Macros, index.MacroDesc{
		Name:      name,
		Expansion: getString(m, "expansion"),
		Offset:    getInt(m, "offset"),
	})
	return object.Nil
}

// add_name({"name": "f", "kind": "function", "roles": ["def"], "offset": 4,
// "length": 1, "scope": [{"name": "ns", "kind": "namespace"}],
// "params": ["int"], "type": "int", "template_params": ["T"],
// "template_args": ["T"], "value": 0, "any_signature": false})
func (c *collector) addName(ctx context.Context, args ...object.Object) object.Object {
	if len(args) != 1 {
		return object.NewArgsError("add_name", 1, len(args))
	}
	m, err := extractMap(args[0])
	if err != nil {
		return object.Errorf("add_name: %v", err)
	}
	nd, err := nameDesc(m)
	if err != nil {
		return object.Errorf("add_name: %v", err)
	}
	c.content.Names = append(c.content.Names, nd)
	return object.Nil
}

func nameDesc(m map[string]object.Object) (index.NameDesc, error) {
	name := getString(m, "name")
	if name == "" {
		return index.NameDesc{}, fmt.Errorf("name is required")
	}
	kind, err := index.ParseKind(getString(m, "kind"))
	if err != nil {
		return index.NameDesc{}, err
	}
	roles, err := parseRoles(getStrings(m, "roles"))
	if err != nil {
		return index.NameDesc{}, err
	}

	var scope []index.ScopeDesc
	if v, ok := m["scope"].(*object.List); ok {
		for _, item := range v.Value() {
			sm, err := extractMap(item)
			if err != nil {
				return index.NameDesc{}, fmt.Errorf("scope: %w", err)
			}
			sk, err := index.ParseKind(getString(sm, "kind"))
			if err != nil {
				return index.NameDesc{}, fmt.Errorf("scope: %w", err)
			}
			scope = append(scope, index.ScopeDesc{Name: getString(sm, "name"), Kind: sk})
		}
	}

	length := getInt(m, "length")
	if length == 0 {
		length = len(name)
	}
	return index.NameDesc{
		Offset: getInt(m, "offset"),
		Length: length,
		Roles:  roles,
		Binding: index.BindingDesc{
			Name:           name,
			Kind:           kind,
			Scope:          scope,
			TemplateParams: getStrings(m, "template_params"),
			TemplateArgs:   getStrings(m, "template_args"),
			Params:         getStrings(m, "params"),
			Type:           getString(m, "type"),
			Value:          getInt64(m, "value"),
			AnySignature:   getBool(m, "any_signature"),
		},
	}, nil
}

func parseRoles(names []string) (index.Role, error) {
	var r index.Role
	for _, n := range names {
		switch n {
		case "decl", "declaration":
			r |= index.RoleDeclaration
		case "def", "definition":
			r |= index.RoleDefinition
		case "ref", "reference":
			r |= index.RoleReference
		default:
			return 0, fmt.Errorf("unknown role %q", n)
		}
	}
	if r == 0 {
		r = index.RoleReference
	}
	return r, nil
}

// resolveInclude maps an include name to a file path. Quoted includes look
// next to the including file first; both forms then search the include
// directories in order. An unresolvable include yields "".
func (r *Runtime) resolveInclude(from, name string, system bool) string {
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return name
	}
	var candidates []string
	if !system {
		candidates = append(candidates, filepath.Join(filepath.Dir(from), name))
	}
	for _, dir := range r.includeDirs {
		candidates = append(candidates, filepath.Join(dir, name))
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

// --- Map extraction helpers ---

func extractMap(obj object.Object) (map[string]object.Object, error) {
	m, ok := obj.(*object.Map)
	if !ok {
		return nil, fmt.Errorf("expected map, got %s", obj.Type())
	}
	return m.Value(), nil
}

func getString(m map[string]object.Object, key string) string {
	if s, ok := m[key].(*object.String); ok {
		return s.Value()
	}
	return ""
}

// getStrings accepts a list of strings or a single string.
func getStrings(m map[string]object.Object, key string) []string {
	switch v := m[key].(type) {
	case *object.String:
		return []string{v.Value()}
	case *object.List:
		items := v.Value()
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(*object.String); ok {
				out = append(out, s.Value())
			}
		}
		return out
	}
	return nil
}

func getInt(m map[string]object.Object, key string) int {
	return int(getInt64(m, key))
}

func getInt64(m map[string]object.Object, key string) int64 {
	switch v := m[key].(type) {
	case *object.Int:
		return v.Value()
	case *object.Float:
		return int64(v.Value())
	}
	return 0
}

func getBool(m map[string]object.Object, key string) bool {
	if b, ok := m[key].(*object.Bool); ok {
		return b.Value()
	}
	return false
}

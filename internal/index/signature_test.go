package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignature(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		desc  BindingDesc
		owner string
		want  string
	}{
		{
			name: "variable has no signature",
			desc: BindingDesc{Name: "x", Kind: KindVariable, Type: "int"},
			want: "",
		},
		{
			name: "empty parameter list",
			desc: BindingDesc{Name: "f", Kind: KindFunction},
			want: "()",
		},
		{
			name: "single void collapses",
			desc: BindingDesc{Name: "f", Kind: KindFunction, Params: []string{" void "}},
			want: "()",
		},
		{
			name: "whitespace normalized",
			desc: BindingDesc{Name: "f", Kind: KindFunction, Params: []string{"const  char *", "unsigned   int"}},
			want: "(const char*,unsigned int)",
		},
		{
			name:  "template parameters qualified by owner",
			desc:  BindingDesc{Name: "max", Kind: KindFunction, TemplateParams: []string{"T"}, TemplateArgs: []string{"T"}, Params: []string{"const T &", "const T&"}},
			owner: "util",
			want:  "<util::T>(const util::T&,const util::T&)",
		},
		{
			name: "concrete template arguments kept",
			desc: BindingDesc{Name: "vec", Kind: KindClass, TemplateArgs: []string{"int", "Alloc< int >"}},
			want: "<int,Alloc<int>>",
		},
		{
			name:  "already qualified identifier left alone",
			desc:  BindingDesc{Name: "g", Kind: KindMethod, TemplateParams: []string{"T"}, Params: []string{"other::T"}},
			owner: "A",
			want:  "(other::T)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Signature(tt.desc, tt.owner))
		})
	}
}

func TestSignature_SameParamNameDifferentOwners(t *testing.T) {
	t.Parallel()
	desc := BindingDesc{Name: "f", Kind: KindFunction, TemplateParams: []string{"T"}, Params: []string{"T"}}
	a := Signature(desc, "A")
	b := Signature(desc, "B")
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, SignatureHash(a), SignatureHash(b))
}

func TestSignatureHash_EmptyIsZero(t *testing.T) {
	t.Parallel()
	assert.Zero(t, SignatureHash(""))
	assert.NotZero(t, SignatureHash("()"))
}

func TestParsePattern(t *testing.T) {
	t.Parallel()
	p := parsePattern("ns::S::get*")
	assert.Equal(t, []string{"ns", "S"}, p.scopes)
	assert.True(t, p.qualified)
	assert.True(t, p.prefix)
	assert.Equal(t, "get", p.name)

	p = parsePattern("::main")
	assert.True(t, p.qualified)
	assert.Empty(t, p.scopes)

	p = parsePattern("*")
	assert.True(t, p.all)
	assert.False(t, p.qualified)
}

func TestLanguageSupports(t *testing.T) {
	t.Parallel()
	assert.True(t, LangC.Supports(KindStructure))
	assert.False(t, LangC.Supports(KindClass))
	assert.False(t, LangC.Supports(KindMethod))
	assert.True(t, LangCPP.Supports(KindNamespace))
	assert.False(t, LangCPP.Supports(Kind(99)))
}

package runtime

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"

	"github.com/jward/xrefdb/internal/index"
)

var extToLanguage = map[string]index.Language{
	".c":   index.LangC,
	".h":   index.LangC,
	".cpp": index.LangCPP,
	".cc":  index.LangCPP,
	".cxx": index.LangCPP,
	".hpp": index.LangCPP,
	".hh":  index.LangCPP,
	".hxx": index.LangCPP,
}

var (
	langToGrammar map[string]*sitter.Language
	grammarsOnce  sync.Once
)

func initGrammars() {
	grammarsOnce.Do(func() {
		langToGrammar = map[string]*sitter.Language{
			index.LangC.String():   c.GetLanguage(),
			index.LangCPP.String(): cpp.GetLanguage(),
		}
	})
}

// LanguageForFile returns the language of path based on its extension.
// Headers ending in .h are treated as C.
func LanguageForFile(path string) (index.Language, bool) {
	lang, ok := extToLanguage[strings.ToLower(filepath.Ext(path))]
	return lang, ok
}

// ParserForLanguage returns the tree-sitter grammar for a language name as
// produced by index.Language.String.
func ParserForLanguage(lang string) (*sitter.Language, bool) {
	initGrammars()
	l, ok := langToGrammar[lang]
	return l, ok
}

package runtime

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"unsafe"

	"github.com/risor-io/risor/object"
	sitter "github.com/smacker/go-tree-sitter"
)

// sourceStore tracks the source bytes and grammar of every tree parsed
// during one script run. smacker/go-tree-sitter does not expose Node.Tree(),
// so lookups go through the root node pointer.
type sourceStore struct {
	mu      sync.RWMutex
	sources map[uintptr][]byte
	langs   map[uintptr]*sitter.Language
	trees   []*sitter.Tree
}

func newSourceStore() *sourceStore {
	return &sourceStore{
		sources: make(map[uintptr][]byte),
		langs:   make(map[uintptr]*sitter.Language),
	}
}

func (s *sourceStore) store(tree *sitter.Tree, src []byte, lang *sitter.Language) {
	key := uintptr(unsafe.Pointer(tree.RootNode()))
	s.mu.Lock()
	s.sources[key] = src
	s.langs[key] = lang
	s.trees = append(s.trees, tree)
	s.mu.Unlock()
}

// close releases every tree parsed through the store.
func (s *sourceStore) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trees {
		t.Close()
	}
	s.trees = nil
	clear(s.sources)
	clear(s.langs)
}

func rootOf(node *sitter.Node) *sitter.Node {
	for node.Parent() != nil {
		node = node.Parent()
	}
	return node
}

func (s *sourceStore) lookup(node *sitter.Node) ([]byte, *sitter.Language, bool) {
	key := uintptr(unsafe.Pointer(rootOf(node)))
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[key]
	return src, s.langs[key], ok
}

func stringArg(fn string, obj object.Object, what string) (string, *object.Error) {
	s, ok := obj.(*object.String)
	if !ok {
		return "", object.Errorf("%s: %s must be a string, got %s", fn, what, obj.Type())
	}
	return s.Value(), nil
}

func nodeArg(fn string, obj object.Object) (*sitter.Node, *object.Error) {
	proxy, ok := obj.(*object.Proxy)
	if !ok {
		return nil, object.Errorf("%s: expected proxy (Node), got %s", fn, obj.Type())
	}
	node, ok := proxy.Interface().(*sitter.Node)
	if !ok {
		return nil, object.Errorf("%s: expected *sitter.Node, got %T", fn, proxy.Interface())
	}
	return node, nil
}

// parse(path, language) → Tree
func makeParseFn(ss *sourceStore) *object.Builtin {
	return object.NewBuiltin("parse", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("parse", 2, len(args))
		}
		path, errObj := stringArg("parse", args[0], "path")
		if errObj != nil {
			return errObj
		}
		lang, errObj := stringArg("parse", args[1], "language")
		if errObj != nil {
			return errObj
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return object.Errorf("parse: reading %s: %v", path, err)
		}
		return parseSource(ctx, ss, src, lang)
	})
}

// parse_src(source, language) → Tree
func makeParseSrcFn(ss *sourceStore) *object.Builtin {
	return object.NewBuiltin("parse_src", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("parse_src", 2, len(args))
		}
		src, errObj := stringArg("parse_src", args[0], "source")
		if errObj != nil {
			return errObj
		}
		lang, errObj := stringArg("parse_src", args[1], "language")
		if errObj != nil {
			return errObj
		}
		return parseSource(ctx, ss, []byte(src), lang)
	})
}

func parseSource(ctx context.Context, ss *sourceStore, src []byte, langName string) object.Object {
	lang, found := ParserForLanguage(langName)
	if !found {
		return object.Errorf("parse: unsupported language %q", langName)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return object.Errorf("parse: tree-sitter parse failed: %v", err)
	}
	ss.store(tree, src, lang)

	proxy, err := object.NewProxy(tree)
	if err != nil {
		return object.Errorf("parse: proxy error: %v", err)
	}
	return proxy
}

// node_text(node) → string
//
// Risor's proxy cannot pass []byte to node.Content, so the source is
// recovered from the store.
func makeNodeTextFn(ss *sourceStore) *object.Builtin {
	return object.NewBuiltin("node_text", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("node_text", 1, len(args))
		}
		node, errObj := nodeArg("node_text", args[0])
		if errObj != nil {
			return errObj
		}
		src, _, found := ss.lookup(node)
		if !found {
			return object.Errorf("node_text: no source found for node's tree")
		}
		return object.NewString(node.Content(src))
	})
}

// query(pattern, node) → [{capture: Node}]
func makeQueryFn(ss *sourceStore) *object.Builtin {
	return object.NewBuiltin("query", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("query", 2, len(args))
		}
		pattern, errObj := stringArg("query", args[0], "pattern")
		if errObj != nil {
			return errObj
		}
		node, errObj := nodeArg("query", args[1])
		if errObj != nil {
			return errObj
		}
		src, lang, found := ss.lookup(node)
		if !found {
			return object.Errorf("query: no tree found for node")
		}

		q, err := sitter.NewQuery([]byte(pattern), lang)
		if err != nil {
			return object.Errorf("query: invalid pattern: %v", err)
		}
		defer q.Close()

		cursor := sitter.NewQueryCursor()
		defer cursor.Close()
		cursor.Exec(q, node)

		results := []object.Object{}
		for {
			match, ok := cursor.NextMatch()
			if !ok {
				break
			}
			match = cursor.FilterPredicates(match, src)

			captures := make(map[string]object.Object, len(match.Captures))
			for _, c := range match.Captures {
				name := q.CaptureNameForId(c.Index)
				p, err := object.NewProxy(c.Node)
				if err != nil {
					return object.Errorf("query: proxy error for capture %q: %v", name, err)
				}
				captures[name] = p
			}
			results = append(results, object.NewMap(captures))
		}
		return object.NewList(results)
	})
}

// node_child(node, field) → Node or nil
func makeNodeChildFn() *object.Builtin {
	return object.NewBuiltin("node_child", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("node_child", 2, len(args))
		}
		node, errObj := nodeArg("node_child", args[0])
		if errObj != nil {
			return errObj
		}
		field, errObj := stringArg("node_child", args[1], "field")
		if errObj != nil {
			return errObj
		}
		child := node.ChildByFieldName(field)
		if child == nil {
			return object.Nil
		}
		p, err := object.NewProxy(child)
		if err != nil {
			return object.Errorf("node_child: proxy error: %v", err)
		}
		return p
	})
}

// logObject provides log.Debug/Info/Warn/Error to scripts.
type logObject struct {
	log *slog.Logger
}

func (l *logObject) Debug(msg string) { l.log.Debug(msg, "source", "script") }
func (l *logObject) Info(msg string)  { l.log.Info(msg, "source", "script") }
func (l *logObject) Warn(msg string)  { l.log.Warn(msg, "source", "script") }
func (l *logObject) Error(msg string) { l.log.Error(msg, "source", "script") }

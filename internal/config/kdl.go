package config

import (
	"fmt"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// ParseKDL decodes the KDL form of the configuration:
//
//	index {
//	    path ".xrefdb/index.xdb"
//	    languages "c" "cpp"
//	    exclude "build/**" "third_party/**"
//	    workers 4
//	}
//	fragment "libc" "/deps/libc.xdb"
//	watch { debounce_ms 250 }
//	log { level "debug"; format "json" }
func ParseKDL(root, content string) (*Config, error) {
	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse KDL config: %w", err)
	}

	cfg := Default(root)
	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "index":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "path":
					assignString(cn, &cfg.Index.Path)
				case "catalog":
					assignString(cn, &cfg.Index.Catalog)
				case "languages":
					cfg.Index.Languages = stringArgs(cn)
				case "exclude":
					cfg.Index.Exclude = stringArgs(cn)
				case "workers":
					assignInt(cn, &cfg.Index.Workers)
				case "retry":
					assignInt(cn, &cfg.Index.Retry)
				case "include_dirs":
					cfg.Index.IncludeDirs = stringArgs(cn)
				default:
					return nil, fmt.Errorf("index: unknown setting %q", nodeName(cn))
				}
			}
		case "fragment":
			args := stringArgs(n)
			if len(args) != 2 {
				return nil, fmt.Errorf("fragment: want id and path, got %d argument(s)", len(args))
			}
			cfg.Fragments = append(cfg.Fragments, Fragment{ID: args[0], Path: args[1]})
		case "watch":
			for _, cn := range n.Children {
				if nodeName(cn) != "debounce_ms" {
					return nil, fmt.Errorf("watch: unknown setting %q", nodeName(cn))
				}
				assignInt(cn, &cfg.Watch.DebounceMs)
			}
		case "log":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "level":
					assignString(cn, &cfg.Log.Level)
				case "format":
					assignString(cn, &cfg.Log.Format)
				default:
					return nil, fmt.Errorf("log: unknown setting %q", nodeName(cn))
				}
			}
		default:
			return nil, fmt.Errorf("unknown section %q", nodeName(n))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func assignString(n *document.Node, dst *string) {
	if len(n.Arguments) == 0 {
		return
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		*dst = s
	}
}

func assignInt(n *document.Node, dst *int) {
	if len(n.Arguments) == 0 {
		return
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		*dst = int(v)
	case float64:
		*dst = int(v)
	}
}

func stringArgs(n *document.Node) []string {
	out := make([]string, 0, len(n.Arguments))
	for _, a := range n.Arguments {
		if s, ok := a.Value.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

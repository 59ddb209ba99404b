// Package xrefdb maintains a persisted cross-reference database for C and
// C++ sources: declarations, definitions, references, include edges and
// macros, answered without re-parsing.
//
// # Layout
//
// The database is a composite [index.Index]: one writable project fragment
// plus any number of read-only dependency fragments, each a page-backed
// record store (internal/db) whose name lookups go through B-trees
// (internal/btree). A SQLite catalog next to it records file content hashes,
// attached fragments, build metadata and index runs.
//
// # Usage
//
//	e, err := xrefdb.New(".xrefdb/index.db", ".xrefdb/catalog.db",
//		xrefdb.WithScriptsFS(scripts.FS),
//		xrefdb.WithRoot("path/to/project"),
//	)
//	if err != nil { ... }
//	defer e.Close()
//
//	ctx := context.Background()
//	err = e.IndexDirectory(ctx, "path/to/project")
//
//	q := e.Query()
//	bs, err := q.FindBindings(ctx, "geo::Shape::area")
//	refs, err := q.References(ctx, bs[0])
//
// # Updates
//
// [Engine.IndexFiles] skips files whose content hash the catalog has
// already seen, extracts the rest in parallel, and commits them one file at
// a time under the write lock. Readers holding a read lock see a file either
// entirely before or entirely after its update. Files that include a
// changed file are re-extracted once.
//
// A project fragment with another format version or failing its structural
// check is discarded on open, and a change to the extraction scripts marks
// every stored file stale; [Engine.NeedsRebuild] reports both.
//
// # Scripts
//
// Extraction runs Risor scripts, scripts/extract/{c,cpp}.risor, over
// tree-sitter parse trees. The scripts report what they find through the
// add_name, add_include and add_macro globals. See internal/runtime for the
// full set of globals.
package xrefdb

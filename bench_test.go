package xrefdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jward/xrefdb/scripts"
)

// benchCSource is a realistic C file with structs, enums, prototypes,
// globals and calls for exercising the full extraction pipeline.
const benchCSource = `#include <stdio.h>
#include <stdlib.h>
#include "bench.h"

#define MAX_ITEMS 64
#define SQUARE(x) ((x) * (x))

struct item {
    int id;
    char *name;
    struct item *next;
};

typedef struct item item_t;

enum state { IDLE, RUNNING = 4, DONE };

static int item_count = 0;
extern int verbose;

item_t *item_new(int id, const char *name);
void item_free(item_t *it);

item_t *item_new(int id, const char *name) {
    item_t *it = malloc(sizeof(item_t));
    it->id = id;
    item_count = item_count + 1;
    return it;
}

void item_free(item_t *it) {
    free(it);
    item_count = item_count - 1;
}

int item_sum(item_t *head) {
    int total = 0;
    for (item_t *it = head; it != NULL; it = it->next) {
        total += SQUARE(it->id);
    }
    return total;
}

int main(void) {
    item_t *head = item_new(1, "one");
    head->next = item_new(2, "two");
    printf("%d\n", item_sum(head));
    item_free(head->next);
    item_free(head);
    return 0;
}
`

// writeBenchProject writes n copies of benchCSource into a temp directory.
func writeBenchProject(b *testing.B, n int) (string, []string) {
	b.Helper()
	dir := b.TempDir()
	var paths []string
	for i := range n {
		p := filepath.Join(dir, fmt.Sprintf("file%03d.c", i))
		if err := os.WriteFile(p, []byte(benchCSource), 0o644); err != nil {
			b.Fatal(err)
		}
		paths = append(paths, p)
	}
	return dir, paths
}

func newBenchEngine(b *testing.B, root string) *Engine {
	b.Helper()
	state := b.TempDir()
	e, err := New(filepath.Join(state, "index.xdb"), filepath.Join(state, "catalog.db"),
		WithScriptsFS(scripts.FS), WithRoot(root))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { e.Close() })
	return e
}

func BenchmarkIndexFiles(b *testing.B) {
	dir, paths := writeBenchProject(b, 20)
	ctx := context.Background()
	b.ResetTimer()
	for range b.N {
		b.StopTimer()
		e := newBenchEngine(b, dir)
		b.StartTimer()
		if err := e.IndexFiles(ctx, paths); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFindBindings(b *testing.B) {
	dir, paths := writeBenchProject(b, 20)
	e := newBenchEngine(b, dir)
	ctx := context.Background()
	if err := e.IndexFiles(ctx, paths); err != nil {
		b.Fatal(err)
	}
	q := e.Query()
	b.ResetTimer()
	for range b.N {
		bs, err := q.FindBindings(ctx, "item_*")
		if err != nil || len(bs) == 0 {
			b.Fatalf("find: %v (%d)", err, len(bs))
		}
	}
}

func BenchmarkReferences(b *testing.B) {
	dir, paths := writeBenchProject(b, 20)
	e := newBenchEngine(b, dir)
	ctx := context.Background()
	if err := e.IndexFiles(ctx, paths); err != nil {
		b.Fatal(err)
	}
	q := e.Query()
	bs, err := q.FindBindings(ctx, "item_new")
	if err != nil || len(bs) != 1 {
		b.Fatalf("find: %v (%d)", err, len(bs))
	}
	b.ResetTimer()
	for range b.N {
		if _, err := q.References(ctx, bs[0]); err != nil {
			b.Fatal(err)
		}
	}
}

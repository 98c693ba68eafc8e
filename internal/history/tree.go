package history

import (
	"sort"
	"strings"
	"time"
)

// TreeItem is one node of the execution tree. Folders have children and no
// ItemInfo; leaves carry ItemInfo.
type TreeItem[T any] struct {
	Name     string         `json:"name"`
	ItemInfo *T             `json:"itemInfo,omitempty"`
	Children []*TreeItem[T] `json:"children,omitempty"`
}

// IsFolder reports whether the item groups other items.
func (t *TreeItem[T]) IsFolder() bool {
	return t.ItemInfo == nil
}

// treeBuilder inserts leaves under category paths, bounding fan-out and depth.
type treeBuilder[T any] struct {
	roots       []*TreeItem[T]
	maxSiblings int
	maxDepth    int
	dropped     int
}

func newTreeBuilder[T any](maxSiblings, maxDepth int) *treeBuilder[T] {
	return &treeBuilder[T]{maxSiblings: maxSiblings, maxDepth: maxDepth}
}

// insert places a leaf under path. It returns false when a sibling list on
// the way is full; the leaf is then dropped.
func (b *treeBuilder[T]) insert(path []string, name string, info *T) bool {
	path = clampDepth(path, b.maxDepth)
	siblings := &b.roots
	for _, segment := range path {
		folder := findFolder(*siblings, segment)
		if folder == nil {
			if b.full(*siblings) {
				b.dropped++
				return false
			}
			folder = &TreeItem[T]{Name: segment}
			*siblings = append(*siblings, folder)
		}
		siblings = &folder.Children
	}
	if b.full(*siblings) {
		b.dropped++
		return false
	}
	*siblings = append(*siblings, &TreeItem[T]{Name: name, ItemInfo: info})
	return true
}

func (b *treeBuilder[T]) full(siblings []*TreeItem[T]) bool {
	return b.maxSiblings > 0 && len(siblings) >= b.maxSiblings
}

// build sorts every level once and returns the roots.
func (b *treeBuilder[T]) build(createdAt func(*T) time.Time) []*TreeItem[T] {
	sortItems(b.roots, createdAt)
	if b.roots == nil {
		return []*TreeItem[T]{}
	}
	return b.roots
}

func findFolder[T any](items []*TreeItem[T], name string) *TreeItem[T] {
	for _, item := range items {
		if item.IsFolder() && item.Name == name {
			return item
		}
	}
	return nil
}

// sortItems orders folders by name ahead of leaves, and leaves newest first.
func sortItems[T any](items []*TreeItem[T], createdAt func(*T) time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.IsFolder() != b.IsFolder() {
			return a.IsFolder()
		}
		if a.IsFolder() {
			return a.Name < b.Name
		}
		ta, tb := createdAt(a.ItemInfo), createdAt(b.ItemInfo)
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.Name > b.Name
	})
	for _, item := range items {
		if len(item.Children) > 0 {
			sortItems(item.Children, createdAt)
		}
	}
}

// CategoryPath strips baseDir from a workflow file path and splits the rest
// into segments.
func CategoryPath(workflowFile, baseDir string) []string {
	rel := strings.ReplaceAll(strings.TrimSpace(workflowFile), "\\", "/")
	base := strings.TrimRight(strings.ReplaceAll(strings.TrimSpace(baseDir), "\\", "/"), "/")
	if base != "" {
		if rel == base {
			rel = ""
		} else if strings.HasPrefix(rel, base+"/") {
			rel = rel[len(base)+1:]
		}
	}
	var out []string
	for _, segment := range strings.Split(rel, "/") {
		if segment = strings.TrimSpace(segment); segment != "" {
			out = append(out, segment)
		}
	}
	return out
}

// clampDepth joins the segments past maxDepth into the last allowed one.
func clampDepth(path []string, maxDepth int) []string {
	if maxDepth <= 0 || len(path) <= maxDepth {
		return path
	}
	out := append([]string(nil), path[:maxDepth-1]...)
	return append(out, strings.Join(path[maxDepth-1:], "/"))
}

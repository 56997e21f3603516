// Package project models the in-memory file tree that generated code is
// applied to. Trees are immutable values: every mutation returns a new Tree
// that shares untouched subtrees with the old one.
package project

import (
	"path"
	"strings"

	"github.com/alecthomas/chroma/v2/lexers"
)

const defaultLanguage = "text"

// Result tells a caller whether a path-addressed mutation found its target.
type Result int

const (
	NotFound Result = iota
	Found
)

func (r Result) String() string {
	if r == Found {
		return "found"
	}
	return "not found"
}

// Node is either a file or a directory. Path is the node's identity within a tree.
type Node struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Content  string `json:"content,omitempty"`
	Language string `json:"language,omitempty"`
	IsDir    bool   `json:"is_directory"`
	Children []Node `json:"children,omitempty"`
}

// Tree is an ordered forest of root-level nodes.
type Tree struct {
	Nodes []Node `json:"files"`
}

// NewFile builds a file node under parentPath. An empty language is inferred
// from the file name.
func NewFile(parentPath, name, content, language string) Node {
	if language == "" {
		language = DetectLanguage(name)
	}
	return Node{
		Name:     name,
		Path:     JoinPath(parentPath, name),
		Content:  content,
		Language: language,
	}
}

// NewDirectory builds an empty directory node under parentPath.
func NewDirectory(parentPath, name string) Node {
	return Node{Name: name, Path: JoinPath(parentPath, name), IsDir: true}
}

// AddFile appends a new file to the directory at parentPath, or to the root
// when parentPath is empty. NotFound means no directory has that path.
func (t Tree) AddFile(parentPath, name, content, language string) (Tree, Result) {
	parentPath = normalizeDir(parentPath)
	return t.insert(parentPath, NewFile(parentPath, name, content, language))
}

// AddDirectory appends a new empty directory below parentPath.
func (t Tree) AddDirectory(parentPath, name string) (Tree, Result) {
	parentPath = normalizeDir(parentPath)
	return t.insert(parentPath, NewDirectory(parentPath, name))
}

func (t Tree) insert(parentPath string, node Node) (Tree, Result) {
	if parentPath == "" {
		return Tree{Nodes: appendNode(t.Nodes, node)}, Found
	}

	nodes, ok := insertInto(t.Nodes, parentPath, node)
	if !ok {
		return t, NotFound
	}
	return Tree{Nodes: nodes}, Found
}

// insertInto descends only into directories whose path prefixes parentPath.
func insertInto(nodes []Node, parentPath string, node Node) ([]Node, bool) {
	for i, n := range nodes {
		if !n.IsDir || !isPathPrefix(n.Path, parentPath) {
			continue
		}

		updated := n
		if n.Path == parentPath {
			updated.Children = appendNode(n.Children, node)
		} else {
			children, ok := insertInto(n.Children, parentPath, node)
			if !ok {
				continue
			}
			updated.Children = children
		}
		return replaceAt(nodes, i, updated), true
	}
	return nodes, false
}

// UpdateFileContent replaces the content of the node whose path equals p.
func (t Tree) UpdateFileContent(p, content string) (Tree, Result) {
	nodes, ok := updateIn(t.Nodes, p, content)
	if !ok {
		return t, NotFound
	}
	return Tree{Nodes: nodes}, Found
}

func updateIn(nodes []Node, p, content string) ([]Node, bool) {
	for i, n := range nodes {
		if n.Path == p {
			updated := n
			updated.Content = content
			return replaceAt(nodes, i, updated), true
		}
		if n.IsDir && len(n.Children) > 0 {
			if children, ok := updateIn(n.Children, p, content); ok {
				updated := n
				updated.Children = children
				return replaceAt(nodes, i, updated), true
			}
		}
	}
	return nodes, false
}

// DeleteFile removes every node whose path equals p, at any depth.
func (t Tree) DeleteFile(p string) (Tree, Result) {
	nodes, ok := deleteIn(t.Nodes, p)
	if !ok {
		return t, NotFound
	}
	return Tree{Nodes: nodes}, Found
}

func deleteIn(nodes []Node, p string) ([]Node, bool) {
	var out []Node
	changed := false

	for i, n := range nodes {
		if n.Path == p {
			if !changed {
				out = append(make([]Node, 0, len(nodes)), nodes[:i]...)
				changed = true
			}
			continue
		}

		if n.IsDir && len(n.Children) > 0 {
			if children, ok := deleteIn(n.Children, p); ok {
				if !changed {
					out = append(make([]Node, 0, len(nodes)), nodes[:i]...)
					changed = true
				}
				n.Children = children
			}
		}
		if changed {
			out = append(out, n)
		}
	}

	if !changed {
		return nodes, false
	}
	return out, true
}

// Find returns the node at path p.
func (t Tree) Find(p string) (Node, bool) {
	var found Node
	ok := false
	t.Walk(func(n Node) bool {
		if n.Path == p {
			found, ok = n, true
			return false
		}
		return true
	})
	return found, ok
}

// Walk visits nodes depth-first in order until fn returns false.
func (t Tree) Walk(fn func(Node) bool) {
	walk(t.Nodes, fn)
}

func walk(nodes []Node, fn func(Node) bool) bool {
	for _, n := range nodes {
		if !fn(n) {
			return false
		}
		if n.IsDir && !walk(n.Children, fn) {
			return false
		}
	}
	return true
}

// FileCount returns the number of file nodes in the tree.
func (t Tree) FileCount() int {
	count := 0
	t.Walk(func(n Node) bool {
		if !n.IsDir {
			count++
		}
		return true
	})
	return count
}

// DetectLanguage guesses an editor language tag from a file name.
func DetectLanguage(name string) string {
	lexer := lexers.Match(path.Base(name))
	if lexer == nil {
		return defaultLanguage
	}
	return strings.ToLower(lexer.Config().Name)
}

// JoinPath builds a child path; the root is the empty string.
func JoinPath(parentPath, name string) string {
	return normalizeDir(parentPath) + "/" + strings.Trim(name, "/")
}

// SplitPath separates a node path into its parent directory and name.
func SplitPath(p string) (parentPath, name string) {
	p = normalizeDir(p)
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}

func normalizeDir(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimRight(p, "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func isPathPrefix(dir, target string) bool {
	return target == dir || strings.HasPrefix(target, dir+"/")
}

func appendNode(nodes []Node, node Node) []Node {
	out := make([]Node, len(nodes), len(nodes)+1)
	copy(out, nodes)
	return append(out, node)
}

func replaceAt(nodes []Node, i int, node Node) []Node {
	out := make([]Node, len(nodes))
	copy(out, nodes)
	out[i] = node
	return out
}

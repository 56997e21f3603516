package project

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const SampleProjectName = "sample"

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectExists   = errors.New("project already exists")
	ErrInvalidName     = errors.New("invalid name")
	ErrPathNotFound    = errors.New("path not found")
)

// Summary describes a project without its file contents.
type Summary struct {
	Name   string `json:"name"`
	Files  int    `json:"files"`
	Active bool   `json:"active"`
}

// Workspace owns the named project trees and the active project. Each
// mutation swaps in a new Tree, so trees handed out earlier never change.
type Workspace struct {
	mu       sync.RWMutex
	projects map[string]Tree
	active   string
}

// NewWorkspace returns a workspace holding the sample project, which is active.
func NewWorkspace() *Workspace {
	return &Workspace{
		projects: map[string]Tree{SampleProjectName: SampleTree()},
		active:   SampleProjectName,
	}
}

// SampleTree is the starter project shown before the user creates their own.
func SampleTree() Tree {
	src := NewDirectory("", "src")
	src.Children = []Node{
		NewFile("/src", "index.js", "// Main application entry point\nconsole.log('Hello, world!');\n", ""),
		NewFile("/src", "styles.css", "/* Main styles */\nbody {\n  font-family: sans-serif;\n}\n", ""),
	}
	return Tree{Nodes: []Node{
		src,
		NewFile("", "README.md", "# Sample Project\n\nA small project to experiment with.\n", ""),
	}}
}

// CreateProject adds a project seeded with a README and makes it active.
func (w *Workspace) CreateProject(name string) (Tree, error) {
	name = strings.TrimSpace(name)
	if err := validateName(name); err != nil {
		return Tree{}, err
	}

	tree := Tree{Nodes: []Node{
		NewFile("", "README.md", fmt.Sprintf("# %s\n\nProject created by codeagent.\n", name), ""),
	}}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.projects[name]; ok {
		return Tree{}, fmt.Errorf("%w: %s", ErrProjectExists, name)
	}
	w.projects[name] = tree
	w.active = name
	return tree, nil
}

// Project returns the current tree of name.
func (w *Workspace) Project(name string) (Tree, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	tree, ok := w.projects[name]
	if !ok {
		return Tree{}, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	return tree, nil
}

// Projects lists every project sorted by name.
func (w *Workspace) Projects() []Summary {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Summary, 0, len(w.projects))
	for name, tree := range w.projects {
		out = append(out, Summary{Name: name, Files: tree.FileCount(), Active: name == w.active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetActive switches the active project.
func (w *Workspace) SetActive(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.projects[name]; !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	w.active = name
	return nil
}

// Active returns the active project's name, if any.
func (w *Workspace) Active() (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active, w.active != ""
}

func (w *Workspace) AddFile(project, parentPath, name, content, language string) (Tree, error) {
	if err := validateName(name); err != nil {
		return Tree{}, err
	}
	return w.mutate(project, parentPath, func(t Tree) (Tree, Result) {
		return t.AddFile(parentPath, name, content, language)
	})
}

func (w *Workspace) AddDirectory(project, parentPath, name string) (Tree, error) {
	if err := validateName(name); err != nil {
		return Tree{}, err
	}
	return w.mutate(project, parentPath, func(t Tree) (Tree, Result) {
		return t.AddDirectory(parentPath, name)
	})
}

func (w *Workspace) UpdateFileContent(project, path, content string) (Tree, error) {
	return w.mutate(project, path, func(t Tree) (Tree, Result) {
		return t.UpdateFileContent(path, content)
	})
}

func (w *Workspace) DeleteFile(project, path string) (Tree, error) {
	return w.mutate(project, path, func(t Tree) (Tree, Result) {
		return t.DeleteFile(path)
	})
}

// WriteFile updates the file at path when it exists and creates it otherwise.
// The parent directory must already exist.
func (w *Workspace) WriteFile(project, path, content, language string) (Tree, error) {
	parentPath, name := SplitPath(path)
	if err := validateName(name); err != nil {
		return Tree{}, err
	}
	return w.mutate(project, parentPath, func(t Tree) (Tree, Result) {
		if node, ok := t.Find(JoinPath(parentPath, name)); ok && !node.IsDir {
			return t.UpdateFileContent(node.Path, content)
		}
		return t.AddFile(parentPath, name, content, language)
	})
}

// mutate applies fn to the project's tree under the write lock. A NotFound
// result leaves the stored tree unchanged.
func (w *Workspace) mutate(project, path string, fn func(Tree) (Tree, Result)) (Tree, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tree, ok := w.projects[project]
	if !ok {
		return Tree{}, fmt.Errorf("%w: %s", ErrProjectNotFound, project)
	}

	next, res := fn(tree)
	if res == NotFound {
		return tree, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	w.projects[project] = next
	return next, nil
}

func validateName(name string) error {
	if name == "" || strings.Contains(name, "/") || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

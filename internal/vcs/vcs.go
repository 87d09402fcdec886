// Package vcs answers "what did the worker change" for a git workspace.
//
// Changes are measured between a base revision and the current working
// tree (committed, staged and unstaged edits plus untracked files), so a
// worker that commits its work and one that leaves it uncommitted look the
// same.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/diff"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/fyrsmithlabs/loopd/internal/guardrail"
)

var (
	// ErrNotGitRepo indicates the workspace is not inside a git repository.
	ErrNotGitRepo = errors.New("not a git repository")
	// ErrNoCommits indicates HEAD does not point at a commit yet.
	ErrNoCommits = errors.New("repository has no commits")
)

// Repo is a git workspace.
type Repo struct {
	repo *git.Repository
	root string
}

// Open opens the repository containing path.
func Open(path string) (*Repo, error) {
	r, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, path)
		}
		return nil, fmt.Errorf("opening repository %s: %w", path, err)
	}
	wt, err := r.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree %s: %w", path, err)
	}
	return &Repo{repo: r, root: wt.Filesystem.Root()}, nil
}

// Root returns the worktree root.
func (r *Repo) Root() string { return r.root }

// Head returns the commit hash HEAD points at.
func (r *Repo) Head(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref, err := r.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", ErrNoCommits
		}
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// baseTree resolves ref to a tree. The empty ref is the empty tree.
func (r *Repo) baseTree(ref string) (*object.Tree, error) {
	if ref == "" {
		return &object.Tree{}, nil
	}
	hash, err := r.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", ref, err)
	}
	commit, err := r.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("loading commit %s: %w", ref, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("loading tree for %s: %w", ref, err)
	}
	return tree, nil
}

// ChangedFilesSince lists worktree-relative paths whose content differs
// from ref, sorted.
func (r *Repo) ChangedFilesSince(ctx context.Context, ref string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base, err := r.baseTree(ref)
	if err != nil {
		return nil, err
	}

	candidates := map[string]struct{}{}
	if ref != "" {
		if err := r.committedSince(base, candidates); err != nil {
			return nil, err
		}
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading worktree status: %w", err)
	}
	for path, st := range status {
		if st.Staging != git.Unmodified || st.Worktree != git.Unmodified {
			candidates[path] = struct{}{}
		}
	}

	var changed []string
	for path := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		old, oldOK, err := blobContent(base, path)
		if err != nil {
			return nil, err
		}
		cur, curOK, err := r.fileContent(path)
		if err != nil {
			return nil, err
		}
		if oldOK != curOK || old != cur {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func (r *Repo) committedSince(base *object.Tree, into map[string]struct{}) error {
	head, err := r.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil
		}
		return fmt.Errorf("resolving HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return fmt.Errorf("loading HEAD commit: %w", err)
	}
	headTree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("loading HEAD tree: %w", err)
	}
	changes, err := base.Diff(headTree)
	if err != nil {
		return fmt.Errorf("diffing trees: %w", err)
	}
	for _, c := range changes {
		if c.From.Name != "" {
			into[c.From.Name] = struct{}{}
		}
		if c.To.Name != "" {
			into[c.To.Name] = struct{}{}
		}
	}
	return nil
}

// Diff returns the lines added to each of files since ref. Deleted and
// binary files have no added lines and are omitted.
func (r *Repo) Diff(ctx context.Context, ref string, files []string) ([]guardrail.FileDiff, error) {
	base, err := r.baseTree(ref)
	if err != nil {
		return nil, err
	}
	var out []guardrail.FileDiff
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur, ok, err := r.fileContent(path)
		if err != nil {
			return nil, err
		}
		if !ok || isBinary(cur) {
			continue
		}
		old, _, err := blobContent(base, path)
		if err != nil {
			return nil, err
		}
		if added := AddedLines(old, cur); len(added) > 0 {
			out = append(out, guardrail.FileDiff{Path: path, Added: added})
		}
	}
	return out, nil
}

// AddedLines returns the lines of cur that are not in old, numbered by
// their position in cur.
func AddedLines(old, cur string) []guardrail.Line {
	var (
		added []guardrail.Line
		line  = 1
	)
	for _, d := range diff.Do(old, cur) {
		lines := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			line += len(lines)
		case diffmatchpatch.DiffInsert:
			for _, text := range lines {
				added = append(added, guardrail.Line{Number: line, Text: text})
				line++
			}
		}
	}
	return added
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// Revert discards every change since ref: HEAD is hard-reset to it and
// untracked files are removed.
func (r *Repo) Revert(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ref == "" {
		return errors.New("revert needs a base revision")
	}
	hash, err := r.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return fmt.Errorf("resolving %s: %w", ref, err)
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: *hash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting to %s: %w", ref, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("removing untracked files: %w", err)
	}
	return nil
}

func blobContent(tree *object.Tree, path string) (string, bool, error) {
	if len(tree.Entries) == 0 {
		return "", false, nil
	}
	f, err := tree.File(path)
	if errors.Is(err, object.ErrFileNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s from tree: %w", path, err)
	}
	content, err := f.Contents()
	if err != nil {
		return "", false, fmt.Errorf("reading blob %s: %w", path, err)
	}
	return content, true, nil
}

func (r *Repo) fileContent(path string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(r.root, filepath.FromSlash(path)))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), true, nil
}

func isBinary(s string) bool {
	n := len(s)
	if n > 8000 {
		n = 8000
	}
	return strings.IndexByte(s[:n], 0) >= 0
}

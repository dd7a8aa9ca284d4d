package gitrepo

import (
	"errors"
	"fmt"
	"sort"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// ErrRepository is returned when the local repository is unreadable or HEAD
// cannot be resolved (e.g. the path is not a repository, or the branch has
// no commits yet). It can be checked with errors.Is().
var ErrRepository = errors.New("repository error")

// Action classifies a file-level change between two commits.
type Action string

const (
	ActionAdded    Action = "A"
	ActionModified Action = "M"
	ActionDeleted  Action = "D"
)

// Change is one file-level difference between two commit trees. Content is
// populated for added and modified files and nil for deletions.
type Change struct {
	Action  Action
	Path    string
	Content []byte
}

// Repository provides the local repository operations the sync engine needs
type Repository interface {
	// Resolve returns the current revision identifier and the full HEAD hash.
	// The revision is the branch name when HEAD is attached to a branch, and
	// the HEAD hash itself when the repository is in a detached state.
	Resolve() (revision string, head string, err error)

	// DiffCommits computes the file-level differences between two commits.
	// Renames surface as a delete of the old path plus an add of the new one.
	DiffCommits(oldHash, newHash string) ([]Change, error)

	// TrackedFiles lists every file in the tree of the given commit as an
	// added change with its content.
	TrackedFiles(commitHash string) ([]Change, error)
}

// Repo implements Repository on top of a go-git repository
type Repo struct {
	repo *git.Repository
}

// Open opens the git repository at the given path
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %q: %v", ErrRepository, path, err)
	}
	return &Repo{repo: repo}, nil
}

// Resolve returns the current revision identifier and the full HEAD hash.
func (r *Repo) Resolve() (string, string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("%w: cannot resolve HEAD: %v", ErrRepository, err)
	}

	hash := head.Hash().String()
	if head.Name().IsBranch() {
		return head.Name().Short(), hash, nil
	}

	// Detached HEAD: the commit hash identifies the revision.
	return hash, hash, nil
}

// DiffCommits computes the file-level differences between two commits.
func (r *Repo) DiffCommits(oldHash, newHash string) ([]Change, error) {
	oldTree, err := r.commitTree(oldHash)
	if err != nil {
		return nil, err
	}
	newTree, err := r.commitTree(newHash)
	if err != nil {
		return nil, err
	}

	// Tree diff without rename detection: a rename is reported as a
	// delete plus an add, which is exactly the upload contract.
	diff, err := oldTree.Diff(newTree)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to diff %s..%s: %v", ErrRepository, oldHash, newHash, err)
	}

	changes := make([]Change, 0, len(diff))
	for _, ch := range diff {
		action, err := ch.Action()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to classify change: %v", ErrRepository, err)
		}

		switch action {
		case merkletrie.Insert:
			content, err := fileContent(newTree, ch.To.Name)
			if err != nil {
				return nil, err
			}
			changes = append(changes, Change{Action: ActionAdded, Path: ch.To.Name, Content: content})

		case merkletrie.Modify:
			content, err := fileContent(newTree, ch.To.Name)
			if err != nil {
				return nil, err
			}
			changes = append(changes, Change{Action: ActionModified, Path: ch.To.Name, Content: content})

		case merkletrie.Delete:
			changes = append(changes, Change{Action: ActionDeleted, Path: ch.From.Name})
		}
	}

	sortChanges(changes)
	return changes, nil
}

// TrackedFiles lists every file at the given commit as an added change.
func (r *Repo) TrackedFiles(commitHash string) ([]Change, error) {
	tree, err := r.commitTree(commitHash)
	if err != nil {
		return nil, err
	}

	var changes []Change
	err = tree.Files().ForEach(func(f *object.File) error {
		content, err := f.Contents()
		if err != nil {
			return fmt.Errorf("failed to read %q: %w", f.Name, err)
		}
		changes = append(changes, Change{Action: ActionAdded, Path: f.Name, Content: []byte(content)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list files at %s: %v", ErrRepository, commitHash, err)
	}

	sortChanges(changes)
	return changes, nil
}

// commitTree resolves a commit hash to its tree
func (r *Repo) commitTree(hash string) (*object.Tree, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, fmt.Errorf("%w: commit %s not found: %v", ErrRepository, hash, err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tree for %s: %v", ErrRepository, hash, err)
	}

	return tree, nil
}

// fileContent reads the full content of a file from a commit tree
func fileContent(tree *object.Tree, path string) ([]byte, error) {
	f, err := tree.File(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %q: %v", ErrRepository, path, err)
	}

	contents, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %q: %v", ErrRepository, path, err)
	}

	return []byte(contents), nil
}

// sortChanges orders changes lexicographically by path so runs are
// reproducible and diffable.
func sortChanges(changes []Change) {
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})
}

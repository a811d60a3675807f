package githost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// LocalHost stores repositories on disk under baseDir/owner/repo and
// records pull requests as refs under refs/pull/<n>/head. It mirrors just
// enough host behavior for development and tests.
type LocalHost struct {
	baseDir string
	baseURL string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewLocalHost(baseDir, baseURL string) *LocalHost {
	if baseURL == "" {
		baseURL = "local"
	}
	return &LocalHost{
		baseDir: baseDir,
		baseURL: baseURL,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (h *LocalHost) BranchExists(ctx context.Context, connectionID, fullName, branch string) (bool, error) {
	lock := h.repoLock(fullName)
	lock.Lock()
	defer lock.Unlock()

	repo, err := h.open(fullName)
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	return true, nil
}

func (h *LocalHost) CreateBranch(ctx context.Context, connectionID, fullName, branch, base string) error {
	lock := h.repoLock(fullName)
	lock.Lock()
	defer lock.Unlock()

	repo, err := h.open(fullName)
	if err != nil {
		return err
	}

	baseRef, err := repo.Reference(plumbing.NewBranchReferenceName(base), true)
	if err != nil {
		return fmt.Errorf("resolve base branch %s: %w", base, err)
	}
	branchRef := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), baseRef.Hash())
	if err := repo.Storer.SetReference(branchRef); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}

func (h *LocalHost) CreatePullRequest(ctx context.Context, connectionID, fullName string, opts PullRequestOptions) (PullRequest, error) {
	lock := h.repoLock(fullName)
	lock.Lock()
	defer lock.Unlock()

	repo, err := h.open(fullName)
	if err != nil {
		return PullRequest{}, err
	}

	headRef, err := repo.Reference(plumbing.NewBranchReferenceName(opts.Head), true)
	if err != nil {
		return PullRequest{}, fmt.Errorf("resolve head branch %s: %w", opts.Head, err)
	}
	if _, err := repo.Reference(plumbing.NewBranchReferenceName(opts.Base), true); err != nil {
		return PullRequest{}, fmt.Errorf("resolve base branch %s: %w", opts.Base, err)
	}

	number, err := nextPullNumber(repo)
	if err != nil {
		return PullRequest{}, err
	}
	pullRef := plumbing.NewHashReference(
		plumbing.ReferenceName(fmt.Sprintf("refs/pull/%d/head", number)),
		headRef.Hash(),
	)
	if err := repo.Storer.SetReference(pullRef); err != nil {
		return PullRequest{}, fmt.Errorf("record pull request: %w", err)
	}

	return PullRequest{
		Number: number,
		URL:    fmt.Sprintf("%s/%s/pull/%d", h.baseURL, fullName, number),
	}, nil
}

// InitRepo creates a repository with a single commit on the default
// branch. Used to seed development environments and tests.
func (h *LocalHost) InitRepo(fullName, defaultBranch string) error {
	lock := h.repoLock(fullName)
	lock.Lock()
	defer lock.Unlock()

	path := h.repoPath(fullName)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	readme := filepath.Join(path, "README.md")
	if err := os.WriteFile(readme, []byte("# "+fullName+"\n"), 0o644); err != nil {
		return fmt.Errorf("write readme: %w", err)
	}
	if _, err := worktree.Add("README.md"); err != nil {
		return fmt.Errorf("git add readme: %w", err)
	}

	hash, err := worktree.Commit("Initial commit", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "atrium",
			Email: "atrium@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit readme: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(defaultBranch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, hash)); err != nil {
		return fmt.Errorf("set default branch: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef)); err != nil {
		return fmt.Errorf("set HEAD: %w", err)
	}
	return nil
}

func (h *LocalHost) open(fullName string) (*git.Repository, error) {
	repo, err := git.PlainOpen(h.repoPath(fullName))
	if err != nil {
		return nil, fmt.Errorf("open repo %s: %w", fullName, err)
	}
	return repo, nil
}

func (h *LocalHost) repoPath(fullName string) string {
	owner, repo := splitFullName(fullName)
	return filepath.Join(h.baseDir, owner, repo)
}

func (h *LocalHost) repoLock(fullName string) *sync.Mutex {
	h.lockMu.Lock()
	defer h.lockMu.Unlock()
	lock, ok := h.locks[fullName]
	if !ok {
		lock = &sync.Mutex{}
		h.locks[fullName] = lock
	}
	return lock
}

func nextPullNumber(repo *git.Repository) (int, error) {
	refs, err := repo.References()
	if err != nil {
		return 0, fmt.Errorf("list references: %w", err)
	}
	max := 0
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		if !strings.HasPrefix(name, "refs/pull/") || !strings.HasSuffix(name, "/head") {
			return nil
		}
		middle := strings.TrimSuffix(strings.TrimPrefix(name, "refs/pull/"), "/head")
		n, err := strconv.Atoi(middle)
		if err != nil {
			return nil
		}
		if n > max {
			max = n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan pull refs: %w", err)
	}
	return max + 1, nil
}

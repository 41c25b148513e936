// Package storage implements the per-repository bare git storage layer
// (spec ยง4.2): one bare repository per RepoId under `<root>/<rid>.git`,
// namespaced per-peer refs, and the custom `rad://` transport registered
// in-process for local reads.
//
// Git plumbing itself is delegated to go-git (github.com/go-git/go-git/v5),
// the way the pack's weaveworks-libgitops and
// input-output-hk-catalyst-forge-libs/git packages wrap it: a thin,
// task-oriented facade rather than shelling out to the git binary.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-billy/v5/osfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/sirupsen/logrus"

	radgit "radicle-node/git"
)

// Storage owns the directory of bare repositories under `<root>/`.
// Concurrent access to the repository map is synchronised here; writes
// within a single repository are further serialised by Repository's
// advisory lock (spec ยง5: "Storage repositories use an advisory file
// lock... concurrent fetches on the same rid are queued").
type Storage struct {
	root string
	log  *logrus.Logger

	mu    sync.RWMutex
	repos map[radgit.RepoId]*Repository

	// LoopbackOnly, when true, is the "loopback policy" from spec ยง4.2's
	// repositories() filter: private repos are only listed when serving a
	// loopback (local control-socket) caller.
	LoopbackOnly bool
}

// New opens (without yet loading any repository) a Storage rooted at dir.
func New(dir string, log *logrus.Logger) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %s: %w", dir, err)
	}
	return &Storage{root: dir, log: log, repos: make(map[radgit.RepoId]*Repository)}, nil
}

func (s *Storage) path(rid radgit.RepoId) string {
	return filepath.Join(s.root, rid.String()+".git")
}

// Create initialises a new bare repository for rid. Returns an error if
// one already exists.
func (s *Storage) Create(rid radgit.RepoId) (*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.repos[rid]; ok {
		return nil, fmt.Errorf("storage: repository %s already open", rid)
	}
	path := s.path(rid)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("storage: repository %s already exists on disk", rid)
	}

	fs := osfs.New(path)
	st := filesystem.NewStorage(fs, nil)
	repo, err := gogit.Init(st, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: init %s: %w", rid, err)
	}
	r := &Repository{rid: rid, path: path, repo: repo, log: s.log}
	s.repos[rid] = r
	return r, nil
}

// Repository returns the open repository for rid, opening it from disk
// on first access.
func (s *Storage) Repository(rid radgit.RepoId) (*Repository, error) {
	s.mu.RLock()
	r, ok := s.repos[rid]
	s.mu.RUnlock()
	if ok {
		return r, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.repos[rid]; ok {
		return r, nil
	}

	path := s.path(rid)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("storage: repository %s not found: %w", rid, err)
	}
	fs := osfs.New(path)
	st := filesystem.NewStorage(fs, nil)
	repo, err := gogit.Open(st, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", rid, err)
	}
	r := &Repository{rid: rid, path: path, repo: repo, log: s.log}
	s.repos[rid] = r
	return r, nil
}

// RepositoryInfo is the summary returned by Repositories().
type RepositoryInfo struct {
	RID     radgit.RepoId
	Private bool
}

// Repositories lists every repository under root, filtering private ones
// unless loopback is true (spec ยง4.2).
func (s *Storage) Repositories(loopback bool) ([]RepositoryInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("storage: list repositories: %w", err)
	}
	var out []RepositoryInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".git"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		rid, err := radgit.ParseRepoId(name[:len(name)-len(suffix)])
		if err != nil {
			s.log.WithField("dir", name).Warn("storage: skipping non-repoid directory")
			continue
		}
		repo, err := s.Repository(rid)
		if err != nil {
			continue
		}
		private, err := repo.IsPrivate()
		if err != nil {
			s.log.WithError(err).WithField("rid", rid).Warn("storage: could not determine visibility")
			continue
		}
		if private && !loopback && !s.LoopbackOnly {
			continue
		}
		out = append(out, RepositoryInfo{RID: rid, Private: private})
	}
	return out, nil
}

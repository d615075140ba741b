package build

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
)

var ErrDirtyWorktree = errors.New("changed files in git repository")

// CheckClean fails when tracked files under root have changes that are not
// staged, as `git diff` reports them. Staged and untracked files are ignored.
func CheckClean(root string) error {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return fmt.Errorf("open repository %s: %w", root, err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("failed to get worktree status: %w", err)
	}

	var changed []string
	for path, fileStatus := range status {
		if modified(fileStatus.Worktree) {
			changed = append(changed, path)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	sort.Strings(changed)
	return fmt.Errorf("%w: %s", ErrDirtyWorktree, strings.Join(changed, ", "))
}

func modified(code git.StatusCode) bool {
	return code != git.Unmodified && code != git.Untracked
}

// Package githost talks to the version-control host that approved PR
// suggestions are committed to. Two implementations exist: a GitHub REST
// client for production and a go-git backed local host for development
// and tests.
package githost

import "context"

type PullRequestOptions struct {
	Title string
	Body  string
	Head  string
	Base  string
}

type PullRequest struct {
	Number int
	URL    string
}

// Client is the host surface the approval flow needs. The repository is
// addressed by its full name ("owner/repo"); connectionID selects the
// credential to act under.
type Client interface {
	BranchExists(ctx context.Context, connectionID, fullName, branch string) (bool, error)
	CreateBranch(ctx context.Context, connectionID, fullName, branch, base string) error
	CreatePullRequest(ctx context.Context, connectionID, fullName string, opts PullRequestOptions) (PullRequest, error)
}

func splitFullName(fullName string) (owner, repo string) {
	for i := 0; i < len(fullName); i++ {
		if fullName[i] == '/' {
			return fullName[:i], fullName[i+1:]
		}
	}
	return fullName, ""
}

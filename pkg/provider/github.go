package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/go-github/v68/github"
)

// GitHubProvider backs Provider with the real GitHub Actions self-hosted
// runner registration API: CreateRegistrationToken, ListRunners,
// RemoveRunner, and in-progress workflow runs for busy heuristics.
type GitHubProvider struct {
	client *github.Client
}

// NewGitHubProvider builds a client authenticated with a personal access
// token (or a GitHub App installation token minted by the caller). baseURL is
// only needed for GitHub Enterprise Server; pass "" for github.com.
func NewGitHubProvider(token, baseURL string) (*GitHubProvider, error) {
	client := github.NewClient(nil).WithAuthToken(token)
	if baseURL != "" {
		u := strings.TrimSuffix(baseURL, "/") + "/api/v3/"
		uploadURL := strings.TrimSuffix(baseURL, "/") + "/api/uploads/"
		var err error
		client, err = client.WithEnterpriseURLs(u, uploadURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub Enterprise URLs: %w", err)
		}
	}
	return &GitHubProvider{client: client}, nil
}

func splitSlug(slug string) (owner, repo string, err error) {
	parts := strings.SplitN(slug, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid repository slug %q, want owner/name", slug)
	}
	return parts[0], parts[1], nil
}

// CreateRegistrationToken exchanges credentials for a short-lived runner
// registration token, per the self-hosted-runner registration flow.
func (p *GitHubProvider) CreateRegistrationToken(ctx context.Context, repoSlug string) (RegistrationToken, error) {
	owner, repo, err := splitSlug(repoSlug)
	if err != nil {
		return RegistrationToken{}, err
	}

	tok, resp, err := p.client.Actions.CreateRegistrationToken(ctx, owner, repo)
	if err != nil {
		return RegistrationToken{}, classifyErr(resp, err)
	}
	return RegistrationToken{
		Value:     tok.GetToken(),
		ExpiresAt: tok.GetExpiresAt().Time,
	}, nil
}

// ListWorkers lists self-hosted runners registered for the repository.
func (p *GitHubProvider) ListWorkers(ctx context.Context, repoSlug string) ([]WorkerInfo, error) {
	owner, repo, err := splitSlug(repoSlug)
	if err != nil {
		return nil, err
	}

	opts := &github.ListRunnersOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var out []WorkerInfo
	for {
		runners, resp, err := p.client.Actions.ListRunners(ctx, owner, repo, opts)
		if err != nil {
			return nil, classifyErr(resp, err)
		}
		for _, r := range runners.Runners {
			status := WorkerOffline
			if r.GetStatus() == "online" {
				status = WorkerOnline
			}
			out = append(out, WorkerInfo{
				ID:     strconv.FormatInt(r.GetID(), 10),
				Name:   r.GetName(),
				Status: status,
				Busy:   r.GetBusy(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// DeregisterWorker removes a runner registration. A 404 is treated as success
// per the NotFound error-kind contract.
func (p *GitHubProvider) DeregisterWorker(ctx context.Context, repoSlug string, workerID string) error {
	owner, repo, err := splitSlug(repoSlug)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(workerID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid worker id %q: %w", workerID, err)
	}

	resp, err := p.client.Actions.RemoveRunner(ctx, owner, repo, id)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return classifyErr(resp, err)
	}
	return nil
}

// ListActiveJobs returns queued/in-progress workflow runs, used only for busy
// heuristics when a Provider doesn't directly expose per-runner job state.
func (p *GitHubProvider) ListActiveJobs(ctx context.Context, repoSlug string) ([]JobSummary, error) {
	owner, repo, err := splitSlug(repoSlug)
	if err != nil {
		return nil, err
	}

	var out []JobSummary
	for _, status := range []string{"in_progress", "queued"} {
		runs, resp, err := p.client.Actions.ListRepositoryWorkflowRuns(ctx, owner, repo, &github.ListWorkflowRunsOptions{
			Status:      status,
			ListOptions: github.ListOptions{PerPage: 100},
		})
		if err != nil {
			return nil, classifyErr(resp, err)
		}
		for _, run := range runs.WorkflowRuns {
			out = append(out, JobSummary{ID: strconv.FormatInt(run.GetID(), 10)})
		}
	}
	return out, nil
}

// classifyErr maps an HTTP-level github error to a description matching the
// error taxonomy (AuthExpired/NotFound/QuotaExceeded/Transient); the value
// returned is a plain wrapped error, and other statuses pass through
// unchanged. Callers downstream match on that description text ("auth
// expired", "quota exceeded") rather than on a bespoke error type hierarchy,
// the same way the rest of this codebase treats "kinds, not type names".
func classifyErr(resp *github.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("provider auth expired (status %d): %w", resp.StatusCode, err)
	case http.StatusNotFound:
		return fmt.Errorf("provider resource not found: %w", err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("provider quota exceeded: %w", err)
	default:
		if resp.StatusCode >= 500 {
			return fmt.Errorf("provider transient error (status %d): %w", resp.StatusCode, err)
		}
		return err
	}
}

// Package github provides the writable client for the destination tracker.
// Every write goes through a dispatcher that paces calls and honors the API's
// throttling hints.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v41/github"
	"golang.org/x/oauth2"

	"github.com/lab2hub/lab2hub/internal/config"
	"github.com/lab2hub/lab2hub/internal/engine"
	"github.com/lab2hub/lab2hub/internal/logging"
	"github.com/lab2hub/lab2hub/pkg/models"
)

// perPage is the page size used for every list call.
const perPage = 100

// Client encapsulates the GitHub API client for one destination repository.
type Client struct {
	client     *github.Client
	dispatcher *dispatcher
	owner      string
	repo       string
	repoURL    string
	repoID     int64
}

// NewClient creates the destination client, authenticates, and resolves the
// configured repository. delay is the minimum pause between writes.
func NewClient(cfg config.GitHubConfig, delay time.Duration) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github token not found in configuration")
	}
	logging.Debug("github configuration",
		"owner", cfg.Owner,
		"repo", cfg.Repo,
		"token", logging.MaskSensitive(cfg.Token))

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	tc := oauth2.NewClient(context.Background(), ts)
	client := github.NewClient(tc)

	htmlBase := "https://github.com"
	if cfg.BaseURL != "" {
		parsed, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		if !strings.HasSuffix(parsed.Path, "/") {
			parsed.Path += "/"
		}
		client.BaseURL = parsed

		// Enterprise serves uploads from the same endpoint
		client.UploadURL = parsed
		htmlBase = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("error testing github token: %w", err)
	}
	logging.Info("github authentication successful", "username", user.GetLogin())

	repository, _, err := client.Repositories.Get(ctx, cfg.Owner, cfg.Repo)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository %s/%s: %w", cfg.Owner, cfg.Repo, err)
	}

	return &Client{
		client:     client,
		dispatcher: newDispatcher(delay),
		owner:      cfg.Owner,
		repo:       cfg.Repo,
		repoURL:    fmt.Sprintf("%s/%s/%s", htmlBase, cfg.Owner, cfg.Repo),
		repoID:     repository.GetID(),
	}, nil
}

// RepoURL returns the browsable URL of the destination repository.
func (c *Client) RepoURL() string {
	return c.repoURL
}

// RepoID returns the destination-assigned repository identifier.
func (c *Client) RepoID() int64 {
	return c.repoID
}

// ListIssues retrieves all issues of the repository, open and closed. Pull
// requests are filtered out; the issues API returns them too.
func (c *Client) ListIssues(ctx context.Context) ([]models.DestIssue, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var result []models.DestIssue
	for {
		issues, resp, err := c.client.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch issues: %w", err)
		}
		for _, issue := range issues {
			if issue.PullRequestLinks != nil {
				continue
			}
			labels := make([]string, 0, len(issue.Labels))
			for _, label := range issue.Labels {
				labels = append(labels, label.GetName())
			}
			result = append(result, models.DestIssue{
				Number: issue.GetNumber(),
				Title:  issue.GetTitle(),
				Body:   issue.GetBody(),
				State:  issue.GetState(),
				Labels: labels,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, nil
}

// ListPullRequests retrieves all pull requests, open and closed.
func (c *Client) ListPullRequests(ctx context.Context) ([]models.DestPullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var result []models.DestPullRequest
	for {
		pulls, resp, err := c.client.PullRequests.List(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch pull requests: %w", err)
		}
		for _, pull := range pulls {
			result = append(result, models.DestPullRequest{
				Number: pull.GetNumber(),
				Title:  pull.GetTitle(),
				State:  pull.GetState(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, nil
}

// ListMilestones retrieves all milestones, open and closed.
func (c *Client) ListMilestones(ctx context.Context) ([]models.DestMilestone, error) {
	opts := &github.MilestoneListOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var result []models.DestMilestone
	for {
		milestones, resp, err := c.client.Issues.ListMilestones(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch milestones: %w", err)
		}
		for _, milestone := range milestones {
			result = append(result, models.DestMilestone{
				Number: milestone.GetNumber(),
				Title:  milestone.GetTitle(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, nil
}

// ListLabelNames retrieves the names of all repository labels.
func (c *Client) ListLabelNames(ctx context.Context) ([]string, error) {
	opts := &github.ListOptions{PerPage: perPage}

	var result []string
	for {
		labels, resp, err := c.client.Issues.ListLabels(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch labels: %w", err)
		}
		for _, label := range labels {
			result = append(result, label.GetName())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, nil
}

// CreateIssue creates an issue and returns its assigned number.
func (c *Client) CreateIssue(ctx context.Context, payload models.IssuePayload) (int, error) {
	request := &github.IssueRequest{
		Title: github.String(payload.Title),
		Body:  github.String(payload.Body),
	}
	if len(payload.Labels) > 0 {
		request.Labels = &payload.Labels
	}
	if len(payload.Assignees) > 0 {
		request.Assignees = &payload.Assignees
	}
	if payload.Milestone > 0 {
		request.Milestone = github.Int(payload.Milestone)
	}

	var number int
	err := c.dispatcher.do(ctx, func() error {
		created, _, err := c.client.Issues.Create(ctx, c.owner, c.repo, request)
		if err != nil {
			return err
		}
		number = created.GetNumber()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create issue: %w", err)
	}
	return number, nil
}

// CreatePullRequest creates a pull request and returns its assigned number.
// A validation rejection, typically because the head branch holds no commits
// beyond the base, is wrapped with engine.ErrUnprocessable so callers can
// fall back to an issue.
func (c *Client) CreatePullRequest(ctx context.Context, payload models.PullRequestPayload) (int, error) {
	request := &github.NewPullRequest{
		Title: github.String(payload.Title),
		Body:  github.String(payload.Body),
		Head:  github.String(payload.Head),
		Base:  github.String(payload.Base),
	}

	var number int
	err := c.dispatcher.do(ctx, func() error {
		created, _, err := c.client.PullRequests.Create(ctx, c.owner, c.repo, request)
		if err != nil {
			return err
		}
		number = created.GetNumber()
		return nil
	})
	if err != nil {
		if hasStatus(err, http.StatusUnprocessableEntity) {
			return 0, fmt.Errorf("%w: %v", engine.ErrUnprocessable, err)
		}
		return 0, fmt.Errorf("failed to create pull request: %w", err)
	}
	return number, nil
}

// CreateMilestone creates a milestone and returns its destination identity.
func (c *Client) CreateMilestone(ctx context.Context, payload models.MilestonePayload) (models.DestMilestone, error) {
	request := &github.Milestone{
		Title: github.String(payload.Title),
		State: github.String(payload.State),
		DueOn: payload.DueOn,
	}
	if payload.Description != "" {
		request.Description = github.String(payload.Description)
	}

	var created models.DestMilestone
	err := c.dispatcher.do(ctx, func() error {
		milestone, _, err := c.client.Issues.CreateMilestone(ctx, c.owner, c.repo, request)
		if err != nil {
			return err
		}
		created = models.DestMilestone{Number: milestone.GetNumber(), Title: milestone.GetTitle()}
		return nil
	})
	if err != nil {
		return models.DestMilestone{}, fmt.Errorf("failed to create milestone: %w", err)
	}
	return created, nil
}

// CreateLabel creates a label. The API wants the color without a leading '#'.
func (c *Client) CreateLabel(ctx context.Context, label models.Label) error {
	request := &github.Label{
		Name:  github.String(label.Name),
		Color: github.String(strings.TrimPrefix(label.Color, "#")),
	}
	if label.Description != "" {
		request.Description = github.String(label.Description)
	}

	err := c.dispatcher.do(ctx, func() error {
		_, _, err := c.client.Issues.CreateLabel(ctx, c.owner, c.repo, request)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create label %q: %w", label.Name, err)
	}
	return nil
}

// CreateComment adds a comment to an issue or pull request.
func (c *Client) CreateComment(ctx context.Context, number int, body string) error {
	comment := &github.IssueComment{Body: github.String(body)}

	err := c.dispatcher.do(ctx, func() error {
		_, _, err := c.client.Issues.CreateComment(ctx, c.owner, c.repo, number, comment)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create comment on #%d: %w", number, err)
	}
	return nil
}

// UpdateIssueMeta sets labels, assignees and milestone on an existing issue
// or pull request.
func (c *Client) UpdateIssueMeta(ctx context.Context, number int, payload models.IssuePayload) error {
	request := &github.IssueRequest{}
	if len(payload.Labels) > 0 {
		request.Labels = &payload.Labels
	}
	if len(payload.Assignees) > 0 {
		request.Assignees = &payload.Assignees
	}
	if payload.Milestone > 0 {
		request.Milestone = github.Int(payload.Milestone)
	}

	err := c.dispatcher.do(ctx, func() error {
		_, _, err := c.client.Issues.Edit(ctx, c.owner, c.repo, number, request)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update #%d: %w", number, err)
	}
	return nil
}

// CloseIssue closes an issue or pull request by number.
func (c *Client) CloseIssue(ctx context.Context, number int) error {
	request := &github.IssueRequest{State: github.String("closed")}

	err := c.dispatcher.do(ctx, func() error {
		_, _, err := c.client.Issues.Edit(ctx, c.owner, c.repo, number, request)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to close #%d: %w", number, err)
	}
	return nil
}

// BranchExists reports whether the repository has a branch with this name.
func (c *Client) BranchExists(ctx context.Context, name string) (bool, error) {
	_, _, err := c.client.Repositories.GetBranch(ctx, c.owner, c.repo, name, true)
	if err == nil {
		return true, nil
	}
	if hasStatus(err, http.StatusNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to look up branch %q: %w", name, err)
}

// HasRelease reports whether a release exists for the given tag.
func (c *Client) HasRelease(ctx context.Context, tag string) (bool, error) {
	_, _, err := c.client.Repositories.GetReleaseByTag(ctx, c.owner, c.repo, tag)
	if err == nil {
		return true, nil
	}
	if hasStatus(err, http.StatusNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to look up release %q: %w", tag, err)
}

// CreateRelease creates a release for an existing tag.
func (c *Client) CreateRelease(ctx context.Context, release models.Release) error {
	request := &github.RepositoryRelease{
		TagName: github.String(release.TagName),
		Name:    github.String(release.Name),
		Body:    github.String(release.Description),
	}

	err := c.dispatcher.do(ctx, func() error {
		_, _, err := c.client.Repositories.CreateRelease(ctx, c.owner, c.repo, request)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create release %q: %w", release.TagName, err)
	}
	return nil
}

// CommitFile stores a blob in the repository and returns its raw URL.
func (c *Client) CommitFile(ctx context.Context, path string, data []byte) (string, error) {
	options := &github.RepositoryContentFileOptions{
		Message: github.String(fmt.Sprintf("Add %s", path)),
		Content: data,
	}

	var fileURL string
	err := c.dispatcher.do(ctx, func() error {
		created, _, err := c.client.Repositories.CreateFile(ctx, c.owner, c.repo, path, options)
		if err != nil {
			return err
		}
		if created.Content != nil && created.Content.GetDownloadURL() != "" {
			fileURL = created.Content.GetDownloadURL()
		} else {
			fileURL = created.Content.GetHTMLURL()
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit file %q: %w", path, err)
	}
	return fileURL, nil
}

// hasStatus reports whether err is an API error response with the given
// HTTP status.
func hasStatus(err error, status int) bool {
	var apiErr *github.ErrorResponse
	return errors.As(err, &apiErr) && apiErr.Response != nil && apiErr.Response.StatusCode == status
}

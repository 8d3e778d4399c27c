// Package gitlab provides a read-only client for the source tracker,
// materializing project entities into the engine's models.
package gitlab

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/lab2hub/lab2hub/internal/config"
	"github.com/lab2hub/lab2hub/internal/logging"
	"github.com/lab2hub/lab2hub/pkg/models"
)

// perPage is the page size used for every list call.
const perPage = 100

// Client wraps the GitLab API for a single resolved project.
type Client struct {
	api           *gitlab.Client
	httpClient    *http.Client
	host          string
	sessionCookie string
	projectID     int
	projectPath   string
}

// NewClient connects to the GitLab instance and resolves the configured
// project, which may be given as a numeric id or as namespace/path.
func NewClient(cfg config.GitLabConfig) (*Client, error) {
	host := strings.TrimSuffix(cfg.URL, "/")
	logging.Debug("gitlab configuration",
		"host", host,
		"token", logging.MaskSensitive(cfg.Token),
		"session_cookie", logging.MaskSensitive(cfg.SessionCookie))

	api, err := gitlab.NewClient(cfg.Token, gitlab.WithBaseURL(host))
	if err != nil {
		return nil, fmt.Errorf("failed to create gitlab client: %w", err)
	}

	client := &Client{
		api:           api,
		httpClient:    &http.Client{Timeout: 60 * time.Second},
		host:          host,
		sessionCookie: cfg.SessionCookie,
	}

	if cfg.Project != "" {
		if err := client.resolveProject(cfg.Project); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func (c *Client) resolveProject(project string) error {
	resolved, _, err := c.api.Projects.GetProject(project, nil)
	if err != nil {
		return fmt.Errorf("failed to resolve project %q: %w", project, err)
	}

	c.projectID = resolved.ID
	c.projectPath = resolved.PathWithNamespace
	logging.Info("resolved source project", "id", resolved.ID, "path", resolved.PathWithNamespace)
	return nil
}

// Host returns the base URL of the GitLab instance, without trailing slash.
func (c *Client) Host() string {
	return c.host
}

// ProjectPath returns the namespace/path of the resolved project.
func (c *Client) ProjectPath() string {
	return c.projectPath
}

// ProjectInfo identifies one project visible to the configured token.
type ProjectInfo struct {
	ID     int
	Path   string
	WebURL string
}

// ListProjects returns the projects the token is a member of, for use when no
// project has been configured yet.
func (c *Client) ListProjects(ctx context.Context) ([]ProjectInfo, error) {
	var projects []ProjectInfo
	opts := &gitlab.ListProjectsOptions{
		Membership:  gitlab.Ptr(true),
		ListOptions: gitlab.ListOptions{PerPage: perPage},
	}
	for {
		page, resp, err := c.api.Projects.ListProjects(opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to list projects: %w", err)
		}
		for _, project := range page {
			projects = append(projects, ProjectInfo{
				ID:     project.ID,
				Path:   project.PathWithNamespace,
				WebURL: project.WebURL,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return projects, nil
}

// ListMilestones returns all project milestones.
func (c *Client) ListMilestones(ctx context.Context) ([]models.Milestone, error) {
	var milestones []models.Milestone
	opts := &gitlab.ListMilestonesOptions{
		ListOptions: gitlab.ListOptions{PerPage: perPage},
	}
	for {
		page, resp, err := c.api.Milestones.ListMilestones(c.projectID, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to list milestones: %w", err)
		}
		for _, milestone := range page {
			milestones = append(milestones, convertMilestone(milestone))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return milestones, nil
}

func convertMilestone(milestone *gitlab.Milestone) models.Milestone {
	converted := models.Milestone{
		Ordinal:     milestone.IID,
		ID:          milestone.ID,
		Title:       milestone.Title,
		Description: milestone.Description,
		State:       milestone.State,
	}
	if milestone.DueDate != nil {
		converted.DueDate = time.Time(*milestone.DueDate).Format("2006-01-02")
	}
	if milestone.CreatedAt != nil {
		converted.CreatedAt = *milestone.CreatedAt
	}
	if milestone.UpdatedAt != nil {
		converted.UpdatedAt = *milestone.UpdatedAt
	}
	return converted
}

// ListLabels returns all project labels.
func (c *Client) ListLabels(ctx context.Context) ([]models.Label, error) {
	var labels []models.Label
	opts := &gitlab.ListLabelsOptions{
		ListOptions: gitlab.ListOptions{PerPage: perPage},
	}
	for {
		page, resp, err := c.api.Labels.ListLabels(c.projectID, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to list labels: %w", err)
		}
		for _, label := range page {
			labels = append(labels, models.Label{
				Name:        label.Name,
				Color:       label.Color,
				Description: label.Description,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return labels, nil
}

// ListIssues returns all project issues, optionally restricted to one label.
func (c *Client) ListIssues(ctx context.Context, label string) ([]models.Entity, error) {
	var issues []models.Entity
	opts := &gitlab.ListProjectIssuesOptions{
		ListOptions: gitlab.ListOptions{PerPage: perPage},
	}
	if label != "" {
		opts.Labels = &gitlab.LabelOptions{label}
	}
	for {
		page, resp, err := c.api.Issues.ListProjectIssues(c.projectID, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to list issues: %w", err)
		}
		for _, issue := range page {
			issues = append(issues, convertIssue(issue))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return issues, nil
}

func convertIssue(issue *gitlab.Issue) models.Entity {
	entity := models.Entity{
		Ordinal: issue.IID,
		ID:      issue.ID,
		Title:   issue.Title,
		Body:    issue.Description,
		State:   issue.State,
		Labels:  append([]string(nil), issue.Labels...),
		WebURL:  issue.WebURL,
	}
	if issue.Author != nil {
		entity.Author = issue.Author.Username
	}
	if issue.CreatedAt != nil {
		entity.CreatedAt = *issue.CreatedAt
	}
	if issue.UpdatedAt != nil {
		entity.UpdatedAt = *issue.UpdatedAt
	}
	if issue.Milestone != nil {
		entity.Milestone = issue.Milestone.Title
	}
	for _, assignee := range issue.Assignees {
		entity.Assignees = append(entity.Assignees, assignee.Username)
	}
	return entity
}

// ListMergeRequests returns all project merge requests, optionally restricted
// to one label.
func (c *Client) ListMergeRequests(ctx context.Context, label string) ([]models.Entity, error) {
	var requests []models.Entity
	opts := &gitlab.ListProjectMergeRequestsOptions{
		ListOptions: gitlab.ListOptions{PerPage: perPage},
	}
	if label != "" {
		opts.Labels = &gitlab.LabelOptions{label}
	}
	for {
		page, resp, err := c.api.MergeRequests.ListProjectMergeRequests(c.projectID, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to list merge requests: %w", err)
		}
		for _, request := range page {
			requests = append(requests, convertMergeRequest(request))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return requests, nil
}

func convertMergeRequest(request *gitlab.BasicMergeRequest) models.Entity {
	entity := models.Entity{
		Ordinal:      request.IID,
		ID:           request.ID,
		Title:        request.Title,
		Body:         request.Description,
		State:        request.State,
		Labels:       append([]string(nil), request.Labels...),
		SourceBranch: request.SourceBranch,
		TargetBranch: request.TargetBranch,
		WebURL:       request.WebURL,
	}
	if request.Author != nil {
		entity.Author = request.Author.Username
	}
	if request.CreatedAt != nil {
		entity.CreatedAt = *request.CreatedAt
	}
	if request.UpdatedAt != nil {
		entity.UpdatedAt = *request.UpdatedAt
	}
	if request.Milestone != nil {
		entity.Milestone = request.Milestone.Title
	}
	for _, assignee := range request.Assignees {
		entity.Assignees = append(entity.Assignees, assignee.Username)
	}
	return entity
}

// ListReleases returns all project releases.
func (c *Client) ListReleases(ctx context.Context) ([]models.Release, error) {
	var releases []models.Release
	opts := &gitlab.ListReleasesOptions{
		ListOptions: gitlab.ListOptions{PerPage: perPage},
	}
	for {
		page, resp, err := c.api.Releases.ListReleases(c.projectID, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to list releases: %w", err)
		}
		for _, release := range page {
			converted := models.Release{
				TagName:     release.TagName,
				Name:        release.Name,
				Description: release.Description,
			}
			if release.CreatedAt != nil {
				converted.CreatedAt = *release.CreatedAt
			}
			releases = append(releases, converted)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return releases, nil
}

// ListIssueNotes returns the comments of one issue.
func (c *Client) ListIssueNotes(ctx context.Context, ordinal int) ([]models.Note, error) {
	var notes []models.Note
	opts := &gitlab.ListIssueNotesOptions{
		ListOptions: gitlab.ListOptions{PerPage: perPage},
	}
	for {
		page, resp, err := c.api.Notes.ListIssueNotes(c.projectID, ordinal, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to list notes of issue %d: %w", ordinal, err)
		}
		for _, note := range page {
			notes = append(notes, convertNote(note))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return notes, nil
}

// ListMergeRequestNotes returns the comments of one merge request.
func (c *Client) ListMergeRequestNotes(ctx context.Context, ordinal int) ([]models.Note, error) {
	var notes []models.Note
	opts := &gitlab.ListMergeRequestNotesOptions{
		ListOptions: gitlab.ListOptions{PerPage: perPage},
	}
	for {
		page, resp, err := c.api.Notes.ListMergeRequestNotes(c.projectID, ordinal, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to list notes of merge request %d: %w", ordinal, err)
		}
		for _, note := range page {
			notes = append(notes, convertNote(note))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return notes, nil
}

func convertNote(note *gitlab.Note) models.Note {
	converted := models.Note{
		ID:     note.ID,
		Author: note.Author.Username,
		Body:   note.Body,
	}
	if note.CreatedAt != nil {
		converted.CreatedAt = *note.CreatedAt
	}
	if note.Position != nil {
		converted.Position = &models.DiffPosition{
			BaseSHA: note.Position.BaseSHA,
			HeadSHA: note.Position.HeadSHA,
			OldPath: note.Position.OldPath,
			NewPath: note.Position.NewPath,
			OldLine: note.Position.OldLine,
			NewLine: note.Position.NewLine,
		}
	}
	return converted
}

// ListMergeRequestDiscussions returns the threaded discussions of one merge
// request, used by the merge request log mode.
func (c *Client) ListMergeRequestDiscussions(ctx context.Context, ordinal int) ([]models.Discussion, error) {
	var discussions []models.Discussion
	opts := &gitlab.ListMergeRequestDiscussionsOptions{PerPage: perPage}
	for {
		page, resp, err := c.api.Discussions.ListMergeRequestDiscussions(c.projectID, ordinal, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to list discussions of merge request %d: %w", ordinal, err)
		}
		for _, discussion := range page {
			converted := models.Discussion{
				ID:             discussion.ID,
				IndividualNote: discussion.IndividualNote,
			}
			for _, note := range discussion.Notes {
				converted.Notes = append(converted.Notes, convertNote(note))
			}
			discussions = append(discussions, converted)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return discussions, nil
}

// ListBranches returns the names of all repository branches.
func (c *Client) ListBranches(ctx context.Context) ([]string, error) {
	var branches []string
	opts := &gitlab.ListBranchesOptions{
		ListOptions: gitlab.ListOptions{PerPage: perPage},
	}
	for {
		page, resp, err := c.api.Branches.ListBranches(c.projectID, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to list branches: %w", err)
		}
		for _, branch := range page {
			branches = append(branches, branch.Name)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return branches, nil
}

// GetAttachment downloads an upload referenced by a project-relative path
// like /uploads/<hash>/<name>. The API has no endpoint for uploads, so this
// goes through the web frontend and needs a session cookie.
func (c *Client) GetAttachment(ctx context.Context, relPath string) ([]byte, error) {
	if c.sessionCookie == "" {
		return nil, fmt.Errorf("attachment download requires a session cookie")
	}

	url := fmt.Sprintf("%s/-/project/%d%s", c.host, c.projectID, relPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.AddCookie(&http.Cookie{Name: "_gitlab_session", Value: c.sessionCookie})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download attachment %s: %w", relPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download attachment %s: status %d", relPath, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

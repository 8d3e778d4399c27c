// Package engine implements the migration engine: deciding which source
// entities already exist at the destination, synthesizing placeholder and
// replacement entities, rewriting content, and driving creation in a strict
// sequential order so destination numbering stays aligned with the source.
package engine

import (
	"context"
	"errors"

	"github.com/lab2hub/lab2hub/pkg/models"
)

// ErrUnprocessable marks a destination validation failure, e.g. a pull
// request create rejected because the source branch was already merged.
// Clients wrap the underlying API error with it.
var ErrUnprocessable = errors.New("destination rejected entity")

// Source is the read-only view of the source tracker. Implementations own
// pagination and transport retries; the engine receives materialized lists.
type Source interface {
	// Host is the base URL of the source instance, without trailing slash.
	Host() string

	// ProjectPath is the namespace/path of the project being migrated.
	ProjectPath() string

	ListMilestones(ctx context.Context) ([]models.Milestone, error)
	ListLabels(ctx context.Context) ([]models.Label, error)
	ListIssues(ctx context.Context, label string) ([]models.Entity, error)
	ListMergeRequests(ctx context.Context, label string) ([]models.Entity, error)
	ListReleases(ctx context.Context) ([]models.Release, error)
	ListIssueNotes(ctx context.Context, ordinal int) ([]models.Note, error)
	ListMergeRequestNotes(ctx context.Context, ordinal int) ([]models.Note, error)
	ListMergeRequestDiscussions(ctx context.Context, ordinal int) ([]models.Discussion, error)
	ListBranches(ctx context.Context) ([]string, error)

	// GetAttachment downloads an upload referenced by a relative path like
	// /uploads/<hash>/<name>.
	GetAttachment(ctx context.Context, relPath string) ([]byte, error)
}

// Destination is the writable view of the destination tracker. Every write
// passes through the implementation's rate-limited dispatcher.
type Destination interface {
	// RepoURL is the browsable URL of the destination repository.
	RepoURL() string

	// RepoID is the destination-assigned repository identifier, used to
	// namespace relocated attachments.
	RepoID() int64

	ListIssues(ctx context.Context) ([]models.DestIssue, error)
	ListPullRequests(ctx context.Context) ([]models.DestPullRequest, error)
	ListMilestones(ctx context.Context) ([]models.DestMilestone, error)
	ListLabelNames(ctx context.Context) ([]string, error)

	CreateIssue(ctx context.Context, payload models.IssuePayload) (int, error)
	CreatePullRequest(ctx context.Context, payload models.PullRequestPayload) (int, error)
	CreateMilestone(ctx context.Context, payload models.MilestonePayload) (models.DestMilestone, error)
	CreateLabel(ctx context.Context, label models.Label) error
	CreateComment(ctx context.Context, number int, body string) error

	// UpdateIssueMeta sets labels, assignees and milestone on an existing
	// issue or pull request (the destination treats both as issues).
	UpdateIssueMeta(ctx context.Context, number int, payload models.IssuePayload) error

	// CloseIssue closes an issue or pull request by number.
	CloseIssue(ctx context.Context, number int) error

	BranchExists(ctx context.Context, name string) (bool, error)
	HasRelease(ctx context.Context, tag string) (bool, error)
	CreateRelease(ctx context.Context, release models.Release) error

	// CommitFile stores a blob in the destination repository and returns a
	// browsable URL for it.
	CommitFile(ctx context.Context, path string, data []byte) (string, error)
}

// AttachmentStore uploads relocated attachments to object storage.
type AttachmentStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Counters accumulates per-pass outcomes for the end-of-pass summary.
type Counters struct {
	Placeholders int
	Replacements int
	Failures     int
}

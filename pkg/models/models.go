// Package models defines data structures shared across the application.
package models

import (
	"time"
)

// EntityClass distinguishes real source entities from synthesized stand-ins.
type EntityClass int

const (
	// ClassReal is an entity read from the source tracker.
	ClassReal EntityClass = iota

	// ClassPlaceholder is a synthesized entity that only exists to consume a
	// destination number so real entities keep matching ordinals.
	ClassPlaceholder

	// ClassReplacement substitutes a real entity whose creation failed.
	ClassReplacement
)

// Entity is a source issue or merge request snapshot.
type Entity struct {
	// Ordinal is the project-scoped sequence number at the source (GitLab iid)
	Ordinal int

	// ID is the source database identifier, used for chronological sorting
	ID int

	// Title is the entity's title or summary
	Title string

	// Body is the full description text
	Body string

	// Author is the source username of the creator
	Author string

	// State is one of "opened", "closed" or "merged"
	State string

	// CreatedAt is the timestamp when the entity was created
	CreatedAt time.Time

	// UpdatedAt is the timestamp when the entity was last updated
	UpdatedAt time.Time

	// Milestone is the title of the attached milestone, if any
	Milestone string

	// Assignees holds the source usernames of all assignees
	Assignees []string

	// Labels is a slice of label names attached to the entity
	Labels []string

	// SourceBranch and TargetBranch are set for merge requests only
	SourceBranch string
	TargetBranch string

	// WebURL is the canonical URL of the entity at the source
	WebURL string

	// Class marks placeholder and replacement entities
	Class EntityClass
}

// IsPlaceholder reports whether the entity is a gap-filling stand-in.
// Placeholders never had real notes, so their comments are never migrated.
func (e Entity) IsPlaceholder() bool {
	return e.Class == ClassPlaceholder
}

// Closed reports whether the entity should end up closed at the destination.
// Merged merge requests are normalized to closed; merging at the destination
// would add new commits to the tree.
func (e Entity) Closed() bool {
	return e.State == "closed" || e.State == "merged"
}

// Note is a comment belonging to exactly one source entity.
type Note struct {
	// ID orders notes chronologically within an entity
	ID int

	// Author is the source username of the commenter
	Author string

	// Body is the comment text
	Body string

	// CreatedAt is the timestamp when the note was written
	CreatedAt time.Time

	// Position carries inline-diff metadata for code review comments
	Position *DiffPosition
}

// DiffPosition locates an inline code review comment within a diff.
type DiffPosition struct {
	BaseSHA string
	HeadSHA string
	OldPath string
	NewPath string
	OldLine int
	NewLine int
}

// Discussion groups the threaded notes of a merge request. It is only used
// by the merge request log mode, which dumps source data instead of
// transferring it.
type Discussion struct {
	ID             string
	IndividualNote bool
	Notes          []Note
}

// Milestone is a source milestone snapshot.
type Milestone struct {
	// Ordinal is the project-scoped milestone number at the source (iid)
	Ordinal int

	// ID is the source database identifier
	ID int

	Title       string
	Description string

	// State is "active" or "closed" at the source
	State string

	// DueDate is the source due date in YYYY-MM-DD form, empty when unset
	DueDate string

	CreatedAt time.Time
	UpdatedAt time.Time

	// Class marks placeholder milestones synthesized for numbering gaps
	Class EntityClass
}

// Label is a source label definition.
type Label struct {
	Name        string
	Color       string
	Description string
}

// Release is a source release snapshot, keyed by its tag.
type Release struct {
	TagName     string
	Name        string
	Description string
	CreatedAt   time.Time
}

// DestIssue is a destination issue as found in the prefetched inventory.
type DestIssue struct {
	Number int
	Title  string
	Body   string
	State  string
	Labels []string
}

// DestPullRequest is a destination pull request from the prefetched inventory.
type DestPullRequest struct {
	Number int
	Title  string
	State  string
}

// DestMilestone is a destination milestone number/title pair.
type DestMilestone struct {
	Number int
	Title  string
}

// MilestoneMap maps a source milestone ordinal to its destination milestone.
// It is built once per run, before any issue or merge request is written, and
// is read-only afterwards.
type MilestoneMap map[int]DestMilestone

// ByTitle returns the destination milestone with the given title.
func (m MilestoneMap) ByTitle(title string) (DestMilestone, bool) {
	for _, dm := range m {
		if dm.Title == title {
			return dm, true
		}
	}
	return DestMilestone{}, false
}

// IssuePayload is the create request for a destination issue.
type IssuePayload struct {
	Title     string
	Body      string
	Labels    []string
	Assignees []string

	// Milestone is the destination milestone number, 0 when unset
	Milestone int
}

// PullRequestPayload is the create request for a destination pull request.
type PullRequestPayload struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// MilestonePayload is the create request for a destination milestone.
type MilestonePayload struct {
	Title       string
	Description string
	State       string
	DueOn       *time.Time
}

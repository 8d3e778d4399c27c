package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab2hub/lab2hub/internal/config"
	"github.com/lab2hub/lab2hub/pkg/models"
)

// fakeSource serves canned project data.
type fakeSource struct {
	host          string
	project       string
	milestones    []models.Milestone
	labels        []models.Label
	issues        []models.Entity
	mergeRequests []models.Entity
	releases      []models.Release
	issueNotes    map[int][]models.Note
	mrNotes       map[int][]models.Note
	discussions   map[int][]models.Discussion
	branches      []string
	attachments   map[string][]byte
}

func (s *fakeSource) Host() string        { return s.host }
func (s *fakeSource) ProjectPath() string { return s.project }

func (s *fakeSource) ListMilestones(context.Context) ([]models.Milestone, error) {
	return s.milestones, nil
}

func (s *fakeSource) ListLabels(context.Context) ([]models.Label, error) {
	return s.labels, nil
}

func (s *fakeSource) ListIssues(context.Context, string) ([]models.Entity, error) {
	return s.issues, nil
}

func (s *fakeSource) ListMergeRequests(context.Context, string) ([]models.Entity, error) {
	return s.mergeRequests, nil
}

func (s *fakeSource) ListReleases(context.Context) ([]models.Release, error) {
	return s.releases, nil
}

func (s *fakeSource) ListIssueNotes(_ context.Context, ordinal int) ([]models.Note, error) {
	return s.issueNotes[ordinal], nil
}

func (s *fakeSource) ListMergeRequestNotes(_ context.Context, ordinal int) ([]models.Note, error) {
	return s.mrNotes[ordinal], nil
}

func (s *fakeSource) ListMergeRequestDiscussions(_ context.Context, ordinal int) ([]models.Discussion, error) {
	return s.discussions[ordinal], nil
}

func (s *fakeSource) ListBranches(context.Context) ([]string, error) {
	return s.branches, nil
}

func (s *fakeSource) GetAttachment(_ context.Context, relPath string) ([]byte, error) {
	data, ok := s.attachments[relPath]
	if !ok {
		return nil, fmt.Errorf("no such attachment: %s", relPath)
	}
	return data, nil
}

// fakeDest records every write for assertions.
type fakeDest struct {
	issues     []models.DestIssue
	pulls      []models.DestPullRequest
	milestones []models.DestMilestone
	labelNames []string
	branches   []string
	releases   map[string]bool

	failCreate map[string]bool
	rejectPull bool

	counter           int
	createdIssues     []models.IssuePayload
	createdPulls      []models.PullRequestPayload
	createdMilestones []models.MilestonePayload
	createdLabels     []models.Label
	createdReleases   []models.Release
	comments          map[int][]string
	closed            []int
	metaUpdates       map[int]models.IssuePayload
	committed         map[string][]byte
}

func newFakeDest() *fakeDest {
	return &fakeDest{
		releases:    map[string]bool{},
		failCreate:  map[string]bool{},
		comments:    map[int][]string{},
		metaUpdates: map[int]models.IssuePayload{},
		committed:   map[string][]byte{},
	}
}

func (d *fakeDest) RepoURL() string { return "https://github.com/me/repo" }
func (d *fakeDest) RepoID() int64   { return 0 }

func (d *fakeDest) ListIssues(context.Context) ([]models.DestIssue, error) {
	return d.issues, nil
}

func (d *fakeDest) ListPullRequests(context.Context) ([]models.DestPullRequest, error) {
	return d.pulls, nil
}

func (d *fakeDest) ListMilestones(context.Context) ([]models.DestMilestone, error) {
	return d.milestones, nil
}

func (d *fakeDest) ListLabelNames(context.Context) ([]string, error) {
	return d.labelNames, nil
}

func (d *fakeDest) CreateIssue(_ context.Context, payload models.IssuePayload) (int, error) {
	if d.failCreate[payload.Title] {
		return 0, fmt.Errorf("create rejected for %q", payload.Title)
	}
	d.counter++
	d.createdIssues = append(d.createdIssues, payload)
	return d.counter, nil
}

func (d *fakeDest) CreatePullRequest(_ context.Context, payload models.PullRequestPayload) (int, error) {
	if d.rejectPull {
		return 0, fmt.Errorf("%w: no commits between branches", ErrUnprocessable)
	}
	d.counter++
	d.createdPulls = append(d.createdPulls, payload)
	return d.counter, nil
}

func (d *fakeDest) CreateMilestone(_ context.Context, payload models.MilestonePayload) (models.DestMilestone, error) {
	d.counter++
	d.createdMilestones = append(d.createdMilestones, payload)
	return models.DestMilestone{Number: d.counter, Title: payload.Title}, nil
}

func (d *fakeDest) CreateLabel(_ context.Context, label models.Label) error {
	d.createdLabels = append(d.createdLabels, label)
	return nil
}

func (d *fakeDest) CreateComment(_ context.Context, number int, body string) error {
	d.comments[number] = append(d.comments[number], body)
	return nil
}

func (d *fakeDest) UpdateIssueMeta(_ context.Context, number int, payload models.IssuePayload) error {
	d.metaUpdates[number] = payload
	return nil
}

func (d *fakeDest) CloseIssue(_ context.Context, number int) error {
	d.closed = append(d.closed, number)
	return nil
}

func (d *fakeDest) BranchExists(_ context.Context, name string) (bool, error) {
	for _, branch := range d.branches {
		if branch == name {
			return true, nil
		}
	}
	return false, nil
}

func (d *fakeDest) HasRelease(_ context.Context, tag string) (bool, error) {
	return d.releases[tag], nil
}

func (d *fakeDest) CreateRelease(_ context.Context, release models.Release) error {
	d.createdReleases = append(d.createdReleases, release)
	return nil
}

func (d *fakeDest) CommitFile(_ context.Context, path string, data []byte) (string, error) {
	d.committed[path] = data
	return "https://raw.example.com/" + path, nil
}

type fakeStore struct {
	puts map[string][]byte
}

func (s *fakeStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	if s.puts == nil {
		s.puts = map[string][]byte{}
	}
	s.puts[key] = data
	return "https://bucket.s3.amazonaws.com/" + key, nil
}

func testConfig() *config.Config {
	return &config.Config{
		GitHub: config.GitHubConfig{Owner: "me", Repo: "repo", TokenOwner: "migrator-bot"},
		Transfer: config.TransferConfig{
			Milestones:    true,
			Labels:        true,
			Issues:        true,
			MergeRequests: true,
			Releases:      true,
		},
		Conversion:           config.ConversionConfig{UseLowerCaseLabels: true},
		UsePlaceholderIssues: true,
		UseReplacementIssues: true,
	}
}

func newTestMigrator(t *testing.T, cfg *config.Config, source *fakeSource, dest *fakeDest) *Migrator {
	t.Helper()
	migrator, err := NewMigrator(cfg, source, dest, nil)
	require.NoError(t, err)
	return migrator
}

func TestTransferIssues(t *testing.T) {
	created := time.Date(2021, 2, 1, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{
		host:    "https://gitlab.example.com",
		project: "group/proj",
		issues: []models.Entity{
			{Ordinal: 1, ID: 100, Title: "First issue", Body: "start here", Author: "alice", State: "opened", CreatedAt: created},
			{Ordinal: 2, ID: 101, Title: "Second issue", Author: "alice", State: "closed", CreatedAt: created, Labels: []string{"Bug", "Doing"}},
			{Ordinal: 4, ID: 102, Title: "Fourth issue", Author: "alice", State: "opened", CreatedAt: created},
		},
		issueNotes: map[int][]models.Note{
			1: {
				{ID: 2, Author: "bob", Body: "Added ~bug label", CreatedAt: created},
				{ID: 1, Author: "bob", Body: "Nice catch", CreatedAt: created},
			},
		},
	}
	dest := newFakeDest()
	migrator := newTestMigrator(t, testConfig(), source, dest)

	require.NoError(t, migrator.TransferIssues(context.Background()))

	require.Len(t, dest.createdIssues, 4)
	assert.Equal(t, "First issue", dest.createdIssues[0].Title)
	assert.Equal(t, "Second issue", dest.createdIssues[1].Title)
	assert.Equal(t, "[PLACEHOLDER ISSUE] - for issue #3", dest.createdIssues[2].Title)
	assert.Equal(t, "Fourth issue", dest.createdIssues[3].Title)

	// Stale workflow labels are dropped from the closed issue
	assert.Equal(t, []string{"bug"}, dest.createdIssues[1].Labels)

	// The synthetic label note is dropped, the real one survives
	require.Len(t, dest.comments[1], 1)
	assert.Contains(t, dest.comments[1][0], "Nice catch")
	assert.Contains(t, dest.comments[1][0], "In GitLab by @bob")

	// Closed source issue and placeholder end up closed
	assert.ElementsMatch(t, []int{2, 3}, dest.closed)

	assert.Equal(t, 1, migrator.Counters().Placeholders)
	assert.Equal(t, 0, migrator.Counters().Failures)
}

func TestTransferIssuesSecondRunCreatesNothing(t *testing.T) {
	source := &fakeSource{
		issues: []models.Entity{
			{Ordinal: 1, Title: "First issue", State: "opened"},
			{Ordinal: 2, Title: "Second issue", State: "closed"},
		},
	}
	dest := newFakeDest()
	dest.issues = []models.DestIssue{
		{Number: 1, Title: "First issue", State: "open"},
		{Number: 2, Title: "Second issue", State: "closed"},
	}
	migrator := newTestMigrator(t, testConfig(), source, dest)

	require.NoError(t, migrator.TransferIssues(context.Background()))

	assert.Empty(t, dest.createdIssues)
	assert.Empty(t, dest.comments)
	assert.Empty(t, dest.closed)
}

func TestTransferIssuesReplacementFallback(t *testing.T) {
	source := &fakeSource{
		issues: []models.Entity{
			{Ordinal: 1, Title: "Bad", State: "opened", WebURL: "https://gitlab.example.com/g/p/-/issues/1"},
		},
	}
	dest := newFakeDest()
	dest.failCreate["Bad"] = true
	migrator := newTestMigrator(t, testConfig(), source, dest)

	require.NoError(t, migrator.TransferIssues(context.Background()))

	require.Len(t, dest.createdIssues, 1)
	assert.Equal(t, "Bad [REPLACEMENT ISSUE]", dest.createdIssues[0].Title)
	assert.Contains(t, dest.createdIssues[0].Body, "https://gitlab.example.com/g/p/-/issues/1")
	assert.Equal(t, 1, migrator.Counters().Replacements)
	assert.Equal(t, 0, migrator.Counters().Failures)
}

func TestTransferIssuesReplacementDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.UseReplacementIssues = false

	source := &fakeSource{
		issues: []models.Entity{{Ordinal: 1, Title: "Bad", State: "opened"}},
	}
	dest := newFakeDest()
	dest.failCreate["Bad"] = true
	migrator := newTestMigrator(t, cfg, source, dest)

	require.NoError(t, migrator.TransferIssues(context.Background()))

	assert.Empty(t, dest.createdIssues)
	assert.Equal(t, 1, migrator.Counters().Failures)
}

func TestTransferMilestonesBuildsMap(t *testing.T) {
	source := &fakeSource{
		milestones: []models.Milestone{
			{Ordinal: 2, Title: "v2.0", State: "active", DueDate: "2021-12-31"},
		},
		issues: []models.Entity{
			{Ordinal: 1, Title: "Tracked", State: "opened", Milestone: "v2.0"},
		},
	}
	dest := newFakeDest()
	migrator := newTestMigrator(t, testConfig(), source, dest)

	require.NoError(t, migrator.TransferMilestones(context.Background()))

	require.Len(t, dest.createdMilestones, 2)
	assert.Equal(t, "[PLACEHOLDER MILESTONE] - for milestone #1", dest.createdMilestones[0].Title)
	assert.Equal(t, "closed", dest.createdMilestones[0].State)
	assert.Equal(t, "v2.0", dest.createdMilestones[1].Title)
	assert.Equal(t, "open", dest.createdMilestones[1].State)
	require.NotNil(t, dest.createdMilestones[1].DueOn)
	assert.Equal(t, "2021-12-31", dest.createdMilestones[1].DueOn.Format("2006-01-02"))

	// The issue created afterwards resolves its milestone through the map
	require.NoError(t, migrator.TransferIssues(context.Background()))
	require.Len(t, dest.createdIssues, 1)
	assert.Equal(t, 2, dest.createdIssues[0].Milestone)
}

func TestTransferLabels(t *testing.T) {
	source := &fakeSource{
		labels: []models.Label{
			{Name: "Bug", Color: "#ff0000"},
			{Name: "enhancement", Color: "#00ff00"},
		},
	}
	dest := newFakeDest()
	dest.labelNames = []string{"bug"}
	migrator := newTestMigrator(t, testConfig(), source, dest)

	require.NoError(t, migrator.TransferLabels(context.Background()))

	var names []string
	for _, label := range dest.createdLabels {
		names = append(names, label.Name)
	}
	assert.ElementsMatch(t, []string{"enhancement", "has attachment", "gitlab merge request"}, names)
}

func TestTransferMergeRequestsAsPullRequest(t *testing.T) {
	source := &fakeSource{
		mergeRequests: []models.Entity{
			{Ordinal: 1, Title: "Add feature", Body: "diff", Author: "alice", State: "merged",
				SourceBranch: "feat", TargetBranch: "main", CreatedAt: time.Now()},
		},
	}
	dest := newFakeDest()
	dest.branches = []string{"main", "feat"}
	migrator := newTestMigrator(t, testConfig(), source, dest)

	require.NoError(t, migrator.TransferMergeRequests(context.Background()))

	require.Len(t, dest.createdPulls, 1)
	assert.Equal(t, "Add feature", dest.createdPulls[0].Title)
	assert.Equal(t, "feat", dest.createdPulls[0].Head)
	assert.Equal(t, "main", dest.createdPulls[0].Base)
	assert.Empty(t, dest.createdIssues)

	// Merged at the source means closed at the destination
	assert.Equal(t, []int{1}, dest.closed)
}

func TestTransferMergeRequestsIssueFallback(t *testing.T) {
	source := &fakeSource{
		branches: []string{"main"},
		mergeRequests: []models.Entity{
			{Ordinal: 1, Title: "Add feature", Body: "diff", Author: "alice", State: "merged",
				SourceBranch: "feat", TargetBranch: "main", CreatedAt: time.Now()},
		},
	}
	dest := newFakeDest()
	dest.branches = []string{"main"}
	migrator := newTestMigrator(t, testConfig(), source, dest)

	require.NoError(t, migrator.TransferMergeRequests(context.Background()))

	assert.Empty(t, dest.createdPulls)
	require.Len(t, dest.createdIssues, 1)
	assert.Equal(t, "Add feature - [merged]", dest.createdIssues[0].Title)
	assert.Contains(t, dest.createdIssues[0].Body, "_Merges feat -> main_")
	assert.Contains(t, dest.createdIssues[0].Labels, "gitlab merge request")
	assert.Equal(t, []int{1}, dest.closed)
}

func TestTransferMergeRequestsSkipsUnmigratedBranch(t *testing.T) {
	source := &fakeSource{
		branches: []string{"main", "feat"},
		mergeRequests: []models.Entity{
			{Ordinal: 1, Title: "Add feature", State: "opened",
				SourceBranch: "feat", TargetBranch: "main", CreatedAt: time.Now()},
		},
	}
	dest := newFakeDest()
	dest.branches = []string{"main"}
	migrator := newTestMigrator(t, testConfig(), source, dest)

	require.NoError(t, migrator.TransferMergeRequests(context.Background()))

	assert.Empty(t, dest.createdPulls)
	assert.Empty(t, dest.createdIssues)
}

func TestTransferMergeRequestsRejectedCreateFallsBack(t *testing.T) {
	source := &fakeSource{
		mergeRequests: []models.Entity{
			{Ordinal: 1, Title: "Add feature", State: "merged",
				SourceBranch: "feat", TargetBranch: "main", CreatedAt: time.Now()},
		},
	}
	dest := newFakeDest()
	dest.branches = []string{"main", "feat"}
	dest.rejectPull = true
	migrator := newTestMigrator(t, testConfig(), source, dest)

	require.NoError(t, migrator.TransferMergeRequests(context.Background()))

	assert.Empty(t, dest.createdPulls)
	require.Len(t, dest.createdIssues, 1)
	assert.Equal(t, "Add feature - [merged]", dest.createdIssues[0].Title)
}

func TestTransferMergeRequestsSecondRunCreatesNothing(t *testing.T) {
	source := &fakeSource{
		mergeRequests: []models.Entity{
			{Ordinal: 1, Title: "As pull request", State: "closed", SourceBranch: "a", TargetBranch: "main"},
			{Ordinal: 2, Title: "As issue", State: "merged", SourceBranch: "b", TargetBranch: "main"},
		},
	}
	dest := newFakeDest()
	dest.pulls = []models.DestPullRequest{{Number: 1, Title: "As pull request", State: "closed"}}
	dest.issues = []models.DestIssue{{Number: 2, Title: "As issue - [merged]", State: "closed"}}
	migrator := newTestMigrator(t, testConfig(), source, dest)

	require.NoError(t, migrator.TransferMergeRequests(context.Background()))

	assert.Empty(t, dest.createdPulls)
	assert.Empty(t, dest.createdIssues)
	assert.Empty(t, dest.closed)
}

func TestTransferReleases(t *testing.T) {
	source := &fakeSource{
		releases: []models.Release{
			{TagName: "v1.0", Name: "First", Description: "old"},
			{TagName: "v2.0", Name: "Second", Description: "new"},
		},
	}
	dest := newFakeDest()
	dest.releases["v1.0"] = true
	migrator := newTestMigrator(t, testConfig(), source, dest)

	require.NoError(t, migrator.TransferReleases(context.Background()))

	require.Len(t, dest.createdReleases, 1)
	assert.Equal(t, "v2.0", dest.createdReleases[0].TagName)
}

func TestRunDryRunWritesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true

	source := &fakeSource{
		milestones: []models.Milestone{{Ordinal: 1, Title: "v1.0", State: "active"}},
		labels:     []models.Label{{Name: "bug", Color: "#ff0000"}},
		issues:     []models.Entity{{Ordinal: 1, Title: "Only issue", State: "closed"}},
		mergeRequests: []models.Entity{
			{Ordinal: 1, Title: "Only MR", State: "opened", SourceBranch: "feat", TargetBranch: "main"},
		},
		releases: []models.Release{{TagName: "v1.0"}},
	}
	dest := newFakeDest()
	dest.branches = []string{"main", "feat"}
	migrator := newTestMigrator(t, cfg, source, dest)

	require.NoError(t, migrator.Run(context.Background()))

	assert.Empty(t, dest.createdIssues)
	assert.Empty(t, dest.createdPulls)
	assert.Empty(t, dest.createdMilestones)
	assert.Empty(t, dest.createdLabels)
	assert.Empty(t, dest.createdReleases)
	assert.Empty(t, dest.comments)
	assert.Empty(t, dest.closed)
}

func TestTransferOnlyOpenFilter(t *testing.T) {
	cfg := testConfig()
	cfg.Transfer.OnlyOpen = true
	cfg.UsePlaceholderIssues = false

	source := &fakeSource{
		issues: []models.Entity{
			{Ordinal: 1, Title: "Open one", State: "opened"},
			{Ordinal: 2, Title: "Closed one", State: "closed"},
		},
	}
	dest := newFakeDest()
	migrator := newTestMigrator(t, cfg, source, dest)

	require.NoError(t, migrator.TransferIssues(context.Background()))

	require.Len(t, dest.createdIssues, 1)
	assert.Equal(t, "Open one", dest.createdIssues[0].Title)
}

func TestLogMergeRequests(t *testing.T) {
	source := &fakeSource{
		mergeRequests: []models.Entity{
			{Ordinal: 1, ID: 50, Title: "Logged MR", State: "opened"},
		},
		mrNotes: map[int][]models.Note{
			1: {{ID: 1, Author: "alice", Body: "note body"}},
		},
		discussions: map[int][]models.Discussion{
			1: {{ID: "d1", IndividualNote: true, Notes: []models.Note{{ID: 1, Body: "note body"}}}},
		},
	}
	dest := newFakeDest()
	migrator := newTestMigrator(t, testConfig(), source, dest)

	path := filepath.Join(t.TempDir(), "merge-requests.json")
	require.NoError(t, migrator.LogMergeRequests(context.Background(), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var dump struct {
		MergeRequests []struct {
			Title string
			Notes []struct {
				Body string
			}
		}
	}
	require.NoError(t, json.Unmarshal(data, &dump))
	require.Len(t, dump.MergeRequests, 1)
	assert.Equal(t, "Logged MR", dump.MergeRequests[0].Title)
	require.Len(t, dump.MergeRequests[0].Notes, 1)
	assert.Equal(t, "note body", dump.MergeRequests[0].Notes[0].Body)
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/lab2hub/lab2hub/internal/config"
	"github.com/lab2hub/lab2hub/internal/logging"
	"github.com/lab2hub/lab2hub/pkg/models"
)

// mergeRequestLabel marks issues created as fallbacks for merge requests
// whose branches no longer exist at the destination.
const mergeRequestLabel = "gitlab merge request"

// attachmentLabel marks entities that still link into the source tracker's
// upload storage, for manual follow-up when no relocation is configured.
const attachmentLabel = "has attachment"

// Migrator drives a full migration run for one project: milestones, labels,
// issues, merge requests and releases, strictly in that order because later
// kinds reference earlier ones. There is a single logical thread of control;
// the milestone map and the destination inventories are built before any
// write of the corresponding kind and are read-only afterwards.
type Migrator struct {
	cfg         *config.Config
	source      Source
	dest        Destination
	transformer *Transformer
	classifier  *NoteClassifier
	milestones  models.MilestoneMap
	hasStore    bool
	counters    Counters
}

// NewMigrator wires the engine components. store may be nil when object
// storage is not configured.
func NewMigrator(cfg *config.Config, source Source, dest Destination, store AttachmentStore) (*Migrator, error) {
	classifier, err := NewNoteClassifier(cfg.SkipMatchingComments)
	if err != nil {
		return nil, err
	}

	transformer := NewTransformer(TransformerConfig{
		Usermap:           cfg.Usermap,
		InactiveUsers:     cfg.InactiveUsers.Map,
		InactivePrepend:   cfg.InactiveUsers.Prepend,
		Projectmap:        cfg.Projectmap,
		TokenOwner:        cfg.GitHub.TokenOwner,
		RepoURL:           dest.RepoURL(),
		SourceHost:        source.Host(),
		SourceProject:     source.ProjectPath(),
		CommitAttachments: cfg.Attachments.Commit,
	}, source, dest, store)

	return &Migrator{
		cfg:         cfg,
		source:      source,
		dest:        dest,
		transformer: transformer,
		classifier:  classifier,
		hasStore:    store != nil,
	}, nil
}

// Counters returns the pass outcome counters accumulated so far.
func (m *Migrator) Counters() Counters {
	return m.counters
}

// Run performs all transfer passes selected by configuration.
func (m *Migrator) Run(ctx context.Context) error {
	if m.cfg.Transfer.Milestones {
		if err := m.TransferMilestones(ctx); err != nil {
			return fmt.Errorf("milestone transfer failed: %w", err)
		}
	}
	if m.cfg.Transfer.Labels {
		if err := m.TransferLabels(ctx); err != nil {
			return fmt.Errorf("label transfer failed: %w", err)
		}
	}
	if m.cfg.Transfer.Issues {
		if err := m.TransferIssues(ctx); err != nil {
			return fmt.Errorf("issue transfer failed: %w", err)
		}
	}
	if m.cfg.Transfer.MergeRequests {
		if m.cfg.MergeRequests.Log {
			if err := m.LogMergeRequests(ctx, m.cfg.MergeRequests.LogFile); err != nil {
				return fmt.Errorf("merge request logging failed: %w", err)
			}
		} else if err := m.TransferMergeRequests(ctx); err != nil {
			return fmt.Errorf("merge request transfer failed: %w", err)
		}
	}
	if m.cfg.Transfer.Releases {
		if err := m.TransferReleases(ctx); err != nil {
			return fmt.Errorf("release transfer failed: %w", err)
		}
	}

	logging.Info("transfer complete")
	return nil
}

// TransferMilestones creates any source milestone missing at the destination
// and builds the run-scoped milestone map consulted by every later pass.
func (m *Migrator) TransferMilestones(ctx context.Context) error {
	logging.Info("transferring milestones")

	milestones, err := m.source.ListMilestones(ctx)
	if err != nil {
		return err
	}
	milestones = m.filterMilestones(milestones)
	sort.Slice(milestones, func(i, j int) bool { return milestones[i].Ordinal < milestones[j].Ordinal })

	if m.cfg.UsePlaceholderIssues {
		var added int
		milestones, added = FillMilestoneGaps(milestones)
		if added > 0 {
			logging.Info("added placeholder milestones for numbering gaps", "count", added)
		}
	}

	inventory, err := m.dest.ListMilestones(ctx)
	if err != nil {
		return err
	}

	milestoneMap := models.MilestoneMap{}
	for _, milestone := range milestones {
		if existing := MatchMilestone(milestone.Title, inventory); existing != nil {
			logging.Info("milestone already exists", "title", milestone.Title)
			milestoneMap[milestone.Ordinal] = *existing
			continue
		}

		created, err := m.createMilestone(ctx, milestone)
		if err != nil {
			logging.Error("could not create milestone", "title", milestone.Title, "error", err)
			continue
		}
		milestoneMap[milestone.Ordinal] = created
	}

	m.milestones = milestoneMap
	m.transformer.SetMilestones(milestoneMap)
	return nil
}

func (m *Migrator) createMilestone(ctx context.Context, milestone models.Milestone) (models.DestMilestone, error) {
	description := milestone.Description
	if milestone.Class == models.ClassReal {
		description = m.transformer.MilestoneBody(ctx, milestone)
	}

	state := "closed"
	if milestone.State == "active" {
		state = "open"
	}

	payload := models.MilestonePayload{
		Title:       milestone.Title,
		Description: description,
		State:       state,
	}
	if milestone.DueDate != "" {
		if due, err := time.Parse("2006-01-02", milestone.DueDate); err == nil {
			payload.DueOn = &due
		}
	}

	logging.Info("creating milestone", "title", milestone.Title)
	if m.cfg.DryRun {
		return models.DestMilestone{Number: milestone.Ordinal, Title: milestone.Title}, nil
	}
	return m.dest.CreateMilestone(ctx, payload)
}

// TransferLabels creates any source label missing at the destination, plus
// the two utility labels used by issue and merge request migration.
func (m *Migrator) TransferLabels(ctx context.Context) error {
	logging.Info("transferring labels")

	labels, err := m.source.ListLabels(ctx)
	if err != nil {
		return err
	}
	labels = append(labels,
		models.Label{Name: attachmentLabel, Color: "#fbca04"},
		models.Label{Name: mergeRequestLabel, Color: "#b36b00"},
	)

	inventory, err := m.dest.ListLabelNames(ctx)
	if err != nil {
		return err
	}

	lowerCase := m.cfg.Conversion.UseLowerCaseLabels
	for _, label := range labels {
		if lowerCase {
			label.Name = strings.ToLower(label.Name)
		}
		if LabelExists(label.Name, inventory, lowerCase) {
			logging.Info("label already exists", "name", label.Name)
			continue
		}

		logging.Info("creating label", "name", label.Name)
		if m.cfg.DryRun {
			continue
		}
		if err := m.dest.CreateLabel(ctx, label); err != nil {
			logging.Error("could not create label", "name", label.Name, "error", err)
		}
	}
	return nil
}

// TransferIssues migrates issues with their comments and state, filling
// numbering gaps with placeholders and recovering failed creates with
// replacement entities. Matched issues only get their state reconciled, so a
// second run performs zero creates.
func (m *Migrator) TransferIssues(ctx context.Context) error {
	logging.Info("transferring issues")

	if err := m.ensureMilestoneMap(ctx); err != nil {
		return err
	}

	issues, err := m.source.ListIssues(ctx, m.cfg.FilterByLabel)
	if err != nil {
		return err
	}
	issues = m.filterEntities(issues)
	sort.Slice(issues, func(i, j int) bool { return issues[i].Ordinal < issues[j].Ordinal })

	if m.cfg.UsePlaceholderIssues {
		var added int
		issues, added = FillIssueGaps(issues)
		m.counters.Placeholders += added
		if added > 0 {
			logging.Info("added placeholder issues for numbering gaps", "count", added)
		}
	}

	inventory, err := m.dest.ListIssues(ctx)
	if err != nil {
		return err
	}

	logging.Info("transferring issue list", "count", len(issues))

	for _, issue := range issues {
		if existing := MatchIssue(issue, inventory); existing != nil {
			logging.Info("issue already exists, reconciling state", "ordinal", issue.Ordinal, "title", issue.Title)
			if err := m.reconcileState(ctx, issue, existing.Number, existing.State); err != nil {
				logging.Error("could not update issue state", "ordinal", issue.Ordinal, "error", err)
			}
			continue
		}

		logging.Info("migrating issue", "ordinal", issue.Ordinal, "title", issue.Title)
		if err := m.createIssueAndComments(ctx, issue, nil); err != nil {
			logging.Error("could not migrate issue", "ordinal", issue.Ordinal, "error", err)
			m.recoverWithReplacement(ctx, issue)
		}
	}

	logging.Info("done creating issues",
		"total", len(issues),
		"placeholders_used", m.counters.Placeholders,
		"replacements_used", m.counters.Replacements,
		"failures", m.counters.Failures)
	return nil
}

// recoverWithReplacement substitutes a replacement entity for one whose
// creation failed. A second failure is counted as permanent; the run
// continues with the next entity either way.
func (m *Migrator) recoverWithReplacement(ctx context.Context, issue models.Entity) {
	if !m.cfg.UseReplacementIssues || issue.Class != models.ClassReal {
		m.counters.Failures++
		return
	}

	logging.Info("creating replacement issue", "ordinal", issue.Ordinal)
	replacement := NewReplacementIssue(issue)
	if err := m.createIssueAndComments(ctx, replacement, nil); err != nil {
		logging.Error("could not create replacement issue either", "ordinal", issue.Ordinal, "error", err)
		m.counters.Failures++
		return
	}
	m.counters.Replacements++
}

// createIssueAndComments runs one entity through the create, comment
// migration and state sync steps. extraLabels is used by the merge request
// fallback path.
func (m *Migrator) createIssueAndComments(ctx context.Context, issue models.Entity, extraLabels []string) error {
	payload := models.IssuePayload{
		Title:     strings.TrimSpace(issue.Title),
		Body:      issue.Body,
		Labels:    append(m.convertLabels(issue), extraLabels...),
		Assignees: m.convertAssignees(issue),
		Milestone: m.convertMilestone(issue),
	}
	if issue.Class == models.ClassReal {
		payload.Body = m.transformer.EntityBody(ctx, issue)
	}

	number := issue.Ordinal
	if m.cfg.DryRun {
		logging.Info("dry-run: skipping issue create", "ordinal", issue.Ordinal)
	} else {
		created, err := m.dest.CreateIssue(ctx, payload)
		if err != nil {
			return err
		}
		number = created
	}

	if err := m.migrateComments(ctx, issue, number, m.source.ListIssueNotes); err != nil {
		return err
	}
	return m.reconcileState(ctx, issue, number, "open")
}

// migrateComments replays an entity's notes in source chronological order,
// dropping synthetic activity notes. Placeholders never had real notes.
func (m *Migrator) migrateComments(ctx context.Context, issue models.Entity, number int, list func(context.Context, int) ([]models.Note, error)) error {
	if issue.Class != models.ClassReal {
		logging.Info("placeholder or replacement entity, no comments migrated", "ordinal", issue.Ordinal)
		return nil
	}

	notes, err := list(ctx, issue.Ordinal)
	if err != nil {
		return err
	}
	if len(notes) == 0 {
		return nil
	}

	sort.Slice(notes, func(i, j int) bool { return notes[i].ID < notes[j].ID })

	migrated := 0
	for _, note := range notes {
		if m.classifier.Skip(note.Body) {
			continue
		}
		body := m.transformer.NoteBody(ctx, note)
		if m.cfg.DryRun {
			migrated++
			continue
		}
		if err := m.dest.CreateComment(ctx, number, body); err != nil {
			// The entity exists; a replacement would duplicate it. Keep going.
			logging.Error("could not create comment", "ordinal", issue.Ordinal, "note_id", note.ID, "error", err)
			continue
		}
		migrated++
	}

	logging.Info("migrated comments", "ordinal", issue.Ordinal, "migrated", migrated, "skipped", len(notes)-migrated)
	return nil
}

// reconcileState closes the destination entity when the source entity ended
// closed (or merged). The destination default state is open, so open entities
// need no update.
func (m *Migrator) reconcileState(ctx context.Context, issue models.Entity, number int, destState string) error {
	if !issue.Closed() || destState == "closed" {
		return nil
	}
	if m.cfg.DryRun {
		return nil
	}
	return m.dest.CloseIssue(ctx, number)
}

// TransferMergeRequests migrates merge requests as pull requests where both
// branches still exist at the destination, and as labelled issues otherwise.
func (m *Migrator) TransferMergeRequests(ctx context.Context) error {
	logging.Info("transferring merge requests")

	if err := m.ensureMilestoneMap(ctx); err != nil {
		return err
	}

	requests, err := m.source.ListMergeRequests(ctx, m.cfg.FilterByLabel)
	if err != nil {
		return err
	}
	requests = m.filterEntities(requests)
	sort.Slice(requests, func(i, j int) bool { return requests[i].Ordinal < requests[j].Ordinal })

	pullRequests, err := m.dest.ListPullRequests(ctx)
	if err != nil {
		return err
	}
	// Merge requests are sometimes migrated as issues; check both inventories
	// to avoid duplicates.
	issues, err := m.dest.ListIssues(ctx)
	if err != nil {
		return err
	}

	logging.Info("transferring merge request list", "count", len(requests))

	for _, request := range requests {
		if existing := MatchPullRequest(request, pullRequests); existing != nil {
			logging.Info("merge request already exists as pull request", "ordinal", request.Ordinal, "title", request.Title)
			if err := m.reconcileState(ctx, request, existing.Number, existing.State); err != nil {
				logging.Error("could not update pull request state", "ordinal", request.Ordinal, "error", err)
			}
			continue
		}
		if existing := MatchMergeRequestIssue(request, issues); existing != nil {
			logging.Info("merge request already exists as issue", "ordinal", request.Ordinal, "title", request.Title)
			continue
		}

		logging.Info("migrating merge request", "ordinal", request.Ordinal, "title", request.Title)
		if err := m.createMergeRequest(ctx, request); err != nil {
			logging.Error("could not migrate merge request", "ordinal", request.Ordinal, "error", err)
		}
	}
	return nil
}

// createMergeRequest creates a pull request when both branches exist at the
// destination, falling back to an issue carrying the merge request label and
// a state suffix in the title. All subsequent steps operate on whichever got
// created.
func (m *Migrator) createMergeRequest(ctx context.Context, request models.Entity) error {
	canCreate := !m.cfg.UseIssuesForAllMergeRequests

	if canCreate {
		for _, branch := range []string{request.TargetBranch, request.SourceBranch} {
			exists, err := m.dest.BranchExists(ctx, branch)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			onSource, err := m.branchExistsAtSource(ctx, branch)
			if err != nil {
				return err
			}
			if onSource {
				// The branch must be pushed before the pull request can exist
				logging.Error("branch exists at source but has not been migrated, skipping merge request",
					"ordinal", request.Ordinal, "branch", branch)
				return nil
			}
			logging.Warn("branch does not exist, creating an issue instead",
				"ordinal", request.Ordinal, "branch", branch)
			canCreate = false
			break
		}
	}

	if canCreate {
		number, err := m.createPullRequest(ctx, request)
		if err == nil {
			return m.finishPullRequest(ctx, request, number)
		}
		if !isUnprocessable(err) {
			return err
		}
		// A rejected create usually means the source branch was already
		// merged; migrate as an issue instead.
		logging.Warn("pull request create rejected, creating an issue instead", "ordinal", request.Ordinal)
	}

	fallback := request
	fallback.Title = fmt.Sprintf("%s - [%s]", strings.TrimSpace(request.Title), request.State)
	fallback.Body = fmt.Sprintf("_Merges %s -> %s_\n\n%s", request.SourceBranch, request.TargetBranch, request.Body)

	payload := models.IssuePayload{
		Title:     fallback.Title,
		Body:      m.transformer.EntityBody(ctx, fallback),
		Labels:    append(m.convertLabels(request), mergeRequestLabel),
		Assignees: m.convertAssignees(request),
		Milestone: m.convertMilestone(request),
	}

	number := request.Ordinal
	if m.cfg.DryRun {
		logging.Info("dry-run: skipping merge request fallback issue", "ordinal", request.Ordinal)
	} else {
		created, err := m.dest.CreateIssue(ctx, payload)
		if err != nil {
			return err
		}
		number = created
	}

	if err := m.migrateComments(ctx, request, number, m.source.ListMergeRequestNotes); err != nil {
		return err
	}
	return m.reconcileState(ctx, request, number, "open")
}

func (m *Migrator) createPullRequest(ctx context.Context, request models.Entity) (int, error) {
	payload := models.PullRequestPayload{
		Title: strings.TrimSpace(request.Title),
		Body:  m.transformer.EntityBody(ctx, request),
		Head:  request.SourceBranch,
		Base:  request.TargetBranch,
	}
	if m.cfg.DryRun {
		logging.Info("dry-run: skipping pull request create", "ordinal", request.Ordinal)
		return request.Ordinal, nil
	}
	return m.dest.CreatePullRequest(ctx, payload)
}

// finishPullRequest sets the attributes the pull request create API cannot
// (labels, assignees, milestone), migrates comments and reconciles state.
func (m *Migrator) finishPullRequest(ctx context.Context, request models.Entity, number int) error {
	meta := models.IssuePayload{
		Labels:    m.convertLabels(request),
		Assignees: m.convertAssignees(request),
		Milestone: m.convertMilestone(request),
	}
	if !m.cfg.DryRun {
		if err := m.dest.UpdateIssueMeta(ctx, number, meta); err != nil {
			logging.Error("could not update pull request attributes", "ordinal", request.Ordinal, "error", err)
		}
	}

	if err := m.migrateComments(ctx, request, number, m.source.ListMergeRequestNotes); err != nil {
		return err
	}
	return m.reconcileState(ctx, request, number, "open")
}

func (m *Migrator) branchExistsAtSource(ctx context.Context, name string) (bool, error) {
	branches, err := m.source.ListBranches(ctx)
	if err != nil {
		return false, err
	}
	for _, branch := range branches {
		if branch == name {
			return true, nil
		}
	}
	return false, nil
}

// TransferReleases creates any source release whose tag is missing at the
// destination.
func (m *Migrator) TransferReleases(ctx context.Context) error {
	logging.Info("transferring releases")

	releases, err := m.source.ListReleases(ctx)
	if err != nil {
		return err
	}

	for _, release := range releases {
		exists, err := m.dest.HasRelease(ctx, release.TagName)
		if err != nil {
			logging.Error("could not look up release", "tag", release.TagName, "error", err)
			continue
		}
		if exists {
			logging.Info("release already exists", "tag", release.TagName)
			continue
		}

		logging.Info("creating release", "tag", release.TagName)
		if m.cfg.DryRun {
			continue
		}
		release.Description = m.transformer.ReleaseBody(ctx, release)
		if err := m.dest.CreateRelease(ctx, release); err != nil {
			logging.Error("could not create release", "tag", release.TagName, "error", err)
		}
	}
	return nil
}

// mergeRequestRecord is one entry of the merge request log dump.
type mergeRequestRecord struct {
	models.Entity
	Notes       []models.Note
	Discussions []models.Discussion
}

// LogMergeRequests dumps merge requests with their notes and discussions to
// a JSON file instead of transferring them.
func (m *Migrator) LogMergeRequests(ctx context.Context, path string) error {
	logging.Info("logging merge requests", "file", path)

	requests, err := m.source.ListMergeRequests(ctx, m.cfg.FilterByLabel)
	if err != nil {
		return err
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].ID < requests[j].ID })

	records := make([]mergeRequestRecord, 0, len(requests))
	for _, request := range requests {
		notes, err := m.source.ListMergeRequestNotes(ctx, request.Ordinal)
		if err != nil {
			return err
		}
		discussions, err := m.source.ListMergeRequestDiscussions(ctx, request.Ordinal)
		if err != nil {
			return err
		}
		records = append(records, mergeRequestRecord{Entity: request, Notes: notes, Discussions: discussions})
	}

	data, err := json.MarshalIndent(struct {
		MergeRequests []mergeRequestRecord
	}{records}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ensureMilestoneMap builds the milestone map from the destination inventory
// when the milestone pass did not run. Contiguity guarantees the destination
// number equals the source ordinal.
func (m *Migrator) ensureMilestoneMap(ctx context.Context) error {
	if m.milestones != nil {
		return nil
	}
	inventory, err := m.dest.ListMilestones(ctx)
	if err != nil {
		return err
	}
	milestoneMap := models.MilestoneMap{}
	for _, milestone := range inventory {
		milestoneMap[milestone.Number] = milestone
	}
	m.milestones = milestoneMap
	m.transformer.SetMilestones(milestoneMap)
	return nil
}

func (m *Migrator) filterEntities(entities []models.Entity) []models.Entity {
	createdAfter := m.cfg.Transfer.CreatedAfterTime()
	updatedAfter := m.cfg.Transfer.UpdatedAfterTime()

	filtered := entities[:0]
	for _, entity := range entities {
		if m.cfg.Transfer.OnlyOpen && entity.State != "opened" {
			continue
		}
		if !createdAfter.IsZero() && !entity.CreatedAt.After(createdAfter) {
			continue
		}
		if !updatedAfter.IsZero() && !entity.UpdatedAt.After(updatedAfter) {
			continue
		}
		filtered = append(filtered, entity)
	}
	return filtered
}

func (m *Migrator) filterMilestones(milestones []models.Milestone) []models.Milestone {
	createdAfter := m.cfg.Transfer.CreatedAfterTime()
	updatedAfter := m.cfg.Transfer.UpdatedAfterTime()

	filtered := milestones[:0]
	for _, milestone := range milestones {
		if m.cfg.Transfer.OnlyOpen && milestone.State != "active" {
			continue
		}
		if !createdAfter.IsZero() && !milestone.CreatedAt.After(createdAfter) {
			continue
		}
		if !updatedAfter.IsZero() && !milestone.UpdatedAt.After(updatedAfter) {
			continue
		}
		filtered = append(filtered, milestone)
	}
	return filtered
}

// convertLabels maps source labels for the destination: stale workflow labels
// are dropped from closed entities, names are optionally lower-cased, and an
// attachment marker is added when uploads cannot be relocated automatically.
func (m *Migrator) convertLabels(entity models.Entity) []string {
	labels := make([]string, 0, len(entity.Labels)+1)
	for _, label := range entity.Labels {
		lower := strings.ToLower(label)
		if entity.Closed() && (lower == "doing" || lower == "to do") {
			continue
		}
		if m.cfg.Conversion.UseLowerCaseLabels {
			label = lower
		}
		labels = append(labels, label)
	}

	if strings.Contains(entity.Body, "/uploads/") && !m.hasStore {
		labels = append(labels, attachmentLabel)
	}
	return labels
}

// convertAssignees maps assignees through the usermap; assignees without a
// destination counterpart are dropped.
func (m *Migrator) convertAssignees(entity models.Entity) []string {
	var assignees []string
	for _, assignee := range entity.Assignees {
		if mapped, ok := m.cfg.Usermap[assignee]; ok {
			assignees = append(assignees, mapped)
		} else if assignee == m.cfg.GitHub.TokenOwner {
			assignees = append(assignees, assignee)
		}
	}
	return assignees
}

// convertMilestone resolves the entity's milestone title to the destination
// milestone number, 0 when the entity has none or the map cannot resolve it.
func (m *Migrator) convertMilestone(entity models.Entity) int {
	if entity.Milestone == "" {
		return 0
	}
	if milestone, ok := m.milestones.ByTitle(entity.Milestone); ok {
		return milestone.Number
	}
	logging.Warn("milestone not found for entity", "ordinal", entity.Ordinal, "milestone", entity.Milestone)
	return 0
}

func isUnprocessable(err error) bool {
	return errors.Is(err, ErrUnprocessable)
}

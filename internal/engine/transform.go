package engine

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"mime"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lab2hub/lab2hub/internal/logging"
	"github.com/lab2hub/lab2hub/pkg/models"
)

var (
	// Mentions: a leading @ followed by a username that neither starts nor
	// ends with punctuation. Rewritten names are looked up in the usermap, so
	// a second pass over already-rewritten output is a no-op.
	reMention = regexp.MustCompile(`@([A-Za-z0-9_](?:[A-Za-z0-9_.-]*[A-Za-z0-9_])?)`)

	// Milestone references. RE2 has no lookbehind, so the non-word guard is a
	// leading capture group that gets re-emitted.
	reMilestoneTitle = regexp.MustCompile(`(^|\W)%"([^"]*?)"`)
	reMilestoneNum   = regexp.MustCompile(`(^|\W)%(\d+)`)

	// Markdown links into the source tracker's upload storage.
	reAttachment = regexp.MustCompile(`(!?)\[([^\]]+)\]\((/uploads[^)]+)\)`)
)

// TransformerConfig carries the static inputs of the content transformer.
type TransformerConfig struct {
	// Usermap maps source usernames to destination usernames.
	Usermap map[string]string

	// InactiveUsers maps usernames that no longer exist at the destination;
	// InactivePrepend decorates the substituted mention.
	InactiveUsers   map[string]string
	InactivePrepend string

	// Projectmap maps source project paths to destination repository names
	// under the same owner.
	Projectmap map[string]string

	// TokenOwner is the destination user the API token belongs to. Content
	// authored by that user keeps its implicit authorship and gets no
	// provenance line.
	TokenOwner string

	// RepoURL is the browsable destination repository URL.
	RepoURL string

	// SourceHost and SourceProject build absolute links back to the source.
	SourceHost    string
	SourceProject string

	// CommitAttachments stores attachments as destination repository blobs
	// when no object storage is configured.
	CommitAttachments bool
}

// Transformer rewrites entity and note bodies for the destination: provenance
// line, mention remapping, reference rewriting and attachment relocation.
// Each pass is a pure string rewrite and idempotent on its own output;
// attachment relocation is the only step doing network I/O.
type Transformer struct {
	cfg        TransformerConfig
	milestones models.MilestoneMap
	source     Source
	dest       Destination
	store      AttachmentStore
}

// NewTransformer builds a transformer. source, dest and store may be nil;
// attachment relocation then falls back to absolute source links.
func NewTransformer(cfg TransformerConfig, source Source, dest Destination, store AttachmentStore) *Transformer {
	return &Transformer{cfg: cfg, source: source, dest: dest, store: store}
}

// SetMilestones installs the run-scoped milestone map consulted by milestone
// reference rewriting. It must be set before issues or merge requests are
// transformed.
func (t *Transformer) SetMilestones(m models.MilestoneMap) {
	t.milestones = m
}

// EntityBody rewrites an issue or merge request description.
func (t *Transformer) EntityBody(ctx context.Context, entity models.Entity) string {
	addLine := !t.authoredByTokenOwner(entity.Author) || entity.Body == ""
	return t.convert(ctx, entity.Body, addLine, entity.Author, entity.CreatedAt, nil)
}

// NoteBody rewrites a comment, including the diff line reference for inline
// code review comments.
func (t *Transformer) NoteBody(ctx context.Context, note models.Note) string {
	addLine := !t.authoredByTokenOwner(note.Author) || note.Body == ""
	return t.convert(ctx, note.Body, addLine, note.Author, note.CreatedAt, note.Position)
}

// MilestoneBody rewrites a milestone description. Milestones carry no
// authorship worth preserving, so no provenance line is added.
func (t *Transformer) MilestoneBody(ctx context.Context, milestone models.Milestone) string {
	return t.convert(ctx, milestone.Description, false, "", time.Time{}, nil)
}

// ReleaseBody rewrites a release description.
func (t *Transformer) ReleaseBody(ctx context.Context, release models.Release) string {
	return t.convert(ctx, release.Description, false, "", time.Time{}, nil)
}

func (t *Transformer) authoredByTokenOwner(author string) bool {
	if author == "" || t.cfg.TokenOwner == "" {
		return false
	}
	return author == t.cfg.TokenOwner || t.cfg.Usermap[author] == t.cfg.TokenOwner
}

func (t *Transformer) convert(ctx context.Context, body string, addLine bool, author string, createdAt time.Time, position *models.DiffPosition) string {
	if addLine {
		body = t.addProvenanceLine(body, author, createdAt, position)
	}
	body = t.rewriteMentions(body)
	body = t.rewriteProjectRefs(body)
	body = t.rewriteMilestoneRefs(body)
	body = t.relocateAttachments(ctx, body)
	return body
}

// addProvenanceLine prepends who wrote the content, when, and for inline
// comments where in the diff. The destination API creates everything as the
// token owner, so this is the only authorship record that survives.
func (t *Transformer) addProvenanceLine(body, author string, createdAt time.Time, position *models.DiffPosition) string {
	if author == "" || createdAt.IsZero() {
		return body
	}
	summary := fmt.Sprintf("In GitLab by @%s on %s", author, createdAt.Format("Jan 2, 2006 15:04"))
	if lineRef := t.diffLineRef(position); lineRef != "" {
		summary += "\n\n" + lineRef
	}
	return summary + "\n\n" + body
}

// diffLineRef links an inline comment to the destination's comparison view
// between the two diff revisions. When path or line are unavailable the bare
// head revision is referenced instead.
func (t *Transformer) diffLineRef(position *models.DiffPosition) string {
	if position == nil || position.HeadSHA == "" || t.cfg.RepoURL == "" {
		return ""
	}

	var filePath, slug string
	var line int
	if position.OldLine > 0 && position.OldPath != "" {
		filePath, line = position.OldPath, position.OldLine
		slug = diffSlug(filePath, "L", line)
	} else if position.NewLine > 0 && position.NewPath != "" {
		filePath, line = position.NewPath, position.NewLine
		slug = diffSlug(filePath, "R", line)
	}

	ref := position.HeadSHA
	if filePath != "" {
		ref = fmt.Sprintf("%s line %d", filePath, line)
	}
	return fmt.Sprintf("Commented on [%s](%s/compare/%s..%s%s)", ref, t.cfg.RepoURL, position.BaseSHA, position.HeadSHA, slug)
}

func diffSlug(filePath, side string, line int) string {
	return fmt.Sprintf("#diff-%x%s%d", md5.Sum([]byte(filePath)), side, line)
}

// rewriteMentions remaps @mentions through the usermap and the inactive-user
// map. Unmapped mentions are left untouched.
func (t *Transformer) rewriteMentions(body string) string {
	if len(t.cfg.Usermap) == 0 && len(t.cfg.InactiveUsers) == 0 {
		return body
	}
	return reMention.ReplaceAllStringFunc(body, func(match string) string {
		name := match[1:]
		if mapped, ok := t.cfg.Usermap[name]; ok {
			return "@" + mapped
		}
		if mapped, ok := t.cfg.InactiveUsers[name]; ok {
			return fmt.Sprintf("%s%s (%s)", t.cfg.InactivePrepend, mapped, name)
		}
		return match
	})
}

// rewriteProjectRefs maps cross-project entity and milestone references
// through the projectmap. Unmapped cross-project references and same-project
// #N references stay as they are; the numbering aligner keeps those valid.
func (t *Transformer) rewriteProjectRefs(body string) string {
	ownerURL := t.ownerURL()
	for source, target := range t.cfg.Projectmap {
		if source == target {
			continue
		}
		quoted := regexp.QuoteMeta(source)

		reIssue := regexp.MustCompile(`(^|\W)` + quoted + `#(\d+)`)
		body = reIssue.ReplaceAllString(body, `${1}`+target+`#${2}`)

		reTitle := regexp.MustCompile(`(^|\W)` + quoted + `%("[^"]*?")`)
		body = reTitle.ReplaceAllString(body, `${1}Milestone ${2} in `+target)

		reNum := regexp.MustCompile(`(^|\W)` + quoted + `%(\d+)`)
		body = reNum.ReplaceAllString(body, `${1}[Milestone ${2} in `+target+`](`+ownerURL+`/`+target+`)`)
	}
	return body
}

// rewriteMilestoneRefs converts %N and %"Title" references into destination
// milestone links via the milestone map. An unresolvable reference becomes an
// explicit deleted-milestone marker instead of being dropped.
func (t *Transformer) rewriteMilestoneRefs(body string) string {
	body = reMilestoneTitle.ReplaceAllStringFunc(body, func(match string) string {
		groups := reMilestoneTitle.FindStringSubmatch(match)
		milestone, ok := t.milestones.ByTitle(groups[2])
		return groups[1] + t.milestoneLink(milestone, ok, groups[2])
	})
	body = reMilestoneNum.ReplaceAllStringFunc(body, func(match string) string {
		groups := reMilestoneNum.FindStringSubmatch(match)
		ordinal, _ := strconv.Atoi(groups[2])
		milestone, ok := t.milestones[ordinal]
		return groups[1] + t.milestoneLink(milestone, ok, groups[2])
	})
	return body
}

func (t *Transformer) milestoneLink(milestone models.DestMilestone, found bool, ref string) string {
	if !found {
		logging.Warn("milestone not found in milestone map", "reference", ref)
		return fmt.Sprintf("'Reference to deleted milestone %s'", ref)
	}
	return fmt.Sprintf("[%s](%s/milestone/%d)", milestone.Title, t.cfg.RepoURL, milestone.Number)
}

func (t *Transformer) ownerURL() string {
	if idx := strings.LastIndex(t.cfg.RepoURL, "/"); idx > 0 {
		return t.cfg.RepoURL[:idx]
	}
	return t.cfg.RepoURL
}

// relocateAttachments replaces links into the source tracker's upload storage
// with object-storage URLs, destination blob URLs, or absolute source links,
// in that priority order by configuration. A failed relocation leaves the
// original relative link in place; it never aborts the transform.
func (t *Transformer) relocateAttachments(ctx context.Context, body string) string {
	return reAttachment.ReplaceAllStringFunc(body, func(match string) string {
		groups := reAttachment.FindStringSubmatch(match)
		prefix, name, relURL := groups[1], groups[2], groups[3]

		switch {
		case t.store != nil:
			url, err := t.uploadToStore(ctx, relURL)
			if err != nil {
				logging.Error("could not relocate attachment to object storage", "url", relURL, "error", err)
				return match
			}
			return fmt.Sprintf("%s[%s](%s)", prefix, name, url)

		case t.cfg.CommitAttachments && t.dest != nil:
			url, err := t.commitToRepo(ctx, relURL)
			if err != nil {
				logging.Error("could not commit attachment to destination repository", "url", relURL, "error", err)
				return match
			}
			return fmt.Sprintf("%s[%s](%s)", prefix, name, url)

		case t.cfg.SourceHost != "":
			url := t.cfg.SourceHost + "/" + t.cfg.SourceProject + relURL
			return fmt.Sprintf("%s[%s](%s)", prefix, name, url)

		default:
			return match
		}
	})
}

func (t *Transformer) uploadToStore(ctx context.Context, relURL string) (string, error) {
	data, err := t.fetchAttachment(ctx, relURL)
	if err != nil {
		return "", err
	}
	return t.store.Put(ctx, t.attachmentKey(relURL), data, contentTypeFor(relURL))
}

func (t *Transformer) commitToRepo(ctx context.Context, relURL string) (string, error) {
	data, err := t.fetchAttachment(ctx, relURL)
	if err != nil {
		return "", err
	}
	return t.dest.CommitFile(ctx, "attachments/"+t.attachmentKey(relURL), data)
}

func (t *Transformer) fetchAttachment(ctx context.Context, relURL string) ([]byte, error) {
	if t.source == nil {
		return nil, fmt.Errorf("no source client for attachment download")
	}
	return t.source.GetAttachment(ctx, relURL)
}

// attachmentKey derives a collision-free storage key from the source URL,
// namespaced by the destination repository id when known.
func (t *Transformer) attachmentKey(relURL string) string {
	key := fmt.Sprintf("%x/%s", sha256.Sum256([]byte(relURL)), path.Base(relURL))
	if t.dest != nil {
		if repoID := t.dest.RepoID(); repoID > 0 {
			key = fmt.Sprintf("%d/%s", repoID, key)
		}
	}
	return key
}

func contentTypeFor(relURL string) string {
	return mime.TypeByExtension(path.Ext(relURL))
}

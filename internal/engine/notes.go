package engine

import (
	"fmt"
	"regexp"
)

// The source tracker materializes every metadata change as a timeline
// comment. Migrating those verbatim would flood the destination with noise
// that duplicates its own state, label and milestone fields.
var syntheticNotePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^changed milestone to .*`),
	regexp.MustCompile(`(?i)^Milestone changed to .*`),
	regexp.MustCompile(`(?i)^(Re)*assigned to `),
	regexp.MustCompile(`(?i)^added .* labels`),
	regexp.MustCompile(`(?i)^Added ~.* label`),
	regexp.MustCompile(`(?i)^removed ~.* label`),
	regexp.MustCompile(`(?i)^mentioned in issue #\d+.*`),
	regexp.MustCompile(`(?i)^mentioned in merge request !\d+`),
	regexp.MustCompile(`(?i)^changed the description.*`),
	regexp.MustCompile(`(?i)^changed title from.*to.*`),
}

var (
	reStatusChanged  = regexp.MustCompile(`(?i)Status changed to .*`)
	reClosedByCommit = regexp.MustCompile(`(?i)Status changed to closed by commit.*`)
)

// NoteClassifier decides whether a comment is a synthetic activity note to be
// dropped or real content to be migrated.
type NoteClassifier struct {
	extra []*regexp.Regexp
}

// NewNoteClassifier compiles caller-supplied skip patterns on top of the
// built-in synthetic-activity set. Patterns match case-insensitively.
func NewNoteClassifier(patterns []string) (*NoteClassifier, error) {
	classifier := &NoteClassifier{}
	for _, pattern := range patterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid skip pattern %q: %w", pattern, err)
		}
		classifier.extra = append(classifier.extra, re)
	}
	return classifier, nil
}

// Skip reports whether the note body should not be migrated.
// "Status changed to closed by commit ..." is kept: it carries the commit
// reference, which the destination state field does not.
func (c *NoteClassifier) Skip(body string) bool {
	if reStatusChanged.MatchString(body) && !reClosedByCommit.MatchString(body) {
		return true
	}
	for _, re := range syntheticNotePatterns {
		if re.MatchString(body) {
			return true
		}
	}
	for _, re := range c.extra {
		if re.MatchString(body) {
			return true
		}
	}
	return false
}

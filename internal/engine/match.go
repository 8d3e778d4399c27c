package engine

import (
	"strings"

	"github.com/lab2hub/lab2hub/pkg/models"
)

// MatchIssue returns the destination issue corresponding to the given source
// entity, or nil. The primary key is the trimmed title; when several
// destination issues share it, a body-embedded link back to the unique source
// URL disambiguates. With duplicate titles and no embedded URL the first
// title match wins. This is a pure lookup against a prefetched inventory so
// repeated runs stay idempotent.
func MatchIssue(entity models.Entity, inventory []models.DestIssue) *models.DestIssue {
	title := strings.TrimSpace(entity.Title)

	var candidates []*models.DestIssue
	for i := range inventory {
		if strings.TrimSpace(inventory[i].Title) == title {
			candidates = append(candidates, &inventory[i])
		}
	}

	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return candidates[0]
	}

	if entity.WebURL != "" {
		for _, candidate := range candidates {
			if strings.Contains(candidate.Body, entity.WebURL) {
				return candidate
			}
		}
	}
	return candidates[0]
}

// MatchPullRequest returns the destination pull request with the same trimmed
// title as the merge request, or nil.
func MatchPullRequest(entity models.Entity, inventory []models.DestPullRequest) *models.DestPullRequest {
	title := strings.TrimSpace(entity.Title)
	for i := range inventory {
		if strings.TrimSpace(inventory[i].Title) == title {
			return &inventory[i]
		}
	}
	return nil
}

// MatchMergeRequestIssue finds a destination issue previously created as a
// fallback for the merge request. Fallback issues carry a state suffix like
// " - [merged]", so containment rather than equality is checked.
func MatchMergeRequestIssue(entity models.Entity, inventory []models.DestIssue) *models.DestIssue {
	title := strings.TrimSpace(entity.Title)
	if title == "" {
		return nil
	}
	for i := range inventory {
		if strings.Contains(strings.TrimSpace(inventory[i].Title), title) {
			return &inventory[i]
		}
	}
	return nil
}

// MatchMilestone returns the destination milestone with the given title, or nil.
func MatchMilestone(title string, inventory []models.DestMilestone) *models.DestMilestone {
	for i := range inventory {
		if inventory[i].Title == title {
			return &inventory[i]
		}
	}
	return nil
}

// LabelExists reports whether a label name is already present at the
// destination. When lowerCase is set, comparison happens on the lower-cased
// name, matching how labels are created in that mode.
func LabelExists(name string, inventory []string, lowerCase bool) bool {
	if lowerCase {
		name = strings.ToLower(name)
	}
	for _, existing := range inventory {
		candidate := existing
		if lowerCase {
			candidate = strings.ToLower(candidate)
		}
		if candidate == name {
			return true
		}
	}
	return false
}

package engine

import (
	"fmt"

	"github.com/lab2hub/lab2hub/pkg/models"
)

// placeholderBody is the sentinel description for gap-filling entities.
const placeholderBody = "This is to ensure the issue numbers in the source and destination trackers are the same"

// NewPlaceholderIssue synthesizes a closed stand-in for a missing ordinal.
// Destination trackers assign numbers monotonically on creation, so the only
// way to keep source ordinal k mapped to destination number k is to consume a
// number for every missing source entity too.
func NewPlaceholderIssue(ordinal int) models.Entity {
	return models.Entity{
		Ordinal: ordinal,
		Title:   fmt.Sprintf("[PLACEHOLDER ISSUE] - for issue #%d", ordinal),
		Body:    placeholderBody,
		State:   "closed",
		Class:   models.ClassPlaceholder,
	}
}

// NewPlaceholderMilestone synthesizes a closed stand-in milestone so the
// milestone map stays contiguous.
func NewPlaceholderMilestone(ordinal int) models.Milestone {
	return models.Milestone{
		Ordinal:     ordinal,
		Title:       fmt.Sprintf("[PLACEHOLDER MILESTONE] - for milestone #%d", ordinal),
		Description: placeholderBody,
		State:       "closed",
		Class:       models.ClassPlaceholder,
	}
}

// NewReplacementIssue synthesizes a substitute for an entity whose creation
// failed. It keeps the original ordinal, state and timestamps but carries a
// generic body pointing back at the source.
func NewReplacementIssue(original models.Entity) models.Entity {
	link := original.WebURL
	if link == "" {
		link = "(source link unavailable)"
	}
	body := fmt.Sprintf("The original issue\n\n\tId: %d\n\tTitle: %s\n\n"+
		"could not be created.\nThis is a dummy issue, replacing the original one. "+
		"It contains everything but the original issue description. "+
		"In case the source repository still exists, visit the following link to show the original issue:\n\n%s",
		original.Ordinal, original.Title, link)

	return models.Entity{
		Ordinal:   original.Ordinal,
		Title:     original.Title + " [REPLACEMENT ISSUE]",
		Body:      body,
		State:     original.State,
		CreatedAt: original.CreatedAt,
		UpdatedAt: original.UpdatedAt,
		WebURL:    original.WebURL,
		Class:     models.ClassReplacement,
	}
}

// FillIssueGaps fills numbering gaps in a list of entities sorted ascending
// by ordinal. For every expected ordinal 1..max(input) without an entity, a
// placeholder is inserted at that position. Real entities are never removed
// or reordered; an already contiguous input is returned unchanged. The second
// return value is the number of placeholders inserted.
func FillIssueGaps(entities []models.Entity) ([]models.Entity, int) {
	added := 0
	filled := make([]models.Entity, 0, len(entities))
	next := 1
	for _, entity := range entities {
		for next < entity.Ordinal {
			filled = append(filled, NewPlaceholderIssue(next))
			next++
			added++
		}
		filled = append(filled, entity)
		next++
	}
	if added == 0 {
		return entities, 0
	}
	return filled, added
}

// FillMilestoneGaps is FillIssueGaps for milestones.
func FillMilestoneGaps(milestones []models.Milestone) ([]models.Milestone, int) {
	added := 0
	filled := make([]models.Milestone, 0, len(milestones))
	next := 1
	for _, milestone := range milestones {
		for next < milestone.Ordinal {
			filled = append(filled, NewPlaceholderMilestone(next))
			next++
			added++
		}
		filled = append(filled, milestone)
		next++
	}
	if added == 0 {
		return milestones, 0
	}
	return filled, added
}

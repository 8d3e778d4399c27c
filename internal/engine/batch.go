package engine

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lab2hub/lab2hub/internal/logging"
)

// ProjectAssignment is one row of a batch worklist: a source project and the
// destination repository it migrates into.
type ProjectAssignment struct {
	ID         int
	SourcePath string
	DestPath   string
}

// ReadWorklist parses a CSV worklist with rows of the form
// id,source_project,destination_repo. A leading header row is detected by a
// non-numeric first column and skipped.
func ReadWorklist(r io.Reader) ([]ProjectAssignment, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3
	reader.TrimLeadingSpace = true

	var assignments []ProjectAssignment
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading worklist: %w", err)
		}
		line++

		id, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("worklist line %d: invalid id %q", line, record[0])
		}

		assignment := ProjectAssignment{
			ID:         id,
			SourcePath: strings.TrimSpace(record[1]),
			DestPath:   strings.TrimSpace(record[2]),
		}
		if assignment.SourcePath == "" || assignment.DestPath == "" {
			return nil, fmt.Errorf("worklist line %d: empty project path", line)
		}
		assignments = append(assignments, assignment)
	}
	return assignments, nil
}

// Runner migrates a single project assignment.
type Runner func(ctx context.Context, assignment ProjectAssignment) error

// RunBatch processes assignments sequentially. A failed assignment is logged
// and does not stop the batch; the returned error summarizes the failures.
func RunBatch(ctx context.Context, assignments []ProjectAssignment, run Runner) error {
	failed := 0
	for _, assignment := range assignments {
		logging.Info("starting batch assignment",
			"id", assignment.ID,
			"source", assignment.SourcePath,
			"destination", assignment.DestPath)

		if err := run(ctx, assignment); err != nil {
			logging.Error("batch assignment failed",
				"id", assignment.ID,
				"source", assignment.SourcePath,
				"error", err)
			failed++
			continue
		}
		logging.Info("batch assignment complete", "id", assignment.ID)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d batch assignments failed", failed, len(assignments))
	}
	return nil
}

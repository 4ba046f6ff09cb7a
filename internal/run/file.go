package run

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/trecbench/trecbench/internal/pkg/errors"
)

// Write serializes a run in 6-column TREC layout:
// query_id Q0 doc_id rank score run_id, tab-delimited, one row per
// line, queries in topic-set order. Scores are printed with six
// decimal places so identical runs produce byte-identical files.
func Write(r *Run, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.PersistenceError("cannot create run file", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, queryID := range r.queries {
		for _, row := range r.rows[queryID] {
			fmt.Fprintf(w, "%s\tQ0\t%s\t%d\t%.6f\t%s\n",
				row.QueryID, row.DocID, row.Rank, row.Score, row.RunID)
		}
	}
	if err := w.Flush(); err != nil {
		return errors.PersistenceError("cannot write run file", path, err)
	}
	return nil
}

// Read parses a TREC run file. Row order within a query must already
// be rank order; malformed lines fail the read. Query order follows
// first appearance in the file.
func Read(path string) (*Run, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "cannot open run file", err).
			WithDetail("path", path)
	}
	defer f.Close()

	r := &Run{rows: make(map[string][]Row)}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 6 {
			return nil, runLineError(path, lineNum,
				fmt.Sprintf("expected 6 fields, got %d", len(fields)))
		}
		if fields[1] != "Q0" {
			return nil, runLineError(path, lineNum,
				fmt.Sprintf("expected Q0 in column 2, got %q", fields[1]))
		}

		rank, err := strconv.Atoi(fields[3])
		if err != nil || rank < 1 {
			return nil, runLineError(path, lineNum,
				fmt.Sprintf("invalid rank %q", fields[3]))
		}
		score, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, runLineError(path, lineNum,
				fmt.Sprintf("invalid score %q", fields[4]))
		}

		queryID := fields[0]
		if _, seen := r.rows[queryID]; !seen {
			r.queries = append(r.queries, queryID)
			r.rows[queryID] = []Row{}
		}
		r.rows[queryID] = append(r.rows[queryID], Row{
			QueryID: queryID,
			DocID:   fields[2],
			Rank:    rank,
			Score:   score,
			RunID:   fields[5],
		})
		if r.RunID == "" {
			r.RunID = fields[5]
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "reading run file", err).
			WithDetail("path", path)
	}

	return r, nil
}

func runLineError(path string, line int, msg string) error {
	return errors.ValidationError(msg).
		WithDetail("path", path).
		WithDetail("line", fmt.Sprintf("%d", line))
}

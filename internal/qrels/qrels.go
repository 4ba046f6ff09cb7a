// Package qrels loads TREC relevance judgment files.
package qrels

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/trecbench/trecbench/internal/pkg/errors"
)

// Set maps query_id -> doc_id -> relevance grade.
type Set struct {
	grades map[string]map[string]int
}

// NewSet creates an empty judgment set.
func NewSet() *Set {
	return &Set{grades: make(map[string]map[string]int)}
}

// Add records a judgment. A negative grade is rejected.
func (s *Set) Add(queryID, docID string, grade int) error {
	if grade < 0 {
		return errors.ValidationError(
			fmt.Sprintf("negative relevance grade %d for query %s doc %s", grade, queryID, docID))
	}
	if s.grades[queryID] == nil {
		s.grades[queryID] = make(map[string]int)
	}
	s.grades[queryID][docID] = grade
	return nil
}

// Grades returns doc_id -> grade for a query. The returned map is the
// internal one; callers must not mutate it.
func (s *Set) Grades(queryID string) map[string]int {
	return s.grades[queryID]
}

// Grade returns the judged grade for a document, zero if unjudged.
func (s *Set) Grade(queryID, docID string) int {
	return s.grades[queryID][docID]
}

// RelevantCount returns the number of documents with grade > 0.
func (s *Set) RelevantCount(queryID string) int {
	n := 0
	for _, g := range s.grades[queryID] {
		if g > 0 {
			n++
		}
	}
	return n
}

// JudgedCount returns the number of judged documents for a query,
// including grade-0 judgments.
func (s *Set) JudgedCount(queryID string) int {
	return len(s.grades[queryID])
}

// QueryIDs returns all judged query IDs in unspecified order.
func (s *Set) QueryIDs() []string {
	ids := make([]string, 0, len(s.grades))
	for id := range s.grades {
		ids = append(ids, id)
	}
	return ids
}

// IdealGains returns the relevance grades for a query sorted descending,
// the ordering a perfect ranking would produce. Used for IDCG.
func (s *Set) IdealGains(queryID string) []int {
	judged := s.grades[queryID]
	gains := make([]int, 0, len(judged))
	for _, g := range judged {
		gains = append(gains, g)
	}
	// Insertion sort descending; judgment lists per query are small.
	for i := 1; i < len(gains); i++ {
		for j := i; j > 0 && gains[j] > gains[j-1]; j-- {
			gains[j], gains[j-1] = gains[j-1], gains[j]
		}
	}
	return gains
}

// Load parses a TREC qrels file: "query_id 0 doc_id grade", one judged
// document per line. Malformed lines fail the load rather than being
// skipped, so a truncated or corrupted judgments file cannot silently
// change scores.
func Load(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "cannot open qrels file", err).
			WithDetail("path", path)
	}
	defer f.Close()

	set := NewSet()
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
		if len(fields) != 4 {
			return nil, lineError(path, lineNum,
				fmt.Sprintf("expected 4 fields, got %d", len(fields)))
		}

		grade, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, lineError(path, lineNum,
				fmt.Sprintf("invalid relevance grade %q", fields[3]))
		}
		if grade < 0 {
			return nil, lineError(path, lineNum,
				fmt.Sprintf("negative relevance grade %d", grade))
		}

		if err := set.Add(fields[0], fields[2], grade); err != nil {
			return nil, err
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "reading qrels file", err).
			WithDetail("path", path)
	}

	return set, nil
}

func lineError(path string, line int, msg string) error {
	return errors.ValidationError(msg).
		WithDetail("path", path).
		WithDetail("line", fmt.Sprintf("%d", line))
}

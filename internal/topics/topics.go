// Package topics loads TREC topic files into ordered topic sets.
package topics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/trecbench/trecbench/internal/pkg/errors"
)

// Format identifies a topic file layout.
type Format string

const (
	// FormatTrecText is one "query_id<sep>query_text" line per topic.
	FormatTrecText Format = "trec_text"

	// FormatJSONL is one JSON record per line with query_id/query_text
	// and an optional per-query top_k.
	FormatJSONL Format = "jsonl"
)

// Topic is a single query with a stable identifier.
type Topic struct {
	QueryID   string `json:"query_id"`
	QueryText string `json:"query_text"`

	// TopK overrides the configured result depth for this query.
	// Zero means "use the run default".
	TopK int `json:"top_k,omitempty"`
}

// TopicSet is an ordered collection of topics tagged with a dataset
// identifier. Order matches the source file so batch dispatch and
// cross-mode comparisons stay deterministic.
type TopicSet struct {
	DatasetID string  `json:"dataset_id"`
	Topics    []Topic `json:"topics"`
}

// Len returns the number of topics.
func (s *TopicSet) Len() int {
	return len(s.Topics)
}

// QueryIDs returns all query IDs in file order.
func (s *TopicSet) QueryIDs() []string {
	ids := make([]string, len(s.Topics))
	for i, t := range s.Topics {
		ids[i] = t.QueryID
	}
	return ids
}

// Contains reports whether the set holds the given query ID.
func (s *TopicSet) Contains(queryID string) bool {
	for _, t := range s.Topics {
		if t.QueryID == queryID {
			return true
		}
	}
	return false
}

// DetectFormat guesses the topic format from the file extension.
func DetectFormat(path string) Format {
	if filepath.Ext(path) == ".jsonl" {
		return FormatJSONL
	}
	return FormatTrecText
}

// Load parses a topic file into a TopicSet. A repeated query_id or a
// record missing required fields fails the whole load.
func Load(path string, format Format, datasetID string) (*TopicSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "cannot open topic file", err).
			WithDetail("path", path)
	}
	defer f.Close()

	set := &TopicSet{DatasetID: datasetID}
	seen := make(map[string]int)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var topic Topic
		switch format {
		case FormatJSONL:
			topic, err = parseJSONLTopic(line)
		case FormatTrecText:
			topic, err = parseTrecTextTopic(line)
		default:
			return nil, errors.ValidationError(fmt.Sprintf("unknown topic format: %s", format))
		}
		if err != nil {
			return nil, wrapLineError(err, path, lineNum)
		}

		if prev, dup := seen[topic.QueryID]; dup {
			return nil, errors.ValidationError(
				fmt.Sprintf("duplicate query_id %q (first seen on line %d)", topic.QueryID, prev)).
				WithDetail("path", path).
				WithDetail("line", fmt.Sprintf("%d", lineNum))
		}
		seen[topic.QueryID] = lineNum

		set.Topics = append(set.Topics, topic)
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "reading topic file", err).
			WithDetail("path", path)
	}

	if len(set.Topics) == 0 {
		return nil, errors.ValidationError("topic file contains no topics").
			WithDetail("path", path)
	}

	return set, nil
}

func parseJSONLTopic(line string) (Topic, error) {
	var rec struct {
		QueryID   string `json:"query_id"`
		QueryText string `json:"query_text"`
		TopK      int    `json:"top_k"`
	}
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Topic{}, errors.Wrap(errors.CodeValidation, "invalid JSONL record", err)
	}
	if rec.QueryID == "" {
		return Topic{}, errors.ValidationError("record missing query_id")
	}
	if rec.QueryText == "" {
		return Topic{}, errors.ValidationError("record missing query_text")
	}
	if rec.TopK < 0 {
		return Topic{}, errors.ValidationError("top_k cannot be negative")
	}
	return Topic{QueryID: rec.QueryID, QueryText: rec.QueryText, TopK: rec.TopK}, nil
}

func parseTrecTextTopic(line string) (Topic, error) {
	// id and text separated by a tab or the first run of spaces.
	var id, text string
	if i := strings.IndexByte(line, '\t'); i >= 0 {
		id, text = line[:i], line[i+1:]
	} else if i := strings.IndexByte(line, ' '); i >= 0 {
		id, text = line[:i], line[i+1:]
	} else {
		return Topic{}, errors.ValidationError("line has no query text")
	}

	id = strings.TrimSpace(id)
	text = strings.TrimSpace(text)
	if id == "" {
		return Topic{}, errors.ValidationError("line missing query_id")
	}
	if text == "" {
		return Topic{}, errors.ValidationError("line has no query text")
	}
	return Topic{QueryID: id, QueryText: text}, nil
}

func wrapLineError(err error, path string, line int) error {
	if appErr, ok := err.(*errors.AppError); ok {
		return appErr.WithDetail("path", path).WithDetail("line", fmt.Sprintf("%d", line))
	}
	return err
}

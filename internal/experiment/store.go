// Package experiment persists evaluation artifacts: one append-only
// directory per run holding the manifest, the TREC run file and the
// evaluation report.
package experiment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/trecbench/trecbench/internal/pkg/errors"
	"github.com/trecbench/trecbench/internal/run"
	"github.com/trecbench/trecbench/internal/scoring"
)

const (
	manifestFile = "manifest.json"
	runFile      = "run.tsv"
	reportFile   = "report.json"

	// timestampLayout names artifact directories sortably.
	timestampLayout = "20060102_150405"
)

// Manifest describes one persisted evaluation run. Manifests are
// immutable once written.
type Manifest struct {
	ExperimentID string                    `json:"experiment_id"`
	Timestamp    string                    `json:"timestamp"`
	Mode         string                    `json:"mode"`
	TopicSetID   string                    `json:"topic_set_id"`
	RunID        string                    `json:"run_id"`
	ConfigHash   string                    `json:"config_hash"`
	QueryCount   int                       `json:"query_count"`
	WarningCount int                       `json:"warning_count"`
	Warnings     []string                  `json:"warnings,omitempty"`
	Report       *scoring.EvaluationReport `json:"report,omitempty"`
}

// Summary is the metadata subset returned by List.
type Summary struct {
	ExperimentID string `json:"experiment_id"`
	Timestamp    string `json:"timestamp"`
	Mode         string `json:"mode"`
	TopicSetID   string `json:"topic_set_id"`
	Overall      string `json:"overall_status"`
	Path         string `json:"path"`
}

// Store writes and reads experiment artifacts under a base directory.
type Store struct {
	baseDir string
	history *History
	now     func() time.Time
}

// NewStore creates a store rooted at baseDir. history may be nil; the
// store works fully without a metric history sink.
func NewStore(baseDir string, history *History) *Store {
	return &Store{
		baseDir: baseDir,
		history: history,
		now:     time.Now,
	}
}

// Save persists a manifest and its run under a fresh timestamped
// directory and returns the directory path. An existing directory for
// the same identity and timestamp is never overwritten.
func (s *Store) Save(m *Manifest, r *run.Run) (string, error) {
	if m.ExperimentID == "" {
		return "", errors.ValidationError("experiment_id cannot be empty")
	}
	if m.Timestamp == "" {
		m.Timestamp = s.now().UTC().Format(timestampLayout)
	}

	dirName := fmt.Sprintf("%s_%s_%s_%s", m.ExperimentID, m.TopicSetID, m.Mode, m.Timestamp)
	dir := filepath.Join(s.baseDir, dirName)

	if err := os.MkdirAll(s.baseDir, 0755); err != nil {
		return "", errors.PersistenceError("cannot create artifact root", s.baseDir, err)
	}
	// Mkdir (not MkdirAll) so a collision surfaces instead of silently
	// reusing an existing artifact directory.
	if err := os.Mkdir(dir, 0755); err != nil {
		if os.IsExist(err) {
			return "", errors.PersistenceError("artifact directory already exists", dir, err)
		}
		return "", errors.PersistenceError("cannot create artifact directory", dir, err)
	}

	if err := writeJSON(filepath.Join(dir, manifestFile), m); err != nil {
		return "", err
	}
	if m.Report != nil {
		if err := writeJSON(filepath.Join(dir, reportFile), m.Report); err != nil {
			return "", err
		}
	}
	if r != nil {
		if err := run.Write(r, filepath.Join(dir, runFile)); err != nil {
			return "", err
		}
	}

	if s.history != nil && m.Report != nil {
		s.recordHistory(m)
	}

	return dir, nil
}

// recordHistory appends metric values to the history sink,
// best-effort: a history failure never fails the save.
func (s *Store) recordHistory(m *Manifest) {
	ts, err := time.Parse(timestampLayout, m.Timestamp)
	if err != nil {
		ts = s.now().UTC()
	}
	for _, res := range m.Report.Results {
		s.history.Append(m.ExperimentID, res.Metric, res.Value, ts)
	}
}

// List returns summaries of all stored experiments, newest first.
// A non-empty topicSetID restricts the listing to that topic set.
func (s *Store) List(topicSetID string) ([]Summary, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.PersistenceError("cannot read artifact root", s.baseDir, err)
	}

	var summaries []Summary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := s.readManifest(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if topicSetID != "" && m.TopicSetID != topicSetID {
			continue
		}

		summary := Summary{
			ExperimentID: m.ExperimentID,
			Timestamp:    m.Timestamp,
			Mode:         m.Mode,
			TopicSetID:   m.TopicSetID,
			Path:         filepath.Join(s.baseDir, entry.Name()),
		}
		if m.Report != nil {
			summary.Overall = string(m.Report.Overall)
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Timestamp > summaries[j].Timestamp
	})
	return summaries, nil
}

// Load reads the full manifest for an experiment at a timestamp.
func (s *Store) Load(experimentID, timestamp string) (*Manifest, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, errors.PersistenceError("cannot read artifact root", s.baseDir, err)
	}

	suffix := "_" + timestamp
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, experimentID+"_") && strings.HasSuffix(name, suffix) {
			return s.readManifest(filepath.Join(s.baseDir, name))
		}
	}

	return nil, errors.NotFoundError(
		fmt.Sprintf("experiment %s at %s", experimentID, timestamp))
}

// LoadRun reads the run file stored alongside a manifest.
func (s *Store) LoadRun(artifactDir string) (*run.Run, error) {
	return run.Read(filepath.Join(artifactDir, runFile))
}

func (s *Store) readManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, manifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.PersistenceError("cannot read manifest", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.PersistenceError("corrupt manifest", path, err)
	}
	return &m, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.PersistenceError("cannot marshal artifact", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.PersistenceError("cannot write artifact", path, err)
	}
	return nil
}

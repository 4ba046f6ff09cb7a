package gateway

// Query is one query in a batch retrieval request.
type Query struct {
	QueryID   string `json:"query_id"`
	QueryText string `json:"query_text"`
	TopK      int    `json:"top_k,omitempty"`
}

// Request is the batch retrieval request body.
type Request struct {
	Mode    Mode    `json:"mode"`
	Queries []Query `json:"queries"`
}

// Provenance records which index produced a segment and how it was
// scored, for audit trails in experiment artifacts.
type Provenance struct {
	IndexKind       string             `json:"index_kind,omitempty"`
	IndexSnapshot   string             `json:"index_snapshot,omitempty"`
	ScoreComponents map[string]float64 `json:"score_components,omitempty"`
}

// SegmentMetadata is the display metadata attached to a segment.
type SegmentMetadata struct {
	Title    string            `json:"title,omitempty"`
	URL      string            `json:"url,omitempty"`
	Headings []string          `json:"headings,omitempty"`
	Extras   map[string]string `json:"extras,omitempty"`
}

// Segment is one retrieved document segment.
type Segment struct {
	SegmentID  string          `json:"segment_id"`
	Score      float64         `json:"score"`
	Metadata   SegmentMetadata `json:"metadata,omitempty"`
	Provenance Provenance      `json:"provenance,omitempty"`
}

// Diagnostics is the per-query timing and warning block.
type Diagnostics struct {
	LatencyMs int64    `json:"latency_ms"`
	Warnings  []string `json:"warnings,omitempty"`
}

// QueryResponse holds the segments retrieved for one query.
type QueryResponse struct {
	QueryID     string      `json:"query_id"`
	Segments    []Segment   `json:"segments"`
	Diagnostics Diagnostics `json:"diagnostics,omitempty"`
}

// Response is the batch retrieval response body.
type Response struct {
	SchemaVersion string          `json:"schema_version"`
	Results       []QueryResponse `json:"results"`
}

// APIError is the error body the retrieval service returns.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

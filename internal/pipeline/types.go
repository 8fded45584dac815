package pipeline

// Status classifies the outcome of one page's extraction.
type Status string

const (
	// StatusSuccess: non-empty text was extracted.
	StatusSuccess Status = "success"
	// StatusEmpty: the page was processed but produced no text.
	StatusEmpty Status = "empty"
	// StatusError: rasterization or every attempted backend failed.
	StatusError Status = "error"
)

// Extraction methods recorded on PageResult.Method. Backend-based pages
// carry the adapter name instead.
const MethodTextLayer = "text-layer"

// PageResult is the outcome for a single page. Exactly one PageResult exists
// per page, in page order, regardless of individual failures.
//
// Invariants: success requires non-empty Text; empty requires empty Text and
// no Error; error requires a non-empty Error message.
type PageResult struct {
	Page   int    `json:"page"`
	Text   string `json:"text"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
	Method string `json:"method,omitempty"`
}

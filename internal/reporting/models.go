package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics over a window.
type CallsSummaryRequest struct {
	Range TimeRange `json:"range"`
}

// CallsSummary counts call attempts by how they finished. Each attempt is
// counted once even though both participants log it.
type CallsSummary struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	Attempts  int `json:"attempts"`
	Connected int `json:"connected"`
	Completed int `json:"completed"`
	Rejected  int `json:"rejected"`
	NoAnswer  int `json:"no_answer"`
	Canceled  int `json:"canceled"`
	Failed    int `json:"failed"`
	// InProgress are attempts with no ended event yet.
	InProgress int `json:"in_progress"`

	TotalConnectedSeconds   int64   `json:"total_connected_seconds"`
	AverageConnectedSeconds int64   `json:"average_connected_seconds"`
	ConnectionRate          float64 `json:"connection_rate"`
}

package archive

import (
	"sort"
	"time"
)

// BatchOutcome summarizes one provider batch. Requested always equals
// Fetched + Failed + Unavailable.
type BatchOutcome struct {
	Provider    Provider `json:"provider"`
	Requested   int      `json:"requested"`
	Fetched     int      `json:"fetched"`
	Failed      int      `json:"failed"`
	Unavailable int      `json:"unavailable"`
	// Err is set when the batch was aborted by a fatal error.
	Err error `json:"-"`
}

// Status labels the outcome for logs and metrics.
func (o BatchOutcome) Status() string {
	switch {
	case o.Err != nil:
		return "aborted"
	case o.Failed > 0:
		return "partial"
	default:
		return "ok"
	}
}

// ErrMessage returns the abort error message, or "".
func (o BatchOutcome) ErrMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Report is the result of one archival run.
type Report struct {
	RunID      string                    `json:"run_id"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	Range      DateRange                 `json:"range"`
	Missing    int                       `json:"missing"`
	Outcomes   map[Provider]BatchOutcome `json:"outcomes"`
}

// Failed reports whether any batch was aborted or had failed requests.
func (r Report) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Err != nil || o.Failed > 0 {
			return true
		}
	}
	return false
}

// Totals sums the outcomes of every provider.
func (r Report) Totals() BatchOutcome {
	var t BatchOutcome
	for _, o := range r.Outcomes {
		t.Requested += o.Requested
		t.Fetched += o.Fetched
		t.Failed += o.Failed
		t.Unavailable += o.Unavailable
	}
	return t
}

// Providers returns the providers in the report in name order.
func (r Report) Providers() []Provider {
	out := make([]Provider, 0, len(r.Outcomes))
	for p := range r.Outcomes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

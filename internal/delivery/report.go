package delivery

import (
	"errors"
	"strings"
)

// Report summarizes a batch of attempts run by a dispatch or a sweep.
type Report struct {
	Deliveries int       `json:"deliveries"`
	Delivered  int       `json:"delivered"`
	Retrying   int       `json:"retrying"`
	Failed     int       `json:"failed"`
	Outcomes   []Outcome `json:"outcomes"`
}

func newReport(outcomes []Outcome) Report {
	r := Report{Deliveries: len(outcomes), Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Err != nil {
			continue
		}
		switch o.Status {
		case StatusDelivered:
			r.Delivered++
		case StatusPending:
			r.Retrying++
		case StatusFailed:
			r.Failed++
		}
	}
	return r
}

// Errors joins the store errors hit while recording outcomes, or nil.
func (r Report) Errors() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// ReasonBucket folds a failure reason into a low-cardinality label.
func ReasonBucket(reason string, status int) string {
	switch {
	case reason == ReasonTimeout:
		return "timeout"
	case status == 429:
		return "http_429"
	case status >= 500:
		return "http_5xx"
	case status >= 400:
		return "http_4xx"
	case status > 0:
		return "other"
	}
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "connection refused"):
		return "connection_refused"
	case strings.Contains(lower, "no such host"), strings.Contains(lower, "dns"):
		return "dns_error"
	case strings.Contains(lower, "timeout"):
		return "timeout"
	case lower == "":
		return "other"
	}
	return "network"
}

package models

import "sort"

// ErrorCount is an error message aggregated over documents or tuples.
// Status is the backend status code, or 0 for non-HTTP failures.
type ErrorCount struct {
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
	Count   int    `json:"count"`
}

// MergeErrorCounts combines lists, summing counts of equal (message, status)
// pairs. The result is sorted by message then status.
func MergeErrorCounts(lists ...[]ErrorCount) []ErrorCount {
	type key struct {
		msg    string
		status int
	}
	counts := make(map[key]int)
	for _, list := range lists {
		for _, e := range list {
			counts[key{e.Message, e.Status}] += e.Count
		}
	}
	if len(counts) == 0 {
		return nil
	}

	out := make([]ErrorCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, ErrorCount{Message: k.msg, Status: k.status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Message != out[j].Message {
			return out[i].Message < out[j].Message
		}
		return out[i].Status < out[j].Status
	})
	return out
}

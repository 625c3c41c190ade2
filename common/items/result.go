package items

import "fmt"

// NodeResult is what every node run produces: the outgoing stream,
// human-readable log lines in execution order, and named metrics.
type NodeResult struct {
	Items   []Item                 `json:"items"`
	Logs    []string               `json:"logs"`
	Metrics map[string]interface{} `json:"metrics"`
}

// NewResult wraps a stream in a result with empty logs and metrics.
func NewResult(out []Item) *NodeResult {
	return &NodeResult{
		Items:   out,
		Logs:    []string{},
		Metrics: map[string]interface{}{},
	}
}

// AddLog appends a formatted line.
func (r *NodeResult) AddLog(format string, args ...interface{}) {
	r.Logs = append(r.Logs, fmt.Sprintf(format, args...))
}

// SetMetric records a metric on this result, overwriting any prior
// value for the key.
func (r *NodeResult) SetMetric(key string, v interface{}) {
	if r.Metrics == nil {
		r.Metrics = map[string]interface{}{}
	}
	r.Metrics[key] = v
}

// Absorb folds a child result into this one: logs append in order and
// metrics merge via MergeMetrics. Items are left to the caller, since
// composites differ in how child streams combine.
func (r *NodeResult) Absorb(child *NodeResult) {
	if child == nil {
		return
	}
	r.Logs = append(r.Logs, child.Logs...)
	r.Metrics = MergeMetrics(r.Metrics, child.Metrics)
}

// MergeMetrics merges src into dst and returns dst. On key collision
// two numeric values sum; any other combination keeps the src value.
func MergeMetrics(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = map[string]interface{}{}
	}
	for k, sv := range src {
		dv, exists := dst[k]
		if !exists {
			dst[k] = sv
			continue
		}
		dn, dok := Number(dv)
		sn, sok := Number(sv)
		if dok && sok {
			dst[k] = dn + sn
		} else {
			dst[k] = sv
		}
	}
	return dst
}

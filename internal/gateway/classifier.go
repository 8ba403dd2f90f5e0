package gateway

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cast"
)

type OutcomeKind string

const (
	OutcomeUnknown OutcomeKind = "unknown"
	OutcomePending OutcomeKind = "pending"
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailed  OutcomeKind = "failed"
)

// Outcome is the classified result of a gateway status observation
type Outcome struct {
	Kind      OutcomeKind
	Code      string
	State     string
	Transient bool
	Raw       json.RawMessage
}

func (o Outcome) IsSuccess() bool { return o.Kind == OutcomeSuccess }
func (o Outcome) IsFailed() bool  { return o.Kind == OutcomeFailed }

// IsTerminal reports whether the outcome should move a payment out of its open state
func (o Outcome) IsTerminal() bool { return o.IsSuccess() || o.IsFailed() }

// Providers disagree on where the state lives, so every one of these locations is inspected.
var defaultPaths = [][]string{
	{"state"},
	{"code"},
	{"data", "state"},
	{"data", "responseCode"},
	{"payload", "state"},
	{"transaction_status"},
}

// Classifier maps raw gateway observations onto an Outcome using marker sets.
// A Classifier is immutable; the With* methods return extended copies.
type Classifier struct {
	success map[string]struct{}
	failure map[string]struct{}
	pending map[string]struct{}
	paths   [][]string
}

func NewClassifier() *Classifier {
	return &Classifier{
		success: markerSet(StateSuccess, "SUCCESS", "COMPLETED"),
		failure: markerSet(StateError, "FAILED"),
		pending: markerSet(StatePending, "PENDING"),
		paths:   defaultPaths,
	}
}

func (c *Classifier) WithSuccess(markers ...string) *Classifier {
	cp := c.clone()
	addMarkers(cp.success, markers)
	return cp
}

func (c *Classifier) WithFailure(markers ...string) *Classifier {
	cp := c.clone()
	addMarkers(cp.failure, markers)
	return cp
}

func (c *Classifier) WithPending(markers ...string) *Classifier {
	cp := c.clone()
	addMarkers(cp.pending, markers)
	return cp
}

// Classify inspects the normalised code and state, then the raw payload.
// Success markers win over failure markers, failure over pending.
// A result that carries a transport error is always a transient pending outcome.
func (c *Classifier) Classify(res StatusResult) Outcome {
	out := Outcome{Kind: OutcomeUnknown, Code: res.Code, State: res.State, Raw: res.Raw}
	if res.Err != nil {
		out.Kind = OutcomePending
		out.Transient = true
		return out
	}

	candidates := []string{res.Code, res.State}
	candidates = append(candidates, c.rawValues(res.Raw)...)

	switch {
	case c.matches(c.success, candidates):
		out.Kind = OutcomeSuccess
	case c.matches(c.failure, candidates):
		out.Kind = OutcomeFailed
	case c.matches(c.pending, candidates):
		out.Kind = OutcomePending
	}
	return out
}

func (c *Classifier) matches(set map[string]struct{}, candidates []string) bool {
	for _, v := range candidates {
		if v == "" {
			continue
		}
		if _, ok := set[normaliseMarker(v)]; ok {
			return true
		}
	}
	return false
}

func (c *Classifier) rawValues(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}

	var values []string
	for _, path := range c.paths {
		if v, ok := lookup(doc, path); ok {
			values = append(values, v)
		}
	}
	return values
}

func lookup(doc map[string]interface{}, path []string) (string, bool) {
	var cur interface{} = doc
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		cur, ok = m[key]
		if !ok {
			return "", false
		}
	}
	s, err := cast.ToStringE(cur)
	if err != nil || s == "" {
		return "", false
	}
	return s, true
}

func (c *Classifier) clone() *Classifier {
	cp := &Classifier{
		success: make(map[string]struct{}, len(c.success)),
		failure: make(map[string]struct{}, len(c.failure)),
		pending: make(map[string]struct{}, len(c.pending)),
		paths:   c.paths,
	}
	for k := range c.success {
		cp.success[k] = struct{}{}
	}
	for k := range c.failure {
		cp.failure[k] = struct{}{}
	}
	for k := range c.pending {
		cp.pending[k] = struct{}{}
	}
	return cp
}

func markerSet(markers ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(markers))
	addMarkers(set, markers)
	return set
}

func addMarkers(set map[string]struct{}, markers []string) {
	for _, m := range markers {
		set[normaliseMarker(m)] = struct{}{}
	}
}

func normaliseMarker(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Package behavior implements the second detection layer: stateful,
// per-identifier threshold checks over cumulative activity. Verdicts depend
// on the counters as of the current record, so records sharing an identifier
// must be observed in their original sequence order.
package behavior

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/records"
)

// Behavior type labels emitted by this layer.
const (
	TypeBruteForce    = "Brute Force"
	TypeRateAbuse     = "Rate Abuse"
	TypeEnumeration   = "Enumeration"
	TypeBurstActivity = "Burst Activity"
	TypeNormal        = "Normal"
)

// Detection thresholds.
const (
	bruteForceFailures  = 5
	rateAbuseRequests   = 50
	enumerationURIs     = 10
	enumerationDigitPct = 0.7
	burstRequests       = 30
	burstMethods        = 3
)

// Capacity limits for the per-identifier tracked sets. Once a set is full
// new values are declined; already-seen values still count as seen.
const (
	maxTrackedMethods = 10
	maxTrackedURIs    = 100
)

// Verdict is the outcome of behavioral analysis as of one record.
type Verdict struct {
	Matched      bool              `json:"matched"`
	BehaviorType string            `json:"behavior_type"`
	Confidence   float64           `json:"confidence"`
	Details      map[string]string `json:"details,omitempty"`
}

// boundedSet is a set with a fixed insertion capacity. Inserts beyond the
// capacity are dropped rather than evicting older members, which bounds
// memory for high-cardinality sources while keeping counts stable.
type boundedSet struct {
	members map[string]struct{}
	cap     int
}

func newBoundedSet(capacity int) *boundedSet {
	return &boundedSet{members: make(map[string]struct{}), cap: capacity}
}

// Add inserts v unless the set is already at capacity.
func (s *boundedSet) Add(v string) {
	if _, ok := s.members[v]; ok {
		return
	}
	if len(s.members) >= s.cap {
		return
	}
	s.members[v] = struct{}{}
}

// Len returns the number of distinct members.
func (s *boundedSet) Len() int { return len(s.members) }

// Each calls fn for every member.
func (s *boundedSet) Each(fn func(v string)) {
	for v := range s.members {
		fn(v)
	}
}

// activity is the tracked state for one identifier.
type activity struct {
	requestCount int
	failureCount int
	methods      *boundedSet
	uris         *boundedSet
}

func newActivity() *activity {
	return &activity{
		methods: newBoundedSet(maxTrackedMethods),
		uris:    newBoundedSet(maxTrackedURIs),
	}
}

// Engine is the behavioral detection layer. It is the only stateful engine
// in the pipeline; its state is scoped to one detection run and must be
// owned exclusively by that run.
type Engine struct {
	byIdentifier map[string]*activity
	logger       *zap.Logger
}

// NewEngine creates a behavior engine with empty state.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		byIdentifier: make(map[string]*activity),
		logger:       logger,
	}
}

// Reset clears all tracked state. Called once at the start of a detection
// run, never mid-run.
func (e *Engine) Reset() {
	e.byIdentifier = make(map[string]*activity)
}

// Observe folds one record into the identifier's tracked activity and
// evaluates the behavioral rules in fixed priority order, returning on the
// first match. Records without an identifier are never flagged.
func (e *Engine) Observe(rec records.Record) Verdict {
	id := rec.Identifier()
	if id == "" {
		return Verdict{BehaviorType: TypeNormal}
	}

	act, ok := e.byIdentifier[id]
	if !ok {
		act = newActivity()
		e.byIdentifier[id] = act
	}

	act.requestCount++
	if sc := rec.StatusCode(); sc == 401 || sc == 403 {
		act.failureCount++
	}
	act.methods.Add(rec.Method())
	act.uris.Add(rec.URI())

	if v := detectBruteForce(act); v.Matched {
		return v
	}
	if v := detectRateAbuse(act); v.Matched {
		return v
	}
	if v := detectEnumeration(act); v.Matched {
		return v
	}
	if v := detectBurst(act); v.Matched {
		return v
	}
	return Verdict{BehaviorType: TypeNormal}
}

// TrackedIdentifiers returns the number of identifiers with state, used by
// run statistics.
func (e *Engine) TrackedIdentifiers() int {
	return len(e.byIdentifier)
}

func detectBruteForce(act *activity) Verdict {
	if act.failureCount < bruteForceFailures {
		return Verdict{BehaviorType: TypeNormal}
	}
	conf := 0.70 + float64(act.failureCount-bruteForceFailures)*0.05
	if conf > 0.95 {
		conf = 0.95
	}
	return Verdict{
		Matched:      true,
		BehaviorType: TypeBruteForce,
		Confidence:   conf,
		Details: map[string]string{
			"failure_count": fmt.Sprintf("%d", act.failureCount),
			"description":   fmt.Sprintf("%d authentication failures detected", act.failureCount),
		},
	}
}

func detectRateAbuse(act *activity) Verdict {
	if act.requestCount < rateAbuseRequests {
		return Verdict{BehaviorType: TypeNormal}
	}
	conf := 0.65 + float64(act.requestCount-rateAbuseRequests)*0.01
	if conf > 0.90 {
		conf = 0.90
	}
	return Verdict{
		Matched:      true,
		BehaviorType: TypeRateAbuse,
		Confidence:   conf,
		Details: map[string]string{
			"request_count": fmt.Sprintf("%d", act.requestCount),
			"description":   fmt.Sprintf("%d requests from single source", act.requestCount),
		},
	}
}

func detectEnumeration(act *activity) Verdict {
	unique := act.uris.Len()
	if unique < enumerationURIs {
		return Verdict{BehaviorType: TypeNormal}
	}
	withDigit := 0
	act.uris.Each(func(uri string) {
		if strings.ContainsAny(uri, "0123456789") {
			withDigit++
		}
	})
	if float64(withDigit) < float64(unique)*enumerationDigitPct {
		return Verdict{BehaviorType: TypeNormal}
	}
	return Verdict{
		Matched:      true,
		BehaviorType: TypeEnumeration,
		Confidence:   0.72,
		Details: map[string]string{
			"unique_uris": fmt.Sprintf("%d", unique),
			"with_digit":  fmt.Sprintf("%d", withDigit),
			"description": fmt.Sprintf("enumeration pattern: %d unique URIs", unique),
		},
	}
}

func detectBurst(act *activity) Verdict {
	if act.requestCount < burstRequests || act.methods.Len() < burstMethods {
		return Verdict{BehaviorType: TypeNormal}
	}
	return Verdict{
		Matched:      true,
		BehaviorType: TypeBurstActivity,
		Confidence:   0.68,
		Details: map[string]string{
			"request_count":  fmt.Sprintf("%d", act.requestCount),
			"unique_methods": fmt.Sprintf("%d", act.methods.Len()),
			"description":    fmt.Sprintf("burst: %d requests with %d methods", act.requestCount, act.methods.Len()),
		},
	}
}

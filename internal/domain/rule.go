package domain

// Combinator joins a DynamicRule's predicate list.
type Combinator string

const (
	CombinatorAll Combinator = "all"
	CombinatorAny Combinator = "any"
)

// PredicateOp enumerates the comparison operators a value predicate
// supports (spec.md §3).
type PredicateOp string

const (
	OpGT     PredicateOp = ">"
	OpLT     PredicateOp = "<"
	OpGTE    PredicateOp = ">="
	OpLTE    PredicateOp = "<="
	OpEQ     PredicateOp = "="
	OpNEQ    PredicateOp = "!="
	OpWithin PredicateOp = "within"
)

// PredicateKind distinguishes the three predicate shapes spec.md §3
// names: a literal value comparison, a rate-of-change threshold, or an
// absolute delta threshold.
type PredicateKind string

const (
	PredicateValue      PredicateKind = "value"
	PredicateChangeRate PredicateKind = "change_rate"
	PredicateDelta      PredicateKind = "delta"
	// PredicateGuard is a free-form CEL boolean expression evaluated
	// over {value, change_rate, delta} instead of a structured
	// Kind/Op/Value clause, for predicates the closed operator set
	// can't express.
	PredicateGuard PredicateKind = "guard"
)

// Predicate is one clause of a DynamicRule's predicate tree.
type Predicate struct {
	Kind  PredicateKind `json:"kind"`
	Field string        `json:"field,omitempty"` // defaults to "value"
	Op    PredicateOp   `json:"op,omitempty"`    // unused for Kind == guard
	Value float64       `json:"value,omitempty"`
	Low   float64       `json:"low,omitempty"`  // for Op == within
	High  float64       `json:"high,omitempty"` // for Op == within
	Expr  string        `json:"expr,omitempty"` // for Kind == guard, a CEL boolean expression
}

// DynamicRule is an admin-authored alert policy evaluated against every
// ingested reading.
type DynamicRule struct {
	ID             string
	Scope          string // municipality id, or "global"
	SensorKindCode string // empty means unbound
	Predicates     []Predicate
	Combinator     Combinator

	AlertKind    AlertKind
	Severity     Severity
	Template     string
	Priority     int // lower runs/broadcasts first
	CooldownSecs int
	Active       bool
}

// AppliesToKind reports whether the rule is unbound or matches kind.
func (r *DynamicRule) AppliesToKind(kind string) bool {
	return r.SensorKindCode == "" || r.SensorKindCode == kind
}

// AppliesToMunicipality reports whether the rule is global or matches
// the given municipality.
func (r *DynamicRule) AppliesToMunicipality(municipalityID string) bool {
	return r.Scope == "" || r.Scope == "global" || r.Scope == municipalityID
}

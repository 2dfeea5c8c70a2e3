package rules

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

// predicateSchemaJSON constrains the shape of a DynamicRule's predicate
// list at admin-write time (spec.md §3): each predicate names a kind,
// an operator, and the operator-appropriate operands — grounded on the
// teacher's pkg/firewall per-tool parameter schema validator.
// low/high/value carry no "required" constraint even for op == within:
// domain.Predicate marshals them with "omitempty", so a legitimate
// zero bound (e.g. a within[0,2] range) is indistinguishable on the
// wire from an absent one — only the operator enum and operand types
// are checked here. A "guard" predicate trades the op/value shape for
// a free-form "expr" CEL expression, compiled separately below.
const predicateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["kind"],
    "properties": {
      "kind": {"enum": ["value", "change_rate", "delta", "guard"]},
      "field": {"type": "string"},
      "op": {"enum": [">", "<", ">=", "<=", "=", "!=", "within"]},
      "value": {"type": "number"},
      "low": {"type": "number"},
      "high": {"type": "number"},
      "expr": {"type": "string"}
    },
    "if": {"properties": {"kind": {"const": "guard"}}},
    "then": {"required": ["kind", "expr"]},
    "else": {"required": ["kind", "op"]}
  }
}`

var (
	predicateSchemaOnce sync.Once
	predicateSchema     *jsonschema.Schema
	predicateSchemaErr  error
)

func compiledPredicateSchema() (*jsonschema.Schema, error) {
	predicateSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://water-telemetry-core.local/schemas/rule-predicates.json"
		if err := c.AddResource(url, strings.NewReader(predicateSchemaJSON)); err != nil {
			predicateSchemaErr = fmt.Errorf("load predicate schema: %w", err)
			return
		}
		predicateSchema, predicateSchemaErr = c.Compile(url)
	})
	return predicateSchema, predicateSchemaErr
}

// ValidatePredicateShape checks predicates against the structural
// schema (operator/operand shape) before a DynamicRule is written —
// this is shape validation only; the non-empty-when-active invariant
// (spec.md §3) is enforced separately by store.RuleRepo.Create. Any
// "guard" predicate additionally has its CEL expression compiled here,
// so a rule with an invalid expression is rejected at write time
// rather than silently failing every ingest it would have matched.
func ValidatePredicateShape(predicates []domain.Predicate) error {
	if len(predicates) == 0 {
		return nil
	}
	schema, err := compiledPredicateSchema()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(predicates)
	if err != nil {
		return fmt.Errorf("encode predicates: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode predicates: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("predicate shape: %w", err)
	}

	for _, p := range predicates {
		if p.Kind != domain.PredicateGuard {
			continue
		}
		if err := validateGuardExpression(p.Expr); err != nil {
			return fmt.Errorf("predicate shape: %w", err)
		}
	}
	return nil
}

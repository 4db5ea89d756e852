package query

import "encoding/json"

// Plan is the fully parsed, structured form of one client query,
// per spec.md §3 "Query plan".
type Plan struct {
	Collection string

	// Filter is non-nil when the lambda body parses entirely within
	// the SQL-compilable grammar (§3). Residual is non-empty when it
	// does not; the two are mutually exclusive. FilterParam is the
	// lambda's bound parameter name, needed to re-parse Residual later
	// since the residual text still references it verbatim.
	Filter      Expr
	Residual    string
	FilterParam string

	Order *OrderSpec
	Limit *int64

	Terminal TerminalKind

	// TargetID is populated by a `get(<id>)` operator that precedes
	// an `update`/`delete` terminal, or by a standalone `get(<id>)`
	// terminal itself.
	TargetID string

	// Payload carries the literal object argument of `insert`/`update`
	// terminals, re-encoded as JSON.
	Payload json.RawMessage
}

// HasFilter reports whether the plan carries any filter at all
// (compilable, residual, or both empty meaning no filter).
func (p *Plan) HasFilter() bool {
	return p.Filter != nil || p.Residual != ""
}

package eval

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/livetable/livetable/internal/query"
)

type collectWarner struct{ msgs []string }

func (w *collectWarner) Warn(msg string) { w.msgs = append(w.msgs, msg) }

func TestEvaluate_StringIncludesMatches(t *testing.T) {
	r := CompileResidual("u", `u.name.includes("bob")`)
	w := &collectWarner{}

	assert.True(t, Evaluate(r, json.RawMessage(`{"name":"bobby"}`), w))
	assert.False(t, Evaluate(r, json.RawMessage(`{"name":"alice"}`), w))
	assert.Empty(t, w.msgs)
}

func TestEvaluate_StartsWithAndEndsWith(t *testing.T) {
	starts := CompileResidual("u", `u.name.startsWith("bo")`)
	ends := CompileResidual("u", `u.name.endsWith("by")`)
	w := &collectWarner{}

	assert.True(t, Evaluate(starts, json.RawMessage(`{"name":"bobby"}`), w))
	assert.True(t, Evaluate(ends, json.RawMessage(`{"name":"bobby"}`), w))
	assert.False(t, Evaluate(starts, json.RawMessage(`{"name":"alice"}`), w))
}

func TestEvaluate_ArithmeticEscapeHatch(t *testing.T) {
	r := CompileResidual("o", `o.price * o.qty > 100`)
	w := &collectWarner{}

	assert.True(t, Evaluate(r, json.RawMessage(`{"price":60,"qty":2}`), w))
	assert.False(t, Evaluate(r, json.RawMessage(`{"price":10,"qty":2}`), w))
}

func TestEvaluate_MissingFieldIsStrictlyUnequal(t *testing.T) {
	r := CompileResidual("u", `u.nickname == "bob"`)
	w := &collectWarner{}

	assert.False(t, Evaluate(r, json.RawMessage(`{"name":"bob"}`), w))
}

func TestEvaluate_UninterpretableConstructWarnsOnceAndFailsClosed(t *testing.T) {
	// "other" is not the lambda's bound parameter ("u"), so the
	// residual parser cannot resolve it against the document payload.
	r := CompileResidual("u", `other.name`)
	w := &collectWarner{}

	result := Evaluate(r, json.RawMessage(`{"name":"bob"}`), w)

	assert.False(t, result)
	assert.Len(t, w.msgs, 1)
}

func TestEvaluate_BareFieldPathIsTruthinessTest(t *testing.T) {
	r := CompileResidual("u", `u.active`)
	w := &collectWarner{}

	assert.True(t, Evaluate(r, json.RawMessage(`{"active":true}`), w))
	assert.False(t, Evaluate(r, json.RawMessage(`{"active":false}`), w))
	assert.False(t, Evaluate(r, json.RawMessage(`{}`), w))
}

func TestEvaluate_LogicalAnd(t *testing.T) {
	and := CompileResidual("o", `o.status == "open" && o.total > 100`)
	w := &collectWarner{}

	assert.True(t, Evaluate(and, json.RawMessage(`{"status":"open","total":150}`), w))
	assert.False(t, Evaluate(and, json.RawMessage(`{"status":"open","total":50}`), w))
}

func TestEvaluateExpr_ReevaluatesCompiledFilterTree(t *testing.T) {
	plan, err := query.Parse(`db.table("users").filter(r => r.age >= 18).run()`)
	assert.NoError(t, err)

	assert.True(t, EvaluateExpr(plan.Filter, json.RawMessage(`{"age":21}`)))
	assert.False(t, EvaluateExpr(plan.Filter, json.RawMessage(`{"age":10}`)))
}

func TestEvaluateExpr_NilFilterMatchesEverything(t *testing.T) {
	assert.True(t, EvaluateExpr(nil, json.RawMessage(`{"anything":true}`)))
}

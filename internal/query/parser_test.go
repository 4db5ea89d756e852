package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RunWithFilterOrderLimit(t *testing.T) {
	plan, err := Parse(`db.table("users").filter(r => r.age >= 18).orderBy("name", "asc").limit(10).run()`)
	require.NoError(t, err)

	assert.Equal(t, "users", plan.Collection)
	assert.Equal(t, TerminalRun, plan.Terminal)
	require.NotNil(t, plan.Order)
	assert.Equal(t, "name", plan.Order.Field)
	assert.Equal(t, Asc, plan.Order.Direction)
	require.NotNil(t, plan.Limit)
	assert.EqualValues(t, 10, *plan.Limit)

	require.NotNil(t, plan.Filter)
	cmp, ok := plan.Filter.(*Comparison)
	require.True(t, ok)
	assert.Equal(t, CmpGe, cmp.Op)
	fp, ok := cmp.Left.(*FieldPath)
	require.True(t, ok)
	assert.Equal(t, []string{"age"}, fp.Path)
	lit, ok := cmp.Right.(*Literal)
	require.True(t, ok)
	assert.Equal(t, LiteralNumber, lit.Kind)
	assert.Equal(t, float64(18), lit.Num)
}

func TestParse_GetThenUpdateSetsTargetID(t *testing.T) {
	plan, err := Parse(`db.table("users").get("abc-123").update({"name": "new"})`)
	require.NoError(t, err)

	assert.Equal(t, TerminalUpdate, plan.Terminal)
	assert.Equal(t, "abc-123", plan.TargetID)
	assert.NotEmpty(t, plan.Payload)
}

func TestParse_BareGetIsTerminal(t *testing.T) {
	plan, err := Parse(`db.table("users").get("abc-123")`)
	require.NoError(t, err)

	assert.Equal(t, TerminalGet, plan.Terminal)
	assert.Equal(t, "abc-123", plan.TargetID)
}

func TestParse_DeleteWithoutGetIsArityMismatch(t *testing.T) {
	_, err := Parse(`db.table("users").delete()`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get")
}

func TestParse_FilterParamCapturedForResidual(t *testing.T) {
	plan, err := Parse(`db.table("users").filter(u => u.name.includes("bob")).run()`)
	require.NoError(t, err)

	assert.Empty(t, plan.Filter)
	assert.NotEmpty(t, plan.Residual)
	assert.Equal(t, "u", plan.FilterParam)
}

func TestParse_LogicalAnd(t *testing.T) {
	plan, err := Parse(`db.table("orders").filter(o => o.status == "open" && o.total > 100).run()`)
	require.NoError(t, err)

	require.NotNil(t, plan.Filter)
	logical, ok := plan.Filter.(*Logical)
	require.True(t, ok)
	assert.Equal(t, LogAnd, logical.Op)
	assert.Len(t, logical.Args, 2)
}

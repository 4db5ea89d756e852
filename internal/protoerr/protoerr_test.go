package protoerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_SentinelErrors(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(ErrNotFound))
	assert.Equal(t, KindPayloadTooLarge, KindOf(ErrPayloadTooLarge))
	assert.Equal(t, KindBackendTransient, KindOf(ErrBackendTransient))
	assert.Equal(t, KindRateLimited, KindOf(ErrRateLimited))
}

func TestKindOf_WrappedSentinelStillResolves(t *testing.T) {
	wrapped := errors.New("get users/abc: " + ErrNotFound.Error())
	assert.Equal(t, KindInternal, KindOf(wrapped)) // plain string wrap loses identity

	viaFmt := Wrap(KindNotFound, ErrNotFound, "document %q missing", "abc")
	assert.Equal(t, KindNotFound, KindOf(viaFmt))
	assert.True(t, errors.Is(viaFmt, ErrNotFound))
}

func TestKindOf_PlanErrorUsesItsOwnKind(t *testing.T) {
	err := &PlanError{Kind: KindArityMismatch, Msg: "update() requires a preceding get(<id>)"}
	assert.Equal(t, KindArityMismatch, KindOf(err))
	assert.Equal(t, "update() requires a preceding get(<id>)", err.Error())
}

func TestKindOf_ParseErrorMapsToKindParse(t *testing.T) {
	err := &ParseError{Line: 1, Column: 5, Msg: "unexpected token"}
	assert.Equal(t, KindParse, KindOf(err))
	assert.Contains(t, err.Error(), "1:5")
}

func TestKindOf_UnrecognizedErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("something else")))
}

func TestKindOf_NilErrorIsEmptyKind(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestTyped_IsMatchesByKindNotMessage(t *testing.T) {
	a := New(KindQueryTimeout, "query timed out after 5s")
	b := New(KindQueryTimeout, "a completely different message")
	c := New(KindBackendFatal, "unrelated")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestTyped_UnwrapReachesCause(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := Wrap(KindBackendTransient, cause, "dial failed")

	assert.True(t, errors.Is(wrapped, cause))
	assert.Equal(t, cause, errors.Unwrap(wrapped))
}

package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_ProducesParsableCanonicalForm(t *testing.T) {
	id := NewID()
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseID_RejectsMalformedString(t *testing.T) {
	_, err := ParseID("not-a-uuid")
	assert.Error(t, err)
}

func TestDocument_CopyDoesNotAliasData(t *testing.T) {
	original := Document{
		ID:   NewID(),
		Data: json.RawMessage(`{"n":1}`),
	}
	cp := original.Copy()

	cp.Data[2] = 'X'

	assert.NotEqual(t, string(original.Data), string(cp.Data))
	assert.Equal(t, `{"n":1}`, string(original.Data))
}

func TestDocument_CopyHandlesNilData(t *testing.T) {
	original := Document{ID: NewID()}
	cp := original.Copy()
	assert.Nil(t, cp.Data)
}

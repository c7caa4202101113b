package backingstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Registry_Register_Then_Lookup_Returns_Same_Store(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	s := NewFileStore(nil)

	err := r.Register("file", s)
	require.NoError(t, err)

	got, ok := r.Lookup("file")
	require.True(t, ok)
	assert.Same(t, s, got)
}

func Test_Registry_Register_Rejects_Duplicate_Name(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	require.NoError(t, r.Register("file", NewFileStore(nil)))

	err := r.Register("file", NewFileStore(nil))
	assert.Error(t, err)
}

func Test_Registry_Lookup_Reports_Missing_Name(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	_, ok := r.Lookup("does-not-exist")
	assert.False(t, ok)
}

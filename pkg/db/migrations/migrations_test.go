package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllMigrationsAreOrdered(t *testing.T) {
	all := All()
	require.NotEmpty(t, all)

	var last int64
	for _, m := range all {
		assert.Greater(t, m.Version, last)
		last = m.Version
	}
	assert.Equal(t, "sessions", Session{}.TableName())
}

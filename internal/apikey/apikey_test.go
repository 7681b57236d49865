package apikey_test

import (
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/cardscan/internal/apikey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, key, err := apikey.New(" ops ", []string{"scans:read", "admin"}, now)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, "cs_"))
	assert.Len(t, raw, 3+48)
	assert.Equal(t, raw[:apikey.PrefixLen], key.KeyPrefix)
	assert.Equal(t, "ops", key.Name)
	assert.Equal(t, []string{"scans:read", "admin"}, key.Scopes)
	assert.NotContains(t, key.KeyHash, raw)
	assert.True(t, key.CreatedAt.Equal(now))

	assert.True(t, apikey.Matches(key, raw))
	assert.False(t, apikey.Matches(key, raw+"x"))
}

func TestNew_Unique(t *testing.T) {
	a, _, err := apikey.New("a", nil, time.Now())
	require.NoError(t, err)
	b, _, err := apikey.New("b", nil, time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNew_Rejects(t *testing.T) {
	_, _, err := apikey.New("", nil, time.Now())
	assert.Error(t, err)

	_, _, err = apikey.New("x", []string{"root"}, time.Now())
	assert.ErrorIs(t, err, apikey.ErrInvalidScope)
}

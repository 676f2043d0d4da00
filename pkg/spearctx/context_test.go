package spearctx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gru-im/spear/internal/fixtures"
)

func TestConfigIsCopied(t *testing.T) {
	t.Parallel()

	src := map[string]string{"spear.id": "node-1"}
	c := New(fixtures.NewTestLogger(t), src)
	src["spear.id"] = "changed"
	assert.Equal(t, "node-1", c.Get("spear.id"))

	cfg := c.Config()
	cfg["spear.id"] = "changed"
	assert.Equal(t, "node-1", c.Get("spear.id"))
}

func TestGetBool(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"true":  true,
		"TRUE":  true,
		"tRuE":  true,
		" true": true,
		"false": false,
		"1":     false,
		"yes":   false,
		"":      false,
	}
	for value, expected := range tests {
		c := New(fixtures.NewTestLogger(t), map[string]string{"monitor.start": value})
		assert.Equal(t, expected, c.GetBool("monitor.start"), "value %q", value)
	}
	c := New(fixtures.NewTestLogger(t), nil)
	assert.False(t, c.GetBool("monitor.start"))
}

func TestGetIntAndDuration(t *testing.T) {
	t.Parallel()

	c := New(fixtures.NewTestLogger(t), map[string]string{
		"a": "42",
		"b": "nope",
		"d": "5s",
	})
	assert.Equal(t, 42, c.GetInt("a", 1))
	assert.Equal(t, 1, c.GetInt("b", 1))
	assert.Equal(t, 7, c.GetInt("missing", 7))
	assert.Equal(t, 5*time.Second, c.GetDuration("d", time.Second))
	assert.Equal(t, time.Second, c.GetDuration("b", time.Second))
}

func TestDegraded(t *testing.T) {
	t.Parallel()

	c := New(fixtures.NewTestLogger(t), nil)
	require.True(t, c.Degraded())
	c.SetIdService(&fixtures.MockIdService{TB: t})
	require.True(t, c.Degraded())
	c.SetStatService(&fixtures.MockStatService{TB: t})
	require.False(t, c.Degraded())
}

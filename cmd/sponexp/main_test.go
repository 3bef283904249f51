package main

import (
	"testing"

	"github.com/knadh/koanf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverridesNestedKeys(t *testing.T) {
	t.Setenv("SPONEXP_ADDR", ":9000")
	t.Setenv("SPONEXP_STATION__MOCK", "true")
	t.Setenv("SPONEXP_STATION__SETTINGS__TOLERANCE", "0.25")
	k = koanf.New(".")
	require.NoError(t, setupconfig())
	c, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.Addr)
	assert.True(t, c.Station.Mock)
	assert.Equal(t, 0.25, c.Station.Settings.Tolerance)
	assert.Equal(t, "info", c.LogLevel, "untouched keys keep defaults")
}

func TestListFlag(t *testing.T) {
	var l listFlag
	require.NoError(t, l.Set("25,30"))
	require.NoError(t, l.Set("lin:40:60:3"))
	assert.Equal(t, listFlag{25, 30, 40, 50, 60}, l)
	assert.Error(t, l.Set("lin:1"))
}

package log

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseLevel(t *testing.T) {
	for _, l := range []LogLevel{DEBUG, INFO, WARNING, ERROR, SILENT} {
		got, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLevelYAML(t *testing.T) {
	var cfg struct {
		Level LogLevel `yaml:"level"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("level: error\n"), &cfg))
	assert.Equal(t, ERROR, cfg.Level)

	var l LogLevel
	require.NoError(t, l.UnmarshalText([]byte("debug")))
	assert.Equal(t, DEBUG, l)
	assert.Error(t, l.UnmarshalText([]byte("nope")))
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	old := Level()
	defer SetLevel(old)

	SetLevel(WARNING)
	Infoln("hidden %d", 1)
	Warnln("shown %d", 2)
	assert.Equal(t, "WARN : shown 2\n", buf.String())

	buf.Reset()
	SetLevel(SILENT)
	Errorln("quiet")
	assert.Empty(t, buf.String())
}

package toml_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	itoml "raft-session-protocol/internal/toml"
)

func TestDuration(t *testing.T) {
	t.Run("decodes duration strings", func(t *testing.T) {
		var c struct {
			Timeout itoml.Duration `toml:"timeout"`
			Unset   itoml.Duration `toml:"unset"`
		}
		_, err := toml.Decode(`timeout = "1m30s"`, &c)
		require.NoError(t, err)
		assert.Equal(t, itoml.Duration(90*time.Second), c.Timeout)
		assert.Equal(t, itoml.Duration(0), c.Unset)
	})

	t.Run("rejects malformed durations", func(t *testing.T) {
		var c struct {
			Timeout itoml.Duration `toml:"timeout"`
		}
		_, err := toml.Decode(`timeout = "soon"`, &c)
		assert.Error(t, err)
	})

	t.Run("encodes as string", func(t *testing.T) {
		c := struct {
			Timeout itoml.Duration `toml:"timeout"`
		}{Timeout: itoml.Duration(time.Minute)}

		var buf bytes.Buffer
		require.NoError(t, toml.NewEncoder(&buf).Encode(&c))
		assert.Contains(t, buf.String(), `timeout = "1m0s"`)
	})
}

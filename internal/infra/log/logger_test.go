package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	prod := newLogger(&buf, "prod")
	prod.Debug().Msg("hidden")
	require.Empty(t, buf.String())

	poller := Component(prod, "poller")
	poller.Info().Msg("visible")
	require.Contains(t, buf.String(), `"component":"poller"`)
	require.Contains(t, buf.String(), `"env":"prod"`)

	buf.Reset()
	dev := newLogger(&buf, "dev")
	dev.Debug().Msg("shown")
	require.Contains(t, buf.String(), "shown")
}

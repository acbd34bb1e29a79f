package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "debug", Service: "token-trader"}, &buf)
	component := Component(logger, "analyzer")
	component.Debug().Int64("asset_id", 7).Msg("tick")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "token-trader", record["service"])
	assert.Equal(t, "analyzer", record["component"])
	assert.Equal(t, float64(7), record["asset_id"])
	assert.Equal(t, "debug", record["level"])
}

func TestNewLoggerLevelFallback(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "nonsense"}, &buf)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())

	logger.Debug().Msg("hidden")
	assert.Zero(t, buf.Len(), "debug 日志不应输出")
}

package logger_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stuschach/bunkr-sub005/pkg/logger"
)

func TestLog(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	templogger, err := logger.New().FromBuffer(buff).Make()
	require.NoError(t, err)
	require.NotNil(t, templogger)
	require.Equal(t, buff.Len(), 0)
	templogger.Logger.Info().Msg("listener evicted")
	require.Contains(t, buff.String(), "listener evicted")
}

func TestLogToPath(t *testing.T) {
	path := t.TempDir() + "/engine.log"
	templogger, err := logger.New().FromPath(path).Make()
	require.NoError(t, err)
	defer templogger.LogFile.Close()

	templogger.Logger.Warn().Str("conversation", "conv-1").Msg("count read failed")
	require.FileExists(t, path)
}

func TestNop(t *testing.T) {
	l := logger.Nop()
	l.Error().Msg("dropped")
}

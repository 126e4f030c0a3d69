package logging

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesToStdout(t *testing.T) {
	logger := Setup("debug")
	require.Same(t, os.Stdout, logger.Out)
	require.Equal(t, logrus.DebugLevel, logger.Level)
}

func TestSetupLevelFallback(t *testing.T) {
	require.Equal(t, logrus.InfoLevel, Setup("").Level)
	require.Equal(t, logrus.InfoLevel, Setup("nonsense").Level)
	require.Equal(t, logrus.WarnLevel, Setup("WARN").Level)
}

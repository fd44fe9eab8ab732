package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

func TestNewReplacesSugar(t *testing.T) {
	New("NOOP")
	defer OnExit()

	assert.NotNil(t, Sugar)
	named := Sugar.WithServiceName("datatree")
	assert.NotNil(t, named)
	named.Debugf("ignored %d", 1)
}

func TestNewTestLevelEnablesDebug(t *testing.T) {
	New("TEST")
	defer func() {
		New("NOOP")
	}()

	assert.True(t, Sugar.Desugar().Core().Enabled(zapcore.DebugLevel))
}

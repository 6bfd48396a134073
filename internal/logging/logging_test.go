package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			for _, format := range []string{"json", "console"} {
				logger, err := New(tt.level, format)
				require.NoError(t, err)
				assert.True(t, logger.Core().Enabled(tt.want))
				if tt.want > zapcore.DebugLevel {
					assert.False(t, logger.Core().Enabled(tt.want-1))
				}
			}
		})
	}
}

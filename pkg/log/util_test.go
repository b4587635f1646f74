package log

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestToFields(t *testing.T) {
	err := errors.New("boom")

	tests := []struct {
		name  string
		input []any
		keys  []string
	}{
		{"empty input", nil, nil},
		{"pairs", []any{"a", "x", "b", 123, "c", true}, []string{"a", "b", "c"}},
		{"time and duration", []any{"t", time.Now(), "d", time.Second}, []string{"t", "d"}},
		{"payload bytes", []any{"payload", []byte("on")}, []string{"payload"}},
		{"bare error", []any{err}, []string{"error"}},
		{"zap field passthrough", []any{zap.String("x", "y"), "n", 1}, []string{"x", "n"}},
		{"dangling value", []any{"k", "v", "orphan"}, []string{"k", "arg#2"}},
		{"non-string key", []any{42, "v"}, []string{"invalid_key_1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := toFields(tt.input...)
			got := make([]string, 0, len(fields))
			for _, f := range fields {
				got = append(got, f.Key)
			}
			if len(tt.keys) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.keys, got)
		})
	}
}

func TestZapLoggerWithValues(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromZap(zap.New(core)).WithName("mqtt").WithValues("clientID", "c1")

	l.Info("connected", "sessionResumed", false)
	l.Error(errors.New("refused"), "connect failed")

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "mqtt", entries[0].LoggerName)
		assert.Equal(t, "c1", entries[0].ContextMap()["clientID"])
		assert.Equal(t, false, entries[0].ContextMap()["sessionResumed"])
		assert.Equal(t, "refused", entries[1].ContextMap()["error"])
	}
}

func TestOptionsValidate(t *testing.T) {
	o := NewOptions()
	assert.Empty(t, o.Validate())

	o.Level = "loud"
	o.Format = "xml"
	assert.Len(t, o.Validate(), 2)
}

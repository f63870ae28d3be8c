package instrument

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGuardSwallowsPanics(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	ran := false
	assert.NotPanics(t, func() {
		Guard(logger, "test", func() {
			ran = true
			panic("metadata extraction failed")
		})
	})

	assert.True(t, ran)
	entries := logs.FilterMessage("instrumentation error suppressed").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "test", entries[0].ContextMap()["integration"])
	}
}

func TestGuardNilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		Guard(nil, "test", func() { panic("boom") })
	})
}

func TestApplyDefaults(t *testing.T) {
	o := Apply()
	assert.True(t, o.PropagateHeaders)
	assert.NotNil(t, o.Logger)

	o = Apply(WithPropagation(false))
	assert.False(t, o.PropagateHeaders)
}

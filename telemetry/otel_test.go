package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOTelProviderSpans(t *testing.T) {
	provider, err := NewOTelProvider("atlas-test")
	require.NoError(t, err)
	defer func() {
		_ = provider.Shutdown(context.Background())
	}()

	ctx, span := provider.StartSpan(context.Background(), "test.operation")
	require.NotNil(t, ctx)
	require.NotNil(t, span)

	span.SetAttribute("string", "value")
	span.SetAttribute("int", 42)
	span.SetAttribute("float", 1.5)
	span.SetAttribute("bool", true)
	span.SetAttribute("other", struct{}{})
	span.RecordError(errors.New("recorded"))
	span.End()
}

func TestOTelProviderMetrics(t *testing.T) {
	provider, err := NewOTelProvider("atlas-test")
	require.NoError(t, err)
	defer func() {
		_ = provider.Shutdown(context.Background())
	}()

	// Counters are cached per name; repeated records must not error.
	provider.RecordMetric(MetricTaskProcessed, 1, map[string]string{"action": "log"})
	provider.RecordMetric(MetricTaskProcessed, 1, nil)
	provider.RecordMetric(MetricApprovalRequested, 1, map[string]string{"action": "immediate"})

	provider.mu.Lock()
	cached := len(provider.counters)
	provider.mu.Unlock()
	assert.Equal(t, 2, cached)
}

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestDisabledProviderSetsEnvironment(t *testing.T) {
	prev := globalEnvironment
	t.Cleanup(func() { globalEnvironment = prev })

	provider, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "Staging"})
	require.NoError(t, err)
	require.Equal(t, "staging", Environment())
	require.NotNil(t, provider.Meter("paybridge.test"))
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestEnvironmentDefault(t *testing.T) {
	prev := globalEnvironment
	t.Cleanup(func() { globalEnvironment = prev })

	globalEnvironment = ""
	require.Equal(t, "development", Environment())
}

func TestHistogramViewsCoverPaymentInstruments(t *testing.T) {
	require.Len(t, createHistogramViews(), 4)
}

func TestOperationResultAttributes(t *testing.T) {
	attrs := OperationResultAttributes("notify", ResultDuplicate)
	require.Len(t, attrs, 3)
	require.Equal(t, AttrOperation, attrs[1].Key)
	require.Equal(t, "duplicate", attrs[2].Value.AsString())
}

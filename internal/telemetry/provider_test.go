package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestProviders_ShutdownOnNil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"https://collector:4317": "collector:4317",
		"http://collector:4317":  "collector:4317",
		"collector:4317":         "collector:4317",
	}
	for in, want := range cases {
		assert.Equal(t, want, stripScheme(in))
	}
}

func TestProtocol(t *testing.T) {
	assert.Equal(t, "grpc", protocol(Config{}))
	assert.Equal(t, "http/protobuf", protocol(Config{Protocol: "http/protobuf"}))
}

func TestResourceCarriesServiceName(t *testing.T) {
	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName("distillsvc-test"))
	require.NotNil(t, res)

	var found bool
	for _, attr := range res.Attributes() {
		if string(attr.Key) == "service.name" {
			assert.Equal(t, "distillsvc-test", attr.Value.AsString())
			found = true
		}
	}
	assert.True(t, found, "service.name attribute not found")
}

package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestInitProvider_ExportsToRegisterer(t *testing.T) {
	prevMP, prevTP, prevProp := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceName:    "stt-under-test",
		ServiceVersion: "test",
		InstanceID:     "node-1",
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordRequest(ctx, "process", "ru", "ok")
	m.RecordAudio(ctx, "ru", 3200)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var requests, audio, target bool
	for _, mf := range families {
		name := mf.GetName()
		switch {
		case strings.HasPrefix(name, "livescribe_requests"):
			requests = true
		case strings.HasPrefix(name, "livescribe_audio_bytes"):
			audio = true
		case name == "target_info":
			for _, lp := range mf.GetMetric()[0].GetLabel() {
				if lp.GetName() == "service_name" && lp.GetValue() == "stt-under-test" {
					target = true
				}
			}
		}
	}
	if !requests || !audio {
		t.Errorf("exported families missing livescribe counters (requests=%v audio=%v)", requests, audio)
	}
	if !target {
		t.Error("target_info does not carry the configured service name")
	}

	if got := otel.GetTextMapPropagator().Fields(); len(got) == 0 || got[0] != "traceparent" {
		t.Errorf("propagator fields = %v, want traceparent first", got)
	}
}

func TestNewResource_DefaultsAndMerge(t *testing.T) {
	res, err := newResource(ProviderConfig{})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	var name, instance string
	for _, kv := range res.Attributes() {
		switch kv.Key {
		case "service.name":
			name = kv.Value.AsString()
		case "service.instance.id":
			instance = kv.Value.AsString()
		}
	}
	if name != DefaultServiceName {
		t.Errorf("service.name = %q, want %q", name, DefaultServiceName)
	}
	if len(instance) != 36 {
		t.Errorf("service.instance.id = %q, want a generated uuid", instance)
	}
}

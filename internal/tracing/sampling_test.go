package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewSampler_DisabledSamplesEverything(t *testing.T) {
	sampler := NewSampler(SamplingConfig{Enabled: false, Rate: 0})

	result := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		Name:          "dispatch",
	})

	if result.Decision != sdktrace.RecordAndSample {
		t.Errorf("Expected RecordAndSample, got %v", result.Decision)
	}
}

func TestNewSampler_ZeroRateDropsEverything(t *testing.T) {
	sampler := NewSampler(SamplingConfig{Enabled: true, Rate: 0})

	result := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		Name:          "dispatch",
	})

	if result.Decision == sdktrace.RecordAndSample {
		t.Error("Expected span to be dropped at rate 0")
	}
}

func TestNewSampler_ErrorsBypassRate(t *testing.T) {
	sampler := NewSampler(SamplingConfig{
		Enabled:            true,
		Rate:               0,
		AlwaysSampleErrors: true,
	})

	errored := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		Name:          "dispatch",
		Attributes:    []attribute.KeyValue{attribute.Bool("error", true)},
	})
	if errored.Decision != sdktrace.RecordAndSample {
		t.Errorf("Expected error span to be sampled, got %v", errored.Decision)
	}

	clean := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		Name:          "dispatch",
	})
	if clean.Decision == sdktrace.RecordAndSample {
		t.Error("Expected clean span to be dropped at rate 0")
	}
}

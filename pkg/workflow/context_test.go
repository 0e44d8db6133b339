package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// TestErrKeyNotFound_Error tests the error message formatting for ErrKeyNotFound.
func TestErrKeyNotFound_Error(t *testing.T) {
	err := ErrKeyNotFound{Key: "missing_key"}
	expected := `parameter "missing_key" not found`
	if err.Error() != expected {
		t.Errorf("ErrKeyNotFound.Error() = %q, want %q", err.Error(), expected)
	}
}

// TestErrTypeAssertion_Error tests the error message formatting for ErrTypeAssertion.
func TestErrTypeAssertion_Error(t *testing.T) {
	err := ErrTypeAssertion{Key: "my_key", Got: "int", Want: "string"}
	expected := `parameter "my_key" is int, not string`
	if err.Error() != expected {
		t.Errorf("ErrTypeAssertion.Error() = %q, want %q", err.Error(), expected)
	}
}

func TestContext_TypedGetters(t *testing.T) {
	ctx := NewContext(context.Background(), map[string]any{
		"name":    "web-1",
		"count":   3,
		"jsonNum": float64(7),
		"ratio":   0.5,
		"dry_run": true,
		"hosts":   []any{"a", "b"},
		"opts":    map[string]any{"k": "v"},
	}, nil, nil)

	t.Run("String", func(t *testing.T) {
		got, err := ctx.String("name")
		if err != nil || got != "web-1" {
			t.Errorf("String(name) = %q, %v", got, err)
		}
		if _, err := ctx.String("count"); err == nil {
			t.Error("String(count) should fail on int value")
		}
		if _, err := ctx.String("missing"); !errors.As(err, &ErrKeyNotFound{}) {
			var kn ErrKeyNotFound
			if !errors.As(err, &kn) {
				t.Errorf("String(missing) error = %T, want ErrKeyNotFound", err)
			}
		}
	})

	t.Run("Int64 handles JSON float64", func(t *testing.T) {
		got, err := ctx.Int64("jsonNum")
		if err != nil || got != 7 {
			t.Errorf("Int64(jsonNum) = %d, %v; want 7", got, err)
		}
		got, err = ctx.Int64("count")
		if err != nil || got != 3 {
			t.Errorf("Int64(count) = %d, %v; want 3", got, err)
		}
	})

	t.Run("Float64", func(t *testing.T) {
		got, err := ctx.Float64("ratio")
		if err != nil || got != 0.5 {
			t.Errorf("Float64(ratio) = %v, %v", got, err)
		}
		got, err = ctx.Float64("count")
		if err != nil || got != 3 {
			t.Errorf("Float64(count) = %v, %v; want 3", got, err)
		}
	})

	t.Run("Bool", func(t *testing.T) {
		got, err := ctx.Bool("dry_run")
		if err != nil || !got {
			t.Errorf("Bool(dry_run) = %v, %v", got, err)
		}
	})

	t.Run("Slice and Map", func(t *testing.T) {
		hosts, err := ctx.Slice("hosts")
		if err != nil || len(hosts) != 2 {
			t.Errorf("Slice(hosts) = %v, %v", hosts, err)
		}
		opts, err := ctx.Map("opts")
		if err != nil || opts["k"] != "v" {
			t.Errorf("Map(opts) = %v, %v", opts, err)
		}
	})

	t.Run("Or variants", func(t *testing.T) {
		if got := ctx.StringOr("missing", "fallback"); got != "fallback" {
			t.Errorf("StringOr = %q", got)
		}
		if got := ctx.Int64Or("missing", 42); got != 42 {
			t.Errorf("Int64Or = %d", got)
		}
		if got := ctx.BoolOr("missing", true); !got {
			t.Error("BoolOr = false")
		}
		if got := ctx.Float64Or("missing", 1.5); got != 1.5 {
			t.Errorf("Float64Or = %v", got)
		}
	})
}

func TestContext_Extras(t *testing.T) {
	ctx := NewContext(context.Background(),
		map[string]any{"declared": 1},
		map[string]any{"undeclared": "extra"}, nil)

	extras := ctx.Extras()
	if extras["undeclared"] != "extra" {
		t.Errorf("Extras() = %v", extras)
	}

	// Extras must not leak into parameter lookups.
	if _, ok := ctx.Param("undeclared"); ok {
		t.Error("Param(undeclared) found an extra; extras must stay out of parameters")
	}

	// Returned map is a copy.
	extras["undeclared"] = "mutated"
	if ctx.Extras()["undeclared"] != "extra" {
		t.Error("Extras() returned a live reference")
	}
}

func TestContext_Capture(t *testing.T) {
	ctx := NewContext(context.Background(), nil, nil, nil)

	ctx.Capture("result_count", 12)
	ctx.Capture("target", "web-1")

	got := ctx.Captured()
	if got["result_count"] != 12 || got["target"] != "web-1" {
		t.Errorf("Captured() = %v", got)
	}

	// Later captures overwrite.
	ctx.Capture("target", "web-2")
	if ctx.Captured()["target"] != "web-2" {
		t.Error("Capture should overwrite prior value")
	}
}

func TestContext_CaptureConcurrent(t *testing.T) {
	ctx := NewContext(context.Background(), nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ctx.Capture("shared", n)
				ctx.Captured()
			}
		}(i)
	}
	wg.Wait()

	if _, ok := ctx.Captured()["shared"]; !ok {
		t.Error("Captured() missing key after concurrent writes")
	}
}

func TestContext_Cancellation(t *testing.T) {
	inner, cancel := context.WithCancel(context.Background())
	ctx := NewContext(inner, nil, nil, nil)

	cancel()
	select {
	case <-ctx.Context().Done():
	default:
		t.Error("Context().Done() should be closed after cancel")
	}
	if !errors.Is(ctx.Context().Err(), context.Canceled) {
		t.Errorf("Context().Err() = %v", ctx.Context().Err())
	}
}

func TestContext_NilDefaults(t *testing.T) {
	ctx := NewContext(nil, nil, nil, nil)
	if ctx.Context() == nil {
		t.Error("Context() should never be nil")
	}
	if ctx.Logger() == nil {
		t.Error("Logger() should never be nil")
	}
	if ctx.Params() == nil || ctx.Extras() == nil {
		t.Error("maps should be initialized")
	}
}

func TestErrorMessagesOmitValues(t *testing.T) {
	ctx := NewContext(context.Background(), map[string]any{"token": "s3cr3t"}, nil, nil)
	_, err := ctx.Int64("token")
	if err == nil {
		t.Fatal("expected type assertion error")
	}
	if strings.Contains(err.Error(), "s3cr3t") {
		t.Errorf("error leaked the parameter value: %q", err.Error())
	}
}

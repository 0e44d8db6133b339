package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ErrKeyNotFound represents an error when a requested parameter does not exist.
type ErrKeyNotFound struct {
	Key string
}

// Error implements the error interface.
// Security: Does not include the actual value to prevent credential leakage.
func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("parameter %q not found", e.Key)
}

// ErrTypeAssertion represents an error when a value cannot be asserted to the expected type.
type ErrTypeAssertion struct {
	Key  string // The key that was accessed
	Got  string // The actual type received (as string representation)
	Want string // The expected type
}

// Error implements the error interface.
// Security: Does not include the actual value to prevent credential leakage.
func (e ErrTypeAssertion) Error() string {
	return fmt.Sprintf("parameter %q is %s, not %s", e.Key, e.Got, e.Want)
}

// Context is the execution context handed to compiled workflow handlers.
// It carries the declared parameters (already coerced), undeclared extras,
// the execution logger and a cancellable context.Context honoring the
// execution timeout and cancellation requests.
//
// Parameter reads are safe for concurrent use. Capture is safe for
// concurrent use; handlers may call it from spawned goroutines.
type Context struct {
	ctx    context.Context
	params map[string]any
	extras map[string]any
	logger *slog.Logger

	mu       sync.Mutex
	captured map[string]any
}

// NewContext creates an execution context. A nil logger defaults to
// slog.Default(); nil maps are initialized empty.
func NewContext(ctx context.Context, params, extras map[string]any, logger *slog.Logger) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if params == nil {
		params = make(map[string]any)
	}
	if extras == nil {
		extras = make(map[string]any)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		ctx:      ctx,
		params:   params,
		extras:   extras,
		logger:   logger,
		captured: make(map[string]any),
	}
}

// Context returns the cancellable execution context. Handlers should pass
// it to every blocking call so timeouts and cancellation propagate.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Logger returns the execution logger. Records written through it are
// persisted to the execution log stream and broadcast to watchers.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Param returns the raw parameter value and whether it was present.
func (c *Context) Param(key string) (any, bool) {
	val, ok := c.params[key]
	return val, ok
}

// Params returns a copy of the declared parameters.
func (c *Context) Params() map[string]any {
	out := make(map[string]any, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// Extras returns a copy of the parameters the caller supplied beyond the
// declared set. Extras are never bound to handler inputs; they surface in
// captured variables only.
func (c *Context) Extras() map[string]any {
	out := make(map[string]any, len(c.extras))
	for k, v := range c.extras {
		out[k] = v
	}
	return out
}

// String retrieves a string parameter.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
// Security: Error messages do not include the actual value to prevent leaks.
func (c *Context) String(key string) (string, error) {
	val, ok := c.params[key]
	if !ok {
		return "", ErrKeyNotFound{Key: key}
	}
	str, ok := val.(string)
	if !ok {
		return "", ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "string"}
	}
	return str, nil
}

// StringOr returns a string parameter or the default if missing or wrong type.
// Never panics. Does not log the actual value for security.
func (c *Context) StringOr(key string, defaultVal string) string {
	str, err := c.String(key)
	if err != nil {
		return defaultVal
	}
	return str
}

// Int64 retrieves an integer parameter.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
func (c *Context) Int64(key string) (int64, error) {
	val, ok := c.params[key]
	if !ok {
		return 0, ErrKeyNotFound{Key: key}
	}

	// Handle the integer widths that JSON/YAML unmarshaling produces
	switch v := val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		// JSON numbers are unmarshaled as float64
		return int64(v), nil
	default:
		return 0, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "int64"}
	}
}

// Int64Or returns an integer parameter or the default if missing or wrong type.
func (c *Context) Int64Or(key string, defaultVal int64) int64 {
	i, err := c.Int64(key)
	if err != nil {
		return defaultVal
	}
	return i
}

// Float64 retrieves a float parameter.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
func (c *Context) Float64(key string) (float64, error) {
	val, ok := c.params[key]
	if !ok {
		return 0, ErrKeyNotFound{Key: key}
	}

	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "float64"}
	}
}

// Float64Or returns a float parameter or the default if missing or wrong type.
func (c *Context) Float64Or(key string, defaultVal float64) float64 {
	f, err := c.Float64(key)
	if err != nil {
		return defaultVal
	}
	return f
}

// Bool retrieves a bool parameter.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
func (c *Context) Bool(key string) (bool, error) {
	val, ok := c.params[key]
	if !ok {
		return false, ErrKeyNotFound{Key: key}
	}
	b, ok := val.(bool)
	if !ok {
		return false, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "bool"}
	}
	return b, nil
}

// BoolOr returns a bool parameter or the default if missing or wrong type.
func (c *Context) BoolOr(key string, defaultVal bool) bool {
	b, err := c.Bool(key)
	if err != nil {
		return defaultVal
	}
	return b
}

// Slice retrieves a list parameter.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
func (c *Context) Slice(key string) ([]any, error) {
	val, ok := c.params[key]
	if !ok {
		return nil, ErrKeyNotFound{Key: key}
	}
	slice, ok := val.([]any)
	if !ok {
		return nil, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "[]any"}
	}
	return slice, nil
}

// Map retrieves a dict parameter.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
func (c *Context) Map(key string) (map[string]any, error) {
	val, ok := c.params[key]
	if !ok {
		return nil, ErrKeyNotFound{Key: key}
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "map[string]any"}
	}
	return m, nil
}

// Capture records a named variable on the execution. Captured variables
// are sanitized and persisted with the terminal record, and shown in the
// execution detail view.
func (c *Context) Capture(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captured[name] = value
}

// Captured returns a copy of the variables captured so far.
func (c *Context) Captured() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.captured))
	for k, v := range c.captured {
		out[k] = v
	}
	return out
}

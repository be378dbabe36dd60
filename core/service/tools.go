package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MaxSleep bounds the sleep tool
const MaxSleep = 10 * time.Minute

// Registry holds the tools a server exposes
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry with the given tools
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a registry with the built-in tools
func DefaultRegistry() *Registry {
	r, _ := NewRegistry(DefaultTools()...)
	return r
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrToolExists, name)
	}
	r.tools[name] = tool
	return nil
}

// Get returns the named tool
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool, nil
}

// List returns all tools sorted by name
func (r *Registry) List() []Tool {
	r.mu.RLock()
	result := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, tool)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result
}

// DefaultTools returns the built-in tools
func DefaultTools() []Tool {
	return []Tool{EchoTool{}, SleepTool{}, FailTool{}}
}

// EchoTool returns its message unchanged
type EchoTool struct{}

func (EchoTool) Name() string        { return "echo" }
func (EchoTool) Description() string { return "Return the given message unchanged." }

func (EchoTool) Parameters() []Parameter {
	return []Parameter{
		{Name: "message", Type: "string", Description: "Text to echo back", Required: true},
	}
}

func (EchoTool) Run(ctx context.Context, args map[string]any) (any, error) {
	message, err := stringArg(args, "message", true)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": message}, nil
}

// SleepTool waits for the requested duration, returning early when its
// context is cancelled.
type SleepTool struct{}

func (SleepTool) Name() string { return "sleep" }
func (SleepTool) Description() string {
	return "Wait for duration_ms milliseconds, then return. Useful for exercising timeouts and backpressure."
}

func (SleepTool) Parameters() []Parameter {
	return []Parameter{
		{Name: "duration_ms", Type: "number", Description: "How long to wait, in milliseconds", Required: true},
	}
}

func (SleepTool) Run(ctx context.Context, args map[string]any) (any, error) {
	ms, err := intArg(args, "duration_ms", true)
	if err != nil {
		return nil, err
	}
	d := time.Duration(ms) * time.Millisecond
	if d < 0 || d > MaxSleep {
		return nil, fmt.Errorf("%w: duration_ms must be between 0 and %d", ErrInvalidArguments, MaxSleep.Milliseconds())
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"slept_ms": ms}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FailTool always returns an error with the given message
type FailTool struct{}

func (FailTool) Name() string        { return "fail" }
func (FailTool) Description() string { return "Fail with the given message. Useful for exercising error paths." }

func (FailTool) Parameters() []Parameter {
	return []Parameter{
		{Name: "message", Type: "string", Description: "Error message to return", Required: false},
	}
}

func (FailTool) Run(ctx context.Context, args map[string]any) (any, error) {
	message, err := stringArg(args, "message", false)
	if err != nil {
		return nil, err
	}
	if message == "" {
		message = "requested failure"
	}
	return nil, errors.New(message)
}

func stringArg(args map[string]any, name string, required bool) (string, error) {
	raw, ok := args[name]
	if !ok || raw == nil {
		if required {
			return "", fmt.Errorf("%w: %s is required", ErrInvalidArguments, name)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidArguments, name)
	}
	return s, nil
}

// intArg accepts the numeric shapes JSON decoding and callers produce
func intArg(args map[string]any, name string, required bool) (int64, error) {
	raw, ok := args[name]
	if !ok || raw == nil {
		if required {
			return 0, fmt.Errorf("%w: %s is required", ErrInvalidArguments, name)
		}
		return 0, nil
	}

	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArguments, name)
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArguments, name)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidArguments, name)
	}
}

package llmwire

import (
	"context"
	"fmt"
	"sync"
)

// Adapter translates one provider's wire protocol into the internal event
// model. Stream returns immediately after the request is accepted; events
// arrive on the returned channel, which is closed after the terminal
// StreamEnd or StreamError event. Adapters must honor ctx cancellation by
// terminating the stream with a StreamError.
type Adapter interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Client routes requests to registered provider adapters. It is safe for
// concurrent use.
type Client struct {
	mu              sync.RWMutex
	adapters        map[string]Adapter
	defaultProvider string
	middleware      []StreamMiddleware
}

// StreamMiddleware wraps an adapter's event stream, observing or
// transforming events as they pass through. Middleware runs in
// registration order, outermost first.
type StreamMiddleware func(next StreamFunc) StreamFunc

// StreamFunc is the invocation shape middleware composes over.
type StreamFunc func(ctx context.Context, req Request) (<-chan StreamEvent, error)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAdapter registers an adapter at construction time.
func WithAdapter(a Adapter) ClientOption {
	return func(c *Client) { c.adapters[a.Name()] = a }
}

// WithDefaultProvider sets the provider used when Request.Provider is empty.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = name }
}

// WithMiddleware appends stream middleware.
func WithMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

// NewClient creates a Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{adapters: make(map[string]Adapter)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds or replaces an adapter.
func (c *Client) Register(a Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[a.Name()] = a
}

// Providers returns the names of all registered adapters.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.adapters))
	for name := range c.adapters {
		names = append(names, name)
	}
	return names
}

func (c *Client) resolve(req Request) (Adapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, NewConfigurationError("no provider specified and no default configured")
	}
	adapter, ok := c.adapters[name]
	if !ok {
		return nil, NewConfigurationError(fmt.Sprintf("unknown provider %q", name))
	}
	return adapter, nil
}

func validateRequest(req Request) error {
	if req.Model == "" {
		return NewConfigurationError("model is required")
	}
	if len(req.Messages) == 0 {
		return NewConfigurationError("at least one message is required")
	}
	return nil
}

// Stream sends the request to the resolved provider and returns its event
// channel. Configuration problems are reported synchronously; everything
// after stream start arrives as events.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	adapter, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	fn := adapter.Stream
	for i := len(c.middleware) - 1; i >= 0; i-- {
		fn = c.middleware[i](fn)
	}
	return fn(ctx, req)
}

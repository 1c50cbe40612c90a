package grpcsource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	eventbus "github.com/hanpama/graphload/internal/eventbus"
	events "github.com/hanpama/graphload/internal/events"
)

// Transport issues a single unary RPC described by a method descriptor.
// Implementations must be safe for concurrent use; batch sources for
// different fetchers call into the same transport in parallel.
type Transport interface {
	Call(ctx context.Context, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error)
}

// EndpointProvider maps a fully-qualified gRPC service name
// (e.g. "shop.catalog.ProductService") to reachable endpoints (host:port).
// Implementations may integrate with service discovery and must be safe
// for concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, service string) ([]string, error)
}

// ErrNoEndpoints is returned by a provider that knows no endpoint for the
// requested service.
var ErrNoEndpoints = errors.New("grpcsource: no endpoints for service")

// StaticEndpoints is a fixed service-to-endpoints table. The map must not
// be mutated after construction.
type StaticEndpoints map[string][]string

func (s StaticEndpoints) Endpoints(ctx context.Context, service string) ([]string, error) {
	_ = ctx
	eps := s[service]
	if len(eps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoints, service)
	}
	return eps, nil
}

// TransportOption configures a GRPCTransport.
type TransportOption func(*transportOptions)

type transportOptions struct {
	maxConnsPerEndpoint int
	rpcTimeout          time.Duration
	dialOptions         []grpc.DialOption
}

// WithMaxConnsPerEndpoint bounds the number of pooled connections kept per
// endpoint. Default 2.
func WithMaxConnsPerEndpoint(n int) TransportOption {
	return func(o *transportOptions) { o.maxConnsPerEndpoint = n }
}

// WithRPCTimeout sets a deadline applied to calls whose incoming context
// carries none. Default 3s.
func WithRPCTimeout(d time.Duration) TransportOption {
	return func(o *transportOptions) { o.rpcTimeout = d }
}

// WithDialOptions replaces the default dial options (insecure credentials,
// default backoff).
func WithDialOptions(opts ...grpc.DialOption) TransportOption {
	return func(o *transportOptions) { o.dialOptions = opts }
}

// GRPCTransport is a real transport with per-endpoint connection pooling,
// round-robin endpoint selection and default deadline propagation.
type GRPCTransport struct {
	provider EndpointProvider
	opts     transportOptions

	mu     sync.RWMutex
	pools  map[string]*connPool
	cursor atomic.Uint64
	closed atomic.Bool
}

// NewGRPCTransport builds a transport backed by the given provider.
func NewGRPCTransport(provider EndpointProvider, opts ...TransportOption) *GRPCTransport {
	o := transportOptions{
		maxConnsPerEndpoint: 2,
		rpcTimeout:          3 * time.Second,
	}
	for _, f := range opts {
		f(&o)
	}
	if len(o.dialOptions) == 0 {
		o.dialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	return &GRPCTransport{
		provider: provider,
		opts:     o,
		pools:    make(map[string]*connPool),
	}
}

var _ Transport = (*GRPCTransport)(nil)

func (t *GRPCTransport) Call(ctx context.Context, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("grpcsource: transport closed")
	}
	if t.provider == nil {
		return nil, fmt.Errorf("grpcsource: endpoint provider not configured")
	}
	service := string(method.Parent().FullName())
	fullMethod := fmt.Sprintf("/%s/%s", service, method.Name())

	if _, ok := ctx.Deadline(); !ok && t.opts.rpcTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.rpcTimeout)
		defer cancel()
	}

	endpoints, err := t.provider.Endpoints(ctx, service)
	if err != nil {
		return nil, err
	}
	endpoint := endpoints[t.cursor.Add(1)%uint64(len(endpoints))]

	cc, err := t.getConn(endpoint)
	if err != nil {
		return nil, err
	}
	defer t.returnConn(endpoint, cc)

	start := time.Now()
	eventbus.Publish(ctx, events.GRPCClientStart{Service: service, Method: string(method.Name()), Target: endpoint})
	resp := dynamicpb.NewMessage(method.Output())
	err = cc.Invoke(ctx, fullMethod, request.Interface(), resp)
	eventbus.Publish(ctx, events.GRPCClientFinish{
		Service:  service,
		Method:   string(method.Name()),
		Target:   endpoint,
		Code:     status.Code(err),
		Err:      err,
		Duration: time.Since(start),
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *GRPCTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pools {
		p.close()
	}
	t.pools = map[string]*connPool{}
	return nil
}

type connPool struct {
	endpoint string
	dialOpts []grpc.DialOption
	conns    chan *grpc.ClientConn
	closed   atomic.Bool
}

func newConnPool(endpoint string, size int, dialOpts []grpc.DialOption) *connPool {
	if size <= 0 {
		size = 2
	}
	return &connPool{
		endpoint: endpoint,
		dialOpts: dialOpts,
		conns:    make(chan *grpc.ClientConn, size),
	}
}

func (p *connPool) get() (*grpc.ClientConn, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("grpcsource: pool closed")
	}
	select {
	case cc := <-p.conns:
		return cc, nil
	default:
		return grpc.NewClient(p.endpoint, p.dialOpts...)
	}
}

func (p *connPool) put(cc *grpc.ClientConn) {
	if cc == nil {
		return
	}
	if p.closed.Load() {
		_ = cc.Close()
		return
	}
	select {
	case p.conns <- cc:
	default:
		_ = cc.Close()
	}
}

func (p *connPool) close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.conns)
	for cc := range p.conns {
		_ = cc.Close()
	}
}

func (t *GRPCTransport) getConn(endpoint string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool == nil {
		t.mu.Lock()
		pool = t.pools[endpoint]
		if pool == nil {
			pool = newConnPool(endpoint, t.opts.maxConnsPerEndpoint, t.opts.dialOptions)
			t.pools[endpoint] = pool
		}
		t.mu.Unlock()
	}
	return pool.get()
}

func (t *GRPCTransport) returnConn(endpoint string, cc *grpc.ClientConn) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool != nil {
		pool.put(cc)
		return
	}
	_ = cc.Close()
}

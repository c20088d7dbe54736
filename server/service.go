package server

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tunnel-rpc/message"
)

// Handler runs one invocation of a method. For methods that take a result parameter the
// returned value is ignored and the outcome goes through call.Result().
type Handler func(ctx context.Context, call *Call) (any, error)

// Method is one entry of a service's method table. Params are parameter descriptors:
// message.TypeDesc of plain values, or one of the message.Desc* constants.
type Method struct {
	Name    string
	Params  []string
	Handler Handler
}

func (m *Method) Signature() string {
	return message.Signature(m.Name, m.Params)
}

// Async reports whether the method delivers its outcome through a result parameter.
func (m *Method) Async() bool {
	for _, p := range m.Params {
		if p == message.DescResult {
			return true
		}
	}
	return false
}

// Service is a named method table built once at registration time.
type Service struct {
	ID      string
	methods map[string]*Method
}

func NewService(id string, methods ...Method) (*Service, error) {
	if id == "" {
		return nil, fmt.Errorf("rpc: empty service id")
	}
	svc := &Service{ID: id, methods: make(map[string]*Method, len(methods))}
	for i := range methods {
		m := &methods[i]
		if m.Handler == nil {
			return nil, fmt.Errorf("rpc: %s.%s has no handler", id, m.Name)
		}
		if err := checkParams(m.Params); err != nil {
			return nil, fmt.Errorf("rpc: %s.%s: %w", id, m.Name, err)
		}
		sig := m.Signature()
		if _, dup := svc.methods[sig]; dup {
			return nil, fmt.Errorf("rpc: %s.%s registered twice", id, sig)
		}
		svc.methods[sig] = m
	}
	return svc, nil
}

func checkParams(params []string) error {
	var exec, result int
	for _, p := range params {
		switch p {
		case message.DescExecution:
			exec++
		case message.DescResult:
			result++
		}
	}
	if exec > 1 || result > 1 {
		return fmt.Errorf("at most one execution and one result parameter allowed")
	}
	return nil
}

// Lookup finds a method by signature.
func (s *Service) Lookup(signature string) (*Method, bool) {
	m, ok := s.methods[signature]
	return m, ok
}

// Signatures lists the service's method signatures in sorted order.
func (s *Service) Signatures() []string {
	sigs := make([]string, 0, len(s.methods))
	for sig := range s.methods {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)
	return sigs
}

// Resolver maps a service id to a service.
type Resolver interface {
	Resolve(serviceID string) (*Service, bool)
}

// Registry is an in-memory Resolver.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Register adds svc, replacing a service with the same id.
func (r *Registry) Register(svc *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.ID] = svc
}

func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, id)
}

func (r *Registry) Resolve(id string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[id]
	return svc, ok
}

// Services lists registered ids in sorted order.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Nullary builds a method without parameters.
func Nullary[R any](name string, fn func(ctx context.Context) (R, error)) Method {
	return Method{
		Name: name,
		Handler: func(ctx context.Context, _ *Call) (any, error) {
			return fn(ctx)
		},
	}
}

// Unary builds a method taking one plain value.
func Unary[A, R any](name string, fn func(ctx context.Context, a A) (R, error)) Method {
	return Method{
		Name:   name,
		Params: []string{message.TypeDesc[A]()},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			var a A
			if err := call.Decode(0, &a); err != nil {
				return nil, err
			}
			return fn(ctx, a)
		},
	}
}

// Unary2 builds a method taking two plain values.
func Unary2[A, B, R any](name string, fn func(ctx context.Context, a A, b B) (R, error)) Method {
	return Method{
		Name:   name,
		Params: []string{message.TypeDesc[A](), message.TypeDesc[B]()},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			var a A
			var b B
			if err := call.Decode(0, &a); err != nil {
				return nil, err
			}
			if err := call.Decode(1, &b); err != nil {
				return nil, err
			}
			return fn(ctx, a, b)
		},
	}
}

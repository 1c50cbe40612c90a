package grpcsource

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// CallRecord captures one Call invocation for assertions.
type CallRecord struct {
	Method protoreflect.MethodDescriptor
	// FullMethod is "/<service full name>/<method>".
	FullMethod string
	// Request is a deep-cloned snapshot of the request message.
	Request proto.Message
}

// MockTransport implements Transport from a queue of pre-seeded responses
// and errors, recording every invocation. For call i, errs[i] (when set)
// takes precedence over responses[i].
type MockTransport struct {
	mu        sync.Mutex
	responses []protoreflect.Message
	errs      []error
	idx       int
	calls     []CallRecord
}

// NewMockTransport seeds responses returned in order by successive calls.
func NewMockTransport(responses ...protoreflect.Message) *MockTransport {
	cp := make([]protoreflect.Message, len(responses))
	copy(cp, responses)
	return &MockTransport{responses: cp}
}

// NewMockTransportWithErrors seeds per-call errors alongside responses.
func NewMockTransportWithErrors(responses []protoreflect.Message, errs []error) *MockTransport {
	cp := make([]protoreflect.Message, len(responses))
	copy(cp, responses)
	ep := make([]error, len(errs))
	copy(ep, errs)
	return &MockTransport{responses: cp, errs: ep}
}

func (m *MockTransport) Call(ctx context.Context, method protoreflect.MethodDescriptor, request protoreflect.Message) (protoreflect.Message, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	var reqClone proto.Message
	if request != nil {
		reqClone = proto.Clone(request.Interface())
	}
	full := ""
	if method != nil {
		full = fmt.Sprintf("/%s/%s", method.Parent().FullName(), method.Name())
	}
	m.calls = append(m.calls, CallRecord{Method: method, FullMethod: full, Request: reqClone})

	if m.idx >= len(m.responses) && m.idx >= len(m.errs) {
		return nil, fmt.Errorf("mock transport: no more responses")
	}
	if m.idx < len(m.errs) {
		if err := m.errs[m.idx]; err != nil {
			m.idx++
			return nil, err
		}
	}
	var resp protoreflect.Message
	if m.idx < len(m.responses) {
		resp = m.responses[m.idx]
	}
	m.idx++
	return resp, nil
}

// Calls returns a snapshot of recorded invocations.
func (m *MockTransport) Calls() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, len(m.calls))
	copy(out, m.calls)
	return out
}

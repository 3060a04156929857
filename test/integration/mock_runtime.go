package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Runtime operation names recorded by MockRuntime.
const (
	OpDeploy       = "deploy"
	OpStart        = "startInstance"
	OpCompleteTask = "completeUserTask"
	OpHealth       = "health"
)

// MockRuntime is an HTTP test server that simulates the process runtime.
// Each operation answers with queued responses, falling back to a
// successful default, and every request is recorded for later assertion.
type MockRuntime struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.Mutex
	responses  map[string][]*mockResponse
	cursor     map[string]int
	received   map[string][]*RecordedRequest
	instanceNo int
}

// RecordedRequest captures the details of a request received by the mock.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	RawBody    []byte
	ReceivedAt time.Time
}

type mockResponse struct {
	status int
	body   any
	delay  time.Duration
}

// OperationMock is a builder for configuring responses of one operation.
type OperationMock struct {
	runtime *MockRuntime
	op      string
}

func newMockRuntime(t *testing.T) *MockRuntime {
	t.Helper()

	mr := &MockRuntime{
		t:         t,
		responses: make(map[string][]*mockResponse),
		cursor:    make(map[string]int),
		received:  make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/deployments", mr.handle(OpDeploy))
	mux.HandleFunc("POST /v1/process-instances", mr.handle(OpStart))
	mux.HandleFunc("POST /v1/user-tasks/{key}/completion", mr.handle(OpCompleteTask))
	mux.HandleFunc("GET /health", mr.handle(OpHealth))

	mr.server = httptest.NewServer(mux)
	t.Cleanup(mr.server.Close)
	return mr
}

// URL returns the base URL of the mock runtime.
func (mr *MockRuntime) URL() string {
	return mr.server.URL
}

// On returns a builder for configuring responses of the named operation.
func (mr *MockRuntime) On(op string) *OperationMock {
	return &OperationMock{runtime: mr, op: op}
}

// RespondWith queues a response with the given status and body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.runtime.add(om.op, &mockResponse{status: status, body: body})
	return om
}

// RespondWithRejection queues a business rejection.
func (om *OperationMock) RespondWithRejection(status int, message string) *OperationMock {
	return om.RespondWith(status, map[string]any{"message": message})
}

// RespondWithDelay queues a delayed response to simulate a slow runtime.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.runtime.add(om.op, &mockResponse{status: status, body: body, delay: delay})
	return om
}

func (mr *MockRuntime) add(op string, resp *mockResponse) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.responses[op] = append(mr.responses[op], resp)
}

func (mr *MockRuntime) handle(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			rec.RawBody = body
			if len(body) > 0 {
				var parsed map[string]any
				if err := json.Unmarshal(body, &parsed); err == nil {
					rec.Body = parsed
				}
			}
		}

		mr.mu.Lock()
		mr.received[op] = append(mr.received[op], rec)
		resp := mr.next(op)
		if resp == nil {
			resp = mr.defaultResponse(op)
		}
		mr.mu.Unlock()

		if resp.delay > 0 {
			time.Sleep(resp.delay)
		}
		if resp.body == nil {
			w.WriteHeader(resp.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		_ = json.NewEncoder(w).Encode(resp.body)
	}
}

// next returns the next queued response, repeating the last one once the
// queue is exhausted. The caller holds mr.mu.
func (mr *MockRuntime) next(op string) *mockResponse {
	queue := mr.responses[op]
	if len(queue) == 0 {
		return nil
	}
	idx := mr.cursor[op]
	if idx >= len(queue) {
		return queue[len(queue)-1]
	}
	mr.cursor[op]++
	return queue[idx]
}

// defaultResponse answers as a healthy runtime would. The caller holds mr.mu.
func (mr *MockRuntime) defaultResponse(op string) *mockResponse {
	switch op {
	case OpDeploy:
		return &mockResponse{status: http.StatusOK, body: map[string]any{"key": "deployment-1"}}
	case OpStart:
		mr.instanceNo++
		return &mockResponse{status: http.StatusOK, body: map[string]any{
			"process_instance_key": fmt.Sprintf("rk-%d", mr.instanceNo),
		}}
	case OpCompleteTask:
		return &mockResponse{status: http.StatusNoContent}
	default:
		return &mockResponse{status: http.StatusOK, body: map[string]any{"status": "ok"}}
	}
}

// AssertCalled verifies that the operation was called the expected number of times.
func (mr *MockRuntime) AssertCalled(t *testing.T, op string, expected int) {
	t.Helper()
	if actual := len(mr.Requests(op)); actual != expected {
		t.Errorf("runtime %q called %d times, want %d", op, actual, expected)
	}
}

// LastRequest returns the last request received for the operation, or nil.
func (mr *MockRuntime) LastRequest(op string) *RecordedRequest {
	reqs := mr.Requests(op)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// Requests returns all requests received for the operation.
func (mr *MockRuntime) Requests(op string) []*RecordedRequest {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	return append([]*RecordedRequest(nil), mr.received[op]...)
}

// Reset clears recorded requests and queued responses.
func (mr *MockRuntime) Reset() {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.responses = make(map[string][]*mockResponse)
	mr.cursor = make(map[string]int)
	mr.received = make(map[string][]*RecordedRequest)
}

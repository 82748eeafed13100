// ABOUTME: Scripted in-memory Gateway for tests
// ABOUTME: Records every call and lets tests queue failures per operation

package messaging

import (
	"context"
	"sync"
	"time"
)

// CreateCall records one CreateTopic invocation.
type CreateCall struct {
	WorkspaceID int64
	Name        string
}

// MockGateway implements Gateway in memory. Message ids are allocated sequentially
// starting at NextMessageID; topic ids starting at NextTopicID.
type MockGateway struct {
	mu sync.Mutex

	NextMessageID int
	NextTopicID   int

	// CreateDelay, when set, is slept inside CreateTopic to widen race windows in tests
	CreateDelay time.Duration

	Creates []CreateCall
	Sends   []SendParams
	Copies  []CopyParams

	createErrs []error
	sendErrs   []error
	copyErrs   []error
}

// NewMockGateway creates a MockGateway whose first message id is 501 and first topic id is 1001.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		NextMessageID: 501,
		NextTopicID:   1001,
	}
}

// FailCreate queues errors returned by the next CreateTopic calls, in order. A nil entry succeeds.
func (m *MockGateway) FailCreate(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErrs = append(m.createErrs, errs...)
}

// FailSend queues errors for the next SendMessage calls.
func (m *MockGateway) FailSend(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrs = append(m.sendErrs, errs...)
}

// FailCopy queues errors for the next CopyMessage calls.
func (m *MockGateway) FailCopy(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyErrs = append(m.copyErrs, errs...)
}

func (m *MockGateway) CreateTopic(ctx context.Context, workspaceID int64, name string) (int, error) {
	if m.CreateDelay > 0 {
		time.Sleep(m.CreateDelay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Creates = append(m.Creates, CreateCall{WorkspaceID: workspaceID, Name: name})
	if err := pop(&m.createErrs); err != nil {
		return 0, err
	}
	id := m.NextTopicID
	m.NextTopicID++
	return id, nil
}

func (m *MockGateway) SendMessage(ctx context.Context, p SendParams) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Sends = append(m.Sends, p)
	if err := pop(&m.sendErrs); err != nil {
		return 0, err
	}
	id := m.NextMessageID
	m.NextMessageID++
	return id, nil
}

func (m *MockGateway) CopyMessage(ctx context.Context, p CopyParams) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Copies = append(m.Copies, p)
	if err := pop(&m.copyErrs); err != nil {
		return 0, err
	}
	id := m.NextMessageID
	m.NextMessageID++
	return id, nil
}

// CreateCount returns the number of CreateTopic calls so far.
func (m *MockGateway) CreateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Creates)
}

// CopyCalls returns a snapshot of recorded copies.
func (m *MockGateway) CopyCalls() []CopyParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CopyParams(nil), m.Copies...)
}

// SendCalls returns a snapshot of recorded sends.
func (m *MockGateway) SendCalls() []SendParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SendParams(nil), m.Sends...)
}

func pop(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

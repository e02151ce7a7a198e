package transport

import (
	"errors"
	"sync"
	"time"
)

// writtenFrame is one frame captured by MockConnection.
type writtenFrame struct {
	messageType int
	data        []byte
}

// MockConnection implements wsConnection. Reads are fed through a channel;
// writes are recorded.
type MockConnection struct {
	inbound chan []byte

	mu      sync.Mutex
	written []writtenFrame
	closed  bool
}

func newMockConnection() *MockConnection {
	return &MockConnection{inbound: make(chan []byte, 16)}
}

func (m *MockConnection) feed(data []byte) {
	m.inbound <- data
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	data, ok := <-m.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, data, nil // websocket.TextMessage
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("write on closed connection")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.written = append(m.written, writtenFrame{messageType: messageType, data: cp})
	return nil
}

func (m *MockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.inbound)
	}
	return nil
}

func (m *MockConnection) SetWriteDeadline(_ time.Time) error {
	return nil
}

func (m *MockConnection) writtenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.written)
}

func (m *MockConnection) writtenAt(i int) writtenFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written[i]
}

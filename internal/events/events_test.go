package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Publish(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

type fakeDispatcher struct {
	calls [][3]any
}

func (f *fakeDispatcher) Dispatch(companyID, event string, data any) {
	f.calls = append(f.calls, [3]any{companyID, event, data})
}

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return f.err
}

func TestFanout(t *testing.T) {
	a, b := &collector{}, &collector{}
	d := &fakeDispatcher{}
	f := Fanout{a, nil, b, Webhooks(d)}

	f.Publish(Event{Name: "task.created", CompanyID: "c1", Data: 42})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.False(t, a.events[0].Time.IsZero())
	require.Len(t, d.calls, 1)
	assert.Equal(t, [3]any{"c1", "task.created", 42}, d.calls[0])
}

func TestNATSPublisher(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "acme.events.", nil)

	p.Publish(Event{Name: "task.completed", CompanyID: "c9", Data: map[string]string{"taskId": "t1"}})

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "acme.events.task.completed", conn.subjects[0])

	var msg map[string]any
	require.NoError(t, json.Unmarshal(conn.payloads[0], &msg))
	assert.Equal(t, "task.completed", msg["event"])
	assert.Equal(t, "c9", msg["companyId"])
	assert.Equal(t, map[string]any{"taskId": "t1"}, msg["data"])
	assert.NotEmpty(t, msg["timestamp"])
}

func TestNATSPublisher_DefaultPrefixAndErrors(t *testing.T) {
	conn := &fakeConn{err: errors.New("connection closed")}
	p := NewNATSPublisher(conn, "", nil)
	assert.Equal(t, "pmconnect.events.task.problem", p.Subject("task.problem"))

	assert.NotPanics(t, func() {
		p.Publish(Event{Name: "task.problem"})
	})
	assert.Len(t, conn.subjects, 1)
}

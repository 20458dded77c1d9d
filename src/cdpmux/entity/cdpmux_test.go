package entity

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateReady, "ready"},
		{StateDegraded, "degraded"},
		{ConnectionState(42), "disconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}

func TestConnectionInfoJSON(t *testing.T) {
	b, err := json.Marshal(ConnectionInfo{Endpoint: "http://127.0.0.1:9222", State: StateReady, Generation: 2})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"ready"`)
}

func TestSuccessRate(t *testing.T) {
	assert.Equal(t, 1.0, SuccessRate(0, 0))
	assert.Equal(t, 0.5, SuccessRate(2, 4))
	assert.Equal(t, 0.0, SuccessRate(0, 3))
}

func TestEventFilter(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		method   string
		want     bool
	}{
		{
			name:   "zero filter matches everything",
			method: "Network.requestWillBeSent",
			want:   true,
		},
		{
			name:     "domain wildcard",
			patterns: []string{"Page.*"},
			method:   "Page.loadEventFired",
			want:     true,
		},
		{
			name:     "domain wildcard does not cross domains",
			patterns: []string{"Page.*"},
			method:   "Network.responseReceived",
			want:     false,
		},
		{
			name:     "exact method",
			patterns: []string{"Runtime.consoleAPICalled"},
			method:   "Runtime.consoleAPICalled",
			want:     true,
		},
		{
			name:     "prefix wildcard",
			patterns: []string{"Network.*", "Runtime.console*"},
			method:   "Runtime.consoleAPICalled",
			want:     true,
		},
		{
			name:     "bare star matches every method",
			patterns: []string{"*"},
			method:   "Page.loadEventFired",
			want:     true,
		},
		{
			name:     "double star matches every method",
			patterns: []string{"**"},
			method:   "Target.attachedToTarget",
			want:     true,
		},
		{
			name:     "suffix wildcard across domains",
			patterns: []string{"*.loadEventFired"},
			method:   "Page.loadEventFired",
			want:     true,
		},
		{
			name:     "empty patterns are ignored",
			patterns: []string{""},
			method:   "Target.targetCreated",
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewEventFilter(tt.patterns)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Match(tt.method))
		})
	}
}

func TestEventFilterInvalidPattern(t *testing.T) {
	_, err := NewEventFilter([]string{"Page.[unterminated"})
	assert.Error(t, err)
}

func TestEventFilterPatternsCopy(t *testing.T) {
	f, err := NewEventFilter([]string{"Page.*"})
	require.NoError(t, err)
	p := f.Patterns()
	p[0] = "changed"
	assert.Equal(t, []string{"Page.*"}, f.Patterns())
}

func TestEventQueueDropsOldest(t *testing.T) {
	q := NewEventQueue(2)
	assert.Equal(t, 0, q.Push(Event{Method: "a"}))
	assert.Equal(t, 0, q.Push(Event{Method: "b"}))
	assert.Equal(t, 1, q.Push(Event{Method: "c"}))
	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, "b", (<-q.C()).Method)
	assert.Equal(t, "c", (<-q.C()).Method)
}

func TestEventQueueClose(t *testing.T) {
	q := NewEventQueue(4)
	q.Push(Event{Method: "a"})
	q.Push(Event{Method: "b"})

	assert.Equal(t, 2, q.Close())
	assert.Equal(t, uint64(2), q.Dropped())
	_, ok := <-q.C()
	assert.False(t, ok)

	// Closed queues ignore pushes and repeated closes.
	assert.Equal(t, 0, q.Push(Event{Method: "c"}))
	assert.Equal(t, 0, q.Close())
}

func TestEventQueueDefaultSize(t *testing.T) {
	q := NewEventQueue(0)
	assert.Equal(t, DefaultEventQueueSize, cap(q.ch))
}

func TestEventQueueConcurrentPushNeverBlocks(t *testing.T) {
	q := NewEventQueue(8)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push(Event{Method: "Runtime.consoleAPICalled"})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, q.Len())
	assert.Equal(t, uint64(16*100-8), q.Dropped())
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

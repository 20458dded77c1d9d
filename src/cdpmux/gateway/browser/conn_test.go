package browser

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/cdpmux/src/cdpmux/entity"
	"github.com/uber/cdpmux/src/cdpmux/internal/cdptest"
	"github.com/uber/cdpmux/src/cdpmux/internal/errors"
	"github.com/uber/cdpmux/src/cdpmux/internal/protocol"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func testDialer(t *testing.T, b *cdptest.Browser, scope tally.Scope) *dialer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Endpoint = b.Endpoint()
	return newDialer(cfg, clock.New(), zap.NewNop().Sugar(), scope)
}

func dial(t *testing.T, b *cdptest.Browser, scope tally.Scope, sink EventSink) *Connection {
	t.Helper()
	conn, err := testDialer(t, b, scope).Dial(context.Background(), 1, sink)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close(nil)
		<-conn.Done()
	})
	return conn
}

func TestConnectionDo(t *testing.T) {
	b := cdptest.NewBrowser()
	defer b.Close()
	conn := dial(t, b, tally.NoopScope, nil)

	t.Run("echo", func(t *testing.T) {
		res, err := conn.Do(context.Background(), 1, "Page.navigate", json.RawMessage(`{"url":"about:blank"}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"method":"Page.navigate","params":{"url":"about:blank"}}`, string(res))
	})

	t.Run("capability probe", func(t *testing.T) {
		res, err := conn.Do(context.Background(), 2, "Browser.getVersion", nil)
		require.NoError(t, err)
		assert.Contains(t, string(res), cdptest.Product)
	})

	t.Run("remote error", func(t *testing.T) {
		b.Handle("Foo.bar", cdptest.ErrorHandler(-32601, "'Foo.bar' wasn't found"))
		_, err := conn.Do(context.Background(), 3, "Foo.bar", nil)
		re, ok := errors.AsRemote(err)
		require.True(t, ok, "got %v", err)
		assert.Equal(t, int64(-32601), re.Code)
		assert.Equal(t, "Foo.bar", re.Method)
	})

	t.Run("remote error with structured data", func(t *testing.T) {
		b.Handle("Page.navigate", func(json.RawMessage) (json.RawMessage, *protocol.Error) {
			return nil, &protocol.Error{Code: -32602, Message: "Invalid parameters", Data: json.RawMessage(`{"url":"missing"}`)}
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := conn.Do(ctx, 42, "Page.navigate", nil)
		re, ok := errors.AsRemote(err)
		require.True(t, ok, "got %v", err)
		assert.Equal(t, int64(-32602), re.Code)
		assert.Equal(t, "Invalid parameters", re.Message)
		assert.JSONEq(t, `{"url":"missing"}`, string(re.Data))
		assert.Zero(t, conn.Pending())
	})

	t.Run("invalid params are rejected before sending", func(t *testing.T) {
		before := b.Received()
		_, err := conn.Do(context.Background(), 4, "Runtime.evaluate", json.RawMessage(`{`))
		assert.Error(t, err)
		assert.Equal(t, before, b.Received())
		assert.Zero(t, conn.Pending())
	})

	assert.Equal(t, uint64(1), conn.Generation())
	assert.NoError(t, conn.Err())
}

func TestConnectionOutOfOrderReplies(t *testing.T) {
	b := cdptest.NewBrowser()
	defer b.Close()
	b.Stall("Slow.call", 200*time.Millisecond)
	conn := dial(t, b, tally.NoopScope, nil)

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := "Fast.call"
			if i%2 == 0 {
				method = "Slow.call"
			}
			params, _ := json.Marshal(map[string]int{"n": i})
			res, err := conn.Do(context.Background(), int64(100+i), method, params)
			if assert.NoError(t, err) {
				var echo struct {
					Params struct {
						N int `json:"n"`
					} `json:"params"`
				}
				assert.NoError(t, json.Unmarshal(res, &echo))
				assert.Equal(t, i, echo.Params.N)
				results[i] = string(res)
			}
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		assert.NotEmpty(t, r, "call %d", i)
	}
	assert.Zero(t, conn.Pending())
}

func TestConnectionLossFailsAllPending(t *testing.T) {
	b := cdptest.NewBrowser()
	defer b.Close()
	b.Ignore("Runtime.evaluate")
	conn := dial(t, b, tally.NoopScope, nil)

	const k = 8
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		go func(i int) {
			_, err := conn.Do(context.Background(), int64(i+1), "Runtime.evaluate", nil)
			errs <- err
		}(i)
	}
	require.Eventually(t, func() bool { return conn.Pending() == k }, 5*time.Second, 5*time.Millisecond)

	b.DropConnections()

	for i := 0; i < k; i++ {
		select {
		case err := <-errs:
			assert.True(t, errors.IsConnectionLost(err), "got %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("pending call was not resolved")
		}
	}
	<-conn.Done()
	assert.Zero(t, conn.Pending())
	assert.Error(t, conn.Err())

	_, err := conn.Do(context.Background(), 99, "Runtime.evaluate", nil)
	assert.True(t, errors.IsConnectionLost(err))
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	b := cdptest.NewBrowser()
	defer b.Close()
	conn := dial(t, b, tally.NoopScope, nil)

	require.NoError(t, conn.Close(nil))
	assert.NoError(t, conn.Close(errors.New("second")))
	<-conn.Done()
	assert.ErrorIs(t, conn.Err(), errors.ErrClosed)
}

func TestConnectionCancel(t *testing.T) {
	scope := tally.NewTestScope("testing", nil)
	b := cdptest.NewBrowser()
	defer b.Close()
	b.Stall("Page.captureScreenshot", 100*time.Millisecond)
	conn := dial(t, b, scope, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return conn.Pending() == 1 }, 5*time.Second, time.Millisecond)
		cancel()
	}()
	_, err := conn.Do(ctx, 7, "Page.captureScreenshot", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, conn.Pending())

	// The reply still arrives and is discarded.
	require.Eventually(t, func() bool {
		c := scope.Snapshot().Counters()["testing.late_replies+"]
		return c != nil && c.Value() == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestConnectionDuplicateID(t *testing.T) {
	b := cdptest.NewBrowser()
	defer b.Close()
	b.Ignore("DOM.getDocument")
	conn := dial(t, b, tally.NoopScope, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := conn.Do(ctx, 5, "DOM.getDocument", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return conn.Pending() == 1 }, 5*time.Second, time.Millisecond)

	_, err := conn.Do(context.Background(), 5, "DOM.getDocument", nil)
	var dup *errors.DuplicateIDError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, int64(5), dup.ID)

	// The original call is unaffected.
	assert.Equal(t, 1, conn.Pending())
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestConnectionEventsAndMalformed(t *testing.T) {
	scope := tally.NewTestScope("testing", nil)
	b := cdptest.NewBrowser()
	defer b.Close()

	events := make(chan entity.Event, 4)
	conn := dial(t, b, scope, func(ev entity.Event) { events <- ev })

	require.NoError(t, b.SendRaw([]byte(`this is not json`)))
	require.NoError(t, b.SendRaw([]byte(`{"id":12}`)))
	require.NoError(t, b.Emit("Runtime.consoleAPICalled", map[string]string{"type": "log"}))

	select {
	case ev := <-events:
		assert.Equal(t, "Runtime.consoleAPICalled", ev.Method)
		assert.JSONEq(t, `{"type":"log"}`, string(ev.Params))
		assert.False(t, ev.Received.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	counters := scope.Snapshot().Counters()
	assert.Equal(t, int64(2), counters["testing.malformed_messages+"].Value())
	assert.Equal(t, int64(1), counters["testing.events+"].Value())

	// Malformed frames never break the connection.
	_, err := conn.Do(context.Background(), 1, "Page.enable", nil)
	assert.NoError(t, err)
}

func TestDialFailures(t *testing.T) {
	t.Run("version endpoint down", func(t *testing.T) {
		b := cdptest.NewBrowser()
		defer b.Close()
		b.SetVersionAvailable(false)

		_, err := testDialer(t, b, tally.NoopScope).Dial(context.Background(), 1, nil)
		assert.ErrorContains(t, err, "unexpected status 503")
	})

	t.Run("direct websocket endpoint", func(t *testing.T) {
		b := cdptest.NewBrowser()
		defer b.Close()
		b.SetVersionAvailable(false)

		cfg := DefaultConfig()
		cfg.Endpoint = b.WebsocketURL()
		d := newDialer(cfg, clock.New(), zap.NewNop().Sugar(), tally.NoopScope)
		conn, err := d.Dial(context.Background(), 1, nil)
		require.NoError(t, err)
		conn.Close(nil)
		<-conn.Done()
	})

	t.Run("nothing listening", func(t *testing.T) {
		b := cdptest.NewBrowser()
		d := testDialer(t, b, tally.NoopScope)
		b.Close()

		_, err := d.Dial(context.Background(), 1, nil)
		assert.Error(t, err)
	})
}

func TestVersion(t *testing.T) {
	b := cdptest.NewBrowser()
	defer b.Close()

	v, err := testDialer(t, b, tally.NoopScope).Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cdptest.Product, v.Browser)
	assert.Equal(t, b.WebsocketURL(), v.WebSocketDebuggerURL)
}

func TestHTTPBase(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
		wantErr  bool
	}{
		{endpoint: "http://127.0.0.1:9222", want: "http://127.0.0.1:9222"},
		{endpoint: "ws://127.0.0.1:9222/devtools/browser/abc", want: "http://127.0.0.1:9222"},
		{endpoint: "wss://example.com/devtools/browser/abc", want: "https://example.com"},
		{endpoint: "ftp://example.com", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			got, err := httpBase(tt.endpoint)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

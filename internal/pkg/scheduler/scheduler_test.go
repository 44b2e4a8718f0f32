package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/TomazMarques001/Estufa-project/internal/pkg/regmap"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/transport"
)

// mockTransport records the wire execution order and injects failures.
type mockTransport struct {
	mu        sync.Mutex
	executed  []uint16 // the Addr of each executed request, in wire order
	errs      map[uint16][]error
	block     chan struct{} // non-nil blocks Execute until closed
	connected bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{errs: make(map[uint16][]error), connected: true}
}

func (m *mockTransport) Execute(req transport.Request) (transport.Response, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if queued := m.errs[req.Addr]; len(queued) > 0 {
		err := queued[0]
		m.errs[req.Addr] = queued[1:]
		if errors.Is(err, transport.ErrLink) {
			m.connected = false
		}
		return transport.Response{}, err
	}
	m.executed = append(m.executed, req.Addr)
	return transport.Response{Words: []uint16{req.Addr}}, nil
}

func (m *mockTransport) AwaitConnected(d time.Duration) bool {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return true
}

func (m *mockTransport) remaining(addr uint16) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.errs[addr])
}

func (m *mockTransport) order() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint16, len(m.executed))
	copy(out, m.executed)
	return out
}

func readReq(addr uint16) transport.Request {
	return transport.Request{Table: regmap.HoldingRegister, Addr: addr, Quantity: 1}
}

func TestCompletionMatchesSubmissionOrder(t *testing.T) {
	tm := newMockTransport()
	tm.block = make(chan struct{})
	s := New(Config{Capacity: 64}, tm)
	s.Start()
	defer s.Stop()

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(addr uint16) {
			defer wg.Done()
			// the worker is blocked, so every submission lands in the
			// queue in this goroutine's turn
			resp, err := s.Submit(readReq(addr), time.Now().Add(5*time.Second))
			assert.Check(t, err == nil)
			assert.Check(t, len(resp.Words) == 1 && resp.Words[0] == addr)
		}(uint16(i))
		time.Sleep(2 * time.Millisecond) // force distinct submission times
	}
	close(tm.block)
	wg.Wait()

	order := tm.order()
	assert.Equal(t, len(order), n)
	for i, addr := range order {
		assert.Equal(t, addr, uint16(i), "wire order diverged from submission order")
	}
}

func TestBackpressure(t *testing.T) {
	tm := newMockTransport()
	tm.block = make(chan struct{})
	capacity := 8
	s := New(Config{Capacity: capacity}, tm)
	s.Start()
	defer s.Stop()

	results := make(chan error, capacity+2)
	var wg sync.WaitGroup
	// one extra submission is picked up by the (blocked) worker, so
	// capacity+2 in total yields exactly one ErrOverloaded
	for i := 0; i < capacity+2; i++ {
		wg.Add(1)
		go func(addr uint16) {
			defer wg.Done()
			_, err := s.Submit(readReq(addr), time.Now().Add(5*time.Second))
			results <- err
		}(uint16(i))
		time.Sleep(2 * time.Millisecond)
	}
	// give the shed submission time to fail, then unblock the worker
	time.Sleep(20 * time.Millisecond)
	close(tm.block)
	wg.Wait()
	close(results)

	overloaded := 0
	for err := range results {
		if errors.Is(err, ErrOverloaded) {
			overloaded++
		} else {
			assert.NilError(t, err)
		}
	}
	assert.Equal(t, overloaded, 1)
}

func TestTimeoutRetriesThenSurfaces(t *testing.T) {
	tm := newMockTransport()
	tm.errs[7] = []error{transport.ErrTimeout, transport.ErrTimeout}
	s := New(Config{Capacity: 8, Retries: 2}, tm)
	s.Start()
	defer s.Stop()

	// two timeouts, third attempt succeeds
	resp, err := s.Submit(readReq(7), time.Now().Add(time.Second))
	assert.NilError(t, err)
	assert.Equal(t, resp.Words[0], uint16(7))

	tm.errs[8] = []error{transport.ErrTimeout, transport.ErrTimeout, transport.ErrTimeout}
	_, err = s.Submit(readReq(8), time.Now().Add(time.Second))
	assert.Assert(t, errors.Is(err, transport.ErrTimeout))
}

func TestLinkErrorRetriedAfterReconnect(t *testing.T) {
	tm := newMockTransport()
	tm.errs[3] = []error{transport.ErrLink}
	s := New(Config{Capacity: 8}, tm)
	s.Start()
	defer s.Stop()

	resp, err := s.Submit(readReq(3), time.Now().Add(time.Second))
	assert.NilError(t, err)
	assert.Equal(t, resp.Words[0], uint16(3))
}

func TestReconnectPreservesQueuedOrder(t *testing.T) {
	tm := newMockTransport()
	tm.block = make(chan struct{})
	// the first transaction hits a link fault while the rest sit queued
	tm.errs[0] = []error{transport.ErrLink}
	s := New(Config{Capacity: 16}, tm)
	s.Start()
	defer s.Stop()

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(addr uint16) {
			defer wg.Done()
			resp, err := s.Submit(readReq(addr), time.Now().Add(5*time.Second))
			assert.Check(t, err == nil)
			if err == nil {
				assert.Check(t, resp.Words[0] == addr)
			}
		}(uint16(i))
		time.Sleep(2 * time.Millisecond)
	}
	close(tm.block)
	wg.Wait()

	order := tm.order()
	assert.Equal(t, len(order), n)
	for i, addr := range order {
		assert.Equal(t, addr, uint16(i), "wire order diverged across the reconnect")
	}
}

func TestCallerTimeoutStopsRetries(t *testing.T) {
	tm := newMockTransport()
	tm.block = make(chan struct{})
	tm.errs[9] = []error{
		transport.ErrTimeout, transport.ErrTimeout, transport.ErrTimeout,
		transport.ErrTimeout, transport.ErrTimeout, transport.ErrTimeout,
	}
	s := New(Config{Capacity: 8, Retries: 5}, tm)
	s.Start()
	defer s.Stop()

	// the caller gives up while the first wire attempt is still blocked
	_, err := s.Submit(readReq(9), time.Now().Add(30*time.Millisecond))
	assert.Assert(t, errors.Is(err, ErrDeadlineExceeded))

	close(tm.block)
	time.Sleep(50 * time.Millisecond)

	// one attempt surfaces the timeout; the retry budget stays unspent
	assert.Equal(t, tm.remaining(9), 5, "worker kept retrying for a caller that had gone away")
}

func TestLinkErrorBudgetExhausted(t *testing.T) {
	tm := newMockTransport()
	tm.errs[3] = []error{transport.ErrLink, transport.ErrLink, transport.ErrLink}
	s := New(Config{Capacity: 8, Retries: 2}, tm)
	s.Start()
	defer s.Stop()

	_, err := s.Submit(readReq(3), time.Now().Add(time.Second))
	assert.Assert(t, errors.Is(err, ErrDeviceUnavailable))
}

func TestQueuedDeadlineDropsWithoutWireSlot(t *testing.T) {
	tm := newMockTransport()
	tm.block = make(chan struct{})
	s := New(Config{Capacity: 8}, tm)
	s.Start()
	defer s.Stop()

	// worker picks up the first transaction and blocks on it
	first := make(chan error, 1)
	go func() {
		_, err := s.Submit(readReq(1), time.Now().Add(5*time.Second))
		first <- err
	}()
	time.Sleep(10 * time.Millisecond)

	// the second expires while still queued
	_, err := s.Submit(readReq(2), time.Now().Add(30*time.Millisecond))
	assert.Assert(t, errors.Is(err, ErrDeadlineExceeded))

	close(tm.block)
	assert.NilError(t, <-first)

	// the expired transaction must not have reached the wire
	for _, addr := range tm.order() {
		assert.Assert(t, addr != uint16(2), "expired transaction consumed a wire slot")
	}
}

func TestStopFailsQueuedTransactions(t *testing.T) {
	tm := newMockTransport()
	tm.block = make(chan struct{})
	s := New(Config{Capacity: 8}, tm)
	s.Start()

	inflight := make(chan error, 1)
	go func() {
		_, err := s.Submit(readReq(1), time.Now().Add(5*time.Second))
		inflight <- err
	}()
	queued := make(chan error, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_, err := s.Submit(readReq(2), time.Now().Add(5*time.Second))
		queued <- err
	}()
	time.Sleep(30 * time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(tm.block) // let the in-flight transaction finish
	}()
	s.Stop()

	assert.NilError(t, <-inflight)
	assert.Assert(t, errors.Is(<-queued, ErrShuttingDown))

	_, err := s.Submit(readReq(3), time.Now().Add(time.Second))
	assert.Assert(t, errors.Is(err, ErrShuttingDown))
}

func TestSubmitRacingStopNeverStrands(t *testing.T) {
	// A submission that slips past the stop check and enqueues after the
	// drain must still come back as ShuttingDown, never hang to its
	// deadline.
	for i := 0; i < 50; i++ {
		tm := newMockTransport()
		s := New(Config{Capacity: 4}, tm)
		s.Start()

		results := make(chan error, 8)
		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func(addr uint16) {
				defer wg.Done()
				_, err := s.Submit(readReq(addr), time.Now().Add(500*time.Millisecond))
				results <- err
			}(uint16(j))
		}
		s.Stop()
		wg.Wait()
		close(results)

		for err := range results {
			assert.Assert(t, !errors.Is(err, ErrDeadlineExceeded),
				"submission stranded across shutdown")
		}
	}
}

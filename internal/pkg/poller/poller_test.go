package poller

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gotest.tools/v3/assert"

	"github.com/TomazMarques001/Estufa-project/internal/pkg/msg"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/regmap"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/transport"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/vstore"
)

func newStore(t *testing.T, rm *regmap.Map) *vstore.Store {
	t.Helper()
	return vstore.New(rm)
}

// stubSubmitter answers reads from a fixed register image.
type stubSubmitter struct {
	mu      sync.Mutex
	holding map[uint16]uint16
	err     error
	calls   int
}

func (s *stubSubmitter) Submit(req transport.Request, deadline time.Time) (transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return transport.Response{}, s.err
	}
	words := make([]uint16, req.Quantity)
	for i := range words {
		words[i] = s.holding[req.Addr+uint16(i)]
	}
	return transport.Response{Words: words}, nil
}

func TestCycleRefreshesStoreAndPublishes(t *testing.T) {
	rm, err := regmap.New([]regmap.Point{
		{Name: "temperature", Table: regmap.HoldingRegister, Address: 10, DataType: regmap.U16},
	})
	assert.NilError(t, err)

	store := newStore(t, rm)
	sub := &stubSubmitter{holding: map[uint16]uint16{10: 215}}
	pub := msg.NewPubSub(uuid.New())
	pid := uuid.New()
	ch, err := pub.Subscribe(pid, msg.Telemetry)
	assert.NilError(t, err)

	p := New(Config{Rate: 5 * time.Millisecond}, rm, sub, store, pub)
	p.Start()
	defer p.Stop()

	select {
	case m := <-ch:
		snap := m.Payload().(map[string]interface{})
		assert.Equal(t, snap["temperature"], float64(215))
	case <-time.After(time.Second):
		t.Fatal("no telemetry snapshot published")
	}

	point, _ := rm.Resolve("temperature")
	v, err := store.PointValue(point)
	assert.NilError(t, err)
	assert.Equal(t, v, float64(215))
}

func TestCycleAbortsWhenDisconnected(t *testing.T) {
	rm, err := regmap.New([]regmap.Point{
		{Name: "a", Table: regmap.HoldingRegister, Address: 0, DataType: regmap.U16},
		{Name: "b", Table: regmap.HoldingRegister, Address: 1, DataType: regmap.U16},
		{Name: "c", Table: regmap.HoldingRegister, Address: 2, DataType: regmap.U16},
	})
	assert.NilError(t, err)

	store := newStore(t, rm)
	sub := &stubSubmitter{err: transport.ErrNotConnected}
	pub := msg.NewPubSub(uuid.New())

	p := New(Config{Rate: time.Minute}, rm, sub, store, pub)
	p.cycle()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Equal(t, sub.calls, 1, "cycle should abort on the first failed point")
}

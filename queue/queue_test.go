package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocpp-core/station/db"
	"github.com/ocpp-core/station/devicemodel"
)

type fakeSender struct {
	sent chan struct{}
	out  []string
	fail bool
}

func newFakeSender() *fakeSender { return &fakeSender{sent: make(chan struct{}, 64)} }

func (f *fakeSender) Send(text string) error {
	if f.fail {
		return context.DeadlineExceeded
	}
	f.out = append(f.out, text)
	select {
	case f.sent <- struct{}{}:
	default:
	}
	return nil
}

func newTestQueue(t *testing.T, sender Sender) (*Queue, *devicemodel.Store) {
	t.Helper()
	dir := t.TempDir()
	h, err := db.Open(filepath.Join(dir, "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	dm := devicemodel.New()
	dm.Register(devicemodel.Definition{Key: devicemodel.KeyTxMessageAttempts, Kind: devicemodel.KindInt, Default: 3})
	dm.Register(devicemodel.Definition{Key: devicemodel.KeyTxMessageRetryInterval, Kind: devicemodel.KindInt, Default: 1})
	dm.Register(devicemodel.Definition{Key: devicemodel.KeyRetryBackOffRepeat, Kind: devicemodel.KindInt, Default: 3})
	dm.Register(devicemodel.Definition{Key: devicemodel.KeyRetryBackOffWaitMin, Kind: devicemodel.KindInt, Default: 10})
	dm.Register(devicemodel.Definition{Key: devicemodel.KeyRetryBackOffRandom, Kind: devicemodel.KindInt, Default: 5})
	dm.Register(devicemodel.Definition{Key: devicemodel.KeyMessageTimeout, Kind: devicemodel.KindInt, Default: 2000})

	q := New(h, dm, sender)
	return q, dm
}

// TestDurableOutboundEnqueue: a successful
// Transactional enqueue is persisted before the id is returned.
func TestDurableOutboundEnqueue(t *testing.T) {
	q, _ := newTestQueue(t, newFakeSender())
	id, err := q.Enqueue(context.Background(), "StartTransaction", []byte(`{"x":1}`), Transactional, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rows, err := q.dbh.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, id, rows[0].UniqueID)
}

// TestUniqueIDCorrelation: an orphan
// CALLRESULT does not mutate queue state and is ignored.
func TestUniqueIDCorrelation(t *testing.T) {
	q, _ := newTestQueue(t, newFakeSender())
	q.SetState(Connected)
	id, err := q.Enqueue(context.Background(), "Heartbeat", []byte(`{}`), Normal, "")
	require.NoError(t, err)

	// Orphan result: unrelated unique_id, should be a no-op.
	q.OnWireMessage(context.Background(), `[3,"not-a-real-id",{}]`)

	q.mu.Lock()
	_, stillWaiting := q.waiting[id]
	q.mu.Unlock()
	require.True(t, stillWaiting, "orphan CALLRESULT must not remove an unrelated record")
}

// TestTransactionalDeliveredThenRemoved exercises the full send →
// CALLRESULT → remove-from-durable-queue path.
func TestTransactionalDeliveredThenRemoved(t *testing.T) {
	sender := newFakeSender()
	q, _ := newTestQueue(t, sender)
	q.Start(context.Background())
	defer func() { q.Stop(0) }()

	id, err := q.Enqueue(context.Background(), "StartTransaction", []byte(`{"idTag":"ABCD"}`), Transactional, "")
	require.NoError(t, err)
	q.SetState(Connected)

	select {
	case <-sender.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("message was never sent")
	}

	q.OnWireMessage(context.Background(), `[3,"`+id+`",{"transactionId":"csms-1"}]`)

	rows, err := q.dbh.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

// TestTransactionIDRewrite: MeterValues held
// against a local transaction id are rewritten once the CSMS id arrives.
func TestTransactionIDRewrite(t *testing.T) {
	q, _ := newTestQueue(t, newFakeSender())
	localID := "local-123"

	id, err := q.Enqueue(context.Background(), "MeterValues", []byte(`{"transactionId":"local-123","value":1}`), Transactional, localID)
	require.NoError(t, err)

	q.mu.Lock()
	_, linked := findInSlice(q.txn, id)
	q.mu.Unlock()
	require.False(t, linked, "held record must not be send-eligible yet")

	require.NoError(t, q.ResolveTransactionID(context.Background(), localID, "csms-9"))

	q.mu.Lock()
	rec, linked := findInSlice(q.txn, id)
	q.mu.Unlock()
	require.True(t, linked)
	require.Contains(t, string(rec.env.Payload), "csms-9")
}

func findInSlice(list []*record, id string) (*record, bool) {
	for _, r := range list {
		if r.env.UniqueID == id {
			return r, true
		}
	}
	return nil, false
}

// TestPauseGatesNormalNotTransactional covers the egress gate.
func TestPauseGatesNormalNotTransactional(t *testing.T) {
	sender := newFakeSender()
	q, _ := newTestQueue(t, sender)
	q.SetState(Connected)
	q.Pause()

	_, err := q.Enqueue(context.Background(), "Heartbeat", []byte(`{}`), Normal, "")
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), "StartTransaction", []byte(`{}`), Transactional, "")
	require.NoError(t, err)

	rec, ok := q.nextSendable()
	require.True(t, ok)
	require.Equal(t, Transactional, rec.kind)

	rec2, ok := q.nextSendable()
	require.False(t, ok, "Normal traffic must stay gated while paused")
	require.Nil(t, rec2)
}

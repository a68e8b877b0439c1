package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Conduit/pkg/concurrency"
	"github.com/wehubfusion/Conduit/pkg/field"
	"github.com/wehubfusion/Conduit/pkg/record"
)

func testRecord(t *testing.T, greeting string) *record.Record {
	t.Helper()
	rec := record.New("src::1", "origin", nil)
	require.NoError(t, rec.Set("/greeting", field.NewString(greeting)))
	return rec
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)
	require.NoError(t, s.Write(context.Background(), []*record.Record{testRecord(t, "Hello"), testRecord(t, "Bye")}))
	require.NoError(t, s.Close())

	sc := bufio.NewScanner(&buf)
	var got []string
	for sc.Scan() {
		rec, err := record.Decode(sc.Bytes())
		require.NoError(t, err)
		f, err := rec.Get("/greeting")
		require.NoError(t, err)
		got = append(got, f.Value().(string))
	}
	assert.Equal(t, []string{"Hello", "Bye"}, got)
}

func TestWriterSink_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewWriterSink(&bytes.Buffer{})
	assert.ErrorIs(t, s.Write(ctx, []*record.Record{testRecord(t, "Hello")}), context.Canceled)
}

func TestCollector(t *testing.T) {
	var c Collector
	require.NoError(t, c.Write(context.Background(), []*record.Record{testRecord(t, "a")}))
	require.NoError(t, c.Write(context.Background(), []*record.Record{testRecord(t, "b")}))
	assert.Len(t, c.Records(), 2)
	assert.NoError(t, Discard{}.Write(context.Background(), c.Records()))
}

// fakePublisher records messages and fails the first failures publishes.
type fakePublisher struct {
	msgs     []*nats.Msg
	failures int
	flushes  int
}

func (p *fakePublisher) PublishMsg(m *nats.Msg) error {
	if p.failures > 0 {
		p.failures--
		return errors.New("nats: connection closed")
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *fakePublisher) FlushWithContext(context.Context) error {
	p.flushes++
	return nil
}

func TestNATSSink_PublishesEnvelopes(t *testing.T) {
	pub := &fakePublisher{}
	s, err := NewNATSSink(pub, NATSConfig{Subject: "conduit.errors"}, nil)
	require.NoError(t, err)

	failed := testRecord(t, "Bye")
	require.NoError(t, failed.Header().AttachError(record.ErrorInfo{StageID: "js", Code: "SCRIPTING_RUNTIME", Message: "boom", Timestamp: time.Now()}))
	event := record.NewEvent("jdbc", "no-more-data", 1)

	require.NoError(t, s.Write(context.Background(), []*record.Record{failed, event}))
	require.Len(t, pub.msgs, 2)
	assert.Equal(t, 1, pub.flushes)

	m := pub.msgs[0]
	assert.Equal(t, "conduit.errors", m.Subject)
	assert.Equal(t, failed.Header().ID(), m.Header.Get(HeaderRecordID))
	assert.Equal(t, "js", m.Header.Get(HeaderStage))
	assert.Equal(t, "SCRIPTING_RUNTIME", m.Header.Get(HeaderErrorCode))

	decoded, err := record.Decode(m.Data)
	require.NoError(t, err)
	assert.Equal(t, "boom", decoded.Header().ErrorInfo().Message)

	assert.Equal(t, "no-more-data", pub.msgs[1].Header.Get(HeaderEventType))
}

func TestNATSSink_RetriesThenSucceeds(t *testing.T) {
	pub := &fakePublisher{failures: 2}
	s, err := NewNATSSink(pub, NATSConfig{Subject: "s", MaxRetries: 2, RetryWait: time.Millisecond}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), []*record.Record{testRecord(t, "Hello")}))
	assert.Len(t, pub.msgs, 1)
}

func TestNATSSink_CircuitOpensAfterFailures(t *testing.T) {
	pub := &fakePublisher{failures: 100}
	s, err := NewNATSSink(pub, NATSConfig{Subject: "s", FailureThreshold: 2, ResetTimeout: time.Hour}, nil)
	require.NoError(t, err)

	recs := []*record.Record{testRecord(t, "Hello")}
	require.Error(t, s.Write(context.Background(), recs))
	require.Error(t, s.Write(context.Background(), recs))
	err = s.Write(context.Background(), recs)
	assert.ErrorIs(t, err, concurrency.ErrCircuitOpen)
	assert.Equal(t, 98, pub.failures)
}

func TestNewNATSSink_Validation(t *testing.T) {
	_, err := NewNATSSink(nil, NATSConfig{Subject: "s"}, nil)
	assert.Error(t, err)
	_, err = NewNATSSink(&fakePublisher{}, NATSConfig{}, nil)
	assert.Error(t, err)
}

package alert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMultiDeliversToEverySink(t *testing.T) {
	t.Parallel()

	first := &captureSink{}
	second := &captureSink{}
	multi := NewMulti(first, second)

	a := Alert{ResourceID: 100, Title: "t"}
	require.NoError(t, multi.Consume(context.Background(), a))
	require.Len(t, first.alerts, 1)
	require.Len(t, second.alerts, 1)
	require.Equal(t, a, first.alerts[0])
}

func TestMultiKeepsGoingPastFailures(t *testing.T) {
	t.Parallel()

	failing := &captureSink{fail: true}
	healthy := &captureSink{}
	multi := NewMulti(failing, healthy)

	err := multi.Consume(context.Background(), Alert{ResourceID: 1})
	require.Error(t, err)
	require.Len(t, healthy.alerts, 1, "a failing sink must not block the others")
}

func TestMultiCloseClosesEverySink(t *testing.T) {
	t.Parallel()

	first := &captureSink{}
	second := &captureSink{fail: true}
	multi := NewMulti(first, second)

	err := multi.Close(context.Background())
	require.Error(t, err)
	require.True(t, first.closed)
	require.True(t, second.closed)
}

type captureSink struct {
	fail   bool
	alerts []Alert
	closed bool
}

func (s *captureSink) Consume(_ context.Context, a Alert) error {
	if s.fail {
		return sinkErr("consume failed")
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.closed = true
	if s.fail {
		return sinkErr("close failed")
	}
	return nil
}

type sinkErr string

func (e sinkErr) Error() string { return string(e) }

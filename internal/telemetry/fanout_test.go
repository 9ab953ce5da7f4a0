package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name   string
	frames []*Frame
	failOn *Frame
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) HandleFrame(_ context.Context, frame *Frame) error {
	s.frames = append(s.frames, frame)
	if s.failOn == frame {
		return errors.New("boom")
	}
	return nil
}

type panickingSink struct{}

func (panickingSink) Name() string                              { return "panic" }
func (panickingSink) HandleFrame(context.Context, *Frame) error { panic("unreachable sink") }

func TestFanoutDeliversInOrderDespiteFailure(t *testing.T) {
	t.Parallel()

	f1 := &Frame{VIN: "V1"}
	f2 := &Frame{VIN: "V1"}
	f3 := &Frame{VIN: "V1"}

	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b", failOn: f2}
	c := &recordingSink{name: "c"}

	fanout := NewFanout()
	fanout.Register(a)
	fanout.Register(b)
	fanout.Register(c)

	for _, fr := range []*Frame{f1, f2, f3} {
		fanout.Dispatch(context.Background(), fr)
	}

	want := []*Frame{f1, f2, f3}
	for _, s := range []*recordingSink{a, b, c} {
		require.Len(t, s.frames, 3, s.name)
		assert.Equal(t, want, s.frames, s.name)
	}
	assert.Equal(t, uint64(3), fanout.FrameCount())
}

func TestFanoutContainsPanics(t *testing.T) {
	t.Parallel()

	after := &recordingSink{name: "after"}

	fanout := NewFanout()
	fanout.Register(panickingSink{})
	fanout.Register(after)

	fanout.Dispatch(context.Background(), &Frame{VIN: "V1"})

	require.Len(t, after.frames, 1)
	assert.Equal(t, uint64(1), fanout.FrameCount())
}

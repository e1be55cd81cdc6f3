package labinst

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Write(ctx context.Context, payload []byte) (int, error) {
	args := m.Called(ctx, payload)
	return args.Int(0), args.Error(1)
}

func (m *MockTransport) Read(ctx context.Context, buffer []byte) (int, error) {
	args := m.Called(ctx, buffer)
	if data, ok := args.Get(0).([]byte); ok {
		return copy(buffer, data), args.Error(1)
	}
	return 0, args.Error(1)
}

func (m *MockTransport) Query(ctx context.Context, command []byte, buffer []byte) (int, error) {
	args := m.Called(ctx, command, buffer)
	if data, ok := args.Get(0).([]byte); ok {
		return copy(buffer, data), args.Error(1)
	}
	return 0, args.Error(1)
}

func (m *MockTransport) Close() error {
	return m.Called().Error(0)
}

type MockEventTransport struct {
	MockTransport
}

func (m *MockEventTransport) WaitForEvent(ctx context.Context, timeout time.Duration) (bool, error) {
	args := m.Called(ctx, timeout)
	return args.Bool(0), args.Error(1)
}

func TestGuard_TranslatesTransportErrors(t *testing.T) {
	ioErr := errors.New("visa io error")
	tests := []struct {
		name string
		op   string
		call func(g *Guarded) error
	}{
		{
			name: "write",
			op:   "write",
			call: func(g *Guarded) error {
				_, err := g.Write(context.Background(), []byte("*RST\n"))
				return err
			},
		},
		{
			name: "read",
			op:   "read",
			call: func(g *Guarded) error {
				_, err := g.Read(context.Background(), make([]byte, 10))
				return err
			},
		},
		{
			name: "query",
			op:   "query",
			call: func(g *Guarded) error {
				_, err := g.Query(context.Background(), []byte("*IDN?\n"), make([]byte, 10))
				return err
			},
		},
		{
			name: "close",
			op:   "close",
			call: func(g *Guarded) error {
				return g.Close()
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := new(MockTransport)
			tr.On("Write", mock.Anything, mock.Anything).Return(0, ioErr)
			tr.On("Read", mock.Anything, mock.Anything).Return(nil, ioErr)
			tr.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(nil, ioErr)
			tr.On("Close").Return(ioErr)

			err := tt.call(Guard("keithley6514", tr))
			require.Error(t, err)

			var fault *InstrumentFault
			require.True(t, errors.As(err, &fault))
			assert.Equal(t, "keithley6514", fault.Instrument)
			assert.Equal(t, tt.op, fault.Op)
			var tf *TransportFault
			assert.True(t, errors.As(err, &tf))
			assert.ErrorIs(t, err, ioErr)
		})
	}
}

func TestGuard_PassesThroughSuccess(t *testing.T) {
	tr := new(MockTransport)
	tr.On("Write", mock.Anything, []byte("*CLS\n")).Return(5, nil).Once()
	tr.On("Query", mock.Anything, []byte("*IDN?\n"), mock.Anything).Return([]byte("KEITHLEY\n"), nil).Once()

	g := Guard("keithley6514", tr)
	n, err := g.Write(context.Background(), []byte("*CLS\n"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 32)
	n, err = g.Query(context.Background(), []byte("*IDN?\n"), buf)
	assert.NoError(t, err)
	assert.Equal(t, "KEITHLEY\n", string(buf[:n]))
	tr.AssertExpectations(t)
}

func TestGuard_ShortWrite(t *testing.T) {
	tr := new(MockTransport)
	tr.On("Write", mock.Anything, mock.Anything).Return(3, nil).Once()

	_, err := Guard("ultrascan", tr).Write(context.Background(), []byte("ULTRASCAN;VERSION"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShortWrite)
	var fault *InstrumentFault
	assert.True(t, errors.As(err, &fault))
}

func TestGuard_ClosesOnceAndRejectsUseAfterClose(t *testing.T) {
	tr := new(MockTransport)
	tr.On("Close").Return(nil).Once()

	g := Guard("keithley6514", tr)
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	_, err := g.Write(context.Background(), []byte("*RST\n"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = g.Read(context.Background(), make([]byte, 4))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = g.WaitForEvent(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	tr.AssertExpectations(t)
}

func TestGuard_WaitForEvent(t *testing.T) {
	t.Run("unsupported", func(t *testing.T) {
		g := Guard("keithley6514", new(MockTransport))
		assert.False(t, g.SupportsEvents())
		_, err := g.WaitForEvent(context.Background(), 0)
		assert.ErrorIs(t, err, ErrEventsUnsupported)
	})
	t.Run("observed", func(t *testing.T) {
		tr := new(MockEventTransport)
		tr.On("WaitForEvent", mock.Anything, time.Second).Return(true, nil).Once()
		g := Guard("keithley6514", tr)
		assert.True(t, g.SupportsEvents())
		seen, err := g.WaitForEvent(context.Background(), time.Second)
		assert.NoError(t, err)
		assert.True(t, seen)
	})
	t.Run("medium failure", func(t *testing.T) {
		tr := new(MockEventTransport)
		tr.On("WaitForEvent", mock.Anything, NoTimeout).Return(false, io.ErrClosedPipe).Once()
		_, err := Guard("keithley6514", tr).WaitForEvent(context.Background(), NoTimeout)
		var tf *TransportFault
		assert.True(t, errors.As(err, &tf))
		assert.ErrorIs(t, err, io.ErrClosedPipe)
	})
}

func TestGuard_IsIdempotent(t *testing.T) {
	g := Guard("keithley6514", new(MockTransport))
	assert.Same(t, g, Guard("other", g))
}

func TestFault(t *testing.T) {
	assert.NoError(t, Fault("x", "op", nil))

	perr := &ProtocolError{Command: "ULTRASCAN;INSERT;TRUE", Response: "ERR"}
	assert.Same(t, perr, Fault("x", "op", perr))

	cerr := &ConfigurationError{Param: "points", Value: 2501, Reason: "buffer holds at most 2500 readings"}
	assert.Same(t, cerr, Fault("x", "op", cerr))

	err := Fault("keithley6514", "acquire buffered", ErrCompletionTimeout)
	var fault *InstrumentFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "keithley6514: acquire buffered: completion signal not observed before timeout", err.Error())
}

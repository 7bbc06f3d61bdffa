package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockHelper records the lifecycle calls it receives.
type MockHelper struct {
	InitErr error
	Calls   []string
}

func (m *MockHelper) Init(context.Context) error {
	m.Calls = append(m.Calls, "init")
	return m.InitErr
}

func (m *MockHelper) PreExec(input []byte)  { m.Calls = append(m.Calls, "pre:"+string(input)) }
func (m *MockHelper) PostExec(input []byte) { m.Calls = append(m.Calls, "post:"+string(input)) }

func TestRun_Lifecycle(t *testing.T) {
	h := &MockHelper{}
	var ran []string
	e := New(func(in []byte) { ran = append(ran, string(in)) }, WithHelpers(h))

	require.NoError(t, e.Run(context.Background(), [][]byte{[]byte("a"), []byte("b")}))
	require.NoError(t, e.RunOne(context.Background(), []byte("c")))

	assert.Equal(t, []string{"a", "b", "c"}, ran)
	assert.Equal(t, []string{"init", "pre:a", "post:a", "pre:b", "post:b", "pre:c", "post:c"}, h.Calls)
}

func TestRun_InitFailure(t *testing.T) {
	h := &MockHelper{InitErr: errors.New("no symbols")}
	ran := false
	e := New(func([]byte) { ran = true }, WithHelpers(h))

	err := e.Run(context.Background(), [][]byte{nil})
	assert.ErrorIs(t, err, h.InitErr)
	assert.False(t, ran)

	// The failure sticks; Init is not retried.
	assert.ErrorIs(t, e.RunOne(context.Background(), nil), h.InitErr)
	assert.Equal(t, []string{"init"}, h.Calls)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	e := New(func([]byte) {
		n++
		cancel()
	})

	err := e.Run(ctx, [][]byte{nil, nil, nil})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}

package eventloop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := errBusy("AddSignal", "signal already claimed")
	require.True(t, errors.Is(err, &Error{Kind: KindBusy}))
	require.False(t, errors.Is(err, &Error{Kind: KindInvalidArgument}))
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("epoll_wait failed")
	err := errKernel("epoll_wait", cause)
	var e *Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, cause, e.Unwrap())
	require.ErrorIs(t, err, cause)
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	err := errInvalidArgument("AddIO", "readiness mask out of range")
	require.Contains(t, err.Error(), "AddIO")
	require.Contains(t, err.Error(), "invalid argument")
	require.Contains(t, err.Error(), "readiness mask out of range")
}

package griderrors

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsKind(t *testing.T) {
	err := Wrap(ErrInvalidArgument, "member is filtered")
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.NotErrorIs(t, err, ErrIllegalState)
	require.Equal(t, "member is filtered: invalid argument", err.Error())
}

func TestUnavailableKeepsCause(t *testing.T) {
	err := Unavailable(context.DeadlineExceeded, "failed to read providers")
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// re-wrapping an already classified error must not nest the kind twice
	err2 := Unavailable(err, "registry")
	require.ErrorIs(t, err2, ErrUnavailable)
	require.ErrorIs(t, err2, context.DeadlineExceeded)
}

func TestUnavailableWithoutCause(t *testing.T) {
	err := Unavailable(nil, "no topology")
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, "no topology: unavailable", err.Error())
	require.Nil(t, errors.Unwrap(err))
}

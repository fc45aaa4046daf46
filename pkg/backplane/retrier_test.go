package backplane_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/buildbarn/bb-build-farm/pkg/backplane"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRetrierGivesUpAfterFiveAttempts(t *testing.T) {
	attempts := 0
	err := backplane.NewRetrier().Retry(context.Background(), func() error {
		attempts++
		return io.EOF
	})
	require.Equal(t, io.EOF, err)
	require.Equal(t, 5, attempts)
}

func TestRetrierStopsOnStructuralErrors(t *testing.T) {
	attempts := 0
	structural := status.Error(codes.InvalidArgument, "Malformed digest")
	err := backplane.NewRetrier().Retry(context.Background(), func() error {
		attempts++
		return structural
	})
	require.Equal(t, structural, err)
	require.Equal(t, 1, attempts)
}

func TestRetrierRecoversFromTransientErrors(t *testing.T) {
	attempts := 0
	err := backplane.NewRetrier().Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return status.Error(codes.Unavailable, "Connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestIsTransient(t *testing.T) {
	require.True(t, backplane.IsTransient(io.EOF))
	require.True(t, backplane.IsTransient(status.Error(codes.Unavailable, "down")))

	require.False(t, backplane.IsTransient(nil))
	require.False(t, backplane.IsTransient(redis.Nil))
	require.False(t, backplane.IsTransient(context.Canceled))
	require.False(t, backplane.IsTransient(errors.New("decode failure")))
	require.False(t, backplane.IsTransient(status.Error(codes.NotFound, "missing")))
}

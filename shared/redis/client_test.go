package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := NewClient(&Config{Addr: mr.Addr(), DialTimeout: time.Second}, logger)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewClient(&Config{Addr: addr, DialTimeout: 100 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "failed to connect to Redis")
}

func TestNewClient_WrongPassword(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("secret")

	_, err := NewClient(&Config{Addr: mr.Addr(), Password: "wrong"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)

	client, err := NewClient(&Config{Addr: mr.Addr(), Password: "secret"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	client.Close()
}

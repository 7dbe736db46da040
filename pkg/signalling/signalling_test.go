package signalling

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ethan/screencaster/pkg/webrtcpeer"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServerDialExchangesBundle(t *testing.T) {
	addr := freeAddr(t)
	logger := zerolog.New(io.Discard)

	srv := NewServer(addr, logger)
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())

	var want webrtcpeer.Bundle

	var clientPeer *Peer
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p, err := Dial(ctx, addr)
		if err != nil {
			done <- err
			return
		}
		clientPeer = p
		done <- p.SendBundle(want)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	serverPeer, err := srv.Accept(ctx)
	require.NoError(t, err)
	defer serverPeer.Close()

	require.NoError(t, <-done)
	defer clientPeer.Close()

	got, err := serverPeer.RecvBundle(ctx)
	require.NoError(t, err)
	require.Equal(t, want.SDP, got.SDP)
}

func TestAcceptTimesOutWithoutAConnection(t *testing.T) {
	addr := freeAddr(t)
	logger := zerolog.New(io.Discard)
	srv := NewServer(addr, logger)
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := srv.Accept(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

func TestListenDialServe(t *testing.T) {
	l, err := Listen("/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- l.Serve(ctx, func(ctx context.Context, conn net.Conn) {
			defer conn.Close()
			io.Copy(conn, conn)
		})
	}()

	addrs := l.Addrs()
	require.Len(t, addrs, 1)
	require.Equal(t, l.Multiaddr().String(), addrs[0].String())

	conn, err := Dial(context.Background(), addrs[0])
	require.NoError(t, err)
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
	conn.Close()

	cancel()
	select {
	case err := <-served:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestUnspecifiedListenerExpandsToInterfaces(t *testing.T) {
	l, err := Listen("/ip4/0.0.0.0/tcp/0")
	require.NoError(t, err)
	defer l.Close()

	addrs := l.Addrs()
	require.NotEmpty(t, addrs)
	for _, a := range addrs {
		ip, err := a.ValueForProtocol(ma.P_IP4)
		require.NoError(t, err)
		require.NotEqual(t, "0.0.0.0", ip)
	}
}

func TestListenRejectsBadAddress(t *testing.T) {
	_, err := Listen("not-a-multiaddr")
	require.Error(t, err)
}

func TestResolveUnspecified(t *testing.T) {
	observed := net.ParseIP("192.168.1.7")

	got := ResolveUnspecified(ma.StringCast("/ip4/0.0.0.0/tcp/4001"), observed)
	require.Equal(t, "/ip4/192.168.1.7/tcp/4001", got.String())

	kept := ResolveUnspecified(ma.StringCast("/ip4/10.0.0.1/tcp/4001"), observed)
	require.Equal(t, "/ip4/10.0.0.1/tcp/4001", kept.String())
}

func TestParseAddrsSkipsGarbage(t *testing.T) {
	addrs := ParseAddrs([]string{"/ip4/10.0.0.1/tcp/1", "garbage", "/ip6/::1/tcp/2"})
	require.Equal(t, []string{"/ip4/10.0.0.1/tcp/1", "/ip6/::1/tcp/2"}, Strings(addrs))
}

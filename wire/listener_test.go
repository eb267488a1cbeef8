package wire

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type echoApp struct{}

func (echoApp) Serve(conn *Conn, clientIP string) {
	if clientIP == "" {
		panic("client IP must not be empty")
	}
	_ = conn.Write([]byte("hello\n"))
}

func TestListenerAcceptAndServe(t *testing.T) {
	l := &Listener{
		Name:        "test",
		Addr:        "127.0.0.1",
		Port:        0,
		App:         echoApp{},
		LimitPerSec: 5,
	}
	// port 0 means Start would bind an ephemeral port; fetch it back out.
	require.NoError(t, l.Start())
	addr := l.listener.Addr().(*net.TCPAddr)
	go func() { _ = l.Serve() }()
	defer l.Stop()

	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "hello\n", line)
}

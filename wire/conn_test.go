package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadToDelimAndLimit(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte("hello world\n"))
	}()

	c := NewConn(server)
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))
	line, err := c.ReadLine(100)
	require.NoError(t, err)
	require.Equal(t, "hello world", line)
}

func TestReadLimitExceeded(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte("this line is too long to fit\n"))
	}()

	c := NewConn(server)
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := c.ReadLine(5)
	require.ErrorIs(t, err, ErrLimitExceeded)
}

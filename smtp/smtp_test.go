package smtp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fannst/fmta/wire"
)

func TestParseCommandSplitsVerbAndArg(t *testing.T) {
	cmd, err := ParseCommand("MAIL FROM:<alice@example.com>")
	require.NoError(t, err)
	assert.Equal(t, VerbMAIL, cmd.Verb)
	assert.Equal(t, "FROM:<alice@example.com>", cmd.Arg)
}

func TestParseCommandNoArg(t *testing.T) {
	cmd, err := ParseCommand("QUIT")
	require.NoError(t, err)
	assert.Equal(t, VerbQUIT, cmd.Verb)
	assert.Equal(t, "", cmd.Arg)
}

func TestParseCommandEmptyLineErrors(t *testing.T) {
	_, err := ParseCommand("")
	assert.ErrorIs(t, err, ErrEmptyLine)
}

func TestParseMailboxExtractsAngleAddr(t *testing.T) {
	mailbox, params, err := ParseMailbox("FROM:<alice@example.com> SIZE=1024", "FROM")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", mailbox)
	assert.Equal(t, "SIZE=1024", params)
}

func TestParseMailboxRejectsWrongKeyword(t *testing.T) {
	_, _, err := ParseMailbox("TO:<bob@example.com>", "FROM")
	assert.Error(t, err)
}

func TestParseAuthSplitsMechanismAndInitial(t *testing.T) {
	mech, initial := ParseAuth("PLAIN AGFsaWNlAHB3")
	assert.Equal(t, "PLAIN", mech)
	assert.Equal(t, "AGFsaWNlAHB3", initial)
}

func TestResponseSingleLine(t *testing.T) {
	r := Reply(250, "OK")
	assert.Equal(t, "250 OK\r\n", r.String())
}

func TestResponseMultiLine(t *testing.T) {
	r := MultiReply(250, "example.com", "AUTH PLAIN", "STARTTLS")
	assert.Equal(t, "250-example.com\r\n250-AUTH PLAIN\r\n250 STARTTLS\r\n", r.String())
}

func TestEHLOResponseSingleCapabilityLine(t *testing.T) {
	r := EHLOResponse("mx.example.com", Capabilities{})
	assert.Equal(t, "250 mx.example.com\r\n", r.String())
}

func TestStuffAndUnstuffRoundTrip(t *testing.T) {
	line := []byte(".leading dot")
	stuffed := StuffLine(line)
	assert.Equal(t, "..leading dot", string(stuffed))
	assert.Equal(t, line, UnstuffLine(stuffed))
}

func TestStateOrdering(t *testing.T) {
	assert.True(t, CanMail(StateHelloed))
	assert.False(t, CanMail(StateGreeting))
	assert.True(t, CanRcpt(StateMailReceived))
	assert.False(t, CanRcpt(StateHelloed))
	assert.False(t, CanData(StateRcptReceived, 0))
	assert.True(t, CanData(StateRcptReceived, 1))
}

func TestConnReadDataBlockUnstuffsAndEnforcesCap(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		client.Write([]byte("..dot-stuffed line\r\nplain line\r\n.\r\n"))
	}()

	conn := NewConn(wire.NewConn(server))
	body, err := conn.ReadDataBlock(1024)
	require.NoError(t, err)
	assert.Equal(t, ".dot-stuffed line\r\nplain line\r\n", string(body))
}

func TestConnReadDataBlockRejectsOversized(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		client.Write([]byte("this line is too long for the cap\r\n.\r\n"))
	}()

	conn := NewConn(wire.NewConn(server))
	_, err := conn.ReadDataBlock(5)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

package smtpd

import (
	"context"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fannst/fmta/config"
	"github.com/fannst/fmta/dmarc"
	"github.com/fannst/fmta/dnsresolver"
	"github.com/fannst/fmta/mailstore"
	"github.com/fannst/fmta/relay"
	"github.com/fannst/fmta/spf"
	"github.com/fannst/fmta/wire"
)

// fakeAuthResolver answers the fixed set of SPF/DMARC TXT lookups each
// authentication test needs, without touching the network.
type fakeAuthResolver struct {
	txt map[string][]string
}

func (f *fakeAuthResolver) QueryMX(context.Context, string) ([]dnsresolver.MXRecord, error) {
	return nil, nil
}

func (f *fakeAuthResolver) QueryA(context.Context, string) ([]net.IP, error) { return nil, nil }

func (f *fakeAuthResolver) QueryAAAA(context.Context, string) ([]net.IP, error) { return nil, nil }

func (f *fakeAuthResolver) QueryTXT(_ context.Context, name string) ([]string, error) {
	return f.txt[name], nil
}

func (f *fakeAuthResolver) ReverseLookup(context.Context, net.IP) (string, error) {
	return "", nil
}

func newTestDaemon(t *testing.T) (*Daemon, *mailstore.MemoryStore, *mailstore.MemoryCache) {
	store := mailstore.NewMemoryStore()
	cache := mailstore.NewMemoryCache()
	store.PutLocalDomain("example.com")
	store.PutAccount(mailstore.AccountShortcut{Domain: "example.com", Username: "bob", OwnerUUID: uuid.New()})

	cfg := &config.Config{ServerDomain: "mx.example.com"}
	cfg.EnsureDefaults()

	var handoffs []relay.SessionHandoff
	d := &Daemon{
		Config: cfg,
		Store:  store,
		Cache:  cache,
		Enqueue: func(_ context.Context, h relay.SessionHandoff) error {
			handoffs = append(handoffs, h)
			return nil
		},
	}
	return d, store, cache
}

func TestDaemonHappyPathLocalDelivery(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Serve(wire.NewConn(server), "203.0.113.9")
	}()

	conn := wire.NewConn(client)
	line, err := conn.ReadLine(2048)
	require.NoError(t, err)
	assert.Contains(t, line, "220")

	send := func(cmd string, wantPrefix string) {
		require.NoError(t, conn.WriteLine(cmd))
		resp, err := conn.ReadLine(2048)
		require.NoError(t, err)
		assert.Contains(t, resp, wantPrefix, "command %q", cmd)
	}

	send("HELO client.example.net", "250")
	send("MAIL FROM:<alice@client.example.net>", "250")
	send("RCPT TO:<bob@example.com>", "250")
	require.NoError(t, conn.WriteLine("DATA"))
	resp, err := conn.ReadLine(2048)
	require.NoError(t, err)
	assert.Contains(t, resp, "354")

	require.NoError(t, conn.Write([]byte("Subject: hi\r\n\r\nbody\r\n.\r\n")))
	resp, err = conn.ReadLine(2048)
	require.NoError(t, err)
	assert.Contains(t, resp, "250")

	send("QUIT", "221")
	<-done
}

func TestDaemonRejectsRelayWithoutAuth(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Serve(wire.NewConn(server), "203.0.113.9")
	}()

	conn := wire.NewConn(client)
	_, _ = conn.ReadLine(2048)

	send := func(cmd string) string {
		require.NoError(t, conn.WriteLine(cmd))
		resp, err := conn.ReadLine(2048)
		require.NoError(t, err)
		return resp
	}

	assert.Contains(t, send("HELO client.example.net"), "250")
	assert.Contains(t, send("MAIL FROM:<alice@client.example.net>"), "250")
	assert.Contains(t, send("RCPT TO:<eve@not-a-local-domain.test>"), "554")
	assert.Contains(t, send("QUIT"), "221")
	<-done
}

func TestDaemonRejectsLocalSenderWithoutAuth(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Serve(wire.NewConn(server), "203.0.113.9")
	}()

	conn := wire.NewConn(client)
	_, _ = conn.ReadLine(2048)

	send := func(cmd string) string {
		require.NoError(t, conn.WriteLine(cmd))
		resp, err := conn.ReadLine(2048)
		require.NoError(t, err)
		return resp
	}

	assert.Contains(t, send("HELO client.example.net"), "250")
	assert.Contains(t, send("MAIL FROM:<bob@example.com>"), "530")
	assert.Contains(t, send("QUIT"), "221")
	<-done
}

func TestDaemonSUGrantedOnPassingSelfSPF(t *testing.T) {
	d, _, _ := newTestDaemon(t)
	peerIP := "203.0.113.9"
	resolver := &fakeAuthResolver{txt: map[string][]string{
		"mx.example.com": {"v=spf1 ip4:" + peerIP + "/32 -all"},
	}}
	d.AuthPipeline = &AuthPipeline{SPF: &spf.Evaluator{Resolver: resolver}}

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Serve(wire.NewConn(server), peerIP)
	}()

	conn := wire.NewConn(client)
	_, _ = conn.ReadLine(2048)

	send := func(cmd string) string {
		require.NoError(t, conn.WriteLine(cmd))
		resp, err := conn.ReadLine(2048)
		require.NoError(t, err)
		return resp
	}

	assert.Contains(t, send("HELO mx.example.com"), "250")
	assert.Contains(t, send("SU mx.example.com"), "250")
	assert.Contains(t, send("QUIT"), "221")
	<-done
}

func TestDaemonSURejectedWhenSelfSPFFails(t *testing.T) {
	d, _, _ := newTestDaemon(t)
	resolver := &fakeAuthResolver{txt: map[string][]string{
		"mx.example.com": {"v=spf1 -all"},
	}}
	d.AuthPipeline = &AuthPipeline{SPF: &spf.Evaluator{Resolver: resolver}}

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Serve(wire.NewConn(server), "203.0.113.9")
	}()

	conn := wire.NewConn(client)
	_, _ = conn.ReadLine(2048)

	send := func(cmd string) string {
		require.NoError(t, conn.WriteLine(cmd))
		resp, err := conn.ReadLine(2048)
		require.NoError(t, err)
		return resp
	}

	assert.Contains(t, send("HELO mx.example.com"), "250")
	assert.Contains(t, send("SU mx.example.com"), "550")
	assert.Contains(t, send("QUIT"), "221")
	<-done
}

func TestDaemonRejectsMessageFailingDMARCReject(t *testing.T) {
	d, _, _ := newTestDaemon(t)
	resolver := &fakeAuthResolver{txt: map[string][]string{
		"_dmarc.sender.example": {"v=DMARC1; p=reject"},
	}}
	d.AuthPipeline = &AuthPipeline{DMARC: &dmarc.Evaluator{Resolver: resolver}}

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Serve(wire.NewConn(server), "203.0.113.9")
	}()

	conn := wire.NewConn(client)
	_, _ = conn.ReadLine(2048)

	send := func(cmd string) string {
		require.NoError(t, conn.WriteLine(cmd))
		resp, err := conn.ReadLine(2048)
		require.NoError(t, err)
		return resp
	}

	assert.Contains(t, send("HELO client.example.net"), "250")
	assert.Contains(t, send("MAIL FROM:<alice@client.example.net>"), "250")
	assert.Contains(t, send("RCPT TO:<bob@example.com>"), "250")
	require.NoError(t, conn.WriteLine("DATA"))
	resp, err := conn.ReadLine(2048)
	require.NoError(t, err)
	assert.Contains(t, resp, "354")

	require.NoError(t, conn.Write([]byte("From: alice@sender.example\r\nSubject: hi\r\n\r\nbody\r\n.\r\n")))
	resp, err = conn.ReadLine(2048)
	require.NoError(t, err)
	assert.Contains(t, resp, "550")

	send("QUIT")
	<-done
}

func TestDaemonRejectsDataBeforeRcpt(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Serve(wire.NewConn(server), "203.0.113.9")
	}()

	conn := wire.NewConn(client)
	_, _ = conn.ReadLine(2048)

	send := func(cmd string) string {
		require.NoError(t, conn.WriteLine(cmd))
		resp, err := conn.ReadLine(2048)
		require.NoError(t, err)
		return resp
	}

	assert.Contains(t, send("HELO client.example.net"), "250")
	assert.Contains(t, send("DATA"), "503")
	assert.Contains(t, send("QUIT"), "221")
	<-done
}

func TestParseXFannstFlagsRecognizesBothFlags(t *testing.T) {
	flags := ParseXFannstFlags("db=nstore; mailer=nerror")
	assert.True(t, flags.NoStore)
	assert.True(t, flags.NoErrorMail)
}

func TestSessionResetClearsTransactionKeepsHello(t *testing.T) {
	sess := &Session{DidHELO: true}
	sess.MailFrom.Local = "alice"
	sess.Recipients = []Recipient{{}}
	sess.Reset()
	assert.Equal(t, "", sess.MailFrom.Local)
	assert.Nil(t, sess.Recipients)
}

package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fannst/fmta/addr"
	"github.com/fannst/fmta/dmarc"
	"github.com/fannst/fmta/dnsresolver"
	"github.com/fannst/fmta/smtp"
	"github.com/fannst/fmta/wire"
)

type fakeResolver struct {
	mx      map[string][]dnsresolver.MXRecord
	a       map[string][]net.IP
	aaaa    map[string][]net.IP
	mxErr   map[string]error
	txt     map[string][]string
}

func (f *fakeResolver) QueryMX(_ context.Context, name string) ([]dnsresolver.MXRecord, error) {
	if err, ok := f.mxErr[name]; ok {
		return nil, err
	}
	return f.mx[name], nil
}

func (f *fakeResolver) QueryA(_ context.Context, name string) ([]net.IP, error) {
	return f.a[name], nil
}

func (f *fakeResolver) QueryAAAA(_ context.Context, name string) ([]net.IP, error) {
	return f.aaaa[name], nil
}

func (f *fakeResolver) QueryTXT(_ context.Context, name string) ([]string, error) {
	return f.txt[name], nil
}

func TestResolveMailHostsSortsByPreference(t *testing.T) {
	r := &fakeResolver{mx: map[string][]dnsresolver.MXRecord{
		"example.com": {
			{Preference: 20, Host: "mx2.example.com"},
			{Preference: 10, Host: "mx1.example.com"},
		},
	}}
	hosts, err := ResolveMailHosts(context.Background(), r, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"mx1.example.com", "mx2.example.com"}, hosts)
}

func TestResolveMailHostsFallsBackToDomainOnNXDomain(t *testing.T) {
	r := &fakeResolver{mxErr: map[string]error{
		"noemx.example.com": &dnsresolver.Error{Outcome: dnsresolver.OutcomeNXDomain, Name: "noemx.example.com"},
	}}
	hosts, err := ResolveMailHosts(context.Background(), r, "noemx.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"noemx.example.com"}, hosts)
}

func TestResolveHostAddrsCombinesV4AndV6(t *testing.T) {
	r := &fakeResolver{
		a:    map[string][]net.IP{"mx.example.com": {net.ParseIP("192.0.2.1")}},
		aaaa: map[string][]net.IP{"mx.example.com": {net.ParseIP("2001:db8::1")}},
	}
	addrs, err := ResolveHostAddrs(context.Background(), r, "mx.example.com")
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.True(t, addrs[0].Equal(net.ParseIP("192.0.2.1")))
}

func TestShouldSuppressBounceMatchesCaseInsensitively(t *testing.T) {
	sender := addr.Address{Local: "delivery", Domain: "EXAMPLE.com"}
	bounceFrom := addr.Address{Local: "delivery", Domain: "example.com"}
	assert.True(t, ShouldSuppressBounce(sender, bounceFrom))

	other := addr.Address{Local: "alice", Domain: "example.com"}
	assert.False(t, ShouldSuppressBounce(other, bounceFrom))
}

func TestRenderBounceIncludesEachFailure(t *testing.T) {
	failures := []DeliveryError{
		{Target: addr.Address{Local: "bob", Domain: "nomx.invalid"}, Diagnostic: "no MX record"},
	}
	raw, err := RenderBounce(
		addr.Address{Local: "delivery", Domain: "example.com"},
		addr.Address{Local: "alice", Domain: "example.com"},
		failures,
		time.Unix(0, 0),
	)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "bob@nomx.invalid")
	assert.Contains(t, string(raw), "no MX record")
}

func TestIsDmarcPolicyEnforcingTrueForReject(t *testing.T) {
	r := &fakeResolver{txt: map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=reject"},
	}}
	evaluator := &dmarc.Evaluator{Resolver: r}
	assert.True(t, IsDmarcPolicyEnforcing(context.Background(), evaluator, "example.com"))
}

func TestIsDmarcPolicyEnforcingFalseForNone(t *testing.T) {
	r := &fakeResolver{txt: map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=none"},
	}}
	evaluator := &dmarc.Evaluator{Resolver: r}
	assert.False(t, IsDmarcPolicyEnforcing(context.Background(), evaluator, "example.com"))
}

func TestConverseHappyPath(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := smtp.NewConn(wire.NewConn(server))
		_ = sc.Wire.WriteLine("220 mx.example.com ESMTP")
		for {
			cmd, err := sc.ReadCommand()
			if err != nil {
				return
			}
			switch cmd.Verb {
			case smtp.VerbEHLO:
				_ = sc.WriteResponse(smtp.MultiReply(250, "mx.example.com", "8BITMIME"))
			case smtp.VerbMAIL, smtp.VerbRCPT:
				_ = sc.WriteResponse(smtp.Reply(250, "OK"))
			case smtp.VerbDATA:
				_ = sc.WriteResponse(smtp.Reply(354, "go ahead"))
				if _, err := sc.ReadDataBlock(1 << 20); err != nil {
					return
				}
				_ = sc.WriteResponse(smtp.Reply(250, "queued"))
			case smtp.VerbQUIT:
				_ = sc.WriteResponse(smtp.Reply(221, "bye"))
				return
			}
		}
	}()

	c := &Client{HELODomain: "relay.example.com"}
	conn := smtp.NewConn(wire.NewConn(client))
	err := c.converse(conn, "mx.example.com",
		addr.Address{Local: "alice", Domain: "example.com"},
		[]addr.Address{{Local: "bob", Domain: "example.net"}},
		[]byte("Subject: hi\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	<-done
}

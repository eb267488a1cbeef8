package workers

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fannst/fmta/addr"
	"github.com/fannst/fmta/dnsresolver"
	"github.com/fannst/fmta/relay"
)

type failingResolver struct{}

func (failingResolver) QueryMX(context.Context, string) ([]dnsresolver.MXRecord, error) {
	return nil, errors.New("workers: dns unavailable")
}

func (failingResolver) QueryA(context.Context, string) ([]net.IP, error) {
	return nil, errors.New("workers: dns unavailable")
}

func (failingResolver) QueryAAAA(context.Context, string) ([]net.IP, error) {
	return nil, errors.New("workers: dns unavailable")
}

func TestRelayWorkerHandleNoRemoteTargetsIsNoop(t *testing.T) {
	w := &RelayWorker{Client: &relay.Client{Resolver: failingResolver{}}}
	assert.NotPanics(t, func() {
		w.Handle(context.Background(), relay.SessionHandoff{})
	})
}

func TestRelayWorkerHandleSuppressesBounceWhenFlagSet(t *testing.T) {
	sender, err := addr.Parse("sender@example.com")
	require.NoError(t, err)
	rcpt, err := addr.Parse("rcpt@nonexistent.invalid")
	require.NoError(t, err)

	w := &RelayWorker{Client: &relay.Client{Resolver: failingResolver{}}}
	handoff := relay.SessionHandoff{Sender: sender, RelayTargets: []addr.Address{rcpt}, SuppressErrorMail: true}
	assert.NotPanics(t, func() {
		w.Handle(context.Background(), handoff)
	})
}

func TestRelayWorkerHandleAttemptsBounceOnFailure(t *testing.T) {
	sender, err := addr.Parse("sender@example.com")
	require.NoError(t, err)
	rcpt, err := addr.Parse("rcpt@nonexistent.invalid")
	require.NoError(t, err)
	bounceFrom, err := addr.Parse("postmaster@mx.example.com")
	require.NoError(t, err)

	w := &RelayWorker{Client: &relay.Client{Resolver: failingResolver{}}, BounceFromAddress: bounceFrom}
	handoff := relay.SessionHandoff{Sender: sender, RelayTargets: []addr.Address{rcpt}}
	assert.NotPanics(t, func() {
		w.Handle(context.Background(), handoff)
	})
}

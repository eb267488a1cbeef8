package dnsresolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterPrintable(t *testing.T) {
	assert.Equal(t, "v=spf1 -all", filterPrintable("v=spf1 \x00\x01-all"))
}

func TestExchangeNoUpstreamsDoesNotPanic(t *testing.T) {
	r := &Resolver{}
	assert.NotPanics(t, func() {
		_, _ = r.exchange(nil, "example.com", 1)
	})
}

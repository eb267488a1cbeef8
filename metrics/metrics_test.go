package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestRegistryNilSafe(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.IncConnections("plain")
		r.ObserveCommand("EHLO", 0.01)
		r.SetQueueDepth("relay", 3)
		r.IncDNSLookup("MX", "ok")
		r.IncAuthResult("spf", "pass")
		r.IncRelayAttempt("success")
		r.IncBounce()
		r.IncStored()
		r.IncRelayed()
		r.IncStorageFailure()
	})
}

func TestRegistryRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	r.IncConnections("plain")
	mfs, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

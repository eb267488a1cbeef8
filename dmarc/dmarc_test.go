package dmarc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fannst/fmta/spf"
)

type fakeTXTResolver struct {
	records map[string][]string
}

func (f *fakeTXTResolver) QueryTXT(ctx context.Context, name string) ([]string, error) {
	return f.records[name], nil
}

func TestParseBasicRecord(t *testing.T) {
	rec, err := Parse("v=DMARC1; p=reject; sp=quarantine; pct=50; adkim=s; aspf=r")
	require.NoError(t, err)
	assert.Equal(t, PolicyReject, rec.Policy)
	assert.Equal(t, PolicyQuarantine, rec.SubPolicy)
	assert.Equal(t, 50, rec.Percent)
	assert.Equal(t, AlignStrict, rec.DKIMAlign)
	assert.Equal(t, AlignRelaxed, rec.SPFAlign)
}

func TestParseRejectsMissingPolicy(t *testing.T) {
	_, err := Parse("v=DMARC1; pct=100")
	assert.Error(t, err)
}

func TestParseSubPolicyDefaultsToPolicy(t *testing.T) {
	rec, err := Parse("v=DMARC1; p=quarantine")
	require.NoError(t, err)
	assert.Equal(t, PolicyQuarantine, rec.SubPolicy)
}

func TestEvaluatePassesOnAlignedSPF(t *testing.T) {
	resolver := &fakeTXTResolver{records: map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=reject"},
	}}
	eval := &Evaluator{Resolver: resolver}

	decision, err := eval.Evaluate(context.Background(), "example.com", "example.com", spf.Pass, nil)
	require.NoError(t, err)
	assert.True(t, decision.Pass)
	assert.Equal(t, PolicyNone, decision.AppliedPolicy)
}

func TestEvaluateFailsAppliesReject(t *testing.T) {
	resolver := &fakeTXTResolver{records: map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=reject"},
	}}
	eval := &Evaluator{Resolver: resolver, RandFraction: func() int { return 0 }}

	decision, err := eval.Evaluate(context.Background(), "example.com", "evil.example.net", spf.Fail, nil)
	require.NoError(t, err)
	assert.False(t, decision.Pass)
	assert.Equal(t, PolicyReject, decision.AppliedPolicy)
}

func TestEvaluatePassesOnAlignedDKIM(t *testing.T) {
	resolver := &fakeTXTResolver{records: map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=reject"},
	}}
	eval := &Evaluator{Resolver: resolver}

	decision, err := eval.Evaluate(context.Background(), "example.com", "", spf.Fail, []string{"example.com"})
	require.NoError(t, err)
	assert.True(t, decision.Pass)
}

func TestPctDowngradesRejectToQuarantine(t *testing.T) {
	resolver := &fakeTXTResolver{records: map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=reject; pct=10"},
	}}
	eval := &Evaluator{Resolver: resolver, RandFraction: func() int { return 50 }}

	decision, err := eval.Evaluate(context.Background(), "example.com", "evil.net", spf.Fail, nil)
	require.NoError(t, err)
	assert.Equal(t, PolicyQuarantine, decision.AppliedPolicy)
}

func TestEvaluateNoRecordReturnsError(t *testing.T) {
	resolver := &fakeTXTResolver{records: map[string][]string{}}
	eval := &Evaluator{Resolver: resolver}

	_, err := eval.Evaluate(context.Background(), "example.com", "example.com", spf.Pass, nil)
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestSubdomainSenderUsesSubPolicy(t *testing.T) {
	resolver := &fakeTXTResolver{records: map[string][]string{
		"_dmarc.example.com": {"v=DMARC1; p=reject; sp=none"},
	}}
	eval := &Evaluator{Resolver: resolver}

	decision, err := eval.Evaluate(context.Background(), "mail.example.com", "evil.net", spf.Fail, nil)
	require.NoError(t, err)
	assert.Equal(t, PolicyNone, decision.AppliedPolicy)
}

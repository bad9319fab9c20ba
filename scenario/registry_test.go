package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenarioFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestRegistryRoundRobinsOutbound(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "salehi.yaml", "name: salehi\nflow:\n  - step: entry\n    type: entry\n")
	writeScenarioFile(t, dir, "agrad.yaml", "name: agrad\nflow:\n  - step: entry\n    type: entry\n")

	r, err := NewRegistry(dir, "")
	require.NoError(t, err)

	first, ok := r.NextScenario()
	require.True(t, ok)
	second, ok := r.NextScenario()
	require.True(t, ok)
	third, ok := r.NextScenario()
	require.True(t, ok)

	assert.NotEqual(t, first, second)
	assert.Equal(t, first, third)
}

func TestRegistryInboundOnlyConsidersScenariosWithInboundFlow(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "outbound_only.yaml", "name: outbound_only\nflow:\n  - step: entry\n    type: entry\n")
	writeScenarioFile(t, dir, "with_inbound.yaml", "name: with_inbound\nflow:\n  - step: entry\n    type: entry\ninbound_flow:\n  - step: entry\n    type: entry\n")

	r, err := NewRegistry(dir, "")
	require.NoError(t, err)

	name, ok := r.NextInboundScenario()
	require.True(t, ok)
	assert.Equal(t, "with_inbound", name)

	// Only one inbound-capable scenario: repeated calls keep returning it.
	name2, ok := r.NextInboundScenario()
	require.True(t, ok)
	assert.Equal(t, "with_inbound", name2)
}

func TestRegistrySkipsMismatchedCompany(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "other.yaml", "name: other\ncompany: other-co\nflow:\n  - step: entry\n    type: entry\n")
	writeScenarioFile(t, dir, "mine.yaml", "name: mine\ncompany: acme\nflow:\n  - step: entry\n    type: entry\n")

	r, err := NewRegistry(dir, "acme")
	require.NoError(t, err)

	assert.Equal(t, []string{"mine"}, r.Names())
}

func TestSetEnabledIntersectsWithLoaded(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "a.yaml", "name: a\nflow:\n  - step: entry\n    type: entry\n")
	writeScenarioFile(t, dir, "b.yaml", "name: b\nflow:\n  - step: entry\n    type: entry\n")

	r, err := NewRegistry(dir, "")
	require.NoError(t, err)

	r.SetEnabled([]string{"b", "nonexistent"})
	name, ok := r.NextScenario()
	require.True(t, ok)
	assert.Equal(t, "b", name)
}

func TestClassifyFallbackFirstMatchWins(t *testing.T) {
	sc := &Scenario{
		LLM: LLMConfig{
			IntentCategories: []string{"yes", "no"},
			FallbackTokens: map[string][]string{
				"yes": {"بله", "باشه"},
				"no":  {"نه"},
			},
		},
	}
	assert.Equal(t, "yes", sc.ClassifyFallback("باشه حتما"))
	assert.Equal(t, "no", sc.ClassifyFallback("نه ممنون"))
	assert.Equal(t, "unknown", sc.ClassifyFallback("something else"))
}

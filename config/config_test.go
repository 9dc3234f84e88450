package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/config"
	"goa.design/agentcore/guardrail"
	"goa.design/agentcore/model"
	"goa.design/agentcore/tools"
)

const sampleYAML = `
id: support-agent
name: Support Agent
instructions: Answer customer questions politely.
model: gpt-4o
provider: openai
maxHistory: 50
markdown: true
tools:
  - weather-tool
  - unknown-tool
subAgents:
  - billing-agent
outputGuardrails:
  - id: profanity-guardrail
    options:
      mode: redact
`

type fakeToolRegistry struct{}

func (fakeToolRegistry) Tool(name string) (tools.Handle, bool) {
	if name != "weather-tool" {
		return nil, false
	}
	return tools.Func{S: tools.Spec{Name: "weather-tool"}}, true
}

type fakeProviderRegistry struct{}

func (fakeProviderRegistry) Provider(name string) (model.Provider, bool) { return nil, name == "openai" }

type fakeGuardrailRegistry struct{}

func (fakeGuardrailRegistry) InputGuardrail(config.GuardrailRef) (guardrail.InputGuardrail, bool) {
	return guardrail.InputGuardrail{}, false
}
func (fakeGuardrailRegistry) OutputGuardrail(ref config.GuardrailRef) (guardrail.OutputGuardrail, bool) {
	if ref.ID != "profanity-guardrail" {
		return guardrail.OutputGuardrail{}, false
	}
	return guardrail.OutputGuardrail{ID: ref.ID, Name: ref.ID}, true
}

func TestParseAndResolve(t *testing.T) {
	doc, err := config.Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "support-agent", doc.ID)
	require.Equal(t, 50, doc.MaxHistory)

	desc, err := config.Resolve(doc, config.Registries{
		Tools:      fakeToolRegistry{},
		Providers:  fakeProviderRegistry{},
		Guardrails: fakeGuardrailRegistry{},
	})
	require.NoError(t, err)
	require.Len(t, desc.Tools, 1)
	require.Equal(t, []string{"unknown-tool"}, desc.UnresolvedTools)
	require.Equal(t, []string{"billing-agent"}, desc.SubAgentIDs)
	require.Len(t, desc.OutputGuards, 1)
}

func TestParseDefaultsMaxHistory(t *testing.T) {
	doc, err := config.Parse([]byte("id: a\nname: A\nmodel: m\n"))
	require.NoError(t, err)
	require.Equal(t, 100, doc.MaxHistory)
}

func TestParseRejectsMissingModel(t *testing.T) {
	_, err := config.Parse([]byte("id: a\nname: A\n"))
	require.Error(t, err)
}

func TestResolveFailsOnUnknownProvider(t *testing.T) {
	doc, err := config.Parse([]byte("id: a\nname: A\nmodel: m\nprovider: nope\n"))
	require.NoError(t, err)
	_, err = config.Resolve(doc, config.Registries{Providers: fakeProviderRegistry{}})
	require.Error(t, err)
}

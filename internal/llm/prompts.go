package llm

import "fmt"

// DefaultAgentScript is the opening line of the agent's call script.
const DefaultAgentScript = "Welcome! How can I help?"

// suggestionPromptTemplate frames one customer fragment for the model.
// Arguments: agent script, customer fragment.
const suggestionPromptTemplate = "Agent script: %s\nCustomer said: %s\n\nBased on this, suggest how the agent should respond."

// BuildSuggestionPrompt combines the agent script preamble with what the
// customer just said.
func BuildSuggestionPrompt(agentScript, fragment string) string {
	if agentScript == "" {
		agentScript = DefaultAgentScript
	}
	return fmt.Sprintf(suggestionPromptTemplate, agentScript, fragment)
}

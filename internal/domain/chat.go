package domain

// ChatMessage is the provider-agnostic chat message shape sent to the
// completion gateway.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ModelParams carries the generation knobs passed alongside a context.
type ModelParams struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

package types

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation. Order within a conversation is
// significant; system messages come first by convention.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Input is the single record a host hands to the relay.
type Input struct {
	Vars     map[string]any `json:"vars"`
	UserText string         `json:"userText"`
}

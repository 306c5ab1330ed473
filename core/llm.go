package core

type TurnRole string

const (
	TurnRoleSystem    TurnRole = "system"
	TurnRoleAssistant TurnRole = "assistant"
	TurnRoleUser      TurnRole = "user"
)

// ConversationTurn is one role-tagged unit of dialogue text.
type ConversationTurn struct {
	Role    TurnRole `json:"role"`    // Speaker of the turn.
	Content string   `json:"content"` // Text of the turn.
}

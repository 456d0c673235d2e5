package domain

import "time"

// AgentStage names which of the two model calls produced a ConversationRecord.
type AgentStage string

const (
	StageClassifier AgentStage = "classifier"
	StageAnswer     AgentStage = "answer"
)

// ConversationRecord is one audited model call. Records are append-only.
type ConversationRecord struct {
	ID               string
	ClientID         string
	Stage            AgentStage
	InputText        string
	OutputText       string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ProcessingTime   time.Duration
	CreatedAt        time.Time
}

// SupportingPath points the reader at a page and, optionally, sections on it.
type SupportingPath struct {
	URL        string   `json:"url"`
	SectionIDs []string `json:"section_id"`
}

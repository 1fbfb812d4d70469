package domain

import "time"

// Binding is the persistent association of a conversation to an account and
// an upstream session (spec §3 "Binding").
type Binding struct {
	ConversationID      string
	AccountIndex        int
	TeamID              string // stored for robust re-lookup after re-indexing
	UpstreamSessionName string
	ImageDirPath        string
	UserID              string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// VerificationCode is a transient inbox finding: one 6-character code bound
// to the recipient it was addressed to (or unknown, if the recipient could
// not be determined), and the instant it arrived.
type VerificationCode struct {
	RecipientEmailLower string // empty means "unknown recipient, fallback bucket"
	Code                string
	ArrivedAt           time.Time
}

// FileMapping tracks one uploaded file across the OpenAI-compatible surface
// and the Upstream session it currently lives in (spec §5 "File-mapping
// table").
type FileMapping struct {
	OpenAIFileID  string
	UpstreamFileID string
	SessionName    string
	MimeType       string
	Bytes          []byte
	CreatedAt      time.Time
}

// ChatMessage is one turn of a conversation's history, in the User/Assistant
// role shape the Router folds into composed_query (spec §4.J step 4).
type ChatMessage struct {
	Role    string // "user" | "assistant"
	Content string
}

package store

// Reaction is one emoji's tally on a message.
type Reaction struct {
	Count int             `json:"count"`
	Users map[string]bool `json:"users,omitempty"`
}

// Message is a single merged conversation entry. ID is globally unique and
// immutable once created. TS is a unix-millisecond timestamp used only for
// display ordering, never for causal ordering. Messages are never deleted;
// the only mutation after creation is the reaction map.
type Message struct {
	ID        string              `json:"id"`
	Text      string              `json:"text"`
	RelayText string              `json:"relayText,omitempty"`
	SenderID  string              `json:"senderId"`
	Username  string              `json:"username"`
	AvatarURL string              `json:"avatarUrl,omitempty"`
	ReplyTo   string              `json:"replyTo,omitempty"`
	TS        int64               `json:"ts"`
	Reactions map[string]Reaction `json:"reactions,omitempty"`
}

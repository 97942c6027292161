package model

// ActiveChat — сводка переписки глазами одного пользователя.
type ActiveChat struct {
	Peer        PeerSummary `json:"peer"`
	LastMessage Message     `json:"last_message"`
	Unread      int         `json:"unread"`
}

// ConversationSummary — то, что хранилище выводит для пользователя из журнала.
// С ним сверяется кэш активных переписок.
type ConversationSummary struct {
	PeerID      int64
	LastMessage Message
	Unread      int
}

// SearchResult — собеседник и последнее сообщение с ним, если было.
type SearchResult struct {
	PeerSummary
	LastMessage *Message `json:"last_message,omitempty"`
}

// HistoryPage — ограниченный отрезок переписки по возрастанию.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

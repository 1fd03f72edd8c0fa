package domain

// InboundMessage — сообщение из апдейта Telegram в том виде, в котором его понимает мост.
type InboundMessage struct {
	MessageID  int64
	FromID     int64
	ChatID     int64
	Text       string
	QuotedText string
}

// InboundUpdate — один апдейт платформы независимо от пути доставки (webhook или getUpdates).
// Message равен nil для апдейтов без сообщения (callback, реакции и т.п.).
type InboundUpdate struct {
	UpdateID int64
	Message  *InboundMessage
	Edited   bool
}

// HasMessage сообщает, что апдейт несёт сообщение.
func (u InboundUpdate) HasMessage() bool {
	return u.Message != nil
}

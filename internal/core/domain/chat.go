package domain

import "time"

const LocalSenderLabel = "You"

type ChatMessage struct {
	SenderLabel string    `json:"sender_label"`
	Body        string    `json:"body"`
	Timestamp   time.Time `json:"timestamp"`
}

package model

import "time"

type MessageType string

const (
	MessageText         MessageType = "TEXT"
	MessageFileOnly     MessageType = "FILE"
	MessageTextWithFile MessageType = "TEXT_WITH_FILE"
	MessageSystem       MessageType = "SYSTEM"
	MessageMeeting      MessageType = "MEETING"
)

// HasText reports whether the type requires text content.
func (t MessageType) HasText() bool {
	return t == MessageText || t == MessageTextWithFile
}

// HasFiles reports whether the type requires file attachments.
func (t MessageType) HasFiles() bool {
	return t == MessageFileOnly || t == MessageTextWithFile
}

// MessageFile describes one attachment. The blob itself lives elsewhere;
// the core stores the descriptor only.
type MessageFile struct {
	URL          string `json:"url"`
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	MimeType     string `json:"mime_type"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// Meeting is the structured payload of a MEETING message.
type Meeting struct {
	Provider      string     `json:"provider"`
	MeetingID     string     `json:"meeting_id"`
	MeetingLink   string     `json:"meeting_link"`
	RecordingLink string     `json:"recording_link,omitempty"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
}

// Receipt records that one user delivered or saw a message. At most one
// receipt per user exists; a later write overwrites the timestamp.
type Receipt struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

// Message belongs to exactly one conversation. ReplyToID is a weak reference
// to another message of the same conversation. Deletion is logical: the row
// stays with IsDeleted set.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Type           MessageType   `json:"type"`
	Text           string        `json:"text,omitempty"`
	Files          []MessageFile `json:"files,omitempty"`
	Meeting        *Meeting      `json:"meeting,omitempty"`
	SeenBy         []Receipt     `json:"seen_by"`
	DeliveredTo    []Receipt     `json:"delivered_to"`
	ReplyToID      *string       `json:"reply_to_id,omitempty"`
	IsEdited       bool          `json:"is_edited"`
	EditedAt       *time.Time    `json:"edited_at,omitempty"`
	IsDeleted      bool          `json:"is_deleted"`
	DeletedAt      *time.Time    `json:"deleted_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Sender         *UserProfile  `json:"sender,omitempty"`
	ReplyTo        *Message      `json:"reply_to,omitempty"`
}

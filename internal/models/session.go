package models

import "time"

// Session is a conversation thread between the owning user and one
// counterpart. At most one session may exist per (owner, contact key)
// pair; the store enforces this and clients tolerate transient
// duplicates (see internal/resolver).
type Session struct {
	ID                 string    `json:"id"`
	OwnerID            int64     `json:"owner_id"`
	CounterpartName    string    `json:"counterpart_name"`
	CounterpartKey     string    `json:"counterpart_key"`
	ProviderListing    bool      `json:"provider_listing"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastActivityAt     time.Time `json:"last_activity_at"`
	UnreadCount        int       `json:"unread_count"`
	CreatedAt          time.Time `json:"created_at"`
}

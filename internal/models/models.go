package models

import (
	"strings"
	"time"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type User struct {
	ID                  string `json:"_id"`
	Name                string `json:"name"`
	Email               string `json:"email,omitempty"`
	Password            string `json:"-"`
	Status              string `json:"status"`
	Location            string `json:"location,omitempty"`
	Designation         string `json:"designation,omitempty"`
	PublicKey           string `json:"publicKey,omitempty"`
	EncryptedPrivateKey string `json:"-"`
}

// Membership is a user's durable participation in a group. The creator of a
// group never has a Membership row; creator rights are derived from Group.CreatorID.
type Membership struct {
	UserID          string `json:"userId"`
	CanSendMessages bool   `json:"canSendMessages"`
}

type Group struct {
	ID        string       `json:"_id"`
	Name      string       `json:"name"`
	CreatorID string       `json:"creator"`
	Members   []Membership `json:"members"`
}

// Member returns the membership row for userID, if any.
func (g *Group) Member(userID string) (Membership, bool) {
	for _, m := range g.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Membership{}, false
}

// HasParticipant reports whether userID is the creator or holds a membership row.
func (g *Group) HasParticipant(userID string) bool {
	if g.CreatorID == userID {
		return true
	}
	_, ok := g.Member(userID)
	return ok
}

// ParticipantIDs lists the creator followed by every member, without duplicates.
func (g *Group) ParticipantIDs() []string {
	ids := make([]string, 0, len(g.Members)+1)
	seen := make(map[string]struct{}, len(g.Members)+1)
	if g.CreatorID != "" {
		ids = append(ids, g.CreatorID)
		seen[g.CreatorID] = struct{}{}
	}
	for _, m := range g.Members {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		ids = append(ids, m.UserID)
	}
	return ids
}

type ContentKind string

const (
	KindText          ContentKind = "text"
	KindEncryptedText ContentKind = "encrypted_text"
	KindFile          ContentKind = "file"
)

// FileDescriptor references an attachment uploaded out-of-band.
type FileDescriptor struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

func (f FileDescriptor) IsImage() bool {
	return strings.HasPrefix(f.MimeType, "image/")
}

// Message is the durable record shared by sender and recipients.
//
// For KindEncryptedText, Content keeps the sender's plaintext and
// EncryptedContent holds the ciphertext sealed to the recipient's public key.
// Recipients render EncryptedContent; the sender renders Content.
type Message struct {
	ID               string          `json:"_id"`
	SenderID         string          `json:"sender"`
	SenderName       string          `json:"senderName,omitempty"`
	RecipientID      string          `json:"recipient,omitempty"`
	GroupID          string          `json:"group,omitempty"`
	Kind             ContentKind     `json:"kind"`
	Content          string          `json:"content,omitempty"`
	EncryptedContent string          `json:"encryptedContent,omitempty"`
	File             *FileDescriptor `json:"file,omitempty"`
	TempID           string          `json:"tempId,omitempty"`
	CreatedAt        time.Time       `json:"timestamp"`
}

func (m *Message) IsPrivate() bool {
	return m.RecipientID != ""
}

func (m *Message) IsGroup() bool {
	return m.GroupID != ""
}

// ForRecipient returns a copy of m with the sender-only plaintext stripped from
// encrypted private content. Recipients must only ever see the ciphertext.
func (m Message) ForRecipient() Message {
	if m.Kind == KindEncryptedText {
		m.Content = ""
	}
	return m
}

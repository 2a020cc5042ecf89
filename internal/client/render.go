package client

import (
	"fmt"

	"github.com/pliu/chatbox/internal/keys"
	"github.com/pliu/chatbox/internal/models"
)

// DecryptionFailed is rendered in place of a private message that could not
// be opened with the viewer's key.
const DecryptionFailed = "[Decryption Failed]"

// Rendered is what a view shows for one message: either Text or File.
type Rendered struct {
	Text             string    `json:"text,omitempty"`
	File             *FileView `json:"file,omitempty"`
	DecryptionFailed bool      `json:"decryptionFailed,omitempty"`
}

type FileView struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	IsImage   bool   `json:"isImage"`
	SizeLabel string `json:"sizeLabel"`
}

func newFileView(f models.FileDescriptor) *FileView {
	return &FileView{
		Name:      f.Name,
		URL:       f.URL,
		Size:      f.Size,
		MimeType:  f.MimeType,
		IsImage:   f.IsImage(),
		SizeLabel: fmt.Sprintf("%.2f KB", float64(f.Size)/1024),
	}
}

// Render derives the displayed content of m for viewerID.
//
// Files are never decrypted. Group messages, the viewer's own messages and
// records without ciphertext show the stored plaintext. Anything else is
// opened with privateKey; any failure renders DecryptionFailed.
func Render(m models.Message, viewerID, privateKey string) Rendered {
	if m.File != nil {
		return Rendered{File: newFileView(*m.File)}
	}
	if m.IsGroup() || m.SenderID == viewerID || m.EncryptedContent == "" {
		return Rendered{Text: m.Content}
	}
	plain, err := keys.Open(privateKey, m.EncryptedContent)
	if err != nil {
		return Rendered{Text: DecryptionFailed, DecryptionFailed: true}
	}
	return Rendered{Text: plain}
}

// Summary is the one-line form used by notices.
func (r Rendered) Summary() string {
	if r.File != nil {
		return "sent a file"
	}
	return r.Text
}

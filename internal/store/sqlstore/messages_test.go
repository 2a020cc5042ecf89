package sqlstore

import (
	"context"
	"testing"

	"github.com/pliu/chatbox/internal/models"
)

func TestSaveGroupMessage(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	user := mustCreateUser(t, "user1")
	group, _ := testStore.CreateGroup(ctx, "Chat 1", user.ID)

	msg := &models.Message{SenderID: user.ID, GroupID: group.ID, Kind: models.KindText, Content: "Hello", TempID: "t1"}
	if err := testStore.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("Failed to save message: %v", err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Errorf("Expected id and timestamp to be assigned, got %+v", msg)
	}

	messages, err := testStore.GetGroupMessages(ctx, group.ID)
	if err != nil {
		t.Fatalf("Failed to get messages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(messages))
	}
	if messages[0].Content != "Hello" || messages[0].SenderName != "user1" || messages[0].TempID != "t1" {
		t.Errorf("Unexpected message: %+v", messages[0])
	}
}

func TestPrivateMessagesBothDirections(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	alice := mustCreateUser(t, "alice")
	bob := mustCreateUser(t, "bob")
	carol := mustCreateUser(t, "carol")

	testStore.SaveMessage(ctx, &models.Message{SenderID: alice.ID, RecipientID: bob.ID, Kind: models.KindEncryptedText, Content: "hi", EncryptedContent: "ct1"})
	testStore.SaveMessage(ctx, &models.Message{SenderID: bob.ID, RecipientID: alice.ID, Kind: models.KindEncryptedText, Content: "yo", EncryptedContent: "ct2"})
	testStore.SaveMessage(ctx, &models.Message{SenderID: carol.ID, RecipientID: alice.ID, Kind: models.KindEncryptedText, Content: "other", EncryptedContent: "ct3"})

	messages, err := testStore.GetPrivateMessages(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("GetPrivateMessages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(messages))
	}
	if messages[0].EncryptedContent != "ct1" || messages[1].EncryptedContent != "ct2" {
		t.Errorf("Expected persistence order, got %+v", messages)
	}
}

func TestSaveFileMessage(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	user := mustCreateUser(t, "user1")
	group, _ := testStore.CreateGroup(ctx, "Files", user.ID)

	file := &models.FileDescriptor{Name: "cat.png", URL: "http://x/cat.png", Size: 2048, MimeType: "image/png"}
	if err := testStore.SaveMessage(ctx, &models.Message{SenderID: user.ID, GroupID: group.ID, Kind: models.KindFile, File: file}); err != nil {
		t.Fatalf("Failed to save file message: %v", err)
	}

	messages, _ := testStore.GetGroupMessages(ctx, group.ID)
	if len(messages) != 1 || messages[0].File == nil {
		t.Fatalf("Expected file message, got %+v", messages)
	}
	if *messages[0].File != *file {
		t.Errorf("Expected %+v, got %+v", *file, *messages[0].File)
	}
}

package testutil

import (
	"context"
	"testing"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedAccount inserts a minimal IMAP account and returns it.
func SeedAccount(t *testing.T, s *store.SQLiteStore) model.Account {
	t.Helper()

	acct := model.Account{
		ID:       "acct-test",
		Email:    "user@example.com",
		Protocol: model.ProtocolIMAP,
		Incoming: model.Endpoint{Host: "imap.example.com", Port: 993, Security: model.SecurityTLS},
		Outgoing: model.Endpoint{Host: "smtp.example.com", Port: 465, Security: model.SecurityTLS},
		AuthKind: model.AuthPassword,
		Enabled:  true,
	}
	if err := s.UpsertAccount(context.Background(), acct); err != nil {
		t.Fatalf("seeding account: %v", err)
	}
	return acct
}

// SeedFolder inserts a folder for the account and returns it with its ID
// populated.
func SeedFolder(t *testing.T, s *store.SQLiteStore, accountID, path string) model.Folder {
	t.Helper()

	folder := model.Folder{
		ID:        "folder-" + path,
		AccountID: accountID,
		Path:      path,
		Kind:      model.ClassifyFolder(path),
	}
	if err := s.UpsertFolder(context.Background(), folder); err != nil {
		t.Fatalf("seeding folder %s: %v", path, err)
	}
	return folder
}

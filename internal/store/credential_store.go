package store

import (
	"context"
	"fmt"
	"time"
)

// Credential kinds stored per account. The store only ever sees
// ciphertext; encryption and decryption live in the credential keeper.
const (
	CredentialPassword = "password"
	CredentialOAuth    = "oauth"
)

// PutCredential inserts or replaces one encrypted credential blob.
func (s *SQLiteStore) PutCredential(ctx context.Context, accountID, kind string, ciphertext []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO credentials (account_id, kind, ciphertext, updated_at)
		VALUES (?, ?, ?, ?)`,
		accountID, kind, ciphertext, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storing %s credential for %s: %w", kind, accountID, err)
	}
	return nil
}

// GetCredential retrieves one encrypted credential blob.
func (s *SQLiteStore) GetCredential(ctx context.Context, accountID, kind string) ([]byte, error) {
	var ciphertext []byte
	err := s.db.QueryRowxContext(ctx,
		"SELECT ciphertext FROM credentials WHERE account_id = ? AND kind = ?",
		accountID, kind,
	).Scan(&ciphertext)
	if err != nil {
		return nil, fmt.Errorf("loading %s credential for %s: %w", kind, accountID, notFound(err))
	}
	return ciphertext, nil
}

// DeleteCredentials removes every credential blob for an account.
func (s *SQLiteStore) DeleteCredentials(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM credentials WHERE account_id = ?", accountID)
	if err != nil {
		return fmt.Errorf("deleting credentials for %s: %w", accountID, err)
	}
	return nil
}

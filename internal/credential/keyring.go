package credential

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "wixenmail"

// masterKeyName is the keyring item holding the 32-byte cache
// encryption key.
const masterKeyName = "cache-master-key"

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/wixenmail/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("wixenmail-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// loadMasterKey retrieves the cache encryption key from the keyring,
// generating and storing a fresh one on first use.
func loadMasterKey(ring keyring.Keyring) ([]byte, error) {
	item, err := ring.Get(masterKeyName)
	if err == nil {
		if len(item.Data) != keySize {
			return nil, fmt.Errorf("master key has wrong size %d", len(item.Data))
		}
		return item.Data, nil
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("loading master key: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	if err := ring.Set(keyring.Item{Key: masterKeyName, Data: key}); err != nil {
		return nil, fmt.Errorf("storing master key: %w", err)
	}
	return key, nil
}

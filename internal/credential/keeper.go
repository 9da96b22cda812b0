// Package credential stores account secrets as AES-256-GCM ciphertext in
// the cache, keyed by a master key held in the platform keyring. Secrets
// cross package boundaries only as model.Secret values, whose string
// form is redacted.
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/fault"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/store"
)

// Keeper encrypts, persists, and refreshes account credentials. It is
// the only component that sees plaintext secrets outside a protocol
// session.
type Keeper struct {
	store  store.Store
	key    []byte
	logger *slog.Logger

	mu        sync.Mutex
	providers map[string]model.OAuthProvider
}

// NewKeeper opens the platform keyring, loads (or generates) the master
// key, and returns a ready Keeper.
func NewKeeper(st store.Store, logger *slog.Logger) (*Keeper, error) {
	ring, err := openKeyring()
	if err != nil {
		return nil, err
	}
	return NewKeeperWithRing(st, ring, logger)
}

// NewKeeperWithRing is NewKeeper with an injected keyring. Tests pass
// keyring.NewArrayKeyring.
func NewKeeperWithRing(st store.Store, ring keyring.Keyring, logger *slog.Logger) (*Keeper, error) {
	key, err := loadMasterKey(ring)
	if err != nil {
		return nil, fault.Security("initializing credential keeper", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		store:     st,
		key:       key,
		logger:    logger.With("component", "credential"),
		providers: make(map[string]model.OAuthProvider),
	}, nil
}

// RegisterProvider associates an account with its OAuth token endpoint
// settings. Required before Refresh or ExchangeCode for that account.
func (k *Keeper) RegisterProvider(accountID string, provider model.OAuthProvider) {
	k.mu.Lock()
	k.providers[accountID] = provider
	k.mu.Unlock()
}

// SetPassword encrypts and stores an account password.
func (k *Keeper) SetPassword(ctx context.Context, accountID string, password model.Secret) error {
	blob, err := seal(k.key, []byte(password))
	if err != nil {
		return fault.Security("sealing password", err)
	}
	return k.store.PutCredential(ctx, accountID, store.CredentialPassword, blob)
}

// Password decrypts and returns an account password.
func (k *Keeper) Password(ctx context.Context, accountID string) (model.Secret, error) {
	blob, err := k.store.GetCredential(ctx, accountID, store.CredentialPassword)
	if err != nil {
		return "", fault.Security("loading password", err)
	}
	plaintext, err := open(k.key, blob)
	if err != nil {
		return "", fault.Security("unsealing password", err)
	}
	return model.Secret(plaintext), nil
}

// storedTokens is the serialized form of a token pair.
type storedTokens struct {
	Access  string    `json:"access"`
	Refresh string    `json:"refresh"`
	Expiry  time.Time `json:"expiry"`
}

// SetTokens encrypts and stores an OAuth token pair.
func (k *Keeper) SetTokens(ctx context.Context, accountID string, pair model.TokenPair) error {
	raw, err := json.Marshal(storedTokens{
		Access:  string(pair.AccessToken),
		Refresh: string(pair.RefreshToken),
		Expiry:  pair.Expiry,
	})
	if err != nil {
		return fault.Security("encoding tokens", err)
	}
	blob, err := seal(k.key, raw)
	if err != nil {
		return fault.Security("sealing tokens", err)
	}
	return k.store.PutCredential(ctx, accountID, store.CredentialOAuth, blob)
}

// AccessToken returns the account's current token pair, refreshing
// first when the access token is expired.
func (k *Keeper) AccessToken(ctx context.Context, accountID string) (model.TokenPair, error) {
	pair, err := k.loadTokens(ctx, accountID)
	if err != nil {
		return model.TokenPair{}, err
	}
	if pair.Expired(time.Now()) {
		return k.Refresh(ctx, accountID)
	}
	return pair, nil
}

// Refresh exchanges the refresh token for a new pair and persists it.
func (k *Keeper) Refresh(ctx context.Context, accountID string) (model.TokenPair, error) {
	pair, err := k.loadTokens(ctx, accountID)
	if err != nil {
		return model.TokenPair{}, err
	}
	if pair.RefreshToken == "" {
		return model.TokenPair{}, fault.Auth("refreshing token",
			fmt.Errorf("account %s has no refresh token", accountID))
	}

	cfg, err := k.oauthConfig(accountID)
	if err != nil {
		return model.TokenPair{}, err
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{
		RefreshToken: string(pair.RefreshToken),
	}).Token()
	if err != nil {
		return model.TokenPair{}, fault.Auth("refreshing token", err)
	}

	fresh := model.TokenPair{
		AccessToken:  model.Secret(tok.AccessToken),
		RefreshToken: pair.RefreshToken,
		Expiry:       tok.Expiry,
	}
	// Some providers rotate the refresh token on use.
	if tok.RefreshToken != "" {
		fresh.RefreshToken = model.Secret(tok.RefreshToken)
	}

	if err := k.SetTokens(ctx, accountID, fresh); err != nil {
		return model.TokenPair{}, err
	}
	k.logger.Info("token refreshed", "account", accountID, "expiry", fresh.Expiry)
	return fresh, nil
}

// ExchangeCode turns a consent-flow authorization code into a stored
// token pair.
func (k *Keeper) ExchangeCode(ctx context.Context, accountID, code string) (model.TokenPair, error) {
	cfg, err := k.oauthConfig(accountID)
	if err != nil {
		return model.TokenPair{}, err
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return model.TokenPair{}, fault.Auth("exchanging authorization code", err)
	}

	pair := model.TokenPair{
		AccessToken:  model.Secret(tok.AccessToken),
		RefreshToken: model.Secret(tok.RefreshToken),
		Expiry:       tok.Expiry,
	}
	if err := k.SetTokens(ctx, accountID, pair); err != nil {
		return model.TokenPair{}, err
	}
	return pair, nil
}

// Forget removes every stored credential for an account.
func (k *Keeper) Forget(ctx context.Context, accountID string) error {
	return k.store.DeleteCredentials(ctx, accountID)
}

func (k *Keeper) loadTokens(ctx context.Context, accountID string) (model.TokenPair, error) {
	blob, err := k.store.GetCredential(ctx, accountID, store.CredentialOAuth)
	if err != nil {
		return model.TokenPair{}, fault.Security("loading tokens", err)
	}
	raw, err := open(k.key, blob)
	if err != nil {
		return model.TokenPair{}, fault.Security("unsealing tokens", err)
	}
	var st storedTokens
	if err := json.Unmarshal(raw, &st); err != nil {
		return model.TokenPair{}, fault.Security("decoding tokens", err)
	}
	return model.TokenPair{
		AccessToken:  model.Secret(st.Access),
		RefreshToken: model.Secret(st.Refresh),
		Expiry:       st.Expiry,
	}, nil
}

func (k *Keeper) oauthConfig(accountID string) (*oauth2.Config, error) {
	k.mu.Lock()
	provider, ok := k.providers[accountID]
	k.mu.Unlock()
	if !ok {
		return nil, fault.Auth("oauth config",
			fmt.Errorf("no OAuth provider registered for account %s", accountID))
	}
	return &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  provider.AuthURL,
			TokenURL: provider.TokenURL,
		},
		Scopes:      provider.Scopes,
		RedirectURL: provider.RedirectURL,
	}, nil
}

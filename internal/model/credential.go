package model

import "time"

// Secret is a decrypted credential value. Its String form is redacted so
// a Secret can never leak through logging or %v formatting.
type Secret string

func (Secret) String() string { return "****" }

// GoString keeps %#v output redacted as well.
func (Secret) GoString() string { return `model.Secret("****")` }

// TokenPair is a decrypted OAuth access/refresh token pair.
type TokenPair struct {
	AccessToken  Secret
	RefreshToken Secret
	Expiry       time.Time
}

// Expired reports whether the access token needs a refresh, with a small
// skew margin so a token is never used in its final seconds.
func (t TokenPair) Expired(now time.Time) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Add(30 * time.Second).Before(t.Expiry)
}

// OAuthProvider holds the token-endpoint settings needed to refresh a
// token pair or exchange an authorization code. Supplied by account
// configuration.
type OAuthProvider struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	AuthURL      string `mapstructure:"auth_url" yaml:"auth_url"`
	TokenURL     string `mapstructure:"token_url" yaml:"token_url"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes"`
	RedirectURL  string `mapstructure:"redirect_url" yaml:"redirect_url"`
}

package model

// Protocol identifies the incoming mail protocol for an account.
type Protocol string

const (
	ProtocolIMAP Protocol = "imap"
	ProtocolPOP3 Protocol = "pop3"
)

// SecurityMode controls how the transport is secured.
type SecurityMode string

const (
	// SecurityTLS dials with implicit TLS.
	SecurityTLS SecurityMode = "tls"
	// SecurityStartTLS dials plaintext and upgrades via STARTTLS.
	SecurityStartTLS SecurityMode = "starttls"
	// SecurityNone uses a plaintext connection. Test servers only.
	SecurityNone SecurityMode = "none"
)

// AuthKind selects the authentication mechanism for an account.
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthOAuth2   AuthKind = "oauth2"
)

// Endpoint is one server address with its security mode.
type Endpoint struct {
	Host     string       `mapstructure:"host" yaml:"host"`
	Port     int          `mapstructure:"port" yaml:"port"`
	Security SecurityMode `mapstructure:"security" yaml:"security"`
}

// Account is one configured mailbox identity. Deleting an account
// cascades to its folders, messages, and outbox rows.
type Account struct {
	ID          string
	Email       string
	DisplayName string
	Protocol    Protocol
	Incoming    Endpoint
	Outgoing    Endpoint
	AuthKind    AuthKind
	Enabled     bool
}

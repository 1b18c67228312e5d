package vault

import (
	"encoding/base64"

	"github.com/rohanthewiz/serr"
)

// CredentialType tags one variant of the credential union.
type CredentialType string

const (
	TypeBearer   CredentialType = "bearer"
	TypeBasic    CredentialType = "basic"
	TypeAPIKey   CredentialType = "api_key"
	TypeOAuth2   CredentialType = "oauth2"
	TypeAWS      CredentialType = "aws"
	TypeDatabase CredentialType = "database"
	TypeSMTP     CredentialType = "smtp"
	TypeWebhook  CredentialType = "webhook"
)

// Credential is a closed tagged union: Type selects exactly one of the
// variant pointers below. It round-trips through JSON for at-rest
// storage; the envelope itself carries no secret material outside the
// selected variant.
type Credential struct {
	Type     CredentialType `json:"type"`
	Bearer   *BearerCred    `json:"bearer,omitempty"`
	Basic    *BasicCred     `json:"basic,omitempty"`
	APIKey   *APIKeyCred    `json:"api_key,omitempty"`
	OAuth2   *OAuth2Cred    `json:"oauth2,omitempty"`
	AWS      *AWSCred       `json:"aws,omitempty"`
	Database *DatabaseCred  `json:"database,omitempty"`
	SMTP     *SMTPCred      `json:"smtp,omitempty"`
	Webhook  *WebhookCred   `json:"webhook,omitempty"`
}

type BearerCred struct {
	Token string `json:"token"`
}

type BasicCred struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type APIKeyCred struct {
	Key string `json:"key"`
	// Header is the header name the key is sent under; defaults to X-API-Key.
	Header string `json:"header,omitempty"`
}

type OAuth2Cred struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
}

type AWSCred struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`
}

type DatabaseCred struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Database string `json:"database,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Driver   string `json:"driver,omitempty"`
}

type SMTPCred struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
}

type WebhookCred struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
	// Header is the header name the secret is sent under; defaults to X-Webhook-Secret.
	Header string `json:"header,omitempty"`
}

// Validate checks that the tag matches the populated variant.
func (c Credential) Validate() error {
	variant := c.variant()
	if variant == nil {
		return serr.F("credential of type %s has no %s payload", c.Type, c.Type)
	}
	return nil
}

func (c Credential) variant() any {
	switch c.Type {
	case TypeBearer:
		if c.Bearer != nil {
			return c.Bearer
		}
	case TypeBasic:
		if c.Basic != nil {
			return c.Basic
		}
	case TypeAPIKey:
		if c.APIKey != nil {
			return c.APIKey
		}
	case TypeOAuth2:
		if c.OAuth2 != nil {
			return c.OAuth2
		}
	case TypeAWS:
		if c.AWS != nil {
			return c.AWS
		}
	case TypeDatabase:
		if c.Database != nil {
			return c.Database
		}
	case TypeSMTP:
		if c.SMTP != nil {
			return c.SMTP
		}
	case TypeWebhook:
		if c.Webhook != nil {
			return c.Webhook
		}
	}
	return nil
}

// Headers maps a credential to the HTTP request headers it implies.
// Variants with no HTTP representation (aws, database, smtp) return an
// empty map. The returned values are secrets; callers must not log them.
func (c Credential) Headers() map[string]string {
	h := map[string]string{}
	switch c.Type {
	case TypeBearer:
		if c.Bearer != nil {
			h["Authorization"] = "Bearer " + c.Bearer.Token
		}
	case TypeBasic:
		if c.Basic != nil {
			raw := c.Basic.Username + ":" + c.Basic.Password
			h["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
		}
	case TypeAPIKey:
		if c.APIKey != nil {
			name := c.APIKey.Header
			if name == "" {
				name = "X-API-Key"
			}
			h[name] = c.APIKey.Key
		}
	case TypeOAuth2:
		if c.OAuth2 != nil && c.OAuth2.AccessToken != "" {
			h["Authorization"] = "Bearer " + c.OAuth2.AccessToken
		}
	case TypeWebhook:
		if c.Webhook != nil && c.Webhook.Secret != "" {
			name := c.Webhook.Header
			if name == "" {
				name = "X-Webhook-Secret"
			}
			h[name] = c.Webhook.Secret
		}
	case TypeAWS, TypeDatabase, TypeSMTP:
		// Consumed by SDK/driver configuration, not by HTTP headers.
	}
	return h
}

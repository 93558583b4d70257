package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"

	"okx-trader/internal/config"
)

// Credentials holds the API key triple used for both the REST API and the
// private WebSocket login.
type Credentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Auth signs requests for the exchange. Two signing surfaces exist:
//
//   - WebSocket login: sign = base64(hmacSHA256(secret, ts + "GET" + "/users/self/verify"))
//     with ts in whole seconds since epoch.
//
//   - REST: sign = base64(hmacSHA256(secret, isoTs + method + path + body))
//     with isoTs in RFC3339 milliseconds, carried in OK-ACCESS-* headers.
type Auth struct {
	creds Credentials
	now   func() time.Time // test hook
}

// NewAuth creates an Auth instance from config.
func NewAuth(cfg config.ExchangeConfig) *Auth {
	return &Auth{
		creds: Credentials{
			APIKey:     cfg.APIKey,
			Secret:     cfg.Secret,
			Passphrase: cfg.Passphrase,
		},
		now: time.Now,
	}
}

// HasCredentials reports whether the full triple is configured.
func (a *Auth) HasCredentials() bool {
	return a.creds.APIKey != "" && a.creds.Secret != "" && a.creds.Passphrase != ""
}

// LoginArgs builds the args entry of the WebSocket login frame.
func (a *Auth) LoginArgs() LoginArg {
	ts := strconv.FormatInt(a.now().Unix(), 10)
	return LoginArg{
		APIKey:     a.creds.APIKey,
		Passphrase: a.creds.Passphrase,
		Timestamp:  ts,
		Sign:       a.sign(ts + "GET" + "/users/self/verify"),
	}
}

// RESTHeaders generates the signed headers for a REST request.
func (a *Auth) RESTHeaders(method, path, body string) map[string]string {
	ts := a.now().UTC().Format("2006-01-02T15:04:05.000Z")
	return map[string]string{
		"OK-ACCESS-KEY":        a.creds.APIKey,
		"OK-ACCESS-SIGN":       a.sign(ts + method + path + body),
		"OK-ACCESS-TIMESTAMP":  ts,
		"OK-ACCESS-PASSPHRASE": a.creds.Passphrase,
	}
}

func (a *Auth) sign(message string) string {
	mac := hmac.New(sha256.New, []byte(a.creds.Secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

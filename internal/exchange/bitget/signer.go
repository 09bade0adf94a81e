package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

type SignScheme string

const (
	// SchemeHeader signs timestamp+method+path+body and base64-encodes the MAC.
	SchemeHeader SignScheme = "header"
	// SchemeParams signs the sorted parameter string and hex-encodes the MAC.
	SchemeParams SignScheme = "params"
)

const loginVerifyPath = "/user/verify"

var ErrMissingCredentials = errors.New("bitget: api key, secret and passphrase are required")

type Signer struct {
	apiKey     string
	secret     []byte
	passphrase string
	scheme     SignScheme
}

// SignedRequest is what the signer needs to see of an outgoing REST call.
// Query must be the exact encoded string that goes on the wire.
type SignedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
	Params map[string]string
}

func NewSigner(apiKey, secret, passphrase string) (*Signer, error) {
	apiKey = strings.TrimSpace(apiKey)
	secret = strings.TrimSpace(secret)
	passphrase = strings.TrimSpace(passphrase)
	if apiKey == "" || secret == "" || passphrase == "" {
		return nil, ErrMissingCredentials
	}
	return &Signer{
		apiKey:     apiKey,
		secret:     []byte(secret),
		passphrase: passphrase,
		scheme:     SchemeHeader,
	}, nil
}

// WithScheme returns a copy that fills ACCESS-SIGN using the given scheme.
func (s *Signer) WithScheme(scheme SignScheme) *Signer {
	cp := *s
	switch scheme {
	case SchemeParams:
		cp.scheme = SchemeParams
	default:
		cp.scheme = SchemeHeader
	}
	return &cp
}

func (s *Signer) APIKey() string { return s.apiKey }

func (s *Signer) Passphrase() string { return s.passphrase }

func (s *Signer) Scheme() SignScheme { return s.scheme }

// SignParams is the legacy scheme: sorted k=v pairs, then &timestamp=ts, hex HMAC-SHA256.
func (s *Signer) SignParams(params map[string]string, ts int64) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	if b.Len() > 0 {
		b.WriteByte('&')
	}
	b.WriteString("timestamp=")
	b.WriteString(strconv.FormatInt(ts, 10))
	return hex.EncodeToString(s.mac(b.String()))
}

// SignRequest signs ts + METHOD + requestPath + body. requestPath carries the query string when present.
func (s *Signer) SignRequest(ts, method, requestPath, body string) string {
	prehash := ts + strings.ToUpper(method) + requestPath + body
	return base64.StdEncoding.EncodeToString(s.mac(prehash))
}

// SignLogin produces the websocket login signature. ts is in seconds.
func (s *Signer) SignLogin(ts string) string {
	return s.SignRequest(ts, http.MethodGet, loginVerifyPath, "")
}

// Headers returns the authentication headers for one REST call. ts is in milliseconds.
func (s *Signer) Headers(ts int64, req SignedRequest) http.Header {
	stamp := strconv.FormatInt(ts, 10)
	var signature string
	switch s.scheme {
	case SchemeParams:
		signature = s.SignParams(req.Params, ts)
	default:
		path := req.Path
		if req.Query != "" {
			path += "?" + req.Query
		}
		signature = s.SignRequest(stamp, req.Method, path, req.Body)
	}
	h := http.Header{}
	h.Set("ACCESS-KEY", s.apiKey)
	h.Set("ACCESS-SIGN", signature)
	h.Set("ACCESS-TIMESTAMP", stamp)
	h.Set("ACCESS-PASSPHRASE", s.passphrase)
	h.Set("ACCESS-VERSION", "2")
	h.Set("Content-Type", "application/json")
	h.Set("locale", "en-US")
	return h
}

func (s *Signer) mac(payload string) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(payload))
	return m.Sum(nil)
}

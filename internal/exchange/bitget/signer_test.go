package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
)

func TestNewSignerRequiresAllCredentials(t *testing.T) {
	cases := [][3]string{
		{"", "s", "p"},
		{"k", "", "p"},
		{"k", "s", " "},
	}
	for _, c := range cases {
		if _, err := NewSigner(c[0], c[1], c[2]); !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("NewSigner(%q,%q,%q) error = %v, want %v", c[0], c[1], c[2], err, ErrMissingCredentials)
		}
	}
}

func TestSignParamsMatchesManualDigest(t *testing.T) {
	s := mustSigner(t)
	params := map[string]string{"symbol": "BTCUSDT", "side": "buy", "size": "1"}
	got := s.SignParams(params, 1700000000000)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("side=buy&size=1&symbol=BTCUSDT&timestamp=1700000000000"))
	want := hex.EncodeToString(mac.Sum(nil))
	if got != want {
		t.Fatalf("SignParams() = %s, want %s", got, want)
	}
	if again := s.SignParams(params, 1700000000000); again != got {
		t.Fatalf("SignParams() not deterministic: %s vs %s", again, got)
	}
	if other := s.SignParams(params, 1700000000001); other == got {
		t.Fatalf("SignParams() unchanged when only timestamp differs")
	}
}

func TestSignParamsEmpty(t *testing.T) {
	s := mustSigner(t)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("timestamp=5"))
	if got, want := s.SignParams(nil, 5), hex.EncodeToString(mac.Sum(nil)); got != want {
		t.Fatalf("SignParams(nil) = %s, want %s", got, want)
	}
}

func TestSignRequestAndLogin(t *testing.T) {
	s := mustSigner(t)
	got := s.SignRequest("1700000000000", "post", "/api/v2/mix/order/place-order", `{"a":"b"}`)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(`1700000000000POST/api/v2/mix/order/place-order{"a":"b"}`))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); got != want {
		t.Fatalf("SignRequest() = %s, want %s", got, want)
	}

	login := s.SignLogin("1700000000")
	mac = hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("1700000000GET/user/verify"))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); login != want {
		t.Fatalf("SignLogin() = %s, want %s", login, want)
	}
}

func TestHeadersUseConfiguredScheme(t *testing.T) {
	s := mustSigner(t)
	req := SignedRequest{
		Method: "GET",
		Path:   "/api/v2/mix/order/detail",
		Query:  "orderId=1&symbol=BTCUSDT",
		Params: map[string]string{"orderId": "1", "symbol": "BTCUSDT"},
	}
	h := s.Headers(42, req)
	if got, want := h.Get("ACCESS-SIGN"), s.SignRequest("42", "GET", "/api/v2/mix/order/detail?orderId=1&symbol=BTCUSDT", ""); got != want {
		t.Fatalf("header scheme ACCESS-SIGN = %s, want %s", got, want)
	}
	for key, want := range map[string]string{
		"ACCESS-KEY":        "key",
		"ACCESS-PASSPHRASE": "pass",
		"ACCESS-TIMESTAMP":  "42",
		"ACCESS-VERSION":    "2",
		"locale":            "en-US",
	} {
		if got := h.Get(key); got != want {
			t.Fatalf("header %s = %q, want %q", key, got, want)
		}
	}

	ps := s.WithScheme(SchemeParams)
	if got, want := ps.Headers(42, req).Get("ACCESS-SIGN"), s.SignParams(req.Params, 42); got != want {
		t.Fatalf("params scheme ACCESS-SIGN = %s, want %s", got, want)
	}
	if s.Scheme() != SchemeHeader {
		t.Fatalf("WithScheme() mutated receiver scheme to %s", s.Scheme())
	}
}

func mustSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner("key", "secret", "pass")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	return s
}

package bitget

import (
	"errors"
	"fmt"
	"strings"

	"bitget-futures/internal/core"
)

type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindProtocol  ErrorKind = "protocol"
	KindDecode    ErrorKind = "decode"
)

// RequestError is returned by every gateway call that did not produce a result.
type RequestError struct {
	Kind   ErrorKind
	Op     string
	Status int
	Code   string
	Msg    string
	Err    error
}

func (e *RequestError) Error() string {
	switch e.Kind {
	case KindProtocol:
		return fmt.Sprintf("bitget %s: api error %s (http %d): %s", e.Op, e.Code, e.Status, e.Msg)
	case KindDecode:
		return fmt.Sprintf("bitget %s: decode response: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("bitget %s: transport: %v", e.Op, e.Err)
	}
}

func (e *RequestError) Unwrap() error { return e.Err }

var ErrCapacity = errors.New("bitget: subscription capacity exceeded")

// CapacityError reports a subscribe that would push the registry past its channel limit.
type CapacityError struct {
	Have      int
	Requested int
	Max       int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%v: %d registered + %d new > %d", ErrCapacity, e.Have, e.Requested, e.Max)
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacity }

const (
	apiCodeOK                  = "00000"
	apiCodeRateLimited         = "429"
	apiCodeSignatureError      = "40009"
	apiCodeAPIKeyMissing       = "40037"
	apiCodePassphraseError     = "40012"
	apiCodeTimestampExpired    = "40008"
	apiCodeOrderNotExist       = "40768"
	apiCodeOrderNotExistV1     = "43001"
	apiCodeNoOrderToCancel     = "22001"
	apiCodeNoPositionToClose   = "22002"
	apiCodeInsufficientBalance = "40762"
	apiCodeBalanceNotEnough    = "43012"
	apiCodeDuplicateClientOid  = "40786"
)

var apiCodeKinds = map[string]error{
	apiCodeRateLimited:         core.ErrRateLimited,
	apiCodeSignatureError:      core.ErrAuthFailed,
	apiCodeAPIKeyMissing:       core.ErrAuthFailed,
	apiCodePassphraseError:     core.ErrAuthFailed,
	apiCodeTimestampExpired:    core.ErrAuthFailed,
	apiCodeOrderNotExist:       core.ErrOrderNotFound,
	apiCodeOrderNotExistV1:     core.ErrOrderNotFound,
	apiCodeNoOrderToCancel:     core.ErrOrderNotFound,
	apiCodeNoPositionToClose:   core.ErrNoPosition,
	apiCodeInsufficientBalance: core.ErrInsufficientBalance,
	apiCodeBalanceNotEnough:    core.ErrInsufficientBalance,
	apiCodeDuplicateClientOid:  core.ErrDuplicateOrder,
}

var apiMessageKinds = map[string]error{
	"order does not exist":                 core.ErrOrderNotFound,
	"no order to cancel":                   core.ErrOrderNotFound,
	"no position to close":                 core.ErrNoPosition,
	"insufficient balance":                 core.ErrInsufficientBalance,
	"the order amount exceeds the balance": core.ErrInsufficientBalance,
	"duplicate clientoid":                  core.ErrDuplicateOrder,
	"too many requests":                    core.ErrRateLimited,
	"sign signature error":                 core.ErrAuthFailed,
}

// classify joins the request error with every core sentinel that matches its code or message.
func classify(reqErr *RequestError) error {
	kinds := classifyKinds(reqErr)
	if len(kinds) == 0 {
		return reqErr
	}
	chain := make([]error, 0, 1+len(kinds))
	chain = append(chain, reqErr)
	chain = append(chain, kinds...)
	return errors.Join(chain...)
}

func classifyKinds(reqErr *RequestError) []error {
	kinds := make([]error, 0, 2)
	if reqErr.Status == 429 {
		kinds = appendErrorKind(kinds, core.ErrRateLimited)
	}
	if reqErr.Kind != KindProtocol {
		return kinds
	}
	if kind, ok := apiCodeKinds[reqErr.Code]; ok {
		kinds = appendErrorKind(kinds, kind)
	}
	msg := strings.ToLower(strings.TrimSpace(reqErr.Msg))
	for fragment, kind := range apiMessageKinds {
		if strings.Contains(msg, fragment) {
			kinds = appendErrorKind(kinds, kind)
		}
	}
	return kinds
}

func appendErrorKind(kinds []error, kind error) []error {
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

// AsRequestError extracts the RequestError from a possibly joined chain.
func AsRequestError(err error) (*RequestError, bool) {
	if err == nil {
		return nil, false
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return nil, false
	}
	return reqErr, true
}

func IsAPICode(err error, codes ...string) bool {
	reqErr, ok := AsRequestError(err)
	if !ok || reqErr.Kind != KindProtocol {
		return false
	}
	for _, code := range codes {
		if reqErr.Code == code {
			return true
		}
	}
	return false
}

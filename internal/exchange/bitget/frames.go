package bitget

import (
	"bytes"
	"strconv"

	json "github.com/goccy/go-json"

	"bitget-futures/internal/core"
)

const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opLogin       = "login"

	eventError = "error"

	pingFrame = "ping"
	pongFrame = "pong"
)

type channelFrame struct {
	Op   string           `json:"op"`
	Args []core.ChannelID `json:"args"`
}

type loginArg struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

type loginFrame struct {
	Op   string     `json:"op"`
	Args []loginArg `json:"args"`
}

// inbound covers every JSON frame the server sends: acks, errors and data pushes.
type inbound struct {
	Event  string            `json:"event"`
	Code   flexCode          `json:"code"`
	Msg    string            `json:"msg"`
	Arg    *core.ChannelID   `json:"arg"`
	Action string            `json:"action"`
	Data   []json.RawMessage `json:"data"`
}

// flexCode accepts the login/error code as either a JSON number or a string.
type flexCode string

func (c *flexCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return err
		}
		*c = flexCode(s)
		return nil
	}
	*c = flexCode(data)
	return nil
}

func (c flexCode) ok() bool {
	return c == "0" || c == "00000"
}

func encodeChannelFrame(op string, channels []core.ChannelID) ([]byte, error) {
	return json.Marshal(channelFrame{Op: op, Args: channels})
}

func encodeLoginFrame(signer *Signer, ts string) ([]byte, error) {
	return json.Marshal(loginFrame{
		Op: opLogin,
		Args: []loginArg{{
			APIKey:     signer.APIKey(),
			Passphrase: signer.Passphrase(),
			Timestamp:  ts,
			Sign:       signer.SignLogin(ts),
		}},
	})
}

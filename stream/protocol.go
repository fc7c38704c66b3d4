package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// In-band sentinels carried as token text.
const (
	TokenEnd = "<end>"
	TokenFin = "<fin>"
)

const (
	FinalizeFrame  = `{"type":"finalize"}`
	KeepaliveFrame = `{"type":"keepalive"}`
)

// StartConfig is the first text frame on every socket. Nothing else may be
// sent before it.
type StartConfig struct {
	APIKey                  string   `json:"api_key"`
	Model                   string   `json:"model"`
	AudioFormat             string   `json:"audio_format"`
	SampleRate              int      `json:"sample_rate,omitempty"`
	NumChannels             int      `json:"num_channels,omitempty"`
	LanguageHints           []string `json:"language_hints,omitempty"`
	EnableNonFinalTokens    bool     `json:"enable_non_final_tokens"`
	EnableEndpointDetection bool     `json:"enable_endpoint_detection"`
	Context                 *Context `json:"context,omitempty"`
}

type Context struct {
	General []ContextEntry `json:"general,omitempty"`
	Text    string         `json:"text,omitempty"`
	Terms   []string       `json:"terms,omitempty"`
}

type ContextEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// NewContext returns nil when there is nothing to send.
func NewContext(text string, terms []string) *Context {
	text = strings.TrimSpace(text)
	if text == "" && len(terms) == 0 {
		return nil
	}
	return &Context{Text: text, Terms: terms}
}

func (c StartConfig) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding start frame: %w", err)
	}
	return string(b), nil
}

type controlFrame struct {
	Type string `json:"type"`
}

// CheckControl accepts only finalize and keepalive frames and returns the
// frame type.
func CheckControl(text string) (string, error) {
	var f controlFrame
	if err := json.Unmarshal([]byte(text), &f); err != nil {
		return "", fmt.Errorf("%w: %v", ErrControlNotAllowed, err)
	}
	switch f.Type {
	case "finalize", "keepalive":
		return f.Type, nil
	}
	return "", fmt.Errorf("%w: type %q", ErrControlNotAllowed, f.Type)
}

type Token struct {
	Text       string   `json:"text"`
	IsFinal    bool     `json:"is_final"`
	Confidence *float64 `json:"confidence,omitempty"`
	StartTime  *float64 `json:"start_time,omitempty"`
	EndTime    *float64 `json:"end_time,omitempty"`
}

type Response struct {
	Tokens   []Token `json:"tokens"`
	Finished bool    `json:"finished"`
}

type rawResponse struct {
	Tokens       []Token         `json:"tokens"`
	Finished     bool            `json:"finished"`
	ErrorCode    json.RawMessage `json:"error_code"`
	ErrorMessage string          `json:"error_message"`
}

// ParseResponse decodes one inbound message. Error objects come back as a
// *ServerError.
func ParseResponse(data []byte) (*Response, error) {
	var raw rawResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedResponse, err)
	}
	if len(raw.ErrorCode) > 0 && string(raw.ErrorCode) != "null" {
		return nil, &ServerError{Code: decodeCode(raw.ErrorCode), Message: raw.ErrorMessage}
	}
	return &Response{Tokens: raw.Tokens, Finished: raw.Finished}, nil
}

func decodeCode(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strings.Trim(string(raw), `"`)
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

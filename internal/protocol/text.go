package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Text frame tags.
const (
	TagChat          = "cm"
	TagCaptcha       = "cs"
	TagAddChannel    = "ac"
	TagRemoveChannel = "rc"
)

var ErrUnknownTag = errors.New("unknown text tag")

// ChatMessage is the inbound "cm" payload.
type ChatMessage struct {
	Message   string
	ChannelID int64
}

// CaptchaSolution is the inbound "cs" payload.
type CaptchaSolution struct {
	Solution          string
	CaptchaID         string
	ChallengeSolution string
}

// TextFrame is a decoded inbound text frame; exactly one payload is set.
type TextFrame struct {
	Tag     string
	Chat    *ChatMessage
	Captcha *CaptchaSolution
}

// DecodeText parses "<tag>,<JSON>" frames sent by clients.
func DecodeText(msg string) (TextFrame, error) {
	tag, body, ok := strings.Cut(msg, ",")
	if !ok {
		return TextFrame{}, fmt.Errorf("%w: missing tag separator", ErrMalformed)
	}
	if !gjson.Valid(body) {
		return TextFrame{Tag: tag}, fmt.Errorf("%s: %w: invalid json", tag, ErrMalformed)
	}
	args := gjson.Parse(body)
	if !args.IsArray() {
		return TextFrame{Tag: tag}, fmt.Errorf("%s: %w: expected array", tag, ErrMalformed)
	}

	switch tag {
	case TagChat:
		text, channel := args.Get("0"), args.Get("1")
		if text.Type != gjson.String || channel.Type != gjson.Number {
			return TextFrame{Tag: tag}, fmt.Errorf("%s: %w: want [string, number]", tag, ErrMalformed)
		}
		return TextFrame{Tag: tag, Chat: &ChatMessage{
			Message:   text.String(),
			ChannelID: channel.Int(),
		}}, nil
	case TagCaptcha:
		solution, id := args.Get("0"), args.Get("1")
		if solution.Type != gjson.String || id.Type != gjson.String {
			return TextFrame{Tag: tag}, fmt.Errorf("%s: %w: want [string, string, ...]", tag, ErrMalformed)
		}
		return TextFrame{Tag: tag, Captcha: &CaptchaSolution{
			Solution:          solution.String(),
			CaptchaID:         id.String(),
			ChallengeSolution: args.Get("2").String(),
		}}, nil
	default:
		return TextFrame{Tag: tag}, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
}

// EncodeText marshals payload and prefixes it with tag.
func EncodeText(tag string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", tag, err)
	}
	return EncodeTextRaw(tag, body), nil
}

// EncodeTextRaw prefixes an already encoded JSON body with tag.
func EncodeTextRaw(tag string, body []byte) []byte {
	out := make([]byte, 0, len(tag)+1+len(body))
	out = append(out, tag...)
	out = append(out, ',')
	return append(out, body...)
}

package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrorBody is the decoded body of an error response.
type ErrorBody struct {
	Errnum int32
	Errmsg string
}

func DecodeError(m *Message) (ErrorBody, error) {
	body := m.ResponseBody()
	if len(body) < 4 {
		return ErrorBody{}, errors.New("protocol: error response body too short")
	}
	msg := body[4:]
	if i := bytes.IndexByte(msg, 0); i != -1 {
		msg = msg[:i]
	}
	return ErrorBody{
		Errnum: int32(binary.BigEndian.Uint32(body[0:4])),
		Errmsg: string(msg),
	}, nil
}

// RedirectBody is the decoded body of a redirect response: port number plus
// "host[?cgi]".
type RedirectBody struct {
	Port int32
	Host string
	CGI  string
}

func DecodeRedirect(m *Message) (RedirectBody, error) {
	body := m.ResponseBody()
	if len(body) < 5 {
		return RedirectBody{}, errors.New("protocol: redirect response body too short")
	}
	r := RedirectBody{Port: int32(binary.BigEndian.Uint32(body[0:4]))}
	hostInfo := string(bytes.TrimRight(body[4:], "\x00"))
	if qpos := bytes.IndexByte([]byte(hostInfo), '?'); qpos != -1 {
		r.Host = hostInfo[:qpos]
		r.CGI = hostInfo[qpos+1:]
	} else {
		r.Host = hostInfo
	}
	return r, nil
}

// WaitBody is the decoded body of a wait response: seconds to back off plus
// an informational message.
type WaitBody struct {
	Seconds int32
	InfoMsg string
}

func DecodeWait(m *Message) (WaitBody, error) {
	body := m.ResponseBody()
	if len(body) < 4 {
		return WaitBody{}, errors.New("protocol: wait response body too short")
	}
	return WaitBody{
		Seconds: int32(binary.BigEndian.Uint32(body[0:4])),
		InfoMsg: string(bytes.TrimRight(body[4:], "\x00")),
	}, nil
}

// DecodeWaitResp decodes the advertised seconds of a waitresp response.
func DecodeWaitResp(m *Message) (int32, error) {
	body := m.ResponseBody()
	if len(body) < 4 {
		return 0, errors.New("protocol: waitresp response body too short")
	}
	return int32(binary.BigEndian.Uint32(body[0:4])), nil
}

// AttnActionCode decodes the action code of an attn response.
func AttnActionCode(m *Message) (int32, error) {
	body := m.ResponseBody()
	if len(body) < 4 {
		return 0, errors.New("protocol: attn response body too short")
	}
	return int32(binary.BigEndian.Uint32(body[0:4])), nil
}

// ExtractEmbedded pulls the response embedded in an attn/asynresp frame. The
// embedded frame starts at offset 16 of the message: attn body is
// actnum[4] reserved[4] followed by a complete response frame.
func ExtractEmbedded(m *Message) (*Message, error) {
	const embeddedOffset = 16
	if len(m.data) < embeddedOffset+ResponseHeaderSize {
		return nil, errors.New("protocol: asynresp carries no embedded response")
	}
	embedded := make([]byte, len(m.data)-embeddedOffset)
	copy(embedded, m.data[embeddedOffset:])
	em := NewMessageFrom(embedded)
	if int(em.ResponseDataLen())+ResponseHeaderSize != len(embedded) {
		return nil, errors.New("protocol: embedded response length mismatch")
	}
	em.SetSessionID(m.SessionID())
	return em, nil
}

// DecodeProtocol decodes the body of a protocol response: pval[4] flags[4].
func DecodeProtocol(m *Message) (pval uint32, flags uint32, err error) {
	body := m.ResponseBody()
	if len(body) < 8 {
		return 0, 0, errors.New("protocol: protocol response body too short")
	}
	return binary.BigEndian.Uint32(body[0:4]), binary.BigEndian.Uint32(body[4:8]), nil
}

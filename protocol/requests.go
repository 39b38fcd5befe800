package protocol

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// newRequest allocates a request frame with a zeroed header, the given
// request id, and the payload appended. The stream id is left zero; the
// sender assigns it via SetStreamID just before queuing.
func newRequest(reqID uint16, payload []byte) *Message {
	m := NewMessage(RequestHeaderSize + len(payload))
	binary.BigEndian.PutUint16(m.data[2:4], reqID)
	m.setRequestDataLen(uint32(len(payload)))
	copy(m.data[RequestHeaderSize:], payload)
	m.SetDescription(RequestName(reqID))
	return m
}

func newPathRequest(reqID uint16, path string) *Message {
	m := newRequest(reqID, []byte(path))
	m.SetDescription(fmt.Sprintf("%s %s", RequestName(reqID), path))
	return m
}

func NewPing() *Message {
	return newRequest(ReqPing, nil)
}

func NewProtocol() *Message {
	m := newRequest(ReqProtocol, nil)
	binary.BigEndian.PutUint32(m.data[4:8], ProtocolVersion)
	return m
}

// NewLogin builds a login request. Body: pid[4] username[8] reserved[1]
// ability[1] capver[1] role[1].
func NewLogin(pid int32, username string) *Message {
	m := newRequest(ReqLogin, nil)
	binary.BigEndian.PutUint32(m.data[4:8], uint32(pid))
	copy(m.data[8:16], username)
	m.data[17] = LoginAbilityAsync
	m.data[18] = LoginAbilityAsync | LoginVersion
	m.data[19] = LoginRoleUser
	m.SetDescription(fmt.Sprintf("kXR_login %s", username))
	return m
}

// NewLocate builds a locate request. Body: options[2] reserved[14].
func NewLocate(path string, options uint16) *Message {
	m := newPathRequest(ReqLocate, path)
	binary.BigEndian.PutUint16(m.data[4:6], options)
	return m
}

// NewOpen builds an open request. Body: mode[2] options[2] reserved[12].
func NewOpen(path string, mode, options uint16) *Message {
	m := newPathRequest(ReqOpen, path)
	binary.BigEndian.PutUint16(m.data[4:6], mode)
	binary.BigEndian.PutUint16(m.data[6:8], options)
	return m
}

// NewStat builds a stat request. Body: options[1] reserved[11] fhandle[4].
func NewStat(path string, options uint8) *Message {
	m := newPathRequest(ReqStat, path)
	m.data[4] = options
	return m
}

// NewDirList builds a dirlist request. Body: reserved[15] options[1].
func NewDirList(path string) *Message {
	return newPathRequest(ReqDirList, path)
}

// NewRead builds a read request. Body: fhandle[4] offset[8] rlen[4].
func NewRead(fhandle [4]byte, offset uint64, rlen uint32) *Message {
	m := newRequest(ReqRead, nil)
	copy(m.data[4:8], fhandle[:])
	binary.BigEndian.PutUint64(m.data[8:16], offset)
	binary.BigEndian.PutUint32(m.data[16:20], rlen)
	m.SetDescription(fmt.Sprintf("kXR_read %d@%d", rlen, offset))
	return m
}

// Chunk describes one requested element of a vector read.
type Chunk struct {
	Offset uint64
	Length uint32
	Buffer []byte
}

// NewVectorRead builds a readv request: the payload carries one 16-byte
// entry per chunk: fhandle[4] rlen[4] offset[8].
func NewVectorRead(fhandle [4]byte, chunks []Chunk) *Message {
	payload := make([]byte, ReadVEntrySize*len(chunks))
	for i, c := range chunks {
		e := payload[i*ReadVEntrySize:]
		copy(e[0:4], fhandle[:])
		binary.BigEndian.PutUint32(e[4:8], c.Length)
		binary.BigEndian.PutUint64(e[8:16], c.Offset)
	}
	m := newRequest(ReqReadV, payload)
	m.SetDescription(fmt.Sprintf("kXR_readv %d chunks", len(chunks)))
	return m
}

// NewClose builds a close request. Body: fhandle[4] fsize[8].
func NewClose(fhandle [4]byte) *Message {
	m := newRequest(ReqClose, nil)
	copy(m.data[4:8], fhandle[:])
	return m
}

// NewSync builds a sync request. Body: fhandle[4].
func NewSync(fhandle [4]byte) *Message {
	m := newRequest(ReqSync, nil)
	copy(m.data[4:8], fhandle[:])
	return m
}

// NewTruncate builds a truncate-by-path request. Body: fhandle[4] size[8].
func NewTruncate(path string, size uint64) *Message {
	m := newPathRequest(ReqTruncate, path)
	binary.BigEndian.PutUint64(m.data[8:16], size)
	return m
}

func NewRm(path string) *Message {
	return newPathRequest(ReqRm, path)
}

// NewMkDir builds a mkdir request. Body: options[1] reserved[13] mode[2].
func NewMkDir(path string, mode uint16, makePath bool) *Message {
	m := newPathRequest(ReqMkDir, path)
	if makePath {
		m.data[4] = 1
	}
	binary.BigEndian.PutUint16(m.data[18:20], mode)
	return m
}

func NewRmDir(path string) *Message {
	return newPathRequest(ReqRmDir, path)
}

// NewMv builds a mv request; source and destination travel in the payload
// separated by a space.
func NewMv(source, dest string) *Message {
	m := newRequest(ReqMv, []byte(source+" "+dest))
	m.SetDescription(fmt.Sprintf("kXR_mv %s %s", source, dest))
	return m
}

// NewChMod builds a chmod request. Body: reserved[14] mode[2].
func NewChMod(path string, mode uint16) *Message {
	m := newPathRequest(ReqChMod, path)
	binary.BigEndian.PutUint16(m.data[18:20], mode)
	return m
}

// NewQuery builds a query request. Body: reqcode[2] reserved[2] fhandle[4]
// reserved[8]; the query argument travels in the payload.
func NewQuery(reqcode uint16, arg string) *Message {
	m := newRequest(ReqQuery, []byte(arg))
	binary.BigEndian.PutUint16(m.data[4:6], reqcode)
	m.SetDescription(fmt.Sprintf("kXR_query %d %s", reqcode, arg))
	return m
}

// NewPrepare builds a prepare request. Body: options[1] prty[1]
// reserved[14]; the file list travels in the payload, newline separated.
func NewPrepare(files []string, options, priority uint8) *Message {
	m := newRequest(ReqPrepare, []byte(strings.Join(files, "\n")))
	m.data[4] = options
	m.data[5] = priority
	m.SetDescription(fmt.Sprintf("kXR_prepare %d files", len(files)))
	return m
}

// NewSet builds a set request; the variable assignment travels in the
// payload.
func NewSet(data string) *Message {
	return newRequest(ReqSet, []byte(data))
}

// pathCarrying reports whether the request payload starts with a path that
// CGI parameters can be appended to.
func pathCarrying(reqID uint16) bool {
	switch reqID {
	case ReqOpen, ReqLocate, ReqStat, ReqStatx, ReqDirList, ReqMkDir,
		ReqRmDir, ReqRm, ReqMv, ReqChMod, ReqTruncate, ReqPrepare:
		return true
	}
	return false
}

// AppendCGI merges the given parameters into the CGI part of the request
// payload. Existing keys are comma-extended unless replace is set, so
// repeated retries accumulate tried=host1,host2 lists.
func AppendCGI(m *Message, params map[string]string, replace bool) {
	if len(params) == 0 || !pathCarrying(m.RequestID()) {
		return
	}

	payload := string(m.RequestPayload())
	path := payload
	existing := make(map[string]string)
	var order []string
	if qpos := strings.Index(payload, "?"); qpos != -1 {
		path = payload[:qpos]
		for _, kv := range strings.Split(payload[qpos+1:], "&") {
			if kv == "" {
				continue
			}
			k, v := kv, ""
			if eq := strings.Index(kv, "="); eq != -1 {
				k, v = kv[:eq], kv[eq+1:]
			}
			if _, ok := existing[k]; !ok {
				order = append(order, k)
			}
			existing[k] = v
		}
	}

	newKeys := make([]string, 0, len(params))
	for k := range params {
		newKeys = append(newKeys, k)
	}
	sort.Strings(newKeys)
	for _, k := range newKeys {
		v := params[k]
		old, ok := existing[k]
		if !ok {
			order = append(order, k)
			existing[k] = v
			continue
		}
		if replace || old == "" {
			existing[k] = v
		} else if v != "" {
			existing[k] = old + "," + v
		}
	}

	var b strings.Builder
	b.WriteString(path)
	for i, k := range order {
		if i == 0 {
			b.WriteString("?")
		} else {
			b.WriteString("&")
		}
		b.WriteString(k)
		if existing[k] != "" {
			b.WriteString("=")
			b.WriteString(existing[k])
		}
	}

	m.ReAllocate(RequestHeaderSize)
	m.Append([]byte(b.String()))
	m.setRequestDataLen(uint32(len(m.data) - RequestHeaderSize))
}

// SetRefreshFlag flips the refresh option bit on locate and open requests;
// other request kinds are left untouched.
func SetRefreshFlag(m *Message, on bool) {
	var off int
	switch m.RequestID() {
	case ReqLocate:
		off = 4
	case ReqOpen:
		off = 6
	default:
		return
	}
	opts := binary.BigEndian.Uint16(m.data[off : off+2])
	if on {
		opts |= OpenRefresh
	} else {
		opts &^= OpenRefresh
	}
	binary.BigEndian.PutUint16(m.data[off:off+2], opts)
}

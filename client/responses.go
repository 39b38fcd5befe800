package client

import (
	"strconv"
	"strings"

	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/xrdurl"
)

// Object is the tagged variant carried by a response callback. The concrete
// types below enumerate every response shape the protocol produces.
type Object interface {
	responseObject()
}

// HostInfo describes one host the request has visited.
type HostInfo struct {
	URL          *xrdurl.URL
	Flags        uint32
	Protocol     uint32
	LoadBalancer bool
}

// RedirectInfo is returned in redirect-as-answer mode instead of following
// the redirection.
type RedirectInfo struct {
	Host string
	Port int
	CGI  string
}

func (*RedirectInfo) responseObject() {}

// LocationType describes the kind of a location entry.
type LocationType byte

const (
	ManagerOnline  LocationType = 'M'
	ManagerPending LocationType = 'm'
	ServerOnline   LocationType = 'S'
	ServerPending  LocationType = 's'
)

// AccessType describes the access mode of a location entry.
type AccessType byte

const (
	Read      AccessType = 'r'
	ReadWrite AccessType = 'w'
)

type Location struct {
	Address string
	Type    LocationType
	Access  AccessType
}

// LocationInfo is the parsed answer to a locate request.
type LocationInfo struct {
	Locations []Location
}

func (*LocationInfo) responseObject() {}

// ParseLocationInfo decodes the space-separated location records of a locate
// response: type byte, access byte, then the address.
func ParseLocationInfo(data []byte) *LocationInfo {
	info := &LocationInfo{}
	for _, loc := range strings.Fields(string(data)) {
		if len(loc) < 3 {
			continue
		}
		t := LocationType(loc[0])
		switch t {
		case ManagerOnline, ManagerPending, ServerOnline, ServerPending:
		default:
			continue
		}
		a := AccessType(loc[1])
		if a != Read && a != ReadWrite {
			continue
		}
		info.Locations = append(info.Locations, Location{
			Address: loc[2:],
			Type:    t,
			Access:  a,
		})
	}
	return info
}

// StatInfo is the parsed answer to a stat request: "id size flags modtime".
type StatInfo struct {
	ID      string
	Size    int64
	Flags   uint32
	ModTime int64
}

func (*StatInfo) responseObject() {}

func ParseStatInfo(data []byte) *StatInfo {
	chunks := strings.Fields(strings.TrimRight(string(data), "\x00"))
	if len(chunks) < 4 {
		return &StatInfo{}
	}
	info := &StatInfo{ID: chunks[0]}
	if v, err := strconv.ParseInt(chunks[1], 10, 64); err == nil {
		info.Size = v
	} else {
		return &StatInfo{ID: chunks[0]}
	}
	if v, err := strconv.ParseUint(chunks[2], 10, 32); err == nil {
		info.Flags = uint32(v)
	} else {
		return &StatInfo{ID: chunks[0], Size: info.Size}
	}
	if v, err := strconv.ParseInt(chunks[3], 10, 64); err == nil {
		info.ModTime = v
	}
	return info
}

// StatInfoVFS is the parsed answer to a virtual-filesystem stat:
// "nodes_rw free_rw utilization_rw nodes_staging free_staging utilization_staging".
type StatInfoVFS struct {
	NodesRW            int64
	FreeRW             int64
	UtilizationRW      int32
	NodesStaging       int64
	FreeStaging        int64
	UtilizationStaging int32
}

func (*StatInfoVFS) responseObject() {}

func ParseStatInfoVFS(data []byte) *StatInfoVFS {
	chunks := strings.Fields(strings.TrimRight(string(data), "\x00"))
	if len(chunks) < 6 {
		return &StatInfoVFS{}
	}
	info := &StatInfoVFS{}
	parse64 := func(s string, dst *int64) bool {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return false
		}
		*dst = v
		return true
	}
	parse32 := func(s string, dst *int32) bool {
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return false
		}
		*dst = int32(v)
		return true
	}
	if !parse64(chunks[0], &info.NodesRW) ||
		!parse64(chunks[1], &info.FreeRW) ||
		!parse32(chunks[2], &info.UtilizationRW) ||
		!parse64(chunks[3], &info.NodesStaging) ||
		!parse64(chunks[4], &info.FreeStaging) ||
		!parse32(chunks[5], &info.UtilizationStaging) {
		return &StatInfoVFS{}
	}
	return info
}

// ProtocolInfo is the parsed answer to a protocol request.
type ProtocolInfo struct {
	Version uint32
	Flags   uint32
}

func (*ProtocolInfo) responseObject() {}

// DirectoryList is the parsed answer to a dirlist request.
type DirectoryList struct {
	Parent  string
	HostID  string
	Entries []string
}

func (*DirectoryList) responseObject() {}

func ParseDirectoryList(hostID, parent string, data []byte) *DirectoryList {
	if parent != "" && !strings.HasSuffix(parent, "/") {
		parent += "/"
	}
	list := &DirectoryList{Parent: parent, HostID: hostID}
	for _, entry := range strings.Split(strings.TrimRight(string(data), "\x00"), "\n") {
		entry = strings.TrimRight(entry, "\r")
		if entry == "" {
			continue
		}
		list.Entries = append(list.Entries, entry)
	}
	return list
}

// OpenInfo is the parsed answer to an open request.
type OpenInfo struct {
	FileHandle [4]byte
	Stat       *StatInfo
}

func (*OpenInfo) responseObject() {}

// ChunkInfo is the answer to a read request: the user buffer trimmed to what
// actually arrived.
type ChunkInfo struct {
	Offset uint64
	Length uint32
	Buffer []byte
}

func (*ChunkInfo) responseObject() {}

// VectorReadInfo is the answer to a vector read.
type VectorReadInfo struct {
	Size   uint32
	Chunks []protocol.Chunk
}

func (*VectorReadInfo) responseObject() {}

// BinaryData is the fallback shape for responses with opaque payloads
// (query, prepare, set).
type BinaryData struct {
	Data []byte
}

func (*BinaryData) responseObject() {}

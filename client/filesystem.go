package client

import (
	"time"

	"github.com/pkg/errors"

	"github.com/xrdclient/xrdclient/postmaster"
	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/xrdurl"
)

// FileSystem is the one-shot blocking facade over the core: every call
// builds a request, sends it through the post master, and waits for the
// outcome. A zero timeout means the configured RequestTimeout.
type FileSystem struct {
	url *xrdurl.URL
	pm  *postmaster.PostMaster
}

// NewFileSystem talks to the endpoint named by rawurl through the given
// post master; pass nil to use the process default.
func NewFileSystem(rawurl string, pm *postmaster.PostMaster) (*FileSystem, error) {
	u, err := xrdurl.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	if pm == nil {
		pm, err = DefaultPostMaster()
		if err != nil {
			return nil, err
		}
	}
	return &FileSystem{url: u, pm: pm}, nil
}

func (fs *FileSystem) URL() *xrdurl.URL { return fs.url }

func (fs *FileSystem) roundTrip(msg *protocol.Message, params SendParams) (Object, []*HostInfo, error) {
	handler := NewSyncResponseHandler()
	if st := SendMessage(fs.pm, fs.url, msg, handler, params); !st.IsOK() {
		return nil, nil, st
	}
	st, obj, hosts := handler.WaitFor()
	if !st.IsOK() {
		return nil, hosts, st
	}
	return obj, hosts, nil
}

func deadline(timeout time.Duration) time.Time {
	if timeout == 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// Ping checks that the endpoint is alive.
func (fs *FileSystem) Ping(timeout time.Duration) error {
	_, _, err := fs.roundTrip(protocol.NewPing(), SendParams{Expires: deadline(timeout)})
	return err
}

// Protocol asks for the server's protocol version and flags.
func (fs *FileSystem) Protocol(timeout time.Duration) (*ProtocolInfo, error) {
	obj, _, err := fs.roundTrip(protocol.NewProtocol(), SendParams{Expires: deadline(timeout)})
	if err != nil {
		return nil, err
	}
	info, ok := obj.(*ProtocolInfo)
	if !ok {
		return nil, errors.New("client: unexpected response type to kXR_protocol")
	}
	return info, nil
}

// Stat obtains status information for a path.
func (fs *FileSystem) Stat(path string, timeout time.Duration) (*StatInfo, error) {
	obj, _, err := fs.roundTrip(protocol.NewStat(path, 0), SendParams{Expires: deadline(timeout)})
	if err != nil {
		return nil, err
	}
	info, ok := obj.(*StatInfo)
	if !ok {
		return nil, errors.New("client: unexpected response type to kXR_stat")
	}
	return info, nil
}

// StatVFS obtains virtual-filesystem information for a path.
func (fs *FileSystem) StatVFS(path string, timeout time.Duration) (*StatInfoVFS, error) {
	obj, _, err := fs.roundTrip(protocol.NewStat(path, protocol.StatVFS),
		SendParams{Expires: deadline(timeout)})
	if err != nil {
		return nil, err
	}
	info, ok := obj.(*StatInfoVFS)
	if !ok {
		return nil, errors.New("client: unexpected response type to kXR_stat vfs")
	}
	return info, nil
}

// Locate finds replicas of a path.
func (fs *FileSystem) Locate(path string, options uint16, timeout time.Duration) (*LocationInfo, error) {
	obj, _, err := fs.roundTrip(protocol.NewLocate(path, options),
		SendParams{Expires: deadline(timeout)})
	if err != nil {
		return nil, err
	}
	info, ok := obj.(*LocationInfo)
	if !ok {
		return nil, errors.New("client: unexpected response type to kXR_locate")
	}
	return info, nil
}

// DirList lists a directory.
func (fs *FileSystem) DirList(path string, timeout time.Duration) (*DirectoryList, error) {
	obj, _, err := fs.roundTrip(protocol.NewDirList(path), SendParams{Expires: deadline(timeout)})
	if err != nil {
		return nil, err
	}
	list, ok := obj.(*DirectoryList)
	if !ok {
		return nil, errors.New("client: unexpected response type to kXR_dirlist")
	}
	return list, nil
}

// Truncate cuts a path to the given size.
func (fs *FileSystem) Truncate(path string, size uint64, timeout time.Duration) error {
	_, _, err := fs.roundTrip(protocol.NewTruncate(path, size), SendParams{Expires: deadline(timeout)})
	return err
}

// Rm removes a file.
func (fs *FileSystem) Rm(path string, timeout time.Duration) error {
	_, _, err := fs.roundTrip(protocol.NewRm(path), SendParams{Expires: deadline(timeout)})
	return err
}

// MkDir creates a directory.
func (fs *FileSystem) MkDir(path string, mode uint16, makePath bool, timeout time.Duration) error {
	_, _, err := fs.roundTrip(protocol.NewMkDir(path, mode, makePath),
		SendParams{Expires: deadline(timeout)})
	return err
}

// RmDir removes a directory.
func (fs *FileSystem) RmDir(path string, timeout time.Duration) error {
	_, _, err := fs.roundTrip(protocol.NewRmDir(path), SendParams{Expires: deadline(timeout)})
	return err
}

// Mv renames source to dest.
func (fs *FileSystem) Mv(source, dest string, timeout time.Duration) error {
	_, _, err := fs.roundTrip(protocol.NewMv(source, dest), SendParams{Expires: deadline(timeout)})
	return err
}

// ChMod changes the permissions of a path.
func (fs *FileSystem) ChMod(path string, mode uint16, timeout time.Duration) error {
	_, _, err := fs.roundTrip(protocol.NewChMod(path, mode), SendParams{Expires: deadline(timeout)})
	return err
}

// Query sends an information query; the answer arrives as opaque bytes.
func (fs *FileSystem) Query(reqcode uint16, arg string, timeout time.Duration) ([]byte, error) {
	obj, _, err := fs.roundTrip(protocol.NewQuery(reqcode, arg),
		SendParams{Expires: deadline(timeout)})
	if err != nil {
		return nil, err
	}
	data, ok := obj.(*BinaryData)
	if !ok {
		return nil, errors.New("client: unexpected response type to kXR_query")
	}
	return data.Data, nil
}

// Prepare asks the cluster to stage a list of files.
func (fs *FileSystem) Prepare(files []string, options, priority uint8, timeout time.Duration) ([]byte, error) {
	obj, _, err := fs.roundTrip(protocol.NewPrepare(files, options, priority),
		SendParams{Expires: deadline(timeout)})
	if err != nil {
		return nil, err
	}
	data, ok := obj.(*BinaryData)
	if !ok {
		return nil, errors.New("client: unexpected response type to kXR_prepare")
	}
	return data.Data, nil
}

// LocateAsAnswer issues a locate in redirect-as-answer mode: a redirecting
// manager produces a RedirectInfo instead of being followed.
func (fs *FileSystem) LocateAsAnswer(path string, timeout time.Duration) (Object, error) {
	obj, _, err := fs.roundTrip(protocol.NewLocate(path, 0), SendParams{
		Expires:          deadline(timeout),
		RedirectAsAnswer: true,
	})
	return obj, err
}

// Package config holds the runtime environment: the tunables recognized by
// the post master and the transport, resolved from compile-time defaults,
// XRD_* environment variables, an optional YAML file, and explicit Put calls.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"sync"

	"github.com/pkg/errors"
	yaml "github.com/zrepl/yaml-config"

	"github.com/xrdclient/xrdclient/util/envconst"
)

// Defaults for the recognized options.
const (
	DefaultConnectionWindow  = 120 // seconds
	DefaultConnectionRetry   = 5
	DefaultStreamErrorWindow = 1800 // seconds
	DefaultRequestTimeout    = 1800 // seconds
	DefaultStreamsPerChannel = 1
	DefaultTimeoutResolution = 15 // seconds
	DefaultDataServerTTL     = 300
	DefaultManagerTTL        = 1200
	DefaultMaxRedirects      = 16
	DefaultSIDGracePeriod    = 600 // seconds
)

// Env is a mutable key/value store of integer and string options. The zero
// value is not usable; obtain one from NewEnv or Default.
type Env struct {
	mtx     sync.RWMutex
	Ints    map[string]int
	Strings map[string]string
}

// File is the YAML shape accepted by ParseConfigFile. All fields are
// optional; zero values leave the corresponding Env entry untouched.
type File struct {
	ConnectionWindow  int    `yaml:"connection_window,optional"`
	ConnectionRetry   int    `yaml:"connection_retry,optional"`
	StreamErrorWindow int    `yaml:"stream_error_window,optional"`
	RequestTimeout    int    `yaml:"request_timeout,optional"`
	StreamsPerChannel int    `yaml:"streams_per_channel,optional"`
	TimeoutResolution int    `yaml:"timeout_resolution,optional"`
	DataServerTTL     int    `yaml:"data_server_ttl,optional"`
	ManagerTTL        int    `yaml:"manager_ttl,optional"`
	MaxRedirects      int    `yaml:"max_redirects,optional"`
	LogLevel          string `yaml:"log_level,optional"`
}

// NewEnv builds an Env populated from defaults and XRD_* environment
// variables.
func NewEnv() *Env {
	e := &Env{
		Ints:    make(map[string]int),
		Strings: make(map[string]string),
	}
	e.Ints["ConnectionWindow"] = envconst.Int("XRD_CONNECTIONWINDOW", DefaultConnectionWindow)
	e.Ints["ConnectionRetry"] = envconst.Int("XRD_CONNECTIONRETRY", DefaultConnectionRetry)
	e.Ints["StreamErrorWindow"] = envconst.Int("XRD_STREAMERRORWINDOW", DefaultStreamErrorWindow)
	e.Ints["RequestTimeout"] = envconst.Int("XRD_REQUESTTIMEOUT", DefaultRequestTimeout)
	e.Ints["StreamsPerChannel"] = envconst.Int("XRD_STREAMSPERCHANNEL", DefaultStreamsPerChannel)
	e.Ints["TimeoutResolution"] = envconst.Int("XRD_TIMEOUTRESOLUTION", DefaultTimeoutResolution)
	e.Ints["DataServerTTL"] = envconst.Int("XRD_DATASERVERTTL", DefaultDataServerTTL)
	e.Ints["ManagerTTL"] = envconst.Int("XRD_MANAGERTTL", DefaultManagerTTL)
	e.Ints["MaxRedirects"] = envconst.Int("XRD_MAXREDIRECTS", DefaultMaxRedirects)
	e.Ints["SIDGracePeriod"] = envconst.Int("XRD_SIDGRACEPERIOD", DefaultSIDGracePeriod)
	e.Strings["LogLevel"] = envconst.String("XRD_LOGLEVEL", "warn")
	return e
}

func (e *Env) GetInt(key string) (int, bool) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	v, ok := e.Ints[key]
	return v, ok
}

// GetIntDefault returns the value for key, or def if the key is unknown.
func (e *Env) GetIntDefault(key string, def int) int {
	if v, ok := e.GetInt(key); ok {
		return v
	}
	return def
}

func (e *Env) PutInt(key string, value int) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.Ints[key] = value
}

func (e *Env) GetString(key string) (string, bool) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	v, ok := e.Strings[key]
	return v, ok
}

func (e *Env) PutString(key, value string) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.Strings[key] = value
}

// Snapshot returns a deep copy that later Put calls on e do not affect.
func (e *Env) Snapshot() *Env {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	snap := &Env{
		Ints:    make(map[string]int, len(e.Ints)),
		Strings: make(map[string]string, len(e.Strings)),
	}
	for k, v := range e.Ints {
		snap.Ints[k] = v
	}
	for k, v := range e.Strings {
		snap.Strings[k] = v
	}
	return snap
}

// ApplyFile merges a parsed config file into the Env.
func (e *Env) ApplyFile(f *File) {
	apply := func(key string, v int) {
		if v != 0 {
			e.PutInt(key, v)
		}
	}
	apply("ConnectionWindow", f.ConnectionWindow)
	apply("ConnectionRetry", f.ConnectionRetry)
	apply("StreamErrorWindow", f.StreamErrorWindow)
	apply("RequestTimeout", f.RequestTimeout)
	apply("StreamsPerChannel", f.StreamsPerChannel)
	apply("TimeoutResolution", f.TimeoutResolution)
	apply("DataServerTTL", f.DataServerTTL)
	apply("ManagerTTL", f.ManagerTTL)
	apply("MaxRedirects", f.MaxRedirects)
	if f.LogLevel != "" {
		e.PutString("LogLevel", f.LogLevel)
	}
}

var ConfigFileDefaultLocations = []string{
	"/etc/xrdclient/xrdclient.yml",
	"/usr/local/etc/xrdclient/xrdclient.yml",
}

func ParseConfigFile(path string) (*File, error) {
	if path == "" {
		// Try default locations
		for _, l := range ConfigFileDefaultLocations {
			stat, statErr := os.Stat(l)
			if statErr != nil {
				continue
			}
			if !stat.Mode().IsRegular() {
				return nil, errors.Errorf("file at default location is not a regular file: %s", l)
			}
			path = l
			break
		}
	}
	if path == "" {
		return &File{}, nil
	}

	bytes, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfigBytes(bytes)
}

func ParseConfigBytes(bytes []byte) (*File, error) {
	var f *File
	if err := yaml.UnmarshalStrict(bytes, &f); err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("config is empty or only consists of comments")
	}
	return f, nil
}

var (
	defaultEnvOnce sync.Once
	defaultEnv     *Env
)

// Default returns the process-wide Env, created on first use.
func Default() *Env {
	defaultEnvOnce.Do(func() {
		defaultEnv = NewEnv()
	})
	return defaultEnv
}

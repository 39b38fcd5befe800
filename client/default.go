package client

import (
	"sync"

	"github.com/xrdclient/xrdclient/config"
	"github.com/xrdclient/xrdclient/logger"
	"github.com/xrdclient/xrdclient/postmaster"
	"github.com/xrdclient/xrdclient/transport"
)

var (
	defaultMtx sync.Mutex
	defaultPM  *postmaster.PostMaster
	defaultErr error
)

// DefaultPostMaster returns the process-wide post master, wiring the xrootd
// transport on first use. Kept for callers that do not construct their own
// runtime; new code should prefer an explicit postmaster.New.
func DefaultPostMaster() (*postmaster.PostMaster, error) {
	defaultMtx.Lock()
	defer defaultMtx.Unlock()
	if defaultPM != nil || defaultErr != nil {
		return defaultPM, defaultErr
	}

	env := config.Default()
	log := logger.Default()
	pm := postmaster.New(transport.New(env, log), env, log)
	if err := pm.Start(); err != nil {
		defaultErr = err
		return nil, err
	}
	defaultPM = pm
	return pm, nil
}

// Finalize releases the default post master. Idempotent; safe to call
// without a prior DefaultPostMaster.
func Finalize() {
	defaultMtx.Lock()
	defer defaultMtx.Unlock()
	if defaultPM != nil {
		defaultPM.Finalize()
		defaultPM = nil
	}
	defaultErr = nil
}

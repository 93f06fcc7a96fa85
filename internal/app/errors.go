package app

import "errors"

var (
	ErrMetricsListen    = errors.New("metrics listener failed")
	ErrWarmupFailed     = errors.New("startup cache warm-up failed")
	ErrCredentialsWatch = errors.New("credential watch failed")
)

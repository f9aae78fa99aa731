package metrics

import (
	"sync"
	"time"
)

// Recorder is the instrumentation surface used across the engine. The default
// is a no-op so the library stays silent unless a recorder is installed.
type Recorder interface {
	IncProviderCall(provider, op string, success bool)
	ObserveProviderSeconds(provider, op string, success bool, seconds float64)
	AddProviderTokens(provider string, input, output int)
	IncStoreOp(store, op string, success bool)
	ObserveQuerySeconds(mode string, success bool, seconds float64)
	ObserveIngestSeconds(success bool, seconds float64)
}

type noopRecorder struct{}

func (noopRecorder) IncProviderCall(string, string, bool)                {}
func (noopRecorder) ObserveProviderSeconds(string, string, bool, float64) {}
func (noopRecorder) AddProviderTokens(string, int, int)                 {}
func (noopRecorder) IncStoreOp(string, string, bool)                    {}
func (noopRecorder) ObserveQuerySeconds(string, bool, float64)          {}
func (noopRecorder) ObserveIngestSeconds(bool, float64)                 {}

var (
	recMu    sync.RWMutex
	recorder Recorder = noopRecorder{}
)

// Default returns the installed recorder.
func Default() Recorder {
	recMu.RLock()
	defer recMu.RUnlock()
	return recorder
}

// SetRecorder swaps the global recorder implementation.
func SetRecorder(r Recorder) {
	recMu.Lock()
	defer recMu.Unlock()
	recorder = r
}

// TimeProviderCall times a provider call and records both the counter and the
// duration histogram on completion.
func TimeProviderCall(provider, op string) func(success bool) {
	start := time.Now()
	return func(success bool) {
		dur := time.Since(start).Seconds()
		Default().IncProviderCall(provider, op, success)
		Default().ObserveProviderSeconds(provider, op, success, dur)
	}
}

// RecordStoreOp counts one storage operation, successful when err is nil.
func RecordStoreOp(store, op string, err error) {
	Default().IncStoreOp(store, op, err == nil)
}

// TimeQuery times a planner query for the given mode.
func TimeQuery(mode string) func(success bool) {
	start := time.Now()
	return func(success bool) {
		Default().ObserveQuerySeconds(mode, success, time.Since(start).Seconds())
	}
}

// TimeIngest times an ingestion run.
func TimeIngest() func(success bool) {
	start := time.Now()
	return func(success bool) {
		Default().ObserveIngestSeconds(success, time.Since(start).Seconds())
	}
}

package gateway

import (
	"sync"

	"github.com/modern-go/gls"

	elog "github.com/eluv-io/log-go"
)

// logWrapper decorates records with the id of the worker whose goroutine
// emitted them, so interleaved multi-worker logs stay attributable.
type logWrapper struct {
	log *elog.Log
}

func (l *logWrapper) Trace(msg string, fields ...interface{}) {
	l.log.Trace(msg, append(fields, workerIfKnown()...)...)
}

func (l *logWrapper) Debug(msg string, fields ...interface{}) {
	l.log.Debug(msg, append(fields, workerIfKnown()...)...)
}

func (l *logWrapper) Info(msg string, fields ...interface{}) {
	l.log.Info(msg, append(fields, workerIfKnown()...)...)
}

func (l *logWrapper) Warn(msg string, fields ...interface{}) {
	l.log.Warn(msg, append(fields, workerIfKnown()...)...)
}

func (l *logWrapper) Error(msg string, fields ...interface{}) {
	l.log.Error(msg, append(fields, workerIfKnown()...)...)
}

var log = logWrapper{log: elog.Get("tsgate/gateway")}

var gidWorkerMap sync.Map

// AssociateGIDWithWorker tags the calling goroutine as worker id.
func AssociateGIDWithWorker(id int) {
	gidWorkerMap.Store(gls.GoID(), id)
}

// DissociateGIDWithWorker removes the tag.
func DissociateGIDWithWorker() {
	gidWorkerMap.Delete(gls.GoID())
}

func workerIfKnown() []interface{} {
	if id, ok := gidWorkerMap.Load(gls.GoID()); ok {
		return []interface{}{"worker", id}
	}
	return nil
}

package broker

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter forwards internal faults (currently the session-store errors
// handleConnect hits) to sentry so an operator running a fleet of nodes
// doesn't have to grep logs across all of them. The reactor loop does not
// recover panics, so none are reported here.
type Reporter struct {
	hub *sentry.Hub
}

// NewReporter initializes the sentry SDK with dsn and returns a Reporter
// bound to the default hub. Pass an empty dsn to get a Reporter that
// captures nothing, so Config.Report can always be set without an
// environment check at every call site.
func NewReporter(dsn, environment, release string) (*Reporter, error) {
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	}); err != nil {
		return nil, err
	}
	return &Reporter{hub: sentry.CurrentHub()}, nil
}

// ReportError sends err to sentry tagged with the client and packet type
// it occurred on, if known. An empty clientID/packetType tag is omitted.
func (r *Reporter) ReportError(err error, clientID, packetType string) {
	if r == nil || r.hub == nil || err == nil {
		return
	}

	r.hub.WithScope(func(scope *sentry.Scope) {
		if clientID != "" {
			scope.SetTag("client_id", clientID)
		}
		if packetType != "" {
			scope.SetTag("packet_type", packetType)
		}
		r.hub.CaptureException(err)
	})
}

// Flush blocks up to timeout waiting for buffered events to be sent,
// intended to be called once during graceful shutdown.
func (r *Reporter) Flush(timeout time.Duration) {
	if r == nil || r.hub == nil {
		return
	}
	r.hub.Flush(timeout)
}

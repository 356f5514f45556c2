package audit

import (
	"context"
	"time"

	"otportal.org/internal/auth"
	"otportal.org/internal/obs"
)

const persistTimeout = 3 * time.Second

// Recorder is the service's event sink. Every event is persisted, written
// to the audit log and counted. Persistence failures are logged and never
// surface to the caller.
type Recorder struct {
	events auth.EventStore
}

func NewRecorder(events auth.EventStore) *Recorder {
	return &Recorder{events: events}
}

func (r *Recorder) Record(ctx context.Context, e auth.SecurityEvent) {
	if r.events != nil {
		// A cancelled request must not drop its audit row.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		err := r.events.Append(pctx, &e)
		cancel()
		if err != nil {
			obs.Logger().WithError(err).WithField("event_type", e.Type).Error("persist security event")
		}
	}

	fields := map[string]any{
		"event_id":    e.ID,
		"occurred_at": e.OccurredAt,
	}
	if e.UserID != "" {
		fields["user_id"] = e.UserID
	}
	if e.IP != "" {
		fields["ip"] = e.IP
	}
	if e.UserAgent != "" {
		fields["user_agent"] = e.UserAgent
	}
	for k, v := range e.Detail {
		fields[k] = v
	}
	_ = LogEvent(ctx, e.Type, fields)

	count(e)
}

func count(e auth.SecurityEvent) {
	switch e.Type {
	case auth.EventLoginSuccess:
		obs.IncLogin("success")
	case auth.EventLoginFailed:
		reason := e.Detail["reason"]
		if reason == auth.ReasonAccountLocked {
			obs.IncLogin("locked")
		} else {
			obs.IncLogin("failure")
		}
	case auth.EventRateLimited:
		obs.IncRateLimited(e.Detail["action"])
	case auth.EventCSRFFailed:
		obs.IncCSRFFailure()
	case auth.EventTokenRefreshed:
		obs.IncTokenRefresh("success")
	case auth.EventTokenRefreshFailed:
		obs.IncTokenRefresh("failure")
	}
}

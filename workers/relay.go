package workers

import (
	"context"

	"github.com/fannst/fmta/addr"
	"github.com/fannst/fmta/lalog"
	"github.com/fannst/fmta/relay"
)

// RelayWorker delivers a SessionHandoff's remote targets and generates
// a bounce on partial failure (spec.md §4.11 relay worker).
type RelayWorker struct {
	Client            *relay.Client
	BounceFromAddress addr.Address
}

func (w *RelayWorker) logger() *lalog.Logger {
	if w.Client != nil && w.Client.Logger != nil {
		return w.Client.Logger
	}
	return lalog.DefaultLogger
}

// Handle satisfies Loop[relay.SessionHandoff].Handle. It relays to
// every remote target grouped by destination host in one pass (spec.md
// §4.11 "to minimize connection count"), then, if any target failed
// and the handoff did not suppress error mail, sends one bounce
// describing every failure.
func (w *RelayWorker) Handle(ctx context.Context, handoff relay.SessionHandoff) {
	if len(handoff.RelayTargets) == 0 {
		return
	}
	failures := w.Client.Relay(ctx, handoff.Sender, handoff.RelayTargets, handoff.Raw)
	if len(failures) == 0 || handoff.SuppressErrorMail {
		return
	}
	if err := w.Client.SendBounce(ctx, handoff.Sender, w.BounceFromAddress, failures); err != nil {
		w.logger().Warning(handoff.MessageID, err, "sending bounce for %s failed", handoff.MessageID)
	}
}

package services

import (
	"context"
	"log/slog"

	pubnub "github.com/pubnub/go"

	"club-ticketing/models"
	"club-ticketing/utils"
)

// Notifier pushes operational events to the door-staff admin channel.
// A nil PubNub client disables publishing, so local setups run without keys.
type Notifier struct {
	pubnub  *pubnub.PubNub
	channel string
}

func NewNotifier(pn *pubnub.PubNub, channel string) *Notifier {
	return &Notifier{pubnub: pn, channel: channel}
}

func (n *Notifier) publish(message map[string]any) {
	if n.pubnub == nil {
		return
	}
	_, st, err := n.pubnub.Publish().
		Channel(n.channel).
		Message(message).
		Execute()
	if err != nil {
		slog.Warn("admin channel publish failed", "status", st, "error", err)
	}
}

// WatchBreaker forwards breaker state changes to the admin channel until ctx
// is cancelled.
func (n *Notifier) WatchBreaker(ctx context.Context, name string, cb *utils.CircuitBreaker) {
	changes, cancel := cb.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			n.publish(map[string]any{
				"type":    "circuit_state_change",
				"breaker": name,
				"from":    change.From.String(),
				"to":      change.To.String(),
				"at":      change.At.Unix(),
			})
		}
	}
}

// PublishConflict alerts staff that a replayed offline admission diverged
// from authoritative state and needs review.
func (n *Notifier) PublishConflict(rec models.ConflictRecord) {
	msg := map[string]any{
		"type":   "replay_conflict",
		"seq":    rec.Pending.Seq,
		"token":  rec.Pending.Token,
		"device": rec.Pending.DeviceID,
	}
	if rec.Authoritative != nil {
		msg["admitted_by"] = rec.Authoritative.OperatorID
		msg["admitted_at"] = rec.Authoritative.ScannedAt.Unix()
	}
	n.publish(msg)
}

// PublishReplayReport summarizes a completed queue drain.
func (n *Notifier) PublishReplayReport(report *models.ReplayReport) {
	n.publish(map[string]any{
		"type":       "replay_report",
		"confirmed":  report.Confirmed,
		"conflicted": report.Conflicted,
		"remaining":  report.Remaining,
	})
}

package coi

import (
	"context"
	"time"

	"github.com/orneryd/coigraph/pkg/review"
	"github.com/orneryd/coigraph/pkg/scoring"
)

// DeltaType classifies a finding change.
type DeltaType string

const (
	DeltaCreated     DeltaType = "created"
	DeltaUpdated     DeltaType = "updated"
	DeltaDeactivated DeltaType = "deactivated"
	DeltaStatus      DeltaType = "status"
)

// Delta is one change to the finding set.
//
// Seq is a gap-free cursor, starting at 1, that orders every delta of this
// detector. GraphVersion is the graph version the change was committed at;
// status changes carry the graph version current when the reviewer acted.
type Delta struct {
	Seq          uint64           `json:"seq"`
	GraphVersion uint64           `json:"graphVersion"`
	Type         DeltaType        `json:"type"`
	FindingID    string           `json:"findingId"`
	RuleID       string           `json:"ruleId"`
	Category     scoring.Category `json:"category"`
	Score        float64          `json:"score"`
	Status       review.Status    `json:"status"`
	ReviewerID   string           `json:"reviewerId,omitempty"`
	At           time.Time        `json:"at"`
}

// Deltas returns every delta with Seq > since, in order.
func (d *Detector) Deltas(since uint64) []Delta {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.deltasSinceLocked(since)
}

func (d *Detector) deltasSinceLocked(since uint64) []Delta {
	if since >= uint64(len(d.deltas)) {
		return nil
	}
	out := make([]Delta, len(d.deltas)-int(since))
	copy(out, d.deltas[since:])
	return out
}

// appendDeltaLocked assigns the next sequence number. Caller holds d.mu.
func (d *Detector) appendDeltaLocked(delta Delta) {
	delta.Seq = uint64(len(d.deltas)) + 1
	d.deltas = append(d.deltas, delta)
}

// notifyLocked wakes every subscriber. Caller holds d.mu.
func (d *Detector) notifyLocked() {
	for sub := range d.subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

type subscriber struct {
	wake chan struct{}
}

// Subscribe streams every delta with Seq > since: the backlog first, then
// live changes as they are committed. The channel is closed when ctx is
// done or the detector is closed. Slow consumers never lose deltas; they
// only delay their own stream.
func (d *Detector) Subscribe(ctx context.Context, since uint64) (<-chan Delta, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &subscriber{wake: make(chan struct{}, 1)}
	d.subs[sub] = struct{}{}
	d.mu.Unlock()

	out := make(chan Delta)
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		defer close(out)
		defer func() {
			d.mu.Lock()
			delete(d.subs, sub)
			d.mu.Unlock()
		}()

		cursor := since
		for {
			d.mu.RLock()
			pending := d.deltasSinceLocked(cursor)
			closed := d.closed
			d.mu.RUnlock()

			for _, delta := range pending {
				select {
				case out <- delta:
					cursor = delta.Seq
				case <-ctx.Done():
					return
				case <-d.done:
					return
				}
			}
			if closed {
				return
			}

			select {
			case <-sub.wake:
			case <-ctx.Done():
				return
			case <-d.done:
				return
			}
		}
	}()
	return out, nil
}

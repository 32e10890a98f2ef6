package store

import (
	"context"

	"github.com/atriaconnect/courier/internal/message"
)

// SegmentDirectory resolves campaign audience segments against the
// engine's own tracked messages: every recipient a message was ever
// addressed to is a contact, and a contact belongs to a segment when
// any of their messages carries the segment as a context tag. The
// segment "all" matches every contact.
type SegmentDirectory struct {
	store Store
}

// NewSegmentDirectory builds a directory over the given store.
func NewSegmentDirectory(st Store) *SegmentDirectory {
	return &SegmentDirectory{store: st}
}

// Recipients returns the de-duplicated contacts matching any of the
// given segments, one entry per patient using their most recent
// addresses.
func (d *SegmentDirectory) Recipients(ctx context.Context, segments []string) ([]message.Recipient, error) {
	msgs, err := d.store.ListMessages(ctx, message.Filter{})
	if err != nil {
		return nil, err
	}

	wantAll := false
	wanted := make(map[string]bool, len(segments))
	for _, s := range segments {
		if s == "all" {
			wantAll = true
		}
		wanted[s] = true
	}

	seen := make(map[string]bool)
	var out []message.Recipient
	for _, m := range msgs { // newest first
		pid := m.Recipient.PatientID
		if pid == "" || seen[pid] {
			continue
		}
		if !wantAll && !tagged(m.Context.Tags, wanted) {
			continue
		}
		seen[pid] = true
		out = append(out, m.Recipient)
	}
	return out, nil
}

func tagged(tags []string, wanted map[string]bool) bool {
	for _, t := range tags {
		if wanted[t] {
			return true
		}
	}
	return false
}

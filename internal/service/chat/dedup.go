package chat

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/culturemate/together-chat/backend/internal/model/chat"
)

// DefaultDedupBucket is the signature time bucket width. It is a heuristic,
// not a protocol guarantee.
const DefaultDedupBucket = 5 * time.Second

// DedupIndex suppresses duplicate deliveries arriving through history,
// live push and optimistic echo. A message is admitted only if neither its
// id nor its content signature has been seen.
type DedupIndex struct {
	mu       sync.Mutex
	bucketMs int64
	ids      map[string]struct{}
	sigs     map[string]struct{}
}

// NewDedupIndex creates an index using the given signature bucket width.
func NewDedupIndex(bucket time.Duration) *DedupIndex {
	if bucket <= 0 {
		bucket = DefaultDedupBucket
	}
	return &DedupIndex{
		bucketMs: bucket.Milliseconds(),
		ids:      make(map[string]struct{}),
		sigs:     make(map[string]struct{}),
	}
}

// Admit reports whether m is new, recording both of its keys if so.
func (d *DedupIndex) Admit(m chat.Message) bool {
	sig := d.Signature(m)

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.admitLocked(m.ID, sig)
}

// AdmitBatch admits every message in order and returns the accepted ones.
func (d *DedupIndex) AdmitBatch(ms []chat.Message) []chat.Message {
	accepted := make([]chat.Message, 0, len(ms))

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range ms {
		if d.admitLocked(m.ID, d.Signature(m)) {
			accepted = append(accepted, m)
		}
	}
	return accepted
}

func (d *DedupIndex) admitLocked(id, sig string) bool {
	if _, seen := d.ids[id]; seen {
		return false
	}
	if _, seen := d.sigs[sig]; seen {
		return false
	}
	d.ids[id] = struct{}{}
	d.sigs[sig] = struct{}{}
	return true
}

// Register records both keys of m without checking them. Optimistic echoes
// use it so that a repeated local send is still shown while its server
// copy stays suppressed.
func (d *DedupIndex) Register(m chat.Message) {
	sig := d.Signature(m)

	d.mu.Lock()
	d.ids[m.ID] = struct{}{}
	d.sigs[sig] = struct{}{}
	d.mu.Unlock()
}

// Seen reports whether either key of m is already recorded.
func (d *DedupIndex) Seen(m chat.Message) bool {
	sig := d.Signature(m)

	d.mu.Lock()
	defer d.mu.Unlock()
	_, idSeen := d.ids[m.ID]
	_, sigSeen := d.sigs[sig]
	return idSeen || sigSeen
}

// Signature is sender|bucket|normalized content.
func (d *DedupIndex) Signature(m chat.Message) string {
	bucket := int64(0)
	if !m.Timestamp.IsZero() {
		bucket = floorDiv(m.Timestamp.UnixMilli(), d.bucketMs)
	}
	return m.SenderID + "|" + strconv.FormatInt(bucket, 10) + "|" + NormalizeContent(m.Content)
}

// Len returns the number of recorded identities.
func (d *DedupIndex) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ids)
}

// Reset forgets every recorded key.
func (d *DedupIndex) Reset() {
	d.mu.Lock()
	d.ids = make(map[string]struct{})
	d.sigs = make(map[string]struct{})
	d.mu.Unlock()
}

// NormalizeContent collapses whitespace runs to single spaces and trims.
func NormalizeContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/culturemate/together-chat/backend/internal/model/chat"
)

var (
	ErrUnknownShape    = errors.New("unknown message payload shape")
	ErrUnusableMessage = errors.New("message has neither sender nor content")
	ErrRoomMismatch    = errors.New("message belongs to another room")
)

const unknownSender = "unknown"

var zoneLessTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// wireID accepts identifiers encoded either as JSON strings or numbers.
type wireID string

func (w *wireID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*w = wireID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be string or number: %w", err)
	}
	*w = wireID(n.String())
	return nil
}

func firstID(candidates ...*wireID) (string, bool) {
	for _, c := range candidates {
		if c != nil && *c != "" {
			return string(*c), true
		}
	}
	return "", false
}

func firstText(candidates ...*string) string {
	for _, c := range candidates {
		if c != nil {
			return *c
		}
	}
	return ""
}

// historyRow is the REST history shape; live pushes that carry an id use
// it as well.
type historyRow struct {
	ID         *wireID         `json:"id"`
	MessageID  *wireID         `json:"messageId"`
	RoomID     *wireID         `json:"roomId"`
	MemberID   *wireID         `json:"memberId"`
	SenderID   *wireID         `json:"senderId"`
	UserID     *wireID         `json:"userId"`
	FromUserID *wireID         `json:"fromUserId"`
	AuthorID   *wireID         `json:"authorId"`
	Sender     *wireID         `json:"sender"`
	SenderName string          `json:"senderName"`
	UserName   string          `json:"userName"`
	Content    *string         `json:"content"`
	Message    *string         `json:"message"`
	Text       *string         `json:"text"`
	CreatedAt  json.RawMessage `json:"createdAt"`
	CreateAt   json.RawMessage `json:"createAt"`
	Timestamp  json.RawMessage `json:"timestamp"`
}

// livePushRow is the broker echo of a published message: the outgoing
// {roomId, senderId, content} body, usually without an id.
type livePushRow struct {
	RoomID     *wireID         `json:"roomId"`
	MemberID   *wireID         `json:"memberId"`
	SenderID   *wireID         `json:"senderId"`
	UserID     *wireID         `json:"userId"`
	SenderName string          `json:"senderName"`
	Content    *string         `json:"content"`
	Message    *string         `json:"message"`
	Text       *string         `json:"text"`
	CreatedAt  json.RawMessage `json:"createdAt"`
	Timestamp  json.RawMessage `json:"timestamp"`
}

// legacyDummyRow is the pre-formatted client shape
// {id, sender, senderName, message, timestamp}.
type legacyDummyRow struct {
	ID         *wireID         `json:"id"`
	Sender     *wireID         `json:"sender"`
	SenderName string          `json:"senderName"`
	Message    *string         `json:"message"`
	Text       *string         `json:"text"`
	Timestamp  json.RawMessage `json:"timestamp"`
}

type payloadShape int

const (
	shapeUnknown payloadShape = iota
	shapeHistoryRow
	shapeLivePush
	shapeLegacyDummy
)

func (s payloadShape) String() string {
	switch s {
	case shapeHistoryRow:
		return "history-row"
	case shapeLivePush:
		return "live-push-row"
	case shapeLegacyDummy:
		return "legacy-dummy-row"
	default:
		return "unknown"
	}
}

func classify(keys map[string]json.RawMessage) payloadShape {
	has := func(names ...string) bool {
		for _, n := range names {
			if _, ok := keys[n]; ok {
				return true
			}
		}
		return false
	}

	senderKeys := []string{"memberId", "senderId", "userId", "fromUserId", "authorId"}
	switch {
	case has("sender", "message") && !has("content") && !has(senderKeys...):
		return shapeLegacyDummy
	case has("id", "messageId"):
		return shapeHistoryRow
	case has(senderKeys...) || has("content", "text"):
		return shapeLivePush
	default:
		return shapeUnknown
	}
}

// messageFields is the shape-independent intermediate every decoded row is
// mapped to before becoming a chat.Message.
type messageFields struct {
	id         string
	roomID     string
	senderID   string
	hasSender  bool
	senderName string
	content    string
	timestamp  json.RawMessage
}

// NormalizeMessage converts one upstream payload into a canonical message.
// arrival is used when the payload carries no usable timestamp.
func NormalizeMessage(raw json.RawMessage, roomID int64, arrival time.Time) (chat.Message, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", ErrUnknownShape, err)
	}

	shape := classify(keys)
	var f messageFields
	switch shape {
	case shapeHistoryRow:
		var row historyRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return chat.Message{}, fmt.Errorf("decode %s: %w", shape, err)
		}
		f.id, _ = firstID(row.ID, row.MessageID)
		f.roomID, _ = firstID(row.RoomID)
		f.senderID, f.hasSender = firstID(row.MemberID, row.SenderID, row.UserID, row.FromUserID, row.AuthorID, row.Sender)
		f.senderName = row.SenderName
		if f.senderName == "" {
			f.senderName = row.UserName
		}
		f.content = firstText(row.Content, row.Message, row.Text)
		f.timestamp = firstRaw(row.CreatedAt, row.CreateAt, row.Timestamp)
	case shapeLivePush:
		var row livePushRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return chat.Message{}, fmt.Errorf("decode %s: %w", shape, err)
		}
		f.roomID, _ = firstID(row.RoomID)
		f.senderID, f.hasSender = firstID(row.MemberID, row.SenderID, row.UserID)
		f.senderName = row.SenderName
		f.content = firstText(row.Content, row.Message, row.Text)
		f.timestamp = firstRaw(row.CreatedAt, row.Timestamp)
	case shapeLegacyDummy:
		var row legacyDummyRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return chat.Message{}, fmt.Errorf("decode %s: %w", shape, err)
		}
		f.id, _ = firstID(row.ID)
		f.senderID, f.hasSender = firstID(row.Sender)
		f.senderName = row.SenderName
		f.content = firstText(row.Message, row.Text)
		f.timestamp = row.Timestamp
	default:
		return chat.Message{}, ErrUnknownShape
	}

	return f.canonical(roomID, arrival)
}

func (f messageFields) canonical(roomID int64, arrival time.Time) (chat.Message, error) {
	if !f.hasSender && strings.TrimSpace(f.content) == "" {
		return chat.Message{}, ErrUnusableMessage
	}
	if f.roomID != "" && roomID != 0 && f.roomID != strconv.FormatInt(roomID, 10) {
		return chat.Message{}, ErrRoomMismatch
	}

	sender := f.senderID
	if sender == "" {
		sender = unknownSender
	}

	ts, ok := parseWireTime(f.timestamp)
	if !ok {
		ts = arrival
	}

	id := f.id
	if id == "" {
		id = "srv-" + ulid.Make().String()
	}

	return chat.Message{
		ID:         id,
		RoomID:     roomID,
		SenderID:   sender,
		SenderName: f.senderName,
		Content:    f.content,
		Timestamp:  ts.UTC(),
	}, nil
}

// NormalizeBatch maps a batch, dropping records that cannot be normalized.
// A bad record never fails the batch.
func NormalizeBatch(raws []json.RawMessage, roomID int64, arrival time.Time) ([]chat.Message, []error) {
	out := make([]chat.Message, 0, len(raws))
	var errs []error
	for i, raw := range raws {
		msg, err := NormalizeMessage(raw, roomID, arrival)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		out = append(out, msg)
	}
	return out, errs
}

func firstRaw(candidates ...json.RawMessage) json.RawMessage {
	for _, c := range candidates {
		c = bytes.TrimSpace(c)
		if len(c) > 0 && !bytes.Equal(c, []byte("null")) {
			return c
		}
	}
	return nil
}

// parseWireTime understands ISO strings with or without zone, epoch
// milliseconds (number or numeric string) and LocalDateTime arrays.
func parseWireTime(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, false
		}
		return parseTimeString(strings.TrimSpace(s))
	case '[':
		var parts []int
		if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 3 {
			return time.Time{}, false
		}
		for len(parts) < 7 {
			parts = append(parts, 0)
		}
		return time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], time.UTC), true
	default:
		var ms json.Number
		if err := json.Unmarshal(raw, &ms); err != nil {
			return time.Time{}, false
		}
		n, err := ms.Int64()
		if err != nil || n <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(n), true
	}
}

func parseTimeString(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	for _, layout := range zoneLessTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return time.UnixMilli(n), true
	}
	return time.Time{}, false
}

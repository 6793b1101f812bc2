package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/culturemate/together-chat/backend/internal/metrics"
	"github.com/culturemate/together-chat/backend/internal/model/chat"
	"github.com/culturemate/together-chat/backend/internal/model/profile"
)

// ClientOptions configures the REST client of the conversation service.
type ClientOptions struct {
	BaseURL string
	APIBase string
	Token   string
	Timeout time.Duration
	// RequestsPerSecond throttles outgoing calls; zero disables throttling.
	RequestsPerSecond float64
	Burst             int
}

// Client talks to the upstream chat-room REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new API client.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if apiBase := strings.Trim(opts.APIBase, "/"); apiBase != "" {
		baseURL += "/" + apiBase
	}

	return &Client{
		baseURL: baseURL,
		token:   opts.Token,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		limiter: limiter,
	}
}

// roomRow is one entry of the room listing or a create response.
type roomRow struct {
	ID       json.RawMessage `json:"id"`
	RoomID   json.RawMessage `json:"roomId"`
	RoomName string          `json:"roomName"`
	Name     string          `json:"name"`
}

func (r roomRow) room() (chat.Room, bool) {
	id, ok := parseRoomID(r.ID)
	if !ok {
		id, ok = parseRoomID(r.RoomID)
	}
	if !ok {
		return chat.Room{}, false
	}
	label := r.RoomName
	if label == "" {
		label = r.Name
	}
	return chat.Room{ID: id, Label: label}, true
}

// ListRooms returns the rooms visible to the gateway account.
func (c *Client) ListRooms(ctx context.Context) ([]chat.Room, error) {
	var rows []roomRow
	if err := c.get(ctx, "rooms.list", "/chatroom/my", &rows); err != nil {
		return nil, fmt.Errorf("client.ListRooms: %w", err)
	}

	rooms := make([]chat.Room, 0, len(rows))
	for _, row := range rows {
		if rm, ok := row.room(); ok {
			rooms = append(rooms, rm)
		}
	}
	return rooms, nil
}

// CreateRoom creates a room named label.
func (c *Client) CreateRoom(ctx context.Context, label string) (chat.Room, error) {
	var raw json.RawMessage
	body := map[string]string{"name": label}
	if err := c.post(ctx, "rooms.create", "/chatroom/create", body, &raw); err != nil {
		return chat.Room{}, fmt.Errorf("client.CreateRoom: %w", err)
	}

	// Some deployments answer with the bare id.
	if id, ok := parseRoomID(raw); ok {
		return chat.Room{ID: id, Label: label}, nil
	}
	var row roomRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return chat.Room{}, fmt.Errorf("client.CreateRoom: decode response: %w", err)
	}
	rm, ok := row.room()
	if !ok {
		return chat.Room{}, errors.New("client.CreateRoom: response carries no room id")
	}
	if rm.Label == "" {
		rm.Label = label
	}
	return rm, nil
}

// AddMember registers memberID in the room. Joining a room the member
// already belongs to succeeds.
func (c *Client) AddMember(ctx context.Context, roomID int64, memberID string) error {
	body := map[string]string{"userId": memberID}
	if err := c.post(ctx, "rooms.join", roomPath(roomID, "/join"), body, nil); err != nil {
		if IsStatus(err, http.StatusConflict) {
			return nil
		}
		return fmt.Errorf("client.AddMember: %w", err)
	}
	return nil
}

// FetchHistory returns the raw stored messages of a room. Both bare arrays
// and paged envelopes are accepted.
func (c *Client) FetchHistory(ctx context.Context, roomID int64) ([]json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "rooms.history", roomPath(roomID, "/messages"), &raw); err != nil {
		return nil, fmt.Errorf("client.FetchHistory: %w", err)
	}

	rows, err := unwrapPage(raw)
	if err != nil {
		return nil, fmt.Errorf("client.FetchHistory: %w", err)
	}
	return rows, nil
}

// FetchMembers returns the raw member payload of a room.
func (c *Client) FetchMembers(ctx context.Context, roomID int64) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "rooms.members", roomPath(roomID, "/members"), &raw); err != nil {
		return nil, fmt.Errorf("client.FetchMembers: %w", err)
	}
	return raw, nil
}

// PostMessage sends a draft through the REST endpoint instead of the live
// channel.
func (c *Client) PostMessage(ctx context.Context, draft chat.Draft) error {
	body := sendBody(draft)
	if err := c.post(ctx, "rooms.message", roomPath(draft.RoomID, "/message"), body, nil); err != nil {
		return fmt.Errorf("client.PostMessage: %w", err)
	}
	return nil
}

type memberProfile struct {
	ID           json.RawMessage `json:"id"`
	LoginID      string          `json:"loginId"`
	Nickname     string          `json:"nickname"`
	Name         string          `json:"name"`
	DisplayName  string          `json:"displayName"`
	ProfileImage string          `json:"profileImage"`
	MemberDetail *struct {
		Nickname     string `json:"nickname"`
		ProfileImage string `json:"profileImage"`
	} `json:"memberDetail"`
}

// LookupProfile fetches a member profile.
func (c *Client) LookupProfile(ctx context.Context, id string) (profile.Profile, error) {
	var m memberProfile
	if err := c.get(ctx, "members.get", "/members/id/"+url.PathEscape(id), &m); err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return profile.Profile{}, profile.ErrProfileNotFound
		}
		return profile.Profile{}, fmt.Errorf("client.LookupProfile: %w", err)
	}

	p := profile.Profile{
		ID:          id,
		DisplayName: m.DisplayName,
		Nickname:    m.Nickname,
		LoginID:     m.LoginID,
		AvatarRef:   m.ProfileImage,
	}
	if p.DisplayName == "" {
		p.DisplayName = m.Name
	}
	if m.MemberDetail != nil {
		if p.Nickname == "" {
			p.Nickname = m.MemberDetail.Nickname
		}
		if p.AvatarRef == "" {
			p.AvatarRef = m.MemberDetail.ProfileImage
		}
	}
	return p, nil
}

// outgoingMessage is the publish body shared by the REST and live paths.
type outgoingMessage struct {
	RoomID   int64  `json:"roomId"`
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

func sendBody(d chat.Draft) outgoingMessage {
	return outgoingMessage{RoomID: d.RoomID, SenderID: d.SenderID, Content: d.Content}
}

func roomPath(roomID int64, suffix string) string {
	return "/chatroom/" + strconv.FormatInt(roomID, 10) + suffix
}

func parseRoomID(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func unwrapPage(raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var rows []json.RawMessage
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		return rows, nil
	}

	var page struct {
		Content  []json.RawMessage `json:"content"`
		Messages []json.RawMessage `json:"messages"`
		Data     []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode history page: %w", err)
	}
	switch {
	case page.Content != nil:
		return page.Content, nil
	case page.Messages != nil:
		return page.Messages, nil
	default:
		return page.Data, nil
	}
}

func (c *Client) post(ctx context.Context, op, path string, body any, out any) error {
	return c.doRequest(ctx, op, http.MethodPost, path, body, out)
}

func (c *Client) doRequest(ctx context.Context, op, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.UpstreamLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode >= 400 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return &HTTPError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", readErr)}
		}
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil {
			if apiErr.Error != "" {
				return &HTTPError{StatusCode: resp.StatusCode, Message: apiErr.Error}
			}
			if apiErr.Message != "" {
				return &HTTPError{StatusCode: resp.StatusCode, Message: apiErr.Message}
			}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	return c.doRequest(ctx, op, http.MethodGet, path, nil, out)
}

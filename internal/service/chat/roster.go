package chat

import (
	"encoding/json"
	"strings"

	"github.com/culturemate/together-chat/backend/internal/model/chat"
)

// RosterMerger reconciles participant lists. It guarantees that after every
// merge exactly one entry is host and the local user is present.
type RosterMerger struct {
	LocalID   string
	LocalName string
	// HostID is the authoritative author/host of the conversation, if known.
	HostID string
}

// Merge folds incoming into existing. Fields are last-writer-wins when the
// incoming value is non-empty. A reported IsHost is sticky for an id unless
// that id is listed in demote; an inferred one yields to any reported host.
func (m RosterMerger) Merge(existing, incoming []chat.Participant, demote ...string) []chat.Participant {
	demoted := make(map[string]bool, len(demote))
	for _, id := range demote {
		demoted[id] = true
	}

	index := make(map[string]int, len(existing)+len(incoming)+2)
	out := make([]chat.Participant, 0, len(existing)+len(incoming)+2)

	upsert := func(p chat.Participant) {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return
		}
		if !p.IsHost {
			p.HostInferred = false
		}
		i, ok := index[p.ID]
		if !ok {
			if p.DisplayName == "" {
				p.DisplayName = p.ID
			}
			if p.AvatarRef == "" {
				p.AvatarRef = chat.DefaultAvatar
			}
			index[p.ID] = len(out)
			out = append(out, p)
			return
		}
		cur := out[i]
		if p.DisplayName != "" {
			cur.DisplayName = p.DisplayName
		}
		if p.AvatarRef != "" {
			cur.AvatarRef = p.AvatarRef
		}
		if p.IsHost && (!p.HostInferred || !cur.IsHost) {
			cur.IsHost, cur.HostInferred = true, p.HostInferred
		}
		out[i] = cur
	}

	if m.HostID != "" && !containsID(existing, m.HostID) && !containsID(incoming, m.HostID) {
		upsert(chat.Participant{ID: m.HostID})
	}
	for _, p := range existing {
		upsert(p)
	}
	for _, p := range incoming {
		upsert(p)
	}
	for i := range out {
		if demoted[out[i].ID] {
			out[i].IsHost, out[i].HostInferred = false, false
		}
	}

	if m.LocalID != "" {
		name := m.LocalName
		if i, ok := index[m.LocalID]; ok {
			if name != "" {
				out[i].DisplayName = name
			}
		} else {
			if name == "" {
				name = m.LocalID
			}
			index[m.LocalID] = len(out)
			out = append(out, chat.Participant{
				ID:          m.LocalID,
				DisplayName: name,
				AvatarRef:   chat.DefaultAvatar,
			})
		}
	}

	return m.normalizeHost(out, index, demoted)
}

// normalizeHost leaves exactly one host. Preference: the first reported
// host, the authoritative host, a host inferred earlier, the first entry
// not demoted.
func (m RosterMerger) normalizeHost(out []chat.Participant, index map[string]int, demoted map[string]bool) []chat.Participant {
	if len(out) == 0 {
		return out
	}

	keep := -1
	for i := range out {
		if out[i].IsHost && !out[i].HostInferred {
			keep = i
			break
		}
	}
	if keep < 0 && m.HostID != "" && !demoted[m.HostID] {
		if i, ok := index[m.HostID]; ok {
			keep = i
			out[i].HostInferred = false
		}
	}
	if keep < 0 {
		for i := range out {
			if out[i].IsHost {
				keep = i
				break
			}
		}
	}
	if keep < 0 {
		keep = 0
		for i := range out {
			if !demoted[out[i].ID] {
				keep = i
				break
			}
		}
		out[keep].HostInferred = true
	}

	for i := range out {
		if i == keep {
			out[i].IsHost = true
			continue
		}
		out[i].IsHost, out[i].HostInferred = false, false
	}
	return out
}

func containsID(ps []chat.Participant, id string) bool {
	for _, p := range ps {
		if strings.TrimSpace(p.ID) == id {
			return true
		}
	}
	return false
}

// HostCount returns how many entries are flagged host.
func HostCount(roster []chat.Participant) int {
	n := 0
	for _, p := range roster {
		if p.IsHost {
			n++
		}
	}
	return n
}

// memberDetail is the nested profile block of member payloads.
type memberDetail struct {
	Nickname     string `json:"nickname"`
	ProfileImage string `json:"profileImage"`
}

// memberRow is a flat participant payload. Nested member/participant
// objects share the same shape.
type memberRow struct {
	ID                 *wireID       `json:"id"`
	MemberID           *wireID       `json:"memberId"`
	ParticipantID      *wireID       `json:"participantId"`
	HostID             *wireID       `json:"hostId"`
	DisplayNameSnake   string        `json:"display_name"`
	DisplayName        string        `json:"displayName"`
	Nickname           string        `json:"nickname"`
	Name               string        `json:"name"`
	UserName           string        `json:"userName"`
	LoginID            string        `json:"loginId"`
	Avatar             string        `json:"avatar"`
	ProfileImage       string        `json:"profileImage"`
	ThumbnailImagePath string        `json:"thumbnailImagePath"`
	IsHost             bool          `json:"isHost"`
	MemberDetail       *memberDetail `json:"memberDetail"`
	Member             *memberRow    `json:"member"`
	Participant        *memberRow    `json:"participant"`
}

func (r memberRow) participant(host bool) (chat.Participant, bool) {
	inner := r
	if r.Participant != nil {
		inner = *r.Participant
	} else if r.Member != nil {
		inner = *r.Member
	}

	id, ok := firstID(inner.ID, r.ID, r.MemberID, r.ParticipantID, inner.MemberID, r.HostID)
	if !ok {
		return chat.Participant{}, false
	}

	var detailNick, detailImage string
	if inner.MemberDetail != nil {
		detailNick = inner.MemberDetail.Nickname
		detailImage = inner.MemberDetail.ProfileImage
	}

	name := firstNonEmpty(
		inner.DisplayNameSnake, inner.DisplayName, r.DisplayNameSnake, r.DisplayName,
		inner.Nickname, r.Nickname, detailNick,
		inner.Name, r.Name, inner.UserName,
		inner.LoginID, r.LoginID,
		id,
	)
	avatar := firstNonEmpty(
		inner.Avatar, r.Avatar, inner.ProfileImage, r.ProfileImage,
		inner.ThumbnailImagePath, r.ThumbnailImagePath, detailImage,
		chat.DefaultAvatar,
	)

	return chat.Participant{
		ID:          id,
		DisplayName: name,
		AvatarRef:   avatar,
		IsHost:      host || r.IsHost || inner.IsHost,
	}, true
}

// roomDetail is the room/together detail payload carrying a host and a
// member array.
type roomDetail struct {
	Host         *memberRow  `json:"host"`
	Owner        *memberRow  `json:"owner"`
	CreatedBy    *memberRow  `json:"createdBy"`
	Participants []memberRow `json:"participants"`
	ChatMembers  []memberRow `json:"chatMembers"`
	Members      []memberRow `json:"members"`
	Together     *roomDetail `json:"together"`
}

func (d roomDetail) participants() ([]chat.Participant, int) {
	var out []chat.Participant
	dropped := 0

	host := d.Host
	for _, candidate := range []*memberRow{d.Owner, d.CreatedBy} {
		if host == nil {
			host = candidate
		}
	}
	if host == nil && d.Together != nil {
		host = d.Together.Host
	}
	if host != nil {
		if p, ok := host.participant(true); ok {
			out = append(out, p)
		} else {
			dropped++
		}
	}

	rows := d.Participants
	if len(rows) == 0 && d.Together != nil {
		rows = d.Together.Participants
	}
	if len(rows) == 0 {
		rows = d.ChatMembers
	}
	if len(rows) == 0 {
		rows = d.Members
	}
	for _, row := range rows {
		p, ok := row.participant(false)
		if !ok {
			dropped++
			continue
		}
		out = append(out, p)
	}
	return out, dropped
}

// DecodeParticipants decodes a roster payload: either an array of member
// rows or a room detail object. It returns the decoded entries and the
// number of entries dropped for lacking an id. Unknown shapes yield
// ErrUnknownShape.
func DecodeParticipants(raw json.RawMessage) ([]chat.Participant, int, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, 0, nil
	}

	switch trimmed[0] {
	case '[':
		var rows []json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, 0, err
		}
		out := make([]chat.Participant, 0, len(rows))
		dropped := 0
		for _, r := range rows {
			var row memberRow
			if err := json.Unmarshal(r, &row); err != nil {
				dropped++
				continue
			}
			p, ok := row.participant(false)
			if !ok {
				dropped++
				continue
			}
			out = append(out, p)
		}
		return out, dropped, nil
	case '{':
		var detail roomDetail
		if err := json.Unmarshal(raw, &detail); err != nil {
			return nil, 0, err
		}
		out, dropped := detail.participants()
		return out, dropped, nil
	default:
		return nil, 0, ErrUnknownShape
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

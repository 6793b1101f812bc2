package chat

// Room is an upstream conversation channel.
type Room struct {
	ID    int64  `json:"id"`
	Label string `json:"label"`
}

// Participant is one roster member of a room.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
	IsHost      bool   `json:"isHost"`

	// HostInferred marks a host flag assigned by fallback rather than
	// reported by the room. Reported hosts replace inferred ones.
	HostInferred bool `json:"-"`
}

// DefaultAvatar is shown when a member has no profile image.
const DefaultAvatar = "/img/default_img.svg"

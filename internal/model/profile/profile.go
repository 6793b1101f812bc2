package profile

// Profile carries the display fields of a community member.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Nickname    string `json:"nickname,omitempty"`
	LoginID     string `json:"loginId,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Name resolves the best label for the member: display name, nickname,
// login id, then the id itself.
func (p Profile) Name() string {
	for _, candidate := range []string{p.DisplayName, p.Nickname, p.LoginID} {
		if candidate != "" {
			return candidate
		}
	}
	return p.ID
}

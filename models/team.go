package models

// Team is one of two paired players identified by a single uppercase letter.
// Teams pair deterministically by letter: A↔B, C↔D, E↔F, …
type Team struct {
	ID      string `json:"id" gorm:"primaryKey;type:uuid"`
	Letter  string `json:"letter" gorm:"uniqueIndex;size:1;not null"`
	IsReady bool   `json:"is_ready" gorm:"default:false"`

	Timestamps
}

// PartnerLetter returns the letter this team is paired with
// (even-indexed letters pair with their successor).
func (t Team) PartnerLetter() string {
	if t.Letter == "" {
		return ""
	}
	c := t.Letter[0]
	if (c-'A')%2 == 0 {
		return string(c + 1)
	}
	return string(c - 1)
}

// ValidTeamLetter reports whether s is a single uppercase A–Z letter.
func ValidTeamLetter(s string) bool {
	return len(s) == 1 && s[0] >= 'A' && s[0] <= 'Z'
}

package domain

// Participant is a member of a room as the server reports it.
// No presence or transport state here.
type Participant struct {
	ID   UserID `json:"id"`
	Name string `json:"name,omitempty"`
}

// Label is the name to show for the participant.
func (p Participant) Label() string {
	if p.Name != "" {
		return p.Name
	}
	return string(p.ID)
}

package models

// Role distinguishes the two kinds of accounts that can place calls.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// CallRoom describes one call attempt as the relay sees it.
type CallRoom struct {
	Name     string   `json:"name"`
	Invitees []string `json:"invitees"`
	Members  []string `json:"members"`
}

// Presence reports whether an identity has a live signaling connection.
type Presence struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
}

package identity

import "time"

// Patient is a registered patient identity. A zero Patient with Exists=false
// is what lookups return for unregistered addresses.
type Patient struct {
	ID           string    `json:"id"`
	Address      string    `json:"address,omitempty"`
	Exists       bool      `json:"exists"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
}

// Doctor is a registered doctor identity. Name and specialization are fixed
// at registration.
type Doctor struct {
	ID             string    `json:"id"`
	Address        string    `json:"address,omitempty"`
	Name           string    `json:"name"`
	Specialization string    `json:"specialization"`
	Exists         bool      `json:"exists"`
	RegisteredAt   time.Time `json:"registered_at,omitempty"`
}

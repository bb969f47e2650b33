package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Team is one stored team record. Etag is the opaque concurrency token
// regenerated on every successful write; Doc is the raw jsonb payload.
type Team struct {
	ID   string
	Etag string
	Doc  json.RawMessage
}

// TeamDoc is the validated view of a team payload. Members is a pointer
// so a missing array can be told apart from an empty one.
type TeamDoc struct {
	IsA     string              `json:"isA"`
	Members *[]string           `json:"members"`
	Role    map[string][]string `json:"role,omitempty"`
	Creator string              `json:"creator,omitempty"`
	Created string              `json:"created,omitempty"`
}

var errMembersMissing = errors.New("team must have an array of members")

// ParseTeamDoc decodes and structurally validates a team payload.
func ParseTeamDoc(raw json.RawMessage) (TeamDoc, error) {
	var doc TeamDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return TeamDoc{}, fmt.Errorf("invalid team document: %w", err)
	}
	if doc.IsA != "Team" {
		return TeamDoc{}, fmt.Errorf(`"isA" property not set to "Team"`)
	}
	if doc.Members == nil {
		return TeamDoc{}, errMembersMissing
	}
	return doc, nil
}

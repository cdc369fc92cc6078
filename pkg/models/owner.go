package models

import (
	"fmt"
	"strings"
)

// OwnerURN identifies who owns a resource: a user, a team, or a user acting
// within a team. Wire forms are "user:<id>", "team:<id>", and
// "user:<id>@team:<id>".
type OwnerURN struct {
	UserID string
	TeamID string
}

// ParseOwnerURN parses the wire form of an owner URN.
func ParseOwnerURN(s string) (OwnerURN, error) {
	var urn OwnerURN
	userPart := s
	if at := strings.IndexByte(s, '@'); at >= 0 {
		userPart = s[:at]
		teamPart := s[at+1:]
		id, ok := strings.CutPrefix(teamPart, "team:")
		if !ok || id == "" {
			return OwnerURN{}, fmt.Errorf("invalid owner urn %q", s)
		}
		urn.TeamID = id
	}
	switch {
	case strings.HasPrefix(userPart, "user:"):
		urn.UserID = userPart[len("user:"):]
		if urn.UserID == "" {
			return OwnerURN{}, fmt.Errorf("invalid owner urn %q", s)
		}
	case strings.HasPrefix(userPart, "team:"):
		if urn.TeamID != "" {
			return OwnerURN{}, fmt.Errorf("invalid owner urn %q", s)
		}
		urn.TeamID = userPart[len("team:"):]
		if urn.TeamID == "" {
			return OwnerURN{}, fmt.Errorf("invalid owner urn %q", s)
		}
	default:
		return OwnerURN{}, fmt.Errorf("invalid owner urn %q", s)
	}
	return urn, nil
}

// String renders the canonical wire form.
func (u OwnerURN) String() string {
	switch {
	case u.UserID != "" && u.TeamID != "":
		return "user:" + u.UserID + "@team:" + u.TeamID
	case u.TeamID != "":
		return "team:" + u.TeamID
	default:
		return "user:" + u.UserID
	}
}

// Valid reports whether the URN identifies at least one principal.
func (u OwnerURN) Valid() bool {
	return u.UserID != "" || u.TeamID != ""
}

// TeamOwned reports whether the resource belongs to a team, either directly
// or through a user acting within one.
func (u OwnerURN) TeamOwned() bool {
	return u.TeamID != ""
}

// BillingScope returns the URN of the account charged for this owner's
// work: the team when one is present, otherwise the user.
func (u OwnerURN) BillingScope() string {
	if u.TeamID != "" {
		return "team:" + u.TeamID
	}
	return "user:" + u.UserID
}

// Covers reports whether a requester URN acts within the same scope as this
// owner: the same user, or any member URN of the same team.
func (u OwnerURN) Covers(requester OwnerURN) bool {
	if u.TeamID != "" {
		return requester.TeamID == u.TeamID
	}
	return requester.UserID == u.UserID && requester.TeamID == ""
}

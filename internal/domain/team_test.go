package domain

import (
	"encoding/json"
	"testing"
)

func TestParseTeamDoc(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "valid", raw: `{"isA":"Team","members":["a","b"]}`},
		{name: "empty members allowed", raw: `{"isA":"Team","members":[]}`},
		{name: "extra fields tolerated", raw: `{"isA":"Team","members":[],"name":"core"}`},
		{name: "role map", raw: `{"isA":"Team","members":[],"role":{"/bases/b1":["admin"]}}`},
		{name: "wrong isA", raw: `{"isA":"Group","members":[]}`, wantErr: true},
		{name: "missing isA", raw: `{"members":[]}`, wantErr: true},
		{name: "missing members", raw: `{"isA":"Team"}`, wantErr: true},
		{name: "members not array", raw: `{"isA":"Team","members":"alice"}`, wantErr: true},
		{name: "not an object", raw: `[1,2]`, wantErr: true},
		{name: "malformed json", raw: `{"isA":`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTeamDoc(json.RawMessage(tc.raw))
			if tc.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseTeamDocDistinguishesMissingFromEmptyMembers(t *testing.T) {
	doc, err := ParseTeamDoc(json.RawMessage(`{"isA":"Team","members":[]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Members == nil || len(*doc.Members) != 0 {
		t.Fatalf("expected empty member list, got %v", doc.Members)
	}

	if _, err := ParseTeamDoc(json.RawMessage(`{"isA":"Team","members":null}`)); err == nil {
		t.Fatal("null members must be rejected")
	}
}

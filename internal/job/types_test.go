package job

import (
	"testing"
	"time"
)

func TestNormalizePhone(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "919999999999", want: "919999999999"},
		{raw: "+91 99999-99999", want: "919999999999"},
		{raw: "(020) 555 0100", want: "0205550100"},
		{raw: "abc", want: ""},
		{raw: "", want: ""},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.raw); got != tt.want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestRefForItem(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		item Item
		kind RefKind
		ext  string
	}{
		{name: "none", item: Item{Phone: "1"}, kind: RefNone},
		{name: "local", item: Item{MediaPath: "uploads/a.PDF"}, kind: RefLocalPath, ext: ".pdf"},
		{name: "remote", item: Item{MediaURL: "https://cdn.example.com/x.jpg?sig=1"}, kind: RefRemoteURL, ext: ".jpg"},
		{name: "path wins", item: Item{MediaPath: "a.png", MediaURL: "http://x/y.jpg"}, kind: RefLocalPath, ext: ".png"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ref := RefForItem(tt.item)
			if ref.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", ref.Kind, tt.kind)
			}
			if ref.Ext() != tt.ext {
				t.Fatalf("Ext = %q, want %q", ref.Ext(), tt.ext)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	idx := 1
	now := time.Now()
	j := Job{
		ID:        "a",
		Items:     []Item{{Phone: "1", FileIndex: &idx}},
		Results:   []ItemResult{{Phone: "1", Status: ResultSent}},
		StartedAt: &now,
	}
	cp := j.Clone()
	*cp.Items[0].FileIndex = 7
	cp.Results[0].Status = ResultFailed
	*cp.StartedAt = now.Add(time.Hour)

	if *j.Items[0].FileIndex != 1 || j.Results[0].Status != ResultSent || !j.StartedAt.Equal(now) {
		t.Fatalf("clone shares state with original: %+v", j)
	}
}

func TestNext(t *testing.T) {
	t.Parallel()
	j := Job{Items: []Item{{}, {}}}
	if j.Next() != 0 {
		t.Fatalf("Next = %d, want 0", j.Next())
	}
	j.Results = append(j.Results, ItemResult{}, ItemResult{Index: 1})
	if j.Next() != -1 {
		t.Fatalf("Next = %d, want -1", j.Next())
	}
}

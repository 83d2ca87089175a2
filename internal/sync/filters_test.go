package sync

import (
	"reflect"
	"testing"

	"github.com/dtonon/volare/internal/config"
	nostrclient "github.com/dtonon/volare/internal/nostr"
)

func TestBuildVotesAndRepliesFilters(t *testing.T) {
	fb := NewFilterBuilder(&config.Sync{})

	tests := []struct {
		name        string
		ids         []string
		votePubkeys []string
		since       int64
		wantFilters int
	}{
		{name: "no ids", ids: nil, votePubkeys: []string{"pk"}, wantFilters: 0},
		{name: "replies only", ids: []string{"b", "a", "b"}, wantFilters: 1},
		{name: "replies and votes", ids: []string{"a"}, votePubkeys: []string{"pk2", "pk1"}, since: 100, wantFilters: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filters := fb.BuildVotesAndRepliesFilters(tt.ids, tt.votePubkeys, tt.since)
			if len(filters) != tt.wantFilters {
				t.Fatalf("Expected %d filters, got %d", tt.wantFilters, len(filters))
			}
			if len(filters) == 0 {
				return
			}

			replies := filters[0]
			if !reflect.DeepEqual(replies.Kinds, []int{nostrclient.KindTextNote, nostrclient.KindComment}) {
				t.Errorf("Unexpected reply kinds %v", replies.Kinds)
			}
			if got := replies.Tags["e"]; !reflect.DeepEqual(got, sorted(tt.ids)) {
				t.Errorf("Expected #e %v, got %v", sorted(tt.ids), got)
			}
			if tt.since > 0 && (replies.Since == nil || int64(*replies.Since) != tt.since) {
				t.Errorf("Expected since %d, got %v", tt.since, replies.Since)
			}
			if tt.since == 0 && replies.Since != nil {
				t.Errorf("Expected no since, got %v", *replies.Since)
			}

			if len(filters) == 2 {
				votes := filters[1]
				if !reflect.DeepEqual(votes.Kinds, []int{nostrclient.KindReaction}) {
					t.Errorf("Unexpected vote kinds %v", votes.Kinds)
				}
				if !reflect.DeepEqual(votes.Authors, []string{"pk1", "pk2"}) {
					t.Errorf("Expected sorted vote authors, got %v", votes.Authors)
				}
			}
		})
	}
}

func TestBuildProfileFilter(t *testing.T) {
	fb := NewFilterBuilder(&config.Sync{})
	filter := fb.BuildProfileFilter([]string{"c", "a", "b", "a"}, 1700000000)

	if filter.Limit != 3 {
		t.Errorf("Expected limit equal to author count 3, got %d", filter.Limit)
	}
	if filter.Until == nil || int64(*filter.Until) != 1700000000 {
		t.Errorf("Expected until to be set, got %v", filter.Until)
	}
	if !reflect.DeepEqual(filter.Kinds, []int{nostrclient.KindProfile}) {
		t.Errorf("Unexpected kinds %v", filter.Kinds)
	}
}

func TestFeedFilterLimit(t *testing.T) {
	tests := []struct {
		name  string
		cfg   *config.Sync
		limit int
		want  int
	}{
		{name: "explicit", cfg: &config.Sync{FeedPageSize: 10}, limit: 5, want: 5},
		{name: "configured page size", cfg: &config.Sync{FeedPageSize: 10}, limit: 0, want: 10},
		{name: "fallback", cfg: nil, limit: 0, want: 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := NewFilterBuilder(tt.cfg)
			if got := fb.BuildAuthorFeedFilter([]string{"a"}, 0, tt.limit).Limit; got != tt.want {
				t.Errorf("Expected limit %d, got %d", tt.want, got)
			}
		})
	}
}

func TestBuildAccountFilters(t *testing.T) {
	fb := NewFilterBuilder(&config.Sync{})
	since := map[int]int64{nostrclient.KindContactList: 42}

	filters := fb.BuildAccountFilters("me", since)
	if len(filters) != len(accountKinds) {
		t.Fatalf("Expected one filter per account kind, got %d", len(filters))
	}
	for _, f := range filters {
		if f.Limit != 1 || !reflect.DeepEqual(f.Authors, []string{"me"}) {
			t.Errorf("Unexpected filter %+v", f)
		}
		if f.Kinds[0] == nostrclient.KindContactList {
			if f.Since == nil || *f.Since != 42 {
				t.Errorf("Expected contact list since 42, got %v", f.Since)
			}
		} else if f.Since != nil {
			t.Errorf("Kind %d should not carry since", f.Kinds[0])
		}
	}
}

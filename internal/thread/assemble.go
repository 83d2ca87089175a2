// Package thread builds the reply tree shown below a root post.
package thread

import (
	"sort"
	"strings"

	"github.com/dtonon/volare/internal/interactor"
	"github.com/dtonon/volare/internal/storage"
)

// Input is everything a tree is computed from
type Input struct {
	RootID     string
	RootAuthor string
	Me         string

	Replies  []storage.Reply
	Comments []storage.Reply

	Collapsed    map[string]bool
	MutedPubkeys map[string]bool
	MutedWords   []string

	// Stored state
	MyVotes     map[string]storage.Vote
	Tallies     map[string]storage.Tally
	ReplyCounts map[string]int
	Friends     map[string]bool
	Bookmarks   map[string]bool
	Names       map[string]string

	// Pending intents overriding the stored state
	VoteIntents     map[string]interactor.Direction
	FollowIntents   map[string]bool
	BookmarkIntents map[string]bool
}

// Node is one visible reply or comment
type Node struct {
	storage.Reply
	Level          int
	IsOP           bool
	IsOwn          bool
	IsCollapsed    bool
	Vote           interactor.Direction
	Tally          storage.Tally
	ReplyCount     int
	AuthorName     string
	AuthorFollowed bool
	Bookmarked     bool
}

// Assemble returns the visible nodes in display order. Each node follows its
// parent's subtree, oldest sibling first, legacy replies before comments at
// every level; root children have level 0. Nodes whose parent is not
// placed are left out until it is.
func Assemble(in Input) []Node {
	words := make([]string, 0, len(in.MutedWords))
	for _, w := range in.MutedWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}

	var result []Node
	index := func(id string) int {
		for i := range result {
			if result[i].ID == id {
				return i
			}
		}
		return -1
	}

	// Replies first: comments may point at replies but not the other way
	for _, items := range [][]storage.Reply{ordered(in.Replies), ordered(in.Comments)} {
		pending := items
		for len(pending) > 0 {
			var deferred []storage.Reply
			for _, r := range pending {
				if index(r.ID) >= 0 {
					continue
				}
				if r.Pubkey != in.Me && (in.MutedPubkeys[r.Pubkey] || mutedContent(r.Content, words)) {
					continue
				}

				if r.ParentID == in.RootID {
					result = append(result, in.node(r, 0))
					continue
				}
				parent := index(r.ParentID)
				if parent < 0 {
					deferred = append(deferred, r)
					continue
				}
				if result[parent].IsCollapsed {
					continue
				}
				// Insert after the parent's subtree so siblings keep
				// chronological order and replies stay ahead of comments
				at := subtreeEnd(result, parent)
				result = append(result, Node{})
				copy(result[at+1:], result[at:])
				result[at] = in.node(r, result[parent].Level+1)
			}
			// Stop once a pass places nothing new
			if len(deferred) == len(pending) {
				break
			}
			pending = deferred
		}
	}
	return result
}

// subtreeEnd returns the index just past the descendants of nodes[i]
func subtreeEnd(nodes []Node, i int) int {
	end := i + 1
	for end < len(nodes) && nodes[end].Level > nodes[i].Level {
		end++
	}
	return end
}

func ordered(replies []storage.Reply) []storage.Reply {
	out := append([]storage.Reply(nil), replies...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func mutedContent(content string, words []string) bool {
	if len(words) == 0 {
		return false
	}
	lower := strings.ToLower(content)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func (in Input) node(r storage.Reply, level int) Node {
	durable := interactor.Neutral
	if v, ok := in.MyVotes[r.ID]; ok {
		durable = interactor.Down
		if v.Positive {
			durable = interactor.Up
		}
	}
	vote := durable
	if intent, ok := in.VoteIntents[r.ID]; ok {
		vote = intent
	}

	tally := interactor.ShiftTally(in.Tallies[r.ID], durable, vote)

	followed := in.Friends[r.Pubkey]
	if intent, ok := in.FollowIntents[r.Pubkey]; ok {
		followed = intent
	}
	bookmarked := in.Bookmarks[r.ID]
	if intent, ok := in.BookmarkIntents[r.ID]; ok {
		bookmarked = intent
	}

	return Node{
		Reply:          r,
		Level:          level,
		IsOP:           r.Pubkey == in.RootAuthor,
		IsOwn:          r.Pubkey == in.Me,
		IsCollapsed:    in.Collapsed[r.ID],
		Vote:           vote,
		Tally:          tally,
		ReplyCount:     in.ReplyCounts[r.ID],
		AuthorName:     in.Names[r.Pubkey],
		AuthorFollowed: followed,
		Bookmarked:     bookmarked,
	}
}

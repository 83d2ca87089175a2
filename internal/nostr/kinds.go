package nostr

// Event kinds handled by the client
const (
	KindProfile      = 0
	KindTextNote     = 1
	KindContactList  = 3
	KindDeletion     = 5
	KindReaction     = 7
	KindComment      = 1111
	KindMuteList     = 10000
	KindRelayList    = 10002
	KindBookmarkList = 10003
	KindTopicList    = 10015
)

package multiplexer

// Topic families share the subscription lifecycle and differ only in naming.

// GlobalTopic carries events for every user, such as the public feed.
const GlobalTopic = "global"

// MatchTopic is the topic for updates to one match.
func MatchTopic(matchID string) string {
	return "match-" + matchID
}

// ChatTopic is the topic for one match's chat messages.
func ChatTopic(matchID string) string {
	return "match-" + matchID + "-chat"
}

// UserTopic is the topic for one user's notifications.
func UserTopic(userID string) string {
	return "user-" + userID
}

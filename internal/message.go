package internal

import (
	"sort"

	"wispchat/internal/storage"
)

// MessageView is the json envelope for a single message as both the server
// handlers and the client cache see it. Ts is unix milliseconds.
type MessageView struct {
	ID       int64          `json:"id"`
	Room     string         `json:"room"`
	Content  string         `json:"content"`
	Nickname string         `json:"nickname"`
	Owner    string         `json:"owner"`
	Ts       int64          `json:"ts"`
	IsEdited bool           `json:"is_edited"`
	ReplyTo  *int64         `json:"reply_to_id,omitempty"`
	ImageURL string         `json:"image_url,omitempty"`
	VideoURL string         `json:"video_url,omitempty"`
	AudioURL string         `json:"audio_url,omitempty"`
	Nonce    string         `json:"nonce,omitempty"`
	Reactions []ReactionView `json:"reactions,omitempty"`
}

// ReactionView is one (user, emoji) pair on a message.
type ReactionView struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// viewFromStored converts a storage row into the wire shape, turning opaque
// blob refs into download URLs.
func viewFromStored(m storage.Message) MessageView {
	view := MessageView{
		ID:       m.ID,
		Room:     m.Room,
		Content:  m.Content,
		Nickname: m.Nickname,
		Owner:    m.OwnerID,
		Ts:       m.CreatedAt.UnixMilli(),
		IsEdited: m.IsEdited,
		ReplyTo:  m.ReplyToID,
		ImageURL: blobURL(m.Media.Image),
		VideoURL: blobURL(m.Media.Video),
		AudioURL: blobURL(m.Media.Audio),
		Nonce:    m.Nonce,
	}
	for _, r := range m.Reactions {
		view.Reactions = append(view.Reactions, ReactionView{UserID: r.UserID, Emoji: r.Emoji})
	}
	return view
}

func blobURL(ref string) string {
	if ref == "" {
		return ""
	}
	return "/blobs/" + ref
}

// ReactionSummary groups a message's reactions per emoji for display.
type ReactionSummary struct {
	Emoji string
	Users []string
}

// SummarizeReactions folds the flat pair list into per-emoji groups, ordered
// by emoji for a stable rendering.
func SummarizeReactions(reactions []ReactionView) []ReactionSummary {
	byEmoji := make(map[string][]string)
	for _, r := range reactions {
		byEmoji[r.Emoji] = append(byEmoji[r.Emoji], r.UserID)
	}
	out := make([]ReactionSummary, 0, len(byEmoji))
	for emoji, users := range byEmoji {
		out = append(out, ReactionSummary{Emoji: emoji, Users: users})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Emoji < out[j].Emoji })
	return out
}

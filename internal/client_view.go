package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// pre styled colors, all from lipgloss
var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(1, 2).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	syncedStyle        = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	loadingStyle       = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	idStyle            = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	pendingStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	editedStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	reactionStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	replyStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model *TUIModel) View() string {
	switch model.mode {
	case modeMenu:
		return model.renderMenuView()
	case modeNamePrompt:
		return model.renderPrompt("Pick a display name", "Shown next to your messages. Press Enter to continue.")
	case modeJoinPrompt:
		return model.renderPrompt("Join a room", "Enter a room key and press Enter.")
	default:
		return model.renderChatView()
	}
}

func (model *TUIModel) renderMenuView() string {
	title := appTitleStyle.Render("WispChat")
	subtitle := subtitleStyle.Render("Ephemeral rooms, straight from your terminal")

	options := []string{
		renderMenuOption("1", "Join a room"),
		renderMenuOption("2", "Create a room"),
		renderMenuOption("q", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, menuHintStyle.Render("1) Join  •  2) Create  •  q) Quit"))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderPrompt(title, hint string) string {
	header := appTitleStyle.Render(title)
	hintText := menuHintStyle.Render(hint)

	viewSections := []string{header, hintText}
	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderChatView() string {
	headerSegments := []string{"WispChat"}
	if model.roomKey != "" {
		headerSegments = append(headerSegments, fmt.Sprintf("Room %s", model.roomKey))
	}
	headerSegments = append(headerSegments, fmt.Sprintf("Nick %s", model.nickname))
	headerSegments = append(headerSegments, fmt.Sprintf("Server %s", model.serverURL))
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.syncErr != nil:
		statusLine = errorStyle.Render("Sync error: " + model.syncErr.Error())
	case model.sync == nil:
		statusLine = loadingStyle.Render("Loading room…")
	case model.sending:
		statusLine = loadingStyle.Render("Sending…")
	default:
		statusLine = syncedStyle.Render("Synced")
	}

	var messageLines []string
	for _, msg := range model.messages {
		messageLines = append(messageLines, model.renderChatMessage(msg))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}

	messagesView := messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...))
	inputView := inputBoxStyle.Render(model.textInput.View())
	footerHint := menuHintStyle.Render("Esc to leave • /help for commands")

	sections := []string{header, statusLine, messagesView}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, inputView, footerHint)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model *TUIModel) renderNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	var lines []string
	for _, n := range model.notices {
		lines = append(lines, systemMessageStyle.Render(n))
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// renderChatMessage renders a single log line: timestamp, id, sender,
// body, then markers for edits, replies, attachments, and reactions. A
// pending entry has no server id yet, so it renders dimmed without one.
func (model *TUIModel) renderChatMessage(msg MessageView) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", time.UnixMilli(msg.Ts).Format("15:04:05")))

	if msg.ID < 0 {
		body := pendingStyle.Render(msg.Content + " (sending…)")
		name := activeUserStyle.Render(msg.Nickname)
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", body)
	}

	idTag := idStyle.Render(fmt.Sprintf("#%d", msg.ID))

	var nameStyle lipgloss.Style
	if msg.Owner == model.ownerID {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(msg.Nickname))
	}
	name := nameStyle.Render(msg.Nickname)

	bodyText := messageBodyStyle.Render(strings.ReplaceAll(msg.Content, "\n", "\n   "))

	parts := []string{timestamp, " ", idTag, " ", name, ": ", bodyText}
	if msg.ReplyTo != nil {
		parts = append(parts, " ", replyStyle.Render(fmt.Sprintf("↩ #%d", *msg.ReplyTo)))
	}
	if msg.IsEdited {
		parts = append(parts, " ", editedStyle.Render("(edited)"))
	}
	if attachment := attachmentTag(msg); attachment != "" {
		parts = append(parts, " ", replyStyle.Render(attachment))
	}
	if reactions := renderReactions(msg.Reactions); reactions != "" {
		parts = append(parts, " ", reactionStyle.Render(reactions))
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, parts...)
}

func attachmentTag(msg MessageView) string {
	switch {
	case msg.ImageURL != "":
		return "[image " + msg.ImageURL + "]"
	case msg.VideoURL != "":
		return "[video " + msg.VideoURL + "]"
	case msg.AudioURL != "":
		return "[audio " + msg.AudioURL + "]"
	}
	return ""
}

// renderReactions folds the pair list into "❤️×2 👍×1" form.
func renderReactions(reactions []ReactionView) string {
	if len(reactions) == 0 {
		return ""
	}
	groups := SummarizeReactions(reactions)
	var parts []string
	for _, g := range groups {
		parts = append(parts, fmt.Sprintf("%s×%d", g.Emoji, len(g.Users)))
	}
	return strings.Join(parts, " ")
}

// color for users
func colorForUser(name string) lipgloss.Color {
	if len(userColorPalette) == 0 {
		return lipgloss.Color("249")
	}
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}

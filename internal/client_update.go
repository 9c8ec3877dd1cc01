package internal

import (
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

type (
	syncStartedMsg struct{ err error }
	syncUpdateMsg  struct{}
	actionDoneMsg  struct{ err error }
	roomCreatedMsg struct {
		key string
		err error
	}
	existsMsg struct {
		key    string
		exists bool
		err    error
	}
	jumpDoneMsg struct {
		id    int64
		found bool
		err   error
	}
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		// Any mode should respect Ctrl+C so the user can bail out quickly.
		if typedMessage.Type == tea.KeyCtrlC {
			if model.sync != nil {
				model.sync.Stop()
			}
			return model, tea.Quit
		}
		switch model.mode {
		case modeMenu:
			switch typedMessage.String() {
			case "1", "j", "J":
				return model, model.enterNamePrompt(actionJoin)
			case "2", "c", "C":
				return model, model.enterNamePrompt(actionCreate)
			case "q", "Q", "3":
				return model, tea.Quit
			}
			return model, nil
		case modeNamePrompt:
			switch typedMessage.Type {
			case tea.KeyEnter:
				trimmed := strings.TrimSpace(model.textInput.Value())
				if trimmed == "" {
					model.addNotice("Display name cannot be empty.")
					return model, nil
				}
				model.nickname = trimmed
				model.textInput.SetValue("")
				nextAction := model.pendingAction
				model.pendingAction = actionNone
				switch nextAction {
				case actionJoin:
					model.mode = modeJoinPrompt
					model.textInput.Placeholder = "Enter room key…"
					model.textInput.Prompt = "room> "
					return model, model.textInput.Focus()
				case actionCreate:
					model.addNotice("Creating room…")
					return model, model.createRoomCmd()
				default:
					model.backToMenu()
					return model, nil
				}
			case tea.KeyEsc:
				model.pendingAction = actionNone
				model.backToMenu()
				return model, nil
			default:
				var cmd tea.Cmd
				model.textInput, cmd = model.textInput.Update(typedMessage)
				return model, cmd
			}
		case modeJoinPrompt:
			if typedMessage.Type == tea.KeyEsc {
				model.backToMenu()
				return model, nil
			}
			if typedMessage.Type == tea.KeyEnter {
				trimmed := strings.TrimSpace(model.textInput.Value())
				if trimmed == "" {
					return model, nil
				}
				// probe before switching modes so a typo gets a friendly answer
				return model, model.existsCmd(trimmed)
			}
			var cmd tea.Cmd
			model.textInput, cmd = model.textInput.Update(typedMessage)
			return model, cmd
		case modeChat:
			if typedMessage.Type == tea.KeyEsc {
				if model.sync != nil {
					model.sync.Stop()
					model.sync = nil
				}
				model.messages = nil
				model.roomKey = ""
				model.backToMenu()
				return model, nil
			}
			if typedMessage.Type == tea.KeyEnter {
				trimmed := strings.TrimSpace(model.textInput.Value())
				if trimmed == "" {
					return model, nil
				}
				model.textInput.SetValue("")
				if strings.HasPrefix(trimmed, "/") {
					return model.handleSlashCommand(trimmed)
				}
				if model.sync == nil {
					model.addNotice("Still connecting, try again in a moment.")
					return model, nil
				}
				model.sending = true
				return model, model.sendCmd(trimmed, SendOptions{})
			}
			var command tea.Cmd
			model.textInput, command = model.textInput.Update(typedMessage)
			return model, command
		}

	case syncStartedMsg:
		if typedMessage.err != nil {
			model.syncErr = typedMessage.err
			model.addNotice("Could not load the room: " + typedMessage.err.Error())
			return model, nil
		}
		model.syncErr = nil
		model.refreshSnapshot()
		return model, model.waitUpdateCmd()

	case syncUpdateMsg:
		model.refreshSnapshot()
		if model.sync != nil && model.sync.State() == StateStopped {
			if cause := model.sync.Err(); cause != nil {
				model.syncErr = cause
				if errors.Is(cause, ErrRoomGone) {
					model.addNotice("This room no longer exists.")
				}
			}
			return model, nil
		}
		return model, model.waitUpdateCmd()

	case actionDoneMsg:
		model.sending = false
		if typedMessage.err != nil {
			model.addNotice(describeActionError(typedMessage.err))
		}
		model.refreshSnapshot()
		return model, nil

	case roomCreatedMsg:
		if typedMessage.err != nil {
			model.addNotice("Could not create room: " + typedMessage.err.Error())
			model.backToMenu()
			return model, nil
		}
		model.roomKey = typedMessage.key
		model.addNotice(inviteText(model.serverURL, typedMessage.key))
		model.enterChat()
		return model, model.startSyncCmd()

	case existsMsg:
		if typedMessage.err != nil {
			model.addNotice(fmt.Sprintf("Error checking room: %v", typedMessage.err))
			return model, nil
		}
		if !typedMessage.exists {
			model.addNotice("Room not found. Try again or create a room.")
			return model, nil
		}
		model.roomKey = typedMessage.key
		model.textInput.SetValue("")
		model.enterChat()
		return model, model.startSyncCmd()

	case jumpDoneMsg:
		if typedMessage.err != nil {
			model.addNotice("Jump failed: " + typedMessage.err.Error())
		} else if !typedMessage.found {
			model.addNotice(fmt.Sprintf("Message %d has expired.", typedMessage.id))
		}
		model.refreshSnapshot()
		return model, nil
	}
	return model, nil
}

// handleSlashCommand dispatches chat-mode commands of the form
// /verb <id> [rest].
func (model *TUIModel) handleSlashCommand(raw string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(raw)
	verb := strings.ToLower(fields[0])

	if verb == "/quit" || verb == "/exit" {
		if model.sync != nil {
			model.sync.Stop()
		}
		return model, tea.Quit
	}
	if verb == "/help" {
		model.addNotice(commandHint())
		return model, nil
	}
	if model.sync == nil {
		model.addNotice("Still connecting, try again in a moment.")
		return model, nil
	}
	if len(fields) < 2 {
		model.addNotice("Usage: " + commandHint())
		return model, nil
	}
	id, err := parseCommandID(fields[1])
	if err != nil {
		model.addNotice(err.Error())
		return model, nil
	}
	rest := strings.TrimSpace(strings.Join(fields[2:], " "))

	switch verb {
	case "/edit":
		if rest == "" {
			model.addNotice("Usage: /edit <id> <new text>")
			return model, nil
		}
		return model, model.editCmd(id, rest)
	case "/delete":
		return model, model.deleteCmd(id)
	case "/react":
		if rest == "" {
			model.addNotice("Usage: /react <id> <emoji>")
			return model, nil
		}
		return model, model.reactCmd(id, rest, true)
	case "/unreact":
		if rest == "" {
			model.addNotice("Usage: /unreact <id> <emoji>")
			return model, nil
		}
		return model, model.reactCmd(id, rest, false)
	case "/reply":
		if rest == "" {
			model.addNotice("Usage: /reply <id> <text>")
			return model, nil
		}
		model.sending = true
		return model, model.sendCmd(rest, SendOptions{ReplyTo: &id})
	case "/jump":
		return model, model.jumpCmd(id)
	default:
		model.addNotice("Unknown command. " + commandHint())
		return model, nil
	}
}

func describeActionError(err error) string {
	switch {
	case errors.Is(err, ErrMutationRejected):
		return "The server rejected that change. You can only modify your own live messages."
	case errors.Is(err, ErrRoomGone):
		return "This room no longer exists."
	default:
		return "Action failed: " + err.Error()
	}
}

func (model *TUIModel) enterNamePrompt(action actionType) tea.Cmd {
	model.pendingAction = action
	model.mode = modeNamePrompt
	model.textInput.SetValue(model.nickname)
	model.textInput.Placeholder = "Enter display name…"
	model.textInput.Prompt = "name> "
	return model.textInput.Focus()
}

func (model *TUIModel) enterChat() {
	model.mode = modeChat
	model.textInput.Placeholder = "Type a message…"
	model.textInput.Prompt = "> "
	model.textInput.Focus()
}

func (model *TUIModel) backToMenu() {
	model.mode = modeMenu
	model.textInput.SetValue("")
	model.textInput.Blur()
	model.textInput.Placeholder = ""
	model.textInput.Prompt = ""
}

func (model *TUIModel) refreshSnapshot() {
	if model.sync != nil {
		model.messages = model.sync.Snapshot()
	}
}

func (model *TUIModel) addNotice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > 5 {
		model.notices = model.notices[len(model.notices)-5:]
	}
}

package internal

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
)

// tui model struct for all the components and modes
type TUIModel struct {
	textInput     textinput.Model
	api           *ChatAPI
	sync          *RoomSync
	messages      []MessageView
	notices       []string
	serverURL     string
	roomKey       string
	nickname      string
	ownerID       string
	mode          appMode
	pendingAction actionType
	syncErr       error
	sending       bool
}

type appMode int

const (
	modeMenu appMode = iota
	modeNamePrompt
	modeJoinPrompt
	modeChat
)

type actionType int

const (
	actionNone actionType = iota
	actionJoin
	actionCreate
)

func NewTUIModel(serverURL, roomKey, nickname string) *TUIModel {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = 0
	input.Focus()
	input.Prompt = "> "

	if nickname == "" {
		nickname = defaultNickname()
	}

	model := &TUIModel{
		textInput: input,
		api:       NewChatAPI(serverURL),
		serverURL: serverURL,
		roomKey:   roomKey,
		nickname:  nickname,
		ownerID:   loadOwnerID(),
	}
	if roomKey == "" {
		model.mode = modeMenu
		model.textInput.Blur()
		model.textInput.Prompt = ""
		model.textInput.Placeholder = ""
	} else {
		model.mode = modeChat
	}
	return model
}

// init user
func defaultNickname() string {
	if user := os.Getenv("WISPCHAT_NICK"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anon"
}

type identityFile struct {
	OwnerID string `json:"owner_id"`
}

// loadOwnerID returns a stable per-machine owner id, creating one on first
// use. Ownership of messages survives restarts because of this file.
func loadOwnerID() string {
	path := identityPath()
	if data, err := os.ReadFile(path); err == nil {
		var ident identityFile
		if json.Unmarshal(data, &ident) == nil && ident.OwnerID != "" {
			return ident.OwnerID
		}
	}
	id := uuid.NewString()
	saveOwnerID(path, id)
	return id
}

func saveOwnerID(path, id string) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return
	}
	data, err := json.MarshalIndent(identityFile{OwnerID: id}, "", "  ")
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

func identityPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "wispchat", "identity.json")
}

func (model *TUIModel) Init() tea.Cmd {
	if model.mode == modeChat {
		return model.startSyncCmd()
	}
	return nil
}

package internal

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const commandTimeout = 15 * time.Second

// startSyncCmd builds the room sync and warms its cache.
func (model *TUIModel) startSyncCmd() tea.Cmd {
	return func() tea.Msg {
		sync := NewRoomSync(model.api, model.roomKey, model.ownerID, model.nickname, SyncOptions{})
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := sync.Start(ctx); err != nil {
			return syncStartedMsg{err: err}
		}
		model.sync = sync
		return syncStartedMsg{}
	}
}

// waitUpdateCmd blocks until the sync layer signals a change.
func (model *TUIModel) waitUpdateCmd() tea.Cmd {
	sync := model.sync
	return func() tea.Msg {
		if sync == nil {
			return nil
		}
		<-sync.Updates()
		return syncUpdateMsg{}
	}
}

// existsCmd probes the room before switching to chat mode.
func (model *TUIModel) existsCmd(key string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		exists, err := model.api.RoomExists(ctx, key)
		return existsMsg{key: key, exists: exists, err: err}
	}
}

// createRoomCmd registers a fresh room under a generated key.
func (model *TUIModel) createRoomCmd() tea.Cmd {
	return func() tea.Msg {
		key := generateSecureKey(12)
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := model.api.CreateRoom(ctx, key); err != nil {
			return roomCreatedMsg{err: err}
		}
		return roomCreatedMsg{key: key}
	}
}

func (model *TUIModel) sendCmd(content string, opts SendOptions) tea.Cmd {
	sync := model.sync
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		_, err := sync.Send(ctx, content, opts)
		return actionDoneMsg{err: err}
	}
}

func (model *TUIModel) editCmd(id int64, content string) tea.Cmd {
	sync := model.sync
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return actionDoneMsg{err: sync.Edit(ctx, id, content)}
	}
}

func (model *TUIModel) deleteCmd(id int64) tea.Cmd {
	sync := model.sync
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return actionDoneMsg{err: sync.Delete(ctx, id)}
	}
}

func (model *TUIModel) reactCmd(id int64, emoji string, add bool) tea.Cmd {
	sync := model.sync
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if add {
			return actionDoneMsg{err: sync.React(ctx, id, emoji)}
		}
		return actionDoneMsg{err: sync.Unreact(ctx, id, emoji)}
	}
}

func (model *TUIModel) jumpCmd(id int64) tea.Cmd {
	sync := model.sync
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		found, err := sync.JumpToReply(ctx, id)
		return jumpDoneMsg{id: id, found: found, err: err}
	}
}

// entry for bubbletea
func RunClientTUI(serverURL, roomKey, nickname string) error {
	program := tea.NewProgram(NewTUIModel(serverURL, roomKey, nickname))
	_, err := program.Run()
	return err
}

// make shareable room code using base32
func generateSecureKey(length int) string {
	if length < 8 {
		length = 8
	}
	byteLen := (length * 5) / 8
	if (length*5)%8 != 0 {
		byteLen++
	}
	b := make([]byte, byteLen)
	_, _ = rand.Read(b)
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
	if len(enc) >= length {
		return enc[:length]
	}
	return enc
}

func inviteText(serverURL, roomKey string) string {
	var sb strings.Builder
	sb.WriteString("Invite others with:\n  ")
	sb.WriteString("go run ./cmd/client --nick <name> ")
	sb.WriteString(roomKey)
	sb.WriteString("\nServer: ")
	sb.WriteString(serverURL)
	return sb.String()
}

func commandHint() string {
	return "/edit <id> <text> • /delete <id> • /react <id> <emoji> • /unreact <id> <emoji> • /reply <id> <text> • /jump <id> • /quit"
}

func parseCommandID(arg string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(arg, "%d", &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("%q is not a message id", arg)
	}
	return id, nil
}

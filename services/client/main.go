// Терминальный клиент: логин, выбор собеседника, отправка сообщений с
// optimistic-вставкой и согласованием статусов через ACK/пуши сервера.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chatline/internal/api"
	"github.com/chatline/internal/config"
	"github.com/chatline/internal/logger"
	"github.com/chatline/internal/model"
	"github.com/chatline/internal/reconciler"
	"github.com/chatline/internal/store"
	filestore "github.com/chatline/internal/store/file"
	"github.com/chatline/internal/transport"
)

func main() {
	logger.SetPrefix("client")
	username := flag.String("user", "", "username (prompted if empty)")
	peer := flag.String("peer", "", "peer user id (prompted if empty)")
	register := flag.Bool("register", false, "register a new account instead of logging in")
	flag.Parse()

	cfg := config.Load()
	logger.SetDebug(cfg.LogLevel == "debug")

	sessionPath := cfg.Client.SessionFile
	if sessionPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		sessionPath = filepath.Join(home, ".chatline", "session.json")
	}
	session, err := filestore.Open(sessionPath)
	if err != nil {
		logger.Errorf("open session store: %v", err)
		os.Exit(1)
	}
	defer session.Close()

	httpBase := httpBaseURL(cfg.Client.ServerURL)
	client := api.New(httpBase)

	stdin := bufio.NewScanner(os.Stdin)
	ctx := context.Background()

	self, err := authenticate(ctx, client, session, stdin, *username, *register)
	if err != nil {
		logger.Errorf("auth: %v", err)
		os.Exit(1)
	}
	fmt.Printf("signed in as %s (%s)\n", self.Username, self.ID)

	applyQueuedUpdates(ctx, client, session)

	peerID := *peer
	if peerID == "" {
		if saved, err := session.SelectedConversation(); err == nil {
			peerID = saved
		}
	}
	if peerID == "" {
		peerID = choosePeer(ctx, client, stdin)
	}
	if peerID == "" {
		fmt.Println("no peer selected")
		os.Exit(1)
	}
	if err := session.SetSelectedConversation(peerID); err != nil {
		logger.Errorf("save selected conversation: %v", err)
	}

	ch, err := transport.Dial(transport.Config{
		URL:               cfg.Client.ServerURL,
		Token:             client.Token(),
		UserID:            self.ID,
		ReconnectDelay:    time.Duration(cfg.Client.ReconnectDelayMS) * time.Millisecond,
		ReconnectDelayMax: time.Duration(cfg.Client.ReconnectDelayMaxMS) * time.Millisecond,
		ReconnectAttempts: cfg.Client.ReconnectAttempts,
	})
	if err != nil {
		logger.Errorf("connect: %v", err)
		os.Exit(1)
	}
	defer ch.Close()

	rec := reconciler.New(ch, self.ID, peerID, reconciler.Options{
		AckTimeout:     cfg.Client.AckTimeout(),
		FileAckTimeout: cfg.Client.FileAckTimeout(),
		Notify:         renderUpdate,
	})
	defer rec.Close()

	if history, err := client.History(ctx, peerID, 50, 0); err != nil {
		logger.Errorf("history: %v", err)
	} else {
		rec.Seed(history)
		for _, m := range history {
			printMessage(&m, self.ID)
		}
	}

	fmt.Println("commands: /retry <id>, /react <id> <emoji>, /sticker <id>, /file <path>, /reply <id> <text>, /forward <id>,")
	fmt.Println("          /block [id], /unblock [id], /blocked, /chats, /name <display name>, /history, /quit")
	repl(ctx, stdin, client, session, rec, self.ID, peerID)
}

func httpBaseURL(wsURL string) string {
	base := strings.TrimSuffix(wsURL, "/ws")
	base = strings.Replace(base, "wss://", "https://", 1)
	return strings.Replace(base, "ws://", "http://", 1)
}

func authenticate(ctx context.Context, client *api.Client, session store.SessionStore, stdin *bufio.Scanner, username string, register bool) (*model.UserPublic, error) {
	// Сохранённый токен избавляет от повторного логина.
	if token, err := session.Token(); err == nil && !register {
		client.SetToken(token)
		if profile, err := client.Profile(ctx); err == nil {
			return profile, nil
		}
		client.SetToken("")
	}

	if username == "" {
		fmt.Print("username: ")
		if !stdin.Scan() {
			return nil, errors.New("stdin closed")
		}
		username = strings.TrimSpace(stdin.Text())
	}
	fmt.Print("password: ")
	if !stdin.Scan() {
		return nil, errors.New("stdin closed")
	}
	password := stdin.Text()

	var resp *api.AuthResponse
	var err error
	if register {
		resp, err = client.Register(ctx, api.Credentials{Username: username, Password: password})
	} else {
		resp, err = client.Login(ctx, username, password)
	}
	if err != nil {
		return nil, err
	}
	if err := session.SetToken(resp.Token); err != nil {
		logger.Errorf("save token: %v", err)
	}
	if err := session.SetProfile(&resp.User); err != nil {
		logger.Errorf("save profile: %v", err)
	}
	return &resp.User, nil
}

// applyQueuedUpdates повторяет изменения профиля, отложенные офлайн.
func applyQueuedUpdates(ctx context.Context, client *api.Client, session store.SessionStore) {
	updates, err := session.DrainPendingUpdates()
	if err != nil {
		logger.Errorf("drain pending updates: %v", err)
		return
	}
	for _, u := range updates {
		if u.Kind != "profile_update" {
			continue
		}
		var upd api.ProfileUpdate
		if err := json.Unmarshal(u.Payload, &upd); err != nil {
			continue
		}
		if err := client.UpdateProfile(ctx, upd); err != nil {
			logger.Errorf("replay profile update: %v", err)
			// Возвращаем в очередь до следующего запуска.
			if qErr := session.EnqueuePendingUpdate(u); qErr != nil {
				logger.Errorf("re-queue profile update: %v", qErr)
			}
		}
	}
}

func choosePeer(ctx context.Context, client *api.Client, stdin *bufio.Scanner) string {
	users, err := client.Users(ctx)
	if err != nil {
		logger.Errorf("list users: %v", err)
		return ""
	}
	if len(users) == 0 {
		fmt.Println("no other users registered yet")
		return ""
	}
	fmt.Println("contacts:")
	for i, u := range users {
		name := u.DisplayName
		if name == "" {
			name = u.Username
		}
		marker := " "
		if u.IsOnline {
			marker = "*"
		}
		fmt.Printf("  %d. %s %s (%s)\n", i+1, marker, name, u.ID)
	}
	fmt.Print("peer number: ")
	if !stdin.Scan() {
		return ""
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(stdin.Text()), "%d", &n); err != nil || n < 1 || n > len(users) {
		return ""
	}
	return users[n-1].ID
}

func repl(ctx context.Context, stdin *bufio.Scanner, client *api.Client, session store.SessionStore, rec *reconciler.Reconciler, selfID, peerID string) {
	for {
		fmt.Print("> ")
		if !stdin.Scan() {
			return
		}
		line := strings.TrimSpace(stdin.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if _, err := rec.SendText(line); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
			rec.SetTyping(false)
			continue
		}

		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "/quit":
			return
		case "/retry":
			if _, err := rec.Retry(strings.TrimSpace(rest)); err != nil {
				fmt.Printf("retry: %v\n", err)
			}
		case "/react":
			id, emoji, ok := strings.Cut(strings.TrimSpace(rest), " ")
			if !ok {
				fmt.Println("usage: /react <id> <emoji>")
				continue
			}
			if err := rec.SendReaction(id, strings.TrimSpace(emoji)); err != nil {
				fmt.Printf("react: %v\n", err)
			}
		case "/sticker":
			id := strings.TrimSpace(rest)
			if id == "" {
				fmt.Println("usage: /sticker <id>")
				continue
			}
			if _, err := rec.SendSticker(id, "/stickers/"+id+".png"); err != nil {
				fmt.Printf("sticker: %v\n", err)
			}
		case "/file":
			path := strings.TrimSpace(rest)
			if path == "" {
				fmt.Println("usage: /file <path>")
				continue
			}
			// Загрузка должна завершиться до отправки file-сообщения.
			up, err := client.Upload(ctx, path)
			if err != nil {
				fmt.Printf("upload: %v\n", err)
				continue
			}
			if _, err := rec.SendFile(reconciler.FileInfo{
				URL:  up.FileURL,
				Name: up.FileName,
				Size: up.FileSize,
				Type: up.FileType,
			}); err != nil {
				fmt.Printf("file: %v\n", err)
			}
		case "/forward":
			id := strings.TrimSpace(rest)
			if id == "" {
				fmt.Println("usage: /forward <id>")
				continue
			}
			src, ok := rec.Message(id)
			if !ok {
				fmt.Printf("no such message %s\n", id)
				continue
			}
			if src.Type != model.MessageTypeText {
				fmt.Println("only text messages can be forwarded")
				continue
			}
			if _, err := rec.SendText(src.Content, reconciler.WithForwardFrom(id)); err != nil {
				fmt.Printf("forward: %v\n", err)
			}
		case "/block":
			target := strings.TrimSpace(rest)
			if target == "" {
				target = peerID
			}
			if err := client.Block(ctx, target); err != nil {
				fmt.Printf("block: %v\n", err)
			} else {
				fmt.Printf("blocked %s\n", target)
			}
		case "/unblock":
			target := strings.TrimSpace(rest)
			if target == "" {
				target = peerID
			}
			if err := client.Unblock(ctx, target); err != nil {
				fmt.Printf("unblock: %v\n", err)
			} else {
				fmt.Printf("unblocked %s\n", target)
			}
		case "/blocked":
			users, err := client.BlockedUsers(ctx)
			if err != nil {
				fmt.Printf("blocked: %v\n", err)
				continue
			}
			if len(users) == 0 {
				fmt.Println("no blocked users")
				continue
			}
			for _, u := range users {
				fmt.Printf("  %s (%s)\n", u.Username, u.ID)
			}
		case "/chats":
			convs, err := client.Conversations(ctx)
			if err != nil {
				fmt.Printf("chats: %v\n", err)
				continue
			}
			for _, c := range convs {
				name := c.Peer.DisplayName
				if name == "" {
					name = c.Peer.Username
				}
				marker := " "
				if c.Peer.IsOnline {
					marker = "*"
				}
				last := ""
				if c.LastMessage != nil {
					last = messageText(c.LastMessage)
				}
				fmt.Printf("  %s %s (%s) unread=%d: %s\n", marker, name, c.Peer.ID, c.UnreadCount, last)
			}
		case "/reply":
			id, text, ok := strings.Cut(strings.TrimSpace(rest), " ")
			if !ok || strings.TrimSpace(text) == "" {
				fmt.Println("usage: /reply <id> <text>")
				continue
			}
			if _, err := rec.SendText(text, reconciler.WithReplyTo(id)); err != nil {
				fmt.Printf("reply: %v\n", err)
			}
		case "/name":
			name := strings.TrimSpace(rest)
			if name == "" {
				fmt.Println("usage: /name <display name>")
				continue
			}
			upd := api.ProfileUpdate{DisplayName: name}
			if err := client.UpdateProfile(ctx, upd); err != nil {
				// Офлайн: откладываем до следующего запуска.
				payload, _ := json.Marshal(upd)
				qErr := session.EnqueuePendingUpdate(store.PendingUpdate{
					Kind:     "profile_update",
					Payload:  payload,
					QueuedAt: time.Now().UTC(),
				})
				if qErr != nil {
					fmt.Printf("update failed and could not be queued: %v\n", qErr)
				} else {
					fmt.Println("offline, update queued")
				}
			}
		case "/history":
			for _, m := range rec.Messages() {
				printMessage(&m, selfID)
			}
		default:
			fmt.Printf("unknown command %s\n", cmd)
		}
	}
}

func renderUpdate(u reconciler.Update) {
	switch u.Kind {
	case reconciler.UpdateMessageAdded:
		fmt.Printf("\r+ [%s] %s %s\n> ", statusGlyph(u.Message.Status), u.Message.ID, messageText(u.Message))
	case reconciler.UpdateMessageChanged:
		fmt.Printf("\r~ [%s] %s\n> ", statusGlyph(u.Message.Status), u.Message.ID)
	case reconciler.UpdateSystemNotice:
		fmt.Printf("\r! %s\n> ", u.Notice)
	case reconciler.UpdateReaction:
		fmt.Printf("\r%s reacted %s to %s\n> ", u.Reaction.UserID, u.Reaction.Emoji, u.Reaction.MessageID)
	case reconciler.UpdateTyping:
		if u.Typing {
			fmt.Print("\rpeer is typing...\n> ")
		}
	}
}

func printMessage(m *model.Message, selfID string) {
	who := "them"
	if m.SenderID == selfID {
		who = "me"
	}
	fmt.Printf("[%s] %s %s: %s\n", statusGlyph(m.Status), m.ID, who, messageText(m))
}

func messageText(m *model.Message) string {
	switch m.Type {
	case model.MessageTypeSticker:
		return "[sticker " + m.StickerID + "]"
	case model.MessageTypeFile:
		return fmt.Sprintf("[file %s, %d bytes]", m.FileName, m.FileSize)
	default:
		return m.Content
	}
}

func statusGlyph(s model.MessageStatus) string {
	switch s {
	case model.MessageStatusSending:
		return "…"
	case model.MessageStatusSent:
		return "✓"
	case model.MessageStatusDelivered:
		return "✓✓"
	case model.MessageStatusSeen:
		return "✓✓ seen"
	case model.MessageStatusFailed:
		return "✗ failed"
	case model.MessageStatusBlocked:
		return "⛔"
	default:
		return string(s)
	}
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/relay-chat/internal/call"
	"github.com/alexjbarnes/relay-chat/internal/client"
	"github.com/alexjbarnes/relay-chat/internal/models"
)

const commandTimeout = 30 * time.Second

var errQuit = errors.New("quit")

const consoleHelp = `commands:
  users                  list conversations
  open <user-id>         open the conversation with a user
  close                  leave the open conversation
  older                  load older messages of the open conversation
  forget                 drop the open conversation from local state
  type <draft>           report typing in the open conversation
  send <text>            send a message to the open conversation
  call <user-id> [video] start a call
  accept | reject        answer an incoming call
  hangup                 end the current call
  mute                   toggle the microphone
  status                 show connection and call state
  retry                  reconnect after the relay gave up
  login <token>          sign in with a bearer token
  logout                 sign out
  avatar <file>          upload a JPEG or PNG profile image
  quit                   exit`

// console is a line-oriented front end on top of the client.
type console struct {
	in io.Reader

	mu  sync.Mutex
	out io.Writer

	c    *client.Client
	peer int64 // counterparty of the open conversation
	room int64
}

func newConsole(in io.Reader, out io.Writer) *console {
	return &console{in: in, out: out}
}

func (k *console) attach(c *client.Client) {
	k.c = c
}

func (k *console) printf(format string, args ...any) {
	k.mu.Lock()
	defer k.mu.Unlock()

	fmt.Fprintf(k.out, format+"\n", args...)
}

// options returns the client callbacks that print events.
func (k *console) options() client.Options {
	return client.Options{
		OnConnection: func(connected bool) {
			if connected {
				k.printf("* connected")
			} else {
				k.printf("* disconnected")
			}
		},
		OnMessage: func(m models.Message) {
			k.printf("[%d] %s", m.SenderID, m.Content)
		},
		OnTyping: func(userID int64, typing bool) {
			if typing {
				k.printf("* %d is typing", userID)
			}
		},
		OnCall: func(s call.Snapshot) {
			switch s.State {
			case call.StateIncoming:
				k.printf("* incoming %s call from %s (accept/reject)", s.Mode, s.Remote)
			case call.StateIdle:
				k.printf("* call ended")
			default:
				if s.Elapsed == 0 {
					k.printf("* call %s with %s", s.State, s.Remote)
				}
			}
		},
		OnCallError: func(err error) {
			k.printf("! call: %v", err)
		},
		OnLoggedOut: func(reason string) {
			k.printf("! logged out: %s", reason)
		},
	}
}

// Run reads commands until ctx is cancelled, the input ends or the user
// quits, in which case errQuit is returned.
func (k *console) Run(ctx context.Context) error {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(k.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}

			if err := k.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}

				k.printf("! %v", err)
			}
		}
	}
}

func (k *console) exec(ctx context.Context, line string) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd {
	case "":
		return nil
	case "help":
		k.printf("%s", consoleHelp)
	case "users":
		k.users()
	case "open":
		return k.open(ctx, arg)
	case "close":
		k.c.Presence().Stop()
		k.c.Chat().Close()
		k.peer, k.room = 0, 0
	case "older":
		return k.older(ctx)
	case "forget":
		if k.room == 0 {
			return fmt.Errorf("no conversation open")
		}

		k.c.Presence().Stop()

		room := k.room
		k.peer, k.room = 0, 0

		return k.c.Chat().Forget(room)
	case "type":
		k.c.Presence().Edit(arg)
	case "send":
		return k.send(ctx, arg)
	case "call":
		return k.call(ctx, arg)
	case "accept":
		return k.c.Calls().AcceptIncomingCall(ctx)
	case "reject":
		return k.c.Calls().RejectIncomingCall()
	case "hangup":
		k.c.Calls().EndCall()
	case "mute":
		muted, err := k.c.Calls().ToggleMute()
		if err != nil {
			return err
		}

		k.printf("* muted: %t", muted)
	case "status":
		k.status()
	case "retry":
		return k.c.Conn().Retry()
	case "login":
		if arg == "" {
			return fmt.Errorf("usage: login <token>")
		}

		return k.c.SetToken(ctx, arg)
	case "avatar":
		if arg == "" {
			return fmt.Errorf("usage: avatar <file>")
		}

		p, err := k.c.UploadAvatar(ctx, arg)
		if err != nil {
			return err
		}

		k.printf("* profile image updated for %s", p.Email)
	case "logout":
		k.peer, k.room = 0, 0
		k.c.Logout()
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}

	return nil
}

func (k *console) users() {
	for _, cp := range k.c.Chat().Summaries() {
		presence := "offline"
		if cp.Online {
			presence = "online"
		}

		line := fmt.Sprintf("%6d  %-20s %-7s", cp.UserID, cp.Name, presence)
		if cp.UnreadCount > 0 {
			line += fmt.Sprintf(" (%d unread)", cp.UnreadCount)
		}

		if cp.LastPreview != "" {
			line += "  " + cp.LastPreview
		}

		k.printf("%s", line)
	}
}

func parseUserID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", arg)
	}

	return id, nil
}

func (k *console) open(ctx context.Context, arg string) error {
	userID, err := parseUserID(arg)
	if err != nil {
		return err
	}

	k.c.Presence().Stop()

	room, err := k.c.Chat().Open(ctx, userID)
	if room != nil {
		k.peer, k.room = userID, room.RoomID
	}

	if err != nil {
		return err
	}

	k.printMessages()

	return nil
}

func (k *console) older(ctx context.Context) error {
	if k.room == 0 {
		return fmt.Errorf("no conversation open")
	}

	more, err := k.c.Chat().LoadOlder(ctx, k.room)
	if err != nil {
		return err
	}

	k.printMessages()

	if !more {
		k.printf("* start of conversation")
	}

	return nil
}

func (k *console) printMessages() {
	for _, m := range k.c.Chat().Messages(k.room) {
		who := "them"
		if m.Own {
			who = "me"
		}

		k.printf("%s %-4s %s  [%s]", m.Timestamp.Local().Format("15:04"), who, m.Content, strings.ToLower(string(m.Status)))
	}
}

func (k *console) send(ctx context.Context, text string) error {
	if k.peer == 0 {
		return fmt.Errorf("no conversation open")
	}

	_, err := k.c.Send(ctx, k.peer, text)

	return err
}

func (k *console) call(ctx context.Context, arg string) error {
	idArg, modeArg, _ := strings.Cut(arg, " ")

	userID, err := parseUserID(idArg)
	if err != nil {
		return err
	}

	cp, ok := k.c.Chat().Counterparty(userID)
	if !ok || cp.Email == "" {
		return fmt.Errorf("unknown user %d, run users first", userID)
	}

	mode := models.CallAudio
	if strings.TrimSpace(modeArg) == "video" {
		mode = models.CallVideo
	}

	return k.c.Calls().StartCall(ctx, cp.Email, mode)
}

func (k *console) status() {
	conn := k.c.Conn()
	k.printf("connection: %s (attempt %d)", conn.State(), conn.Attempt())

	s := k.c.Calls().Snapshot()
	if s.State == call.StateIdle {
		k.printf("call: idle")
		return
	}

	k.printf("call: %s %s with %s, %ds, muted=%t", s.State, s.Mode, s.Remote, s.Elapsed, s.Muted)
}

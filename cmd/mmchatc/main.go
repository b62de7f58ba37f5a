package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ageniuscoder/mmchat/realtime/internal/client"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/ageniuscoder/mmchat/realtime/internal/outbox"
	"github.com/ageniuscoder/mmchat/realtime/internal/reconcile"
	"github.com/joho/godotenv"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	server := flag.String("server", env("MMCHAT_SERVER", "http://localhost:8080"), "server base URL")
	username := flag.String("user", env("MMCHAT_USER", ""), "username")
	password := flag.String("password", env("MMCHAT_PASSWORD", ""), "password")
	signup := flag.Bool("signup", false, "create the account first")
	to := flag.String("to", "", "username to chat with")
	outboxPath := flag.String("outbox", "", "outbox file (default ~/.mmchat/outbox-<user>.db)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "err", err)
	}
	if *username == "" || *password == "" || *to == "" {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.NewAPI(*server, nil)
	auth := api.Login
	if *signup {
		auth = api.Signup
	}
	creds, err := auth(ctx, *username, *password)
	if err != nil {
		log.Fatalf("Error signing in: %v", err)
	}

	other, err := findUser(ctx, api, *to)
	if err != nil {
		log.Fatalf("Error finding %q: %v", *to, err)
	}

	path := *outboxPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Error locating home dir: %v", err)
		}
		path = filepath.Join(home, ".mmchat", "outbox-"+*username+".db")
	}
	bs, err := outbox.OpenBolt(path)
	if err != nil {
		log.Fatalf("Error opening outbox: %v", err)
	}
	ob, err := outbox.New(bs, outbox.Options{}, logger)
	if err != nil {
		log.Fatalf("Error loading outbox: %v", err)
	}
	defer ob.Close()

	sess, err := client.NewSession(api, client.Options{UserID: creds.UserID, Outbox: ob, Log: logger})
	if err != nil {
		log.Fatalf("Error starting session: %v", err)
	}
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	conv, err := sess.OpenConversation(ctx, other.ID)
	if err != nil {
		log.Fatalf("Error opening conversation: %v", err)
	}

	v := &view{sess: sess, conv: conv, self: creds.UserID, peer: other, shown: make(map[string]string)}
	fmt.Printf("chatting with %s (conversation %d). /help for commands\n", other.Username, conv)
	v.render(ctx)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			<-runErr
			return
		case err := <-runErr:
			slog.Error("session ended", "err", err)
			return
		case up := <-sess.Updates():
			switch up.Kind {
			case client.UpdateTimeline:
				if up.ConversationID == conv {
					v.render(ctx)
				}
			case client.UpdateTyping:
				if up.ConversationID == conv {
					v.typing(ctx)
				}
			case client.UpdatePresence:
				if up.UserID == other.ID {
					v.presence(ctx)
				}
			case client.UpdateConnection:
				if up.Connected {
					fmt.Println("* connected")
				} else {
					fmt.Println("* offline, messages will be queued")
				}
			}
		case line, ok := <-lines:
			if !ok {
				stop()
				continue
			}
			if quit := v.command(ctx, strings.TrimSpace(line)); quit {
				stop()
			}
		}
	}
}

func findUser(ctx context.Context, api *client.API, name string) (model.User, error) {
	found, err := api.SearchUsers(ctx, name)
	if err != nil {
		return model.User{}, err
	}
	for _, u := range found {
		if strings.EqualFold(u.Username, name) {
			return u, nil
		}
	}
	return model.User{}, fmt.Errorf("no user named %q", name)
}

type view struct {
	sess  *client.Session
	conv  int64
	self  int64
	peer  model.User
	shown map[string]string
}

func entryID(e reconcile.Entry) string {
	if e.Pending {
		return e.Key
	}
	if e.Message.IdempotencyKey != "" {
		return e.Message.IdempotencyKey
	}
	return strconv.FormatInt(e.Message.ID, 10)
}

// render prints entries not shown yet and status changes of ones that were.
func (v *view) render(ctx context.Context) {
	tl, err := v.sess.Timeline(ctx, v.conv)
	if err != nil {
		return
	}
	for _, e := range tl {
		id := entryID(e)
		line := v.format(e)
		if v.shown[id] == line {
			continue
		}
		v.shown[id] = line
		fmt.Println(line)
	}
}

func (v *view) format(e reconcile.Entry) string {
	who := v.peer.Username
	if e.Message.SenderID == v.self {
		who = "me"
	}
	body := e.Message.Content
	if e.Message.IsDeleted {
		body = "(deleted)"
	} else if e.Message.Type != model.TypeText {
		body = fmt.Sprintf("[%s] %s", e.Message.Type, e.Message.MediaURL)
	}
	ref := "#" + strconv.FormatInt(e.Message.ID, 10)
	if e.Pending {
		ref = e.Key[:8]
	}
	line := fmt.Sprintf("%s %s %s: %s", e.Message.CreatedAt.Local().Format("15:04"), ref, who, body)
	if e.Message.SenderID == v.self {
		line += "  (" + e.Status.String() + ")"
	}
	if e.Error != "" {
		line += " " + e.Error
	}
	return line
}

func (v *view) typing(ctx context.Context) {
	ids, err := v.sess.Typing(ctx, v.conv)
	if err == nil && len(ids) > 0 {
		fmt.Printf("* %s is typing\n", v.peer.Username)
	}
}

func (v *view) presence(ctx context.Context) {
	p, ok, err := v.sess.Presence(ctx, v.peer.ID)
	if err != nil || !ok {
		return
	}
	if p.Status == model.Online || p.LastSeen == nil {
		fmt.Printf("* %s is %s\n", v.peer.Username, p.Status)
		return
	}
	fmt.Printf("* %s is offline, last seen %s\n", v.peer.Username, p.LastSeen.Local().Format("Jan 2 15:04"))
}

// pendingKey expands a short key prefix as printed by format.
func (v *view) pendingKey(ctx context.Context, prefix string) string {
	tl, _ := v.sess.Timeline(ctx, v.conv)
	for _, e := range tl {
		if e.Pending && strings.HasPrefix(e.Key, prefix) {
			return e.Key
		}
	}
	return prefix
}

func (v *view) command(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	var err error
	switch cmd {
	case "/quit":
		return true
	case "/help":
		fmt.Println("/read  /older  /retry KEY  /cancel KEY  /delete ID  /typing  /quit")
	case "/read":
		err = v.sess.MarkRead(ctx, v.conv)
	case "/older":
		var n int
		if n, err = v.sess.LoadOlder(ctx, v.conv); err == nil && n == 0 {
			fmt.Println("* start of conversation")
		}
		clear(v.shown)
		v.render(ctx)
	case "/retry":
		err = v.sess.RetrySend(ctx, v.pendingKey(ctx, arg))
	case "/cancel":
		err = v.sess.CancelSend(ctx, v.pendingKey(ctx, arg))
	case "/delete":
		var id int64
		if id, err = strconv.ParseInt(strings.TrimPrefix(arg, "#"), 10, 64); err == nil {
			err = v.sess.Delete(ctx, id)
		}
	case "/typing":
		err = v.sess.SetTyping(v.conv, true)
	default:
		_, err = v.sess.Send(ctx, v.conv, model.Draft{Type: model.TypeText, Content: line})
	}
	if err != nil {
		fmt.Println("! " + err.Error())
	}
	return false
}

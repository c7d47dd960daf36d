package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/roomchat/internal/identity"
	"github.com/gosuda/roomchat/internal/outbox"
	"github.com/gosuda/roomchat/internal/realtime"
	"github.com/gosuda/roomchat/internal/roster"
	"github.com/gosuda/roomchat/internal/session"
	"github.com/gosuda/roomchat/internal/stream"
	"github.com/gosuda/roomchat/internal/wire"
)

var rootCmd = &cobra.Command{
	Use:   "roomchat",
	Short: "Terminal client for the roomchat realtime backend",
	RunE:  runChat,
}

var (
	flagServerURL string
	flagAPIKey    string
	flagRoom      string
	flagDataPath  string
	flagName      string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagServerURL, "server-url", os.Getenv("ROOMCHAT_URL"), "realtime backend websocket URL (env ROOMCHAT_URL)")
	flags.StringVar(&flagAPIKey, "api-key", os.Getenv("ROOMCHAT_API_KEY"), "public API key (env ROOMCHAT_API_KEY)")
	flags.StringVar(&flagRoom, "room", wire.GlobalRoom, "room code to join")
	flags.StringVar(&flagDataPath, "data-path", defaultDataPath(), "directory for local persisted state")
	flags.StringVar(&flagName, "name", "", "override display name for this run")
}

func defaultDataPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "roomchat")
	}
	return ".roomchat"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chat command")
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Missing endpoint configuration is terminal: there is no degraded mode.
	realtime.Configure(realtime.Config{URL: flagServerURL, APIKey: flagAPIKey})
	if _, err := realtime.Get(); err != nil {
		return fmt.Errorf("backend configuration: %w (set --server-url/--api-key or ROOMCHAT_URL/ROOMCHAT_API_KEY)", err)
	}

	code, err := wire.NormalizeRoomCode(flagRoom)
	if err != nil {
		return err
	}

	ids, err := identity.Open(filepath.Join(flagDataPath, "identity"))
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	defer func() { _ = ids.Close() }()

	box, err := outbox.Open(filepath.Join(flagDataPath, "outbox"))
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer func() { _ = box.Close() }()

	if flagName != "" {
		p := ids.Profile()
		p.Name = flagName
		if err := ids.SaveProfile(p); err != nil {
			log.Warn().Err(err).Msg("[chat] save profile failed")
		}
	}
	if n := box.Len(); n > 0 {
		log.Info().Msgf("[chat] %d queued message(s) will be sent once subscribed", n)
	}

	app := &app{ids: ids, box: box, dataPath: flagDataPath}
	if err := app.join(ctx, wire.RoomScope(code), code); err != nil {
		return err
	}
	defer app.leave()

	uid, _ := ids.UserID()
	fmt.Printf("connected as %s (%s), /help for commands\n", app.sess.Profile().Name, uid)

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
			log.Info().Msg("[chat] shutdown")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := app.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// app owns the current session and swaps it when the scope changes. The old
// session is always fully closed before the next one connects.
type app struct {
	ids      *identity.Store
	box      *outbox.Queue
	dataPath string

	sess  *session.Session
	cache *roster.Cache
	scope string
}

func (a *app) join(ctx context.Context, scope, label string) error {
	a.leave()

	cache, err := roster.OpenCache(filepath.Join(a.dataPath, "roster"), label)
	if err != nil {
		log.Warn().Err(err).Msg("[chat] roster cache unavailable; continuing without it")
	}
	sess, err := session.New(session.Config{
		Scope:    scope,
		Identity: a.ids,
		Outbox:   a.box,
		Cache:    cache,
		Handlers: session.Handlers{
			OnMessage: func(m stream.Message) {
				ts := time.UnixMilli(m.TS).Format("15:04:05")
				fmt.Printf("[%s] %s: %s\n", ts, m.Name, m.Content)
			},
			OnDelete: func(id string) {
				fmt.Printf("(message %s deleted)\n", id)
			},
			OnRoster: func(entries []roster.Entry) {
				names := make([]string, 0, len(entries))
				for _, e := range entries {
					n := e.Name
					if e.Status != "" {
						n += " (" + e.Status + ")"
					}
					if e.Typing {
						n += "..."
					}
					names = append(names, n)
				}
				fmt.Printf("-- online: %s\n", strings.Join(names, ", "))
			},
			OnTyping: func(userID string, typing bool) {
				if typing {
					fmt.Printf("-- %s is typing...\n", userID)
				}
			},
			OnState: func(st session.State, retries int) {
				if retries > 0 {
					log.Warn().Msgf("[chat] %s (retry %d)", st, retries)
				} else {
					log.Info().Msgf("[chat] channel %s", st)
				}
			},
		},
	})
	if err != nil {
		_ = cache.Close()
		return err
	}
	if err := sess.Connect(ctx); err != nil {
		sess.Close()
		_ = cache.Close()
		return err
	}
	a.sess = sess
	a.cache = cache
	a.scope = scope
	log.Info().Msgf("[chat] joined %s", scope)
	return nil
}

func (a *app) leave() {
	if a.sess != nil {
		a.sess.Close()
		a.sess = nil
	}
	if a.cache != nil {
		_ = a.cache.Close()
		a.cache = nil
	}
}

func (a *app) handle(ctx context.Context, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if a.sess == nil {
			log.Warn().Msg("[chat] no active room; /room <CODE> to join")
			return false
		}
		a.sess.InputChanged()
		if _, err := a.sess.Send(line); err != nil {
			log.Warn().Err(err).Msg("[chat] send failed")
		}
		return false
	}

	cmdLine, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	// A failed /room or /dm join leaves no session behind; only commands
	// that can recover from that state stay available.
	if a.sess == nil {
		switch cmdLine {
		case "quit", "q", "help", "theme", "room":
		default:
			log.Warn().Msg("[chat] no active room; /room <CODE> to join")
			return false
		}
	}
	switch cmdLine {
	case "quit", "q":
		return true
	case "help":
		fmt.Println("/who /people /name <n> /status <s> /clearstatus /font <n> /color <#hex> /bubble <#hex> /theme <light|dark> /room <CODE> /dm <userId> /delete <id> /quit")
	case "who":
		for _, e := range a.sess.Roster() {
			line := "  " + e.Name
			if e.Status != "" {
				line += " (" + e.Status + ")"
			}
			fmt.Println(line)
		}
	case "people":
		for _, p := range a.sess.People() {
			state := "offline since " + time.UnixMilli(p.LastSeen).Format("15:04:05")
			if p.Online {
				state = "online"
			}
			fmt.Printf("  %s - %s\n", p.Name, state)
		}
	case "name":
		_ = a.sess.UpdateProfile(func(p *identity.Profile) { p.Name = wire.SanitizeName(arg) })
	case "status":
		_ = a.sess.UpdateProfile(func(p *identity.Profile) { p.AddCustomStatus(arg) })
	case "clearstatus":
		_ = a.sess.UpdateProfile(func(p *identity.Profile) { p.Status = "" })
	case "font":
		_ = a.sess.UpdateProfile(func(p *identity.Profile) { p.FontFamily = arg })
	case "color":
		_ = a.sess.UpdateProfile(func(p *identity.Profile) { p.Color = arg })
	case "bubble":
		_ = a.sess.UpdateProfile(func(p *identity.Profile) { p.Bubble = arg })
	case "theme":
		if err := a.ids.SaveTheme(arg); err == nil {
			fmt.Printf("theme: %s\n", a.ids.Theme())
		}
	case "room":
		code, err := wire.NormalizeRoomCode(arg)
		if err != nil {
			log.Warn().Err(err).Msg("[chat] bad room code")
			return false
		}
		if err := a.join(ctx, wire.RoomScope(code), code); err != nil {
			log.Error().Err(err).Msg("[chat] join failed")
		}
	case "dm":
		if arg == "" {
			log.Warn().Msg("[chat] usage: /dm <userId>")
			return false
		}
		scope := wire.DMScope(a.sess.UserID(), arg)
		if err := a.join(ctx, scope, scope); err != nil {
			log.Error().Err(err).Msg("[chat] dm failed")
		}
	case "delete":
		if err := a.sess.Delete(arg); err != nil {
			log.Warn().Err(err).Msg("[chat] delete refused")
		}
	default:
		fmt.Println("unknown command; /help")
	}
	return false
}

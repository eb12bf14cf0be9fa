package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"comfychat/internal/comfy"
	"comfychat/internal/config"
	"comfychat/internal/logger"
	"comfychat/internal/session"
	"comfychat/internal/store"
	"comfychat/internal/workflow"
)

const imageDir = "images"

// openStore picks the durable backend from configuration: Redis when a URL is
// configured, the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if cfg.Store.RedisURL == "" {
		logger.Get().Info().Msg("no redis url configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	st, err := store.NewRedisStore(ctx, cfg.Store.RedisURL, cfg.Store.Namespace)
	if err != nil {
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	logger.Get().Info().Str("namespace", cfg.Store.Namespace).Msg("using redis store")
	return st, nil
}

// watchMessages consumes the store's change feed and mirrors finished images
// to disk so they can be opened outside the terminal.
func watchMessages(ctx context.Context, st *store.Store) {
	changes, cancel := st.Subscribe(store.TableMessages)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if change.Op != store.OpPut {
				continue
			}
			msg, err := st.Messages.Get(ctx, change.ID)
			if err != nil || len(msg.Image) == 0 {
				continue
			}
			path := filepath.Join(imageDir, fmt.Sprintf("msg_%d.png", msg.ID))
			if err := os.MkdirAll(imageDir, 0755); err != nil {
				logger.Get().Error().Err(err).Msg("failed to create image directory")
				continue
			}
			if err := os.WriteFile(path, msg.Image, 0644); err != nil {
				logger.Get().Error().Err(err).Str("path", path).Msg("failed to save image")
				continue
			}
			fmt.Printf("\n[image saved to %s]\n> ", path)
		}
	}
}

// currentSettings returns the persisted settings, or a fresh row with the
// stock workflow when nothing is configured yet.
func currentSettings(ctx context.Context, st *store.Store) *store.Settings {
	settings, err := st.Settings.Get(ctx)
	if errors.Is(err, store.ErrNotConfigured) {
		return &store.Settings{
			WorkflowJSON: workflow.DefaultWorkflow,
			SeedMode:     workflow.SeedRandom,
		}
	}
	if err != nil {
		logger.Get().Error().Err(err).Msg("failed to read settings")
		return &store.Settings{WorkflowJSON: workflow.DefaultWorkflow, SeedMode: workflow.SeedRandom}
	}
	return settings
}

func printHelp() {
	fmt.Println(`Commands:
  /host <addr>       set the backend address (e.g. 127.0.0.1:8188)
  /token <token>     set the bearer token ("/token" alone clears it)
  /workflow <file>   load a workflow template from a JSON file
  /test              probe the configured backend
  /settings          show the current configuration
  /seed              toggle between random and incrementing seeds
  /history           print the conversation
  /more <id>         regenerate with the prompt behind message <id>
  /fav <id>          save the image of message <id> to favorites
  /favorites         list favorites
  /unfav <id>        remove a favorite
  /clear             clear the conversation (favorites are kept)
  /quit              exit
Anything else is sent as a generation prompt.`)
}

func printHistory(ctx context.Context, st *store.Store) {
	messages, err := st.Messages.List(ctx)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if len(messages) == 0 {
		fmt.Println("(empty)")
		return
	}
	for _, msg := range messages {
		tag := " "
		if msg.Status == store.StatusError {
			tag = "!"
		}
		body := msg.Content
		if body == "" && msg.ImageURL != "" {
			body = msg.ImageURL
		}
		fmt.Printf("%s #%d %s: %s\n", tag, msg.ID, msg.Role, body)
	}
}

func printFavorites(ctx context.Context, st *store.Store) {
	favorites, err := st.Favorites.List(ctx)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if len(favorites) == 0 {
		fmt.Println("(no favorites)")
		return
	}
	for _, fav := range favorites {
		fmt.Printf("#%d %q (%d bytes)\n", fav.ID, fav.Prompt, len(fav.Image))
	}
}

// handleCommand dispatches one slash command. It reports whether the REPL
// should keep running.
func handleCommand(ctx context.Context, line string, st *store.Store, coord *session.Coordinator) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return false

	case "/help":
		printHelp()

	case "/host":
		if arg == "" {
			fmt.Println("usage: /host <addr>")
			break
		}
		settings := currentSettings(ctx, st)
		settings.Host = arg
		if err := coord.Configure(ctx, settings); err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		fmt.Printf("backend set to %s\n", arg)

	case "/token":
		settings := currentSettings(ctx, st)
		settings.AuthToken = arg
		if err := coord.Configure(ctx, settings); err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		if arg == "" {
			fmt.Println("token cleared")
		} else {
			fmt.Println("token set")
		}

	case "/workflow":
		if arg == "" {
			fmt.Println("usage: /workflow <file>")
			break
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		settings := currentSettings(ctx, st)
		settings.WorkflowJSON = string(data)
		if err := coord.Configure(ctx, settings); err != nil {
			fmt.Printf("invalid workflow: %v\n", err)
			break
		}
		fmt.Printf("workflow loaded from %s\n", arg)

	case "/test":
		settings := currentSettings(ctx, st)
		if settings.Host == "" {
			fmt.Println("no backend configured, use /host first")
			break
		}
		if err := coord.TestConnection(ctx, settings.Host, settings.AuthToken); err != nil {
			fmt.Printf("connection failed: %v\n", err)
			break
		}
		fmt.Println("connection ok")

	case "/settings":
		settings := currentSettings(ctx, st)
		token := "(none)"
		if settings.AuthToken != "" {
			token = "(set)"
		}
		fmt.Printf("host: %s\ntoken: %s\nseed mode: %s\nlast seed: %d\nworkflow: %d bytes\n",
			settings.Host, token, settings.SeedMode, settings.LastSeed, len(settings.WorkflowJSON))

	case "/seed":
		mode, err := coord.ToggleSeedMode(ctx)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		fmt.Printf("seed mode: %s\n", mode)

	case "/history":
		printHistory(ctx, st)

	case "/favorites":
		printFavorites(ctx, st)

	case "/more":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			fmt.Println("usage: /more <message id>")
			break
		}
		if err := coord.GenerateMore(ctx, id); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/fav":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			fmt.Println("usage: /fav <message id>")
			break
		}
		fav, err := coord.Favorite(ctx, id)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		fmt.Printf("saved favorite #%d (%q)\n", fav.ID, fav.Prompt)

	case "/unfav":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			fmt.Println("usage: /unfav <favorite id>")
			break
		}
		if err := st.Favorites.Delete(ctx, id); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "/clear":
		if err := coord.ClearHistory(ctx); err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		fmt.Println("conversation cleared")

	default:
		fmt.Printf("unknown command %s, try /help\n", cmd)
	}
	return true
}

func main() {
	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	// One session id per process; the push channel scopes events to it.
	clientID := uuid.NewString()
	socket := comfy.NewSocket(log)
	defer socket.Close()

	coord := session.New(st, socket, workflow.NewEngine(), clientID, cfg.Chat.SecureDefault, log)
	if err := coord.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start session coordinator")
	}

	go coord.Run(ctx)
	go watchMessages(ctx, st)

	fmt.Println("comfychat - type /help for commands")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "/"):
			if !handleCommand(ctx, line, st, coord) {
				return
			}
		default:
			if err := coord.Send(ctx, line); err != nil {
				if errors.Is(err, store.ErrNotConfigured) {
					fmt.Println("not configured yet, use /host to point at a backend")
				} else {
					fmt.Printf("error: %v\n", err)
				}
			} else {
				fmt.Println("generating...")
			}
		}
		fmt.Print("> ")
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("stdin read failed")
	}
}

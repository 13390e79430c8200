// chatsync is a terminal client for the chat synchronization engine: it
// connects to a conversation, tails its messages, and sends lines read from
// stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voxhall/chatsync/pkg/cache"
	"github.com/voxhall/chatsync/pkg/config"
	"github.com/voxhall/chatsync/pkg/engine"
	"github.com/voxhall/chatsync/pkg/model"
)

var (
	flagConfig string
	flagConv   string
	flagUser   string
	flagToken  string
)

func main() {
	root := &cobra.Command{
		Use:   "chatsync",
		Short: "chat synchronization engine client",
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to yaml config")
	root.PersistentFlags().StringVar(&flagConv, "conversation", "", "conversation id")
	root.PersistentFlags().StringVar(&flagUser, "user", "", "local user id")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "bearer credential")

	tail := &cobra.Command{
		Use:   "tail",
		Short: "connect and tail a conversation, sending stdin lines",
		RunE:  runTail,
	}

	root.AddCommand(tail)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runTail(cmd *cobra.Command, args []string) error {
	// Best effort: a missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	if flagConv == "" || flagUser == "" {
		return fmt.Errorf("--conversation and --user are required")
	}
	if flagToken == "" {
		flagToken = os.Getenv("CHATSYNC_TOKEN")
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	opts := []engine.Option{engine.WithLogger(log)}

	if cfg.CachePath != "" {
		mc, err := cache.Open(cfg.CachePath)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithCache(mc))
	}

	eng := engine.New(flagConv, flagUser, flagToken, cfg, opts...)
	defer eng.Close()

	printed := 0
	eng.OnChange(func() {
		msgs := eng.Messages()
		for ; printed < len(msgs); printed++ {
			m := msgs[printed]
			fmt.Printf("[%s] %s (%s): %s\n",
				m.CreatedAt.Format("15:04:05"), m.SenderID, m.Status, m.Content)
		}
	})
	eng.OnTerminalError(func(err error) {
		fmt.Fprintf(os.Stderr, "connection lost for good: %v\n", err)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := eng.Connect(ctx); err != nil {
		return err
	}

	eng.SetActive(true)
	eng.RequestSync(nil, model.DirInitial, 0)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			eng.SendTypingIndicator(false)
			eng.SendMessage(line)
		}
	}()

	<-ctx.Done()

	eng.SetActive(false)
	eng.Disconnect()

	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	cfg.Level = lvl

	return cfg.Build()
}

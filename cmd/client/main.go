// Command client is a headless Strangers peer driven from the terminal.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Strangers/internal/adapters/rtc"
	"github.com/dkeye/Strangers/internal/client"
	"github.com/dkeye/Strangers/internal/client/negotiation"
	"github.com/dkeye/Strangers/internal/client/signaling"
	"github.com/dkeye/Strangers/internal/config"
)

const help = `commands:
  /disconnect   press the disconnect control
  /skip         next partner
  /photo        ask the partner for a photo
  /image <path> send an image file
  /quit         leave
anything else is sent as chat`

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	flags := pflag.NewFlagSet("client", pflag.ExitOnError)
	flags.StringVarP(&cfg.ServerURL, "server", "s", cfg.ServerURL, "signaling websocket URL")
	flags.StringVarP(&cfg.Name, "name", "n", cfg.Name, "display name")
	flags.StringVarP(&cfg.Mode, "mode", "m", cfg.Mode, "text or video")
	flags.StringSliceVar(&cfg.STUNServers, "stun", cfg.STUNServers, "STUN server URLs")
	flags.DurationVar(&cfg.GracePeriod, "grace", cfg.GracePeriod, "wait for a vanished partner before cleaning up")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	noCapture := flags.Bool("deny-media", false, "refuse media capture")
	_ = flags.Parse(os.Args[1:])

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sc, err := signaling.Dial(ctx, cfg.ServerURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect")
	}
	defer sc.Close()

	ui := &terminalUI{}
	opts := client.Options{
		Name:        cfg.Name,
		Video:       cfg.Mode == config.ModeVideo,
		ICEServers:  []webrtc.ICEServer{{URLs: cfg.STUNServers}},
		GracePeriod: cfg.GracePeriod,
		Engine:      rtc.NewEngine(!*noCapture),
		Sink:        ui,
	}
	sess := client.NewSession(sc, ui, opts)
	defer sess.Close()

	go readCommands(ctx, cancel, sess)

	fmt.Println(help)
	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("session ended")
	}
}

func readCommands(ctx context.Context, cancel context.CancelFunc, sess *client.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		var err error
		switch {
		case line == "":
		case line == "/quit":
			cancel()
			return
		case line == "/disconnect":
			sess.Disconnect()
		case line == "/skip":
			err = sess.Skip()
		case line == "/photo":
			err = sess.RequestPhoto()
		case strings.HasPrefix(line, "/image "):
			var data []byte
			data, err = os.ReadFile(strings.TrimSpace(strings.TrimPrefix(line, "/image ")))
			if err == nil {
				err = sess.SendImage(data)
			}
		default:
			err = sess.SendChat(line)
		}
		if err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
	cancel()
}

// terminalUI prints session output and doubles as the remote media sink.
type terminalUI struct{}

func (terminalUI) Notice(text string)       { fmt.Printf("* %s\n", text) }
func (terminalUI) Chat(name, text string)   { fmt.Printf("%s: %s\n", name, text) }
func (terminalUI) PhotoRequested()          { fmt.Println("* Your partner asks for a photo. Use /image <path>.") }
func (terminalUI) Image(data []byte)        { fmt.Printf("* Received an image (%d bytes)\n", len(data)) }
func (terminalUI) Label(label string)       { fmt.Printf("[%s]\n", label) }
func (terminalUI) ChatEnabled(enabled bool) {}

func (terminalUI) Attach(t negotiation.Track) {
	fmt.Printf("* Receiving partner %s\n", t.Kind)
}

func (terminalUI) Clear() {}

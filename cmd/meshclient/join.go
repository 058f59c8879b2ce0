package main

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/services"
	"meshmeet/internal/infrastructure/monitoring"
	signalclient "meshmeet/internal/infrastructure/signal"
	webrtcinfra "meshmeet/internal/infrastructure/webrtc"
	"meshmeet/pkg/config"
	"meshmeet/pkg/validation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagSecret      string
	flagCamera      bool
	flagMic         bool
	flagScreen      bool
	flagAutoAccept  bool
	flagMetricsAddr string
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room, with the host pass when the room is occupied",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runParticipant(cmd.Context(), args[0], false)
	},
}

var requestCmd = &cobra.Command{
	Use:   "request <room-id>",
	Short: "Ask the room's members for admission and join once accepted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runParticipant(cmd.Context(), args[0], true)
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagSecret, "secret", "", "room pass")
	for _, c := range []*cobra.Command{joinCmd, requestCmd} {
		c.Flags().BoolVar(&flagCamera, "camera", false, "start the camera after joining")
		c.Flags().BoolVar(&flagMic, "mic", false, "start the microphone after joining")
		c.Flags().BoolVar(&flagScreen, "screen", false, "share the screen after joining")
		c.Flags().BoolVar(&flagAutoAccept, "auto-accept", false, "admit every join request")
		c.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	}
}

func runParticipant(parent context.Context, room string, request bool) error {
	if err := validation.ValidateRoomID(room); err != nil {
		return err
	}
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	collector := monitoring.NewCollector(registry)
	if flagMetricsAddr != "" {
		go serveMetrics(flagMetricsAddr, registry, log)
	}

	factory, err := webrtcinfra.NewPeerConnectionFactory(webrtcinfra.ConfigFrom(cfg), log.Named("webrtc"))
	if err != nil {
		return err
	}
	devices := webrtcinfra.NewSyntheticDevices(webrtcinfra.DefaultSyntheticConfig(), log.Named("devices"))

	client, err := signalclient.Dial(ctx, signalclient.DefaultClientConfig(cfg.Client.RelayURL), log.Named("signal"))
	if err != nil {
		return err
	}
	defer client.Close()

	identity := domain.Identity{Name: cfg.Client.Name, Email: cfg.Client.Email, ImageURL: cfg.Client.ImageURL}
	session := services.NewSession(identity, client, factory, devices, sessionConfig(cfg), collector, log)
	defer session.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx, client.Incoming()) }()

	roomID := domain.RoomID(room)
	if request {
		if err := session.Chat.RequestJoin(ctx, roomID, identity); err != nil {
			return err
		}
		log.Infow("Waiting for admission", "room_id", roomID)
	} else if err := session.Join(ctx, roomID, flagSecret); err != nil {
		return err
	}

	go startMedia(ctx, session, log)
	go readCommands(ctx, session, log)
	render(ctx, session, log, runErr)

	leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.Leave(leaveCtx); err != nil {
		log.Warnw("Leave was not announced", "error", err)
	}
	return nil
}

func sessionConfig(cfg *config.Config) services.SessionConfig {
	return services.SessionConfig{
		Negotiation: services.NegotiationConfig{HandshakeTimeout: cfg.Negotiation.HandshakeTimeout},
		Chat: services.ChatConfig{
			MessagesPerSecond: cfg.Chat.MessagesPerSecond,
			Burst:             cfg.Chat.Burst,
		},
		Parallel: cfg.Negotiation.Parallel,
	}
}

func startMedia(ctx context.Context, session *services.Session, log *zap.SugaredLogger) {
	if flagCamera {
		if err := session.Media.StartCamera(ctx); err != nil {
			log.Warnw("Camera unavailable", "error", err)
		}
	}
	if flagMic {
		if err := session.Media.StartMicrophone(ctx); err != nil {
			log.Warnw("Microphone unavailable", "error", err)
		}
	}
	if flagScreen {
		if err := session.Media.StartScreenShare(ctx); err != nil {
			log.Warnw("Screen share unavailable", "error", err)
		}
	}
}

// render logs what a UI would redraw each time the registry changes.
func render(ctx context.Context, session *services.Session, log *zap.SugaredLogger, runErr <-chan error) {
	changes, unsubscribe := session.Notifier.Subscribe()
	defer unsubscribe()

	seenRequests := make(map[domain.SocketID]bool)
	seenChat := 0
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("Session stopped", "error", err)
			} else {
				log.Infow("Relay connection closed")
			}
			return
		case <-changes:
		}

		for _, v := range session.Registry.TakeRenderedChanges() {
			log.Infow("Participant",
				"socket_id", v.SocketID,
				"name", v.Name,
				"state", v.State,
				"audio", v.Audio.Playing,
				"video", v.Video.Playing,
			)
		}

		for _, req := range session.Chat.JoinRequests() {
			if seenRequests[req.SocketID] {
				continue
			}
			seenRequests[req.SocketID] = true
			log.Infow("Join request", "socket_id", req.SocketID, "name", req.Identity.DisplayName())
			if flagAutoAccept {
				if err := session.Chat.AcceptJoin(ctx, req.SocketID); err != nil {
					log.Warnw("Failed to accept join request", "socket_id", req.SocketID, "error", err)
				}
			}
		}

		history := session.Chat.History()
		for _, msg := range history[min(seenChat, len(history)):] {
			log.Infow("Chat", "from", msg.SenderLabel, "message", msg.Body)
		}
		seenChat = len(history)
	}
}

// readCommands treats stdin lines as chat, except for a few slash commands.
func readCommands(ctx context.Context, session *services.Session, log *zap.SugaredLogger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var err error
		switch line {
		case "":
			continue
		case "/camera":
			if session.Media.CameraOn() {
				err = session.Media.StopCamera(ctx)
			} else {
				err = session.Media.StartCamera(ctx)
			}
		case "/mic":
			if session.Media.MicOn() {
				err = session.Media.StopMicrophone(ctx)
			} else {
				err = session.Media.StartMicrophone(ctx)
			}
		case "/screen":
			if session.Media.Sharing() {
				err = session.Media.StopScreenShare(ctx)
			} else {
				err = session.Media.StartScreenShare(ctx)
			}
		default:
			err = session.Chat.SendChatMessage(ctx, line)
		}
		if err != nil {
			log.Warnw("Command failed", "input", line, "error", err)
		}
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnw("Metrics server stopped", "error", err)
	}
}

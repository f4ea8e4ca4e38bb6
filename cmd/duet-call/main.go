// Command duet-call is a headless calling client, used to exercise the relay
// and the call state machine from a terminal: it joins a room, streams
// placeholder media, and prints call status as it changes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/duetapp/duet-rtc/internal/calladapter"
	"github.com/duetapp/duet-rtc/internal/coordinator"
	"github.com/duetapp/duet-rtc/internal/rtcapi"
	"github.com/duetapp/duet-rtc/internal/signalclient"
)

var (
	flagServer   string
	flagRoom     string
	flagUser     string
	flagStunURLs []string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "duet-call --room <room-id>",
	Short: "Join a call room and stream placeholder media",
	Long: `duet-call connects to a duet-signal-relay instance, joins the given
room, and runs a full call: it negotiates a peer connection with whoever
else is in the room and reports status transitions on stdout.

Examples:
  duet-call --room date-night
  duet-call --room date-night --server https://rtc.example.com --user mia`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagServer, "server", "http://127.0.0.1:2609", "base URL of the signaling relay")
	rootCmd.Flags().StringVar(&flagRoom, "room", "", "room to join (required)")
	rootCmd.Flags().StringVar(&flagUser, "user", "", "user id, random when empty")
	rootCmd.Flags().StringSliceVar(&flagStunURLs, "stun-urls", nil, "STUN URLs, overriding the relay's ICE config")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "debug, info, warn, or error")
	_ = rootCmd.MarkFlagRequired("room")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCall(ctx context.Context) error {
	logger, err := newLogger(flagLogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	userID := flagUser
	if userID == "" {
		userID = uuid.NewString()
	}

	signalURL, err := signalingURL(flagServer)
	if err != nil {
		return err
	}

	stunURLs := flagStunURLs
	if len(stunURLs) == 0 {
		stunURLs, err = fetchStunURLs(ctx, flagServer)
		if err != nil {
			return fmt.Errorf("fetch ICE config: %w", err)
		}
	}
	logger.Debug("resolved ICE servers", "stun_urls", stunURLs)

	api, err := rtcapi.New(rtcapi.Options{
		LoggerFactory: rtcapi.SlogLoggerFactory{Logger: logger},
	})
	if err != nil {
		return err
	}

	signals := signalclient.New(signalURL, signalclient.Options{Logger: logger})
	if err := signals.Connect(ctx); err != nil {
		return err
	}
	defer signals.Close()

	coord, err := coordinator.New(coordinator.Config{
		RoomID:  flagRoom,
		UserID:  userID,
		Signals: signals,
		API:     api,
		WebRTC:  rtcapi.Configuration(stunURLs),
		Media:   coordinator.StaticSource{StreamID: userID},
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	adapter := calladapter.New(coord, signals, calladapter.Options{
		Logger:   logger,
		OnChange: printSnapshot,
	})
	defer adapter.Close()

	if err := coord.Start(); err != nil {
		return err
	}
	adapter.StartCall()

	fmt.Printf("joined room %q as %q, waiting for a partner (Ctrl-C to hang up)\n", flagRoom, userID)

	select {
	case <-ctx.Done():
		fmt.Println("\nhanging up")
	case <-signals.Done():
		if err := signals.Err(); err != nil {
			logger.Warn("signaling connection ended", "err", err)
		}
	}

	adapter.EndCall()
	coord.Close()
	return nil
}

var lastPrinted string

// printSnapshot writes one line per observable change, not per event.
func printSnapshot(s calladapter.Snapshot) {
	line := fmt.Sprintf("status=%s mic=%v camera=%v remote_tracks=%d partner_filter=%q",
		s.Status, s.MicOn, s.CameraOn, len(s.RemoteTracks), s.PartnerState.Filter)
	if line == lastPrinted {
		return
	}
	lastPrinted = line
	fmt.Println(line)
}

// signalingURL turns the relay's base URL into the signaling WebSocket URL.
func signalingURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rtc/signal"
	return u.String(), nil
}

func fetchStunURLs(ctx context.Context, base string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/rtc/ice", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var body struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	var urls []string
	for _, srv := range body.ICEServers {
		urls = append(urls, srv.URLs...)
	}
	return urls, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

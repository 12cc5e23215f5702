// Medicall CLI entry point.
//
// "serve" runs the rendezvous relay that call peers meet on. "join" runs a
// headless call peer: it joins a room, optionally calls another participant,
// and keeps the call up until Ctrl+C. Media is a silent audio track and an
// idle video track, enough to exercise the whole negotiation path.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/medicall/internal/call"
	"github.com/1ureka/medicall/internal/config"
	"github.com/1ureka/medicall/internal/negotiation"
	"github.com/1ureka/medicall/internal/signaling"
	"github.com/1ureka/medicall/internal/transport"
	"github.com/1ureka/medicall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var configPath string
	var trace bool

	root := &cobra.Command{
		Use:           "medicall",
		Short:         "One-to-one video call signaling: relay server and headless peer",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				if err := loaded.Overlay(cmd.Flags()); err != nil {
					return err
				}
				cfg = loaded
			}

			switch {
			case trace:
				util.EnableTrace()
			case cfg.Debug:
				util.EnableDebug()
			}

			pterm.Info.Println(fmt.Sprintf("Medicall v%s", version))
			pterm.Println()
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	root.PersistentFlags().BoolVar(&trace, "trace", false, "log media engine internals")
	root.PersistentFlags().MarkHidden("trace")
	cfg.BindFlags(root.PersistentFlags())

	root.AddCommand(newServeCmd(&cfg), newJoinCmd(&cfg))
	return root
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the rendezvous relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pterm.DefaultBox.WithTitle("Relay").Println(
				fmt.Sprintf("Listen : %s\nPath   : /ws\nHealth : /healthz", cfg.ListenAddr))
			pterm.Println()

			if err := signaling.ListenAndServe(cmd.Context(), cfg.ListenAddr); err != nil {
				return err
			}
			util.LogInfo("relay stopped")
			return nil
		},
	}
}

func newJoinCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "Join a room as a call peer",
		Long: `Join a room on the relay and take part in a one-to-one call.

Examples:
  medicall join --room clinic-7 --identity dr.who@example.com
  medicall join --room clinic-7 --identity patient@example.com --call dr.who@example.com
  medicall join --url wss://relay.example.com --room clinic-7 --identity nurse --call auto`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.RoomID == "" {
				cfg.RoomID = ask("Room")
			}
			if cfg.Identity == "" {
				cfg.Identity = ask("Your identity (e.g. an email)")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runPeer(cmd.Context(), *cfg)
		},
	}
}

// ---------------------------------------------------------------------------
// Peer
// ---------------------------------------------------------------------------

// runPeer joins the room, places the configured call and stays until the
// context ends or the relay goes away.
func runPeer(ctx context.Context, cfg config.Config) error {
	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Connecting to %s ...", cfg.SignalURL))

	conn, err := signaling.Dial(ctx, cfg.SignalURL)
	if err != nil {
		spinner.Fail("cannot reach server")
		return err
	}
	defer conn.Close()

	engine, err := transport.NewPionEngine(cfg.ICEServers)
	if err != nil {
		spinner.Fail("media engine unavailable")
		return err
	}

	ctrl := call.New(conn, engine, transport.StaticDevices{}, call.Options{
		Constraints: transport.Constraints{Audio: cfg.Audio, Video: cfg.Video},
		Timeout:     cfg.NegotiationTimeout,
	})
	ctrl.OnStateChange(reportState)
	ctrl.OnRemoteStream(func(remote string, track transport.RemoteTrack) {
		util.LogSuccess("[%s] receiving %s (stream %s)", remote, track.Kind, track.StreamID)
	})

	spinner.UpdateText(fmt.Sprintf("Joining %s as %s ...", cfg.RoomID, cfg.Identity))
	if err := ctrl.Join(ctx, cfg.RoomID, cfg.Identity); err != nil {
		spinner.Fail("join failed")
		return err
	}
	spinner.Success(fmt.Sprintf("In room %s as %s", cfg.RoomID, cfg.Identity))

	if peers := ctrl.Peers(); len(peers) > 0 {
		util.LogInfo("present: %s", strings.Join(peers, ", "))
	}

	util.StartStatsReporter(ctx, cfg.StatsInterval)

	if cfg.Callee != "" {
		callee := cfg.Callee
		if callee == "auto" {
			callee = ""
		}
		if err := placeCall(ctx, ctrl, callee); err != nil {
			leave(ctrl)
			return err
		}
	} else {
		util.LogInfo("waiting for a call, Ctrl+C to leave")
	}

	select {
	case <-ctx.Done():
	case <-conn.Done():
		if err := conn.Err(); err != nil {
			leave(ctrl)
			return fmt.Errorf("lost connection to relay: %w", err)
		}
	}

	leave(ctrl)
	util.LogInfo("left the room")
	return nil
}

func placeCall(ctx context.Context, ctrl *call.Controller, callee string) error {
	if err := ctrl.Call(ctx, callee); err != nil {
		return err
	}
	if peers := ctrl.Peers(); callee == "" && len(peers) == 1 {
		callee = peers[0]
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Calling %s ...", callee))
	if err := ctrl.WaitConnected(ctx, callee); err != nil {
		if errors.Is(err, context.Canceled) {
			spinner.Warning("cancelled")
			return nil
		}
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success(fmt.Sprintf("Connected to %s", callee))
	return nil
}

func leave(ctrl *call.Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Leave(ctx); err != nil {
		util.LogDebug("leave: %v", err)
	}
}

func reportState(ev negotiation.Event) {
	switch {
	case ev.To == negotiation.Closed && ev.Err != nil:
		util.LogWarning("[%s] call ended: %v", ev.Remote, ev.Err)
	case ev.To == negotiation.Closed:
		util.LogInfo("[%s] call ended", ev.Remote)
	case ev.To == negotiation.AnswerCreating:
		util.LogInfo("[%s] incoming call, answering", ev.Remote)
	}
}

// ask prompts until a non-empty value is entered.
func ask(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}
		util.LogWarning("a value is required")
	}
}

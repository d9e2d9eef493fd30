package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chaz8081/btchat/internal/btconn"
	"github.com/chaz8081/btchat/internal/config"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runSession builds a session, runs start, then chats until the user quits.
func runSession(start func(ctx context.Context, s *session)) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	s, err := newSession(cfg, log, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := signalContext()
	defer cancel()

	s.mgr.PowerOn(ctx)
	start(ctx, s)
	s.chat(ctx)
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "become discoverable and wait for a peer",
	Long:  `serve makes the adapter discoverable and accepts one inbound link, then opens the chat`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(func(ctx context.Context, s *session) {
			s.mgr.OpenService(ctx, s.discoverable())
		})
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect [address]",
	Short: "connect to a peer",
	Long:  `connect dials the peer at address, or scans and asks which peer to dial when no address is given`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(func(ctx context.Context, s *session) {
			if len(args) == 1 {
				s.mgr.ConnectTo(args[0])
				return
			}
			s.mgr.RequestPermission(ctx)
		})
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "list nearby devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		radio, err := openRadio(cfg, log)
		if err != nil {
			return err
		}
		defer radio.Close()

		ctx, cancel := signalContext()
		defer cancel()
		return scan(ctx, radio, time.Duration(cfg.Scan.TimeoutSeconds)*time.Second, log)
	},
}

// peerLister prints each peer the first time it is seen.
type peerLister struct {
	seen map[string]bool
}

func (p *peerLister) Observe(e btconn.Event) {
	if e.Kind != btconn.KindPeerDiscovered || p.seen[e.Peer.Address] {
		return
	}
	p.seen[e.Peer.Address] = true
	fmt.Printf("  %s\n", e.Peer)
}

func scan(ctx context.Context, radio btconn.Radio, window time.Duration, log *zap.Logger) error {
	bcast := btconn.NewBroadcaster(radio, log.Named("broadcast"))
	powered := radio.Powered()
	bcast.Seed(btconn.RadioState{Powered: powered, Discoverable: powered && radio.Discoverable()})
	radio.Notify(bcast.Handle)
	bcast.Register(&peerLister{seen: make(map[string]bool)})

	if !radio.Powered() {
		if err := radio.SetPowered(ctx, true); err != nil {
			return fmt.Errorf("power on: %w", err)
		}
	}
	if err := radio.StartDiscovery(ctx); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	fmt.Printf("scanning for %s...\n", window)
	select {
	case <-time.After(window):
	case <-ctx.Done():
	}
	return radio.StopDiscovery()
}

var powerCmd = &cobra.Command{
	Use:       "power on|off",
	Short:     "switch the radio on or off",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		radio, err := openRadio(cfg, log)
		if err != nil {
			return err
		}
		defer radio.Close()

		want := btconn.KindRadioOn
		if args[0] == "off" {
			want = btconn.KindRadioOff
		}
		w := &waiter{want: want, got: make(chan btconn.Event, 1)}
		m := btconn.New(radio, w, btconn.Options{Logger: log.Named("btconn")})

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if want == btconn.KindRadioOn {
			m.PowerOn(ctx)
		} else {
			m.PowerOff(ctx)
		}

		var result error
		select {
		case e := <-w.got:
			fmt.Println(e.Kind, e.Outcome)
			if e.Outcome == btconn.OutcomeError {
				result = e.Err
			}
		case <-ctx.Done():
			result = fmt.Errorf("no %s within %s", want, shutdownTimeout)
		}
		if err := m.Shutdown(context.Background()); err != nil {
			log.Warn("manager shutdown", zap.Error(err))
		}
		return result
	},
}

// waiter captures the first event of one kind.
type waiter struct {
	want btconn.Kind
	got  chan btconn.Event
}

func (w *waiter) Receive(e btconn.Event) {
	if e.Kind != w.want {
		return
	}
	select {
	case w.got <- e:
	default:
	}
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "write the default config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.WriteDefault()
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Println("config already exists at", config.DefaultConfigPath())
			return nil
		}
		fmt.Println("wrote", path)
		return nil
	},
}

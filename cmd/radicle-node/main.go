// Command radicle-node is the daemon and client CLI binary: `start` boots
// a Node in this process and blocks until signaled, `profile init` creates
// a home directory, and the `node` subcommands are thin control-socket
// clients, mirroring the
// teacher's cmd/cli/network.go split between a PersistentPreRunE that wires
// a long-lived *core.Node and leaf RunE commands that drive it.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"radicle-node/control"
	"radicle-node/node"
	"radicle-node/profile"
	"radicle-node/reactor"
	"radicle-node/wire"
)

func main() {
	root := &cobra.Command{Use: "radicle-node", Short: "Radicle peer-to-peer node"}
	root.PersistentFlags().String("home", defaultHome(), "profile home directory")
	viper.BindPFlag("home", root.PersistentFlags().Lookup("home"))

	root.AddCommand(startCmd())
	root.AddCommand(profileCmd())
	root.AddCommand(nodeCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".radicle"
	}
	return home + "/.radicle"
}

func homeDir(cmd *cobra.Command) string {
	h, _ := cmd.Flags().GetString("home")
	return h
}

// --- start ------------------------------------------------------------

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "boot a node and block until signaled",
		RunE:  runStart,
	}
	cmd.Flags().String("magic", "testnet", "network magic: mainnet or testnet")
	cmd.Flags().StringSlice("listen", []string{"/ip4/0.0.0.0/tcp/8776"}, "libp2p listen multiaddrs")
	cmd.Flags().Int("fetch-workers", 4, "fetch scheduler worker pool size")
	return cmd
}

func runStart(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	lv, err := logrus.ParseLevel(viper.GetString("logging.level"))
	if err != nil {
		lv = logrus.InfoLevel
	}
	log := logrus.New()
	log.SetLevel(lv)

	home := homeDir(cmd)
	if _, err := profile.Open(home); err != nil {
		return fmt.Errorf("radicle-node: no profile at %s, run `profile init` first: %w", home, err)
	}

	magicName, _ := cmd.Flags().GetString("magic")
	magic := wire.MagicTestnet
	if magicName == "mainnet" {
		magic = wire.MagicMainnet
	}
	listen, _ := cmd.Flags().GetStringSlice("listen")
	workers, _ := cmd.Flags().GetInt("fetch-workers")

	n, err := node.New(home, node.Config{
		Magic:        magic,
		ListenAddrs:  listen,
		FetchWorkers: workers,
		RelayPolicy:  reactor.RelayAlways,
	}, log)
	if err != nil {
		return fmt.Errorf("radicle-node: start: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("radicle-node: shutting down")
		n.Shutdown()
		cancel()
	}()

	log.WithField("nid", n.Profile.NodeID.String()).WithField("listen", n.Transport.LocalAddrs()).Info("radicle-node: started")
	n.Run(ctx)
	return nil
}

// --- profile ------------------------------------------------------------

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "profile", Short: "manage the on-disk identity and config"}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "create a new profile home directory and keypair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			home := homeDir(cmd)
			p, err := profile.Init(home)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized profile at %s\nnode id: %s\n", home, p.NodeID.String())
			return nil
		},
	})
	return cmd
}

// --- node (control-socket client commands) -------------------------------

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node", Short: "talk to a running node over its control socket"}
	cmd.AddCommand(
		nodeConnectCmd(),
		nodeSeedsCmd(),
		nodeFetchCmd(),
		nodeTrackNodeCmd(),
		nodeTrackRepoCmd(),
		nodeSessionsCmd(),
		nodeSubscribeCmd(),
		nodeReadCobCmd(),
	)
	return cmd
}

func nodeConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <nid> <addr>",
		Short: "connect to a peer by NodeId and address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return controlRequest(cmd, control.Request{Type: "connect", NID: args[0], Addr: args[1]})
		},
	}
}

func nodeSeedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seeds <rid>",
		Short: "list known seeders of a repo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return controlRequest(cmd, control.Request{Type: "seeds", RID: args[0]})
		},
	}
}

func nodeFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <rid> [from...]",
		Short: "fetch a repo on demand, optionally from specific seeds",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return controlRequest(cmd, control.Request{Type: "fetch", RID: args[0], From: args[1:]})
		},
	}
}

func nodeTrackNodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "track-node <nid>",
		Short: "mark a node as trusted for relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return controlRequest(cmd, control.Request{Type: "trackNode", NID: args[0]})
		},
	}
}

func nodeTrackRepoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "track-repo <rid>",
		Short: "start tracking a repo for fetch/seed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return controlRequest(cmd, control.Request{Type: "trackRepo", RID: args[0]})
		},
	}
}

func nodeSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "list current peer sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return controlRequest(cmd, control.Request{Type: "sessions"})
		},
	}
}

func nodeReadCobCmd() *cobra.Command {
	var helper string
	cmd := &cobra.Command{
		Use:   "read-cob <rid> <type> <object-id>",
		Short: "evaluate a collaborative object's current state via an external helper",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return controlRequest(cmd, control.Request{
				Type:     "readCob",
				RID:      args[0],
				CobType:  args[1],
				ObjectID: args[2],
				Helper:   helper,
			})
		},
	}
	cmd.Flags().StringVar(&helper, "helper", "", "path to the external evaluator helper executable")
	return cmd
}

func nodeSubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe",
		Short: "stream node events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := dialControl(cmd)
			if err != nil {
				return err
			}
			defer conn.Close()
			if _, err := conn.Write(append(mustJSON(control.Request{Type: "subscribe"}), '\n')); err != nil {
				return err
			}
			dec := json.NewDecoder(bufio.NewReader(conn))
			for {
				var ev map[string]interface{}
				if err := dec.Decode(&ev); err != nil {
					return nil
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				_ = enc.Encode(ev)
			}
		},
	}
}

func dialControl(cmd *cobra.Command) (net.Conn, error) {
	home := homeDir(cmd)
	p, err := profile.Open(home)
	if err != nil {
		return nil, fmt.Errorf("radicle-node: no profile at %s: %w", home, err)
	}
	conn, err := net.Dial("unix", p.ControlSocket())
	if err != nil {
		return nil, fmt.Errorf("radicle-node: connect control socket: %w (is the node running?)", err)
	}
	return conn, nil
}

func controlRequest(cmd *cobra.Command, req control.Request) error {
	conn, err := dialControl(cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write(append(mustJSON(req), '\n')); err != nil {
		return err
	}
	var resp control.Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return fmt.Errorf("radicle-node: read response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("radicle-node: %s", resp.Error)
	}
	if resp.Result != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp.Result)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// sxsh is the client: it connects to an sxshd server, authenticates,
// and exposes the shell/file-transfer/port-forward facilities as
// subcommands.
//
// Copyright (c) 2017-2019 Russell Magee
// Portions copyright (c) 2020-2026, adapted for sxsh.
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"blitter.com/go/sxsh/channels"
	"blitter.com/go/sxsh/codec"
	"blitter.com/go/sxsh/dispatcher"
	"blitter.com/go/sxsh/protocol"
	"blitter.com/go/sxsh/xcrypto"
	"blitter.com/go/sxsh/xsession"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// log is the client's structured logger. Unlike sxshd it never has a
// syslog Writer to attach to, so it writes plainly to stderr and stays
// at Warn level - a user running sxsh interactively doesn't want
// Info-level session-lifecycle noise mixed into command output.
var log = newClientLogger()

func newClientLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	return l
}

func main() {
	codec.SetLogger(log)
	xsession.SetLogger(log)
	dispatcher.SetLogger(log)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sxsh",
		Short: "sxsh is the sxsh client",
	}
	cmd.PersistentFlags().String("host", "localhost", "server host")
	cmd.PersistentFlags().Uint16("port", 2200, "server port")
	cmd.PersistentFlags().String("user", os.Getenv("USER"), "username")
	cmd.PersistentFlags().String("identity", "", "path to an RSA private key to authenticate with (publickey/dual auth)")
	cmd.PersistentFlags().String("trustedkey", "", "path to the pinned server host public key")
	cmd.PersistentFlags().Bool("password-auth", true, "prompt for a password (disable with --identity for publickey-only)")
	_ = viper.BindPFlags(cmd.PersistentFlags())

	cmd.AddCommand(newExecCmd(), newPutCmd(), newGetCmd(), newForwardCmd())
	return cmd
}

// connectAndAuth drives Connect with credentials gathered from flags and
// (if password auth is in play) an interactive prompt, mirroring the
// teacher's xs.go "Gimme cookie:" / xs.ReadPassword flow but against the
// state machine's real password auth rather than a pre-shared auth
// token.
func connectAndAuth() (*xsession.Session, error) {
	host := viper.GetString("host")
	port := uint16(viper.GetUint("port"))
	username := viper.GetString("user")
	identityPath := viper.GetString("identity")
	trustedKeyPath := viper.GetString("trustedkey")

	if trustedKeyPath == "" {
		return nil, fmt.Errorf("--trustedkey is required (pinned server host key)")
	}
	trustedKeyBytes, err := os.ReadFile(trustedKeyPath) // nolint: gosec
	if err != nil {
		return nil, fmt.Errorf("reading trusted host key: %w", err)
	}
	trustedKey, err := xcrypto.ParsePublicKey(strings.TrimSpace(string(trustedKeyBytes)))
	if err != nil {
		return nil, fmt.Errorf("parsing trusted host key: %w", err)
	}

	cfg := xsession.ClientConfig{
		Username:       username,
		TrustedHostKey: trustedKey,
		ClientIDString: "sxsh-client-1.0",
	}

	switch {
	case identityPath != "" && viper.GetBool("password-auth"):
		cfg.AuthType = protocol.AuthDual
	case identityPath != "":
		cfg.AuthType = protocol.AuthPublicKey
	default:
		cfg.AuthType = protocol.AuthPassword
	}

	if cfg.AuthType == protocol.AuthPassword || cfg.AuthType == protocol.AuthDual {
		cfg.Password, err = promptPassword()
		if err != nil {
			return nil, err
		}
	}
	if cfg.AuthType == protocol.AuthPublicKey || cfg.AuthType == protocol.AuthDual {
		keyBytes, err := os.ReadFile(identityPath) // nolint: gosec
		if err != nil {
			return nil, fmt.Errorf("reading identity: %w", err)
		}
		cfg.PrivateKey, err = xcrypto.ParsePrivateKey(strings.TrimSpace(string(keyBytes)))
		if err != nil {
			return nil, fmt.Errorf("parsing identity: %w", err)
		}
	}

	nc, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	sess, err := xsession.Connect(nc, cfg)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return sess, nil
}

// promptPassword reads a password from the controlling terminal without
// echo when stdin is a tty (golang.org/x/term, the ecosystem's
// successor to the teacher's hand-rolled termmode_bsd.go raw-mode code,
// which this client drops along with the rest of the terminal-emulation
// Non-goal), falling back to a plain read for piped/non-interactive use.
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	if isatty.IsTerminal(os.Stdin.Fd()) {
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		return string(b), err
	}
	var pw string
	_, err := fmt.Fscanln(os.Stdin, &pw)
	return pw, err
}

func newExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec [command]",
		Short: "run a single command on the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := connectAndAuth()
			if err != nil {
				return err
			}
			defer sess.Abort()

			d := dispatcher.New(sess)
			go d.Run()
			shell := channels.NewShellEngine(d)

			res, err := shell.Run(strings.Join(args, " "), sess.Cwd())
			if err != nil {
				return err
			}
			fmt.Fprint(os.Stdout, res.Stdout)
			fmt.Fprint(os.Stderr, res.Stderr)
			if res.Cwd != "" {
				sess.SetCwd(res.Cwd)
			}
			if res.ExitCode != 0 {
				os.Exit(int(res.ExitCode))
			}
			return nil
		},
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put [local] [remote]",
		Short: "upload a file to the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := connectAndAuth()
			if err != nil {
				return err
			}
			defer sess.Abort()

			d := dispatcher.New(sess)
			go d.Run()
			return channels.NewTransferEngine(d).Upload(args[0], args[1])
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [remote] [local]",
		Short: "download a file from the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := connectAndAuth()
			if err != nil {
				return err
			}
			defer sess.Abort()

			d := dispatcher.New(sess)
			go d.Run()
			return channels.NewTransferEngine(d).Download(args[0], args[1])
		},
	}
}

func newForwardCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "forward [port] [host] [port]",
		Short: "hold open a local (default: [lport] [rhost] [rport]) or remote (-R: [rport] [lhost] [lport]) port forward",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := connectAndAuth()
			if err != nil {
				return err
			}
			defer sess.Abort()

			lport, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return fmt.Errorf("lport: %w", err)
			}
			destPort, err := strconv.ParseUint(args[2], 10, 16)
			if err != nil {
				return fmt.Errorf("destport: %w", err)
			}

			d := dispatcher.New(sess)
			fwd := channels.NewForwardEngine(d)
			client := &channels.ClientRouter{Forward: fwd}
			d.SetRequestHandler(client.Handle)
			go d.Run()

			if remote {
				if err := fwd.RequestRemoteForward(uint16(lport), args[1], uint16(destPort)); err != nil {
					return err
				}
			} else {
				ln, err := fwd.RequestLocalForward(uint16(lport), args[1], uint16(destPort))
				if err != nil {
					return err
				}
				defer ln.Close()
			}

			fmt.Fprintf(os.Stderr, "forwarding, press Ctrl-C to stop\n")
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
	cmd.Flags().BoolVarP(&remote, "remote", "R", false, "remote forward instead of local")
	return cmd
}

// sxshd is the server daemon: it accepts connections, drives the
// handshake/auth/service state machine, and serves shell/transfer/
// forward requests for each authenticated session.
//
// Copyright (c) 2017-2019 Russell Magee
// Portions copyright (c) 2020-2026, adapted for sxsh.
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package main

import (
	"crypto/rsa"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"

	"blitter.com/go/sxsh/audit"
	"blitter.com/go/sxsh/channels"
	"blitter.com/go/sxsh/codec"
	"blitter.com/go/sxsh/dispatcher"
	"blitter.com/go/sxsh/logger"
	"blitter.com/go/sxsh/protocol"
	"blitter.com/go/sxsh/userdir"
	"blitter.com/go/sxsh/xcrypto"
	"blitter.com/go/sxsh/xsession"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log *logrus.Logger

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sxshd",
		Short: "sxshd is the sxsh server daemon",
		RunE:  runServe,
	}
	cmd.Flags().Uint16("port", 2200, "listen port")
	cmd.Flags().String("hostkey", "/etc/sxshd/hostkey", "path to the server's RSA host key (generated on first run if absent)")
	cmd.Flags().String("userdb", "/etc/sxshd/sxsh.passwd", "path to the user directory file")
	cmd.Flags().String("config", "", "config file (overrides defaults; flags override the config file)")

	viper.SetEnvPrefix("SXSHD")
	viper.AutomaticEnv()
	_ = viper.BindPFlags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgPath, _ := cmd.Flags().GetString("config"); cfgPath != "" {
		viper.SetConfigFile(cfgPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	w, err := logger.New(logger.LOG_DAEMON|logger.LOG_INFO, "sxshd")
	if err != nil {
		return fmt.Errorf("opening syslog: %w", err)
	}
	defer logger.LogClose()
	log = logger.NewStructured(w)
	codec.SetLogger(log)
	xsession.SetLogger(log)
	dispatcher.SetLogger(log)

	port := uint16(viper.GetUint("port"))
	hostKeyPath := viper.GetString("hostkey")
	userDBPath := viper.GetString("userdb")

	hostKey, err := loadOrGenerateHostKey(hostKeyPath)
	if err != nil {
		return fmt.Errorf("host key: %w", err)
	}

	dir, err := userdir.NewFileDirectory(userDBPath)
	if err != nil {
		return fmt.Errorf("user directory: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.WithField("port", port).Info("sxshd listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.WithError(err).Error("accept failed")
			continue
		}
		go serveConn(conn, hostKey, dir)
	}
}

func loadOrGenerateHostKey(path string) (*rsa.PrivateKey, error) {
	if b, err := os.ReadFile(path); err == nil { // nolint: gosec
		return xcrypto.ParsePrivateKey(string(b))
	}
	key, err := xcrypto.GenerateHostKey()
	if err != nil {
		return nil, err
	}
	enc, err := xcrypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(enc), 0600); err != nil {
		return nil, err
	}
	return key, nil
}

func serveConn(conn net.Conn, hostKey *rsa.PrivateKey, dir userdir.Directory) {
	defer conn.Close()
	sess, err := xsession.Accept(conn, xsession.ServerConfig{HostKey: hostKey, Directory: dir})
	if err != nil {
		log.WithError(err).WithField("peer", conn.RemoteAddr()).Warn("session setup failed")
		return
	}
	defer func() {
		audit.Logout(sess.Audit())
		_ = sess.Abort()
	}()

	d := dispatcher.New(sess)
	shellEng := channels.NewShellEngine(d)
	transferEng := channels.NewTransferEngine(d)
	forwardEng := channels.NewForwardEngine(d)

	router := &channels.ServerRouter{
		Shell:       shellEng,
		Transfer:    transferEng,
		Forward:     forwardEng,
		Who:         sess.Username(),
		ResolvePath: func(name string) string { return resolveUnderHome(sess.Username(), name) },
	}
	d.SetRequestHandler(func(d *dispatcher.Dispatcher, msg protocol.Message) {
		if _, ok := msg.(*protocol.ReloadUsers); ok {
			if err := dir.Reload(); err != nil {
				log.WithError(err).Error("reload users failed")
			}
			return
		}
		router.Handle(d, msg)
	})

	if err := d.Run(); err != nil {
		log.WithError(err).WithField("peer", sess.PeerAddr()).Info("session closed")
	}
}

// resolveUnderHome roots a relative client-supplied file name under
// who's home directory, the way the teacher's runClientToServerCopyAs/
// runServerToClientCopyAs compute destDir/srcPath from u.HomeDir. An
// absolute name is returned unchanged, and if who has no passwd entry
// the name's base is placed under /tmp instead.
func resolveUnderHome(who, name string) string {
	u, err := user.Lookup(who)
	if err != nil {
		return filepath.Join("/tmp", filepath.Base(name))
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(u.HomeDir, filepath.Clean("/"+name))
}

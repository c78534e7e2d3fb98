// Package channels implements the three RPC-style facilities spec.md
// §4.6 layers over the Dispatcher: one-shot shell command execution,
// chunked file transfer with ACK flow control, and TCP port forwarding.
//
// Copyright (c) 2017-2019 Russell Magee
// Portions copyright (c) 2020-2026, adapted for sxsh.
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package channels

import (
	"bytes"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"blitter.com/go/sxsh/dispatcher"
	"blitter.com/go/sxsh/protocol"
	"github.com/google/uuid"
)

// ShellEngine runs one-shot shell commands on behalf of a peer's
// SHELL_COMMAND requests, replying with SHELL_RESULT. There is no pty:
// spec.md's terminal-emulation Non-goal means commands run detached from
// any controlling terminal, unlike the teacher's pty.Start-based
// runShellAs.
type ShellEngine struct {
	d *dispatcher.Dispatcher
}

// NewShellEngine wires a ShellEngine to d. The caller is responsible for
// calling HandleCommand from d's RequestHandler when a *protocol.ShellCommand
// arrives.
func NewShellEngine(d *dispatcher.Dispatcher) *ShellEngine {
	return &ShellEngine{d: d}
}

// Run sends a SHELL_COMMAND for cmd against cwd and blocks for its
// SHELL_RESULT (client side of the RPC).
func (e *ShellEngine) Run(cmd, cwd string) (*protocol.ShellResult, error) {
	requestID := uuid.New().String()
	await := e.d.Await(requestID)
	if err := e.d.Send(&protocol.ShellCommand{
		Command:   cmd,
		Cwd:       cwd,
		RequestID: requestID,
	}); err != nil {
		return nil, err
	}
	msg, err := await()
	if err != nil {
		return nil, err
	}
	res, ok := msg.(*protocol.ShellResult)
	if !ok {
		return nil, protocol.ErrProtocolError
	}
	return res, nil
}

// HandleCommand executes a SHELL_COMMAND for the invoking user, running
// it under who's identity via an unprivileged subprocess, and replies
// with SHELL_RESULT. Grounded on the teacher's runShellAs/
// runClientToServerCopyAs non-interactive branch (exec.Command under the
// target uid/gid), minus the pty/termios/WinCh plumbing those use for
// interactive sessions. The child inherits the server's environment
// unchanged; no minimal env is built for it.
func (e *ShellEngine) HandleCommand(who string, msg *protocol.ShellCommand) {
	stdout, stderr, exitCode, newCwd := runOneShot(who, msg.Command, msg.Cwd)
	_ = e.d.Send(&protocol.ShellResult{
		Stdout:    stdout,
		Stderr:    stderr,
		ExitCode:  exitCode,
		Cwd:       newCwd,
		RequestID: msg.RequestID,
	})
}

func runOneShot(who, cmd, cwd string) (stdout, stderr string, exitCode int32, newCwd string) {
	u, err := user.Lookup(who)
	if err != nil {
		return "", err.Error(), -1, ""
	}
	uid, _ := strconv.ParseUint(u.Uid, 10, 32)
	gid, _ := strconv.ParseUint(u.Gid, 10, 32)

	dir := cwd
	if dir == "" {
		dir = u.HomeDir
	}

	c := exec.Command("/bin/sh", "-c", cmd) // nolint: gosec
	c.Dir = dir
	c.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}

	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	runErr := c.Run()
	exitCode = 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = int32(status.ExitStatus())
			} else {
				exitCode = -1
			}
		} else {
			exitCode = -1
			errBuf.WriteString(runErr.Error())
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, dir
}

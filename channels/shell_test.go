package channels

import (
	"os/user"
	"testing"

	"blitter.com/go/sxsh/dispatcher"
	"blitter.com/go/sxsh/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellEngineRunRoundtrip(t *testing.T) {
	me, err := user.Current()
	require.NoError(t, err)

	clientD, serverD := pairedDispatchers(t)
	shellSrv := NewShellEngine(serverD)
	serverD.SetRequestHandler(func(d *dispatcher.Dispatcher, msg protocol.Message) {
		if cmd, ok := msg.(*protocol.ShellCommand); ok {
			shellSrv.HandleCommand(me.Username, cmd)
		}
	})
	go serverD.Run()
	go clientD.Run()

	shellCli := NewShellEngine(clientD)
	res, err := shellCli.Run("echo -n hello", "/tmp")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Stdout)
	assert.Equal(t, int32(0), res.ExitCode)
}

func TestShellEngineNonZeroExit(t *testing.T) {
	me, err := user.Current()
	require.NoError(t, err)

	clientD, serverD := pairedDispatchers(t)
	shellSrv := NewShellEngine(serverD)
	serverD.SetRequestHandler(func(d *dispatcher.Dispatcher, msg protocol.Message) {
		if cmd, ok := msg.(*protocol.ShellCommand); ok {
			shellSrv.HandleCommand(me.Username, cmd)
		}
	})
	go serverD.Run()
	go clientD.Run()

	shellCli := NewShellEngine(clientD)
	res, err := shellCli.Run("exit 7", "/tmp")
	require.NoError(t, err)
	assert.Equal(t, int32(7), res.ExitCode)
}

package ipc

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/dashaylan/HiveStencil/configs"
)

// startSSHServer runs an ssh server on laddr that records the commands it
// is asked to execute and reports success for each.
func startSSHServer(t *testing.T, laddr, user, password string) (string, <-chan string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	config.AddHostKey(signer)

	l, err := net.Listen("tcp", laddr)
	if err != nil {
		t.Skipf("cannot listen on %s: %v", laddr, err)
	}
	t.Cleanup(func() { l.Close() })

	cmds := make(chan string, 16)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, config, cmds)
		}
	}()
	return l.Addr().String(), cmds
}

func serveSSH(conn net.Conn, config *ssh.ServerConfig, cmds chan<- string) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "sessions only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			return
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					req.Reply(false, nil)
					continue
				}
				req.Reply(true, nil)
				cmds <- payload.Command
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				return
			}
		}()
	}
}

func TestRemoteCommand(t *testing.T) {
	require.Equal(t,
		`nohup '/opt/heat' -config '/etc/heat it'\''s.json' -rank 3 > /tmp/hivestencil-3.log 2>&1 &`,
		RemoteCommand("/opt/heat", "/etc/heat it's.json", 3))
}

func TestStartNodes(t *testing.T) {
	addr, cmds := startSSHServer(t, "127.0.0.1:0", "drone", "secret")
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	cluster := configs.Cluster{
		Binary:     "/opt/heat",
		ConfigPath: "/etc/heat.json",
		Nodes: []configs.Node{
			{Address: "127.0.0.1:7000"},
			{Address: "127.0.0.1:7001", SSH: &configs.SSHConfig{User: "drone", Password: "secret", Port: port}},
			{Address: "127.0.0.1:7002", SSH: &configs.SSHConfig{User: "drone", Password: "wrong", Port: port}},
			{Address: "127.0.0.1:7003"},
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	started, err := StartNodes(ctx, cluster, DeployOptions{Timeout: 5 * time.Second, Logger: logger})
	require.Equal(t, 1, started)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rank 2")
	require.Contains(t, err.Error(), "rank 3: no ssh credentials")

	select {
	case cmd := <-cmds:
		require.Equal(t, RemoteCommand(cluster.Binary, cluster.ConfigPath, 1), cmd)
	default:
		t.Fatal("no command executed")
	}
}

func TestStartNodesNeedsBinary(t *testing.T) {
	_, err := StartNodes(context.Background(), configs.Cluster{Nodes: make([]configs.Node, 2)}, DeployOptions{})
	require.Error(t, err)
}

func TestStartNodesOverIPv6(t *testing.T) {
	addr, cmds := startSSHServer(t, "[::1]:0", "drone", "secret")
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	cluster := configs.Cluster{
		Binary:     "/opt/heat",
		ConfigPath: "/etc/heat.json",
		Nodes: []configs.Node{
			{Address: "[::1]:7000"},
			{Address: "[::1]:7001", SSH: &configs.SSHConfig{User: "drone", Password: "secret", Port: port}},
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	started, err := StartNodes(ctx, cluster, DeployOptions{Timeout: 5 * time.Second, Logger: logger})
	require.NoError(t, err)
	require.Equal(t, 1, started)
	require.Equal(t, RemoteCommand(cluster.Binary, cluster.ConfigPath, 1), <-cmds)
}

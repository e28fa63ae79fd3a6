package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/dashaylan/HiveStencil/configs"
)

// DeployOptions controls how StartNodes reaches the remote machines.
type DeployOptions struct {
	// HostKeyCallback verifies the remote host keys. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
	// Timeout bounds the ssh handshake with each node.
	Timeout time.Duration
	Logger  *slog.Logger
}

// RemoteCommand is the shell command that starts worker rank on a node. The
// worker runs in the background so the ssh session returns immediately.
func RemoteCommand(binary, configPath string, rank int) string {
	return fmt.Sprintf("nohup %s -config %s -rank %d > /tmp/hivestencil-%d.log 2>&1 &",
		shellQuote(binary), shellQuote(configPath), rank, rank)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type deployResult struct {
	rank int
	err  error
}

// StartNodes starts workers 1..N-1 of the cluster over ssh. Rank 0 is the
// calling process. It returns the number of workers started; failures are
// joined into the returned error.
func StartNodes(ctx context.Context, cluster configs.Cluster, opts DeployOptions) (int, error) {
	if cluster.Binary == "" || cluster.ConfigPath == "" {
		return 0, errors.New("ipc: deploy needs cluster binary and config_path")
	}
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	resChan := make(chan deployResult, len(cluster.Nodes))
	for rank := 1; rank < len(cluster.Nodes); rank++ {
		go func(node configs.Node) {
			resChan <- deployResult{rank: rank, err: startNode(ctx, node, rank, cluster, opts)}
		}(cluster.Nodes[rank])
	}

	started := 0
	var errs []error
	for rank := 1; rank < len(cluster.Nodes); rank++ {
		res := <-resChan
		if res.err != nil {
			opts.Logger.Error("deploy failed", slog.Int("rank", res.rank), slog.Any("error", res.err))
			errs = append(errs, fmt.Errorf("rank %d: %w", res.rank, res.err))
			continue
		}
		opts.Logger.Info("worker started", slog.Int("rank", res.rank), slog.String("address", cluster.Nodes[res.rank].Address))
		started++
	}
	return started, errors.Join(errs...)
}

func startNode(ctx context.Context, node configs.Node, rank int, cluster configs.Cluster, opts DeployOptions) error {
	if node.SSH == nil {
		return errors.New("no ssh credentials")
	}
	port := node.SSH.Port
	if port == "" {
		port = "22"
	}
	addr := net.JoinHostPort(node.Host(), port)
	sshConfig := &ssh.ClientConfig{
		User:            node.SSH.User,
		Auth:            []ssh.AuthMethod{ssh.Password(node.SSH.Password)},
		HostKeyCallback: opts.HostKeyCallback,
		Timeout:         opts.Timeout,
	}

	d := net.Dialer{Timeout: opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh session on %s: %w", addr, err)
	}
	defer session.Close()

	cmd := RemoteCommand(cluster.Binary, cluster.ConfigPath, rank)
	opts.Logger.Debug("ssh exec", slog.String("addr", addr), slog.String("cmd", cmd))
	if out, err := session.CombinedOutput(cmd); err != nil {
		return fmt.Errorf("run on %s: %w: %s", addr, err, strings.TrimSpace(string(out)))
	}
	return nil
}

package tipc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dashaylan/HiveStencil/ipc"
)

func TestMeshDelivers(t *testing.T) {
	eps := NewMesh(3)
	ctx := context.Background()
	row := []float64{1, 2, 3}
	require.NoError(t, eps[0].Send(ctx, &ipc.Message{Dest: 2, Kind: ipc.KindData, Tag: 4, Row: row}))
	row[0] = 99

	m := <-eps[2].Inbox()
	require.Equal(t, 0, m.Src)
	require.Equal(t, 4, m.Tag)
	require.Equal(t, []float64{1, 2, 3}, m.Row, "rows are copied on send")

	require.NoError(t, eps[1].Send(ctx, &ipc.Message{Dest: 1, Kind: ipc.KindAck}))
	require.Equal(t, ipc.KindAck, (<-eps[1].Inbox()).Kind)
}

func TestMeshOptions(t *testing.T) {
	eps := NewMesh(2, WithLevel(ipc.ThreadSingle), WithInboxSize(1))
	require.Equal(t, ipc.ThreadSingle, eps[0].Level())
	require.Equal(t, 2, eps[1].Size())
	require.Len(t, Transports(eps), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, eps[0].Send(ctx, &ipc.Message{Dest: 1}))
	require.ErrorIs(t, eps[0].Send(ctx, &ipc.Message{Dest: 1}), context.DeadlineExceeded)
}

func TestMeshUnknownPeer(t *testing.T) {
	eps := NewMesh(2)
	require.ErrorIs(t, eps[0].Send(context.Background(), &ipc.Message{Dest: 2}), ipc.ErrUnknownPeer)
}

func TestMeshBreak(t *testing.T) {
	eps := NewMesh(2)
	link := errors.New("link down")
	eps[1].Break(link)

	require.ErrorIs(t, eps[1].Send(context.Background(), &ipc.Message{Dest: 0}), link)
	require.ErrorIs(t, <-eps[1].Errors(), link)
	require.NoError(t, eps[0].Send(context.Background(), &ipc.Message{Dest: 1}))
}

func TestMeshClose(t *testing.T) {
	eps := NewMesh(2)
	require.NoError(t, eps[1].Close())
	require.NoError(t, eps[1].Close())

	_, ok := <-eps[1].Inbox()
	require.False(t, ok)
	require.ErrorIs(t, eps[0].Send(context.Background(), &ipc.Message{Dest: 1}), ipc.ErrClosed)
	require.ErrorIs(t, eps[1].Send(context.Background(), &ipc.Message{Dest: 0}), ipc.ErrClosed)
}

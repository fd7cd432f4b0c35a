package gossip

import (
	"bytes"
	"io"
	"testing"

	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-msgio"
	"github.com/stretchr/testify/require"
)

func TestRPCFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewRPCWriter(&buf)

	topic := "news"
	require.NoError(t, w.WriteRPC(rpcWithSubs(subOpts(topic, true))))
	require.NoError(t, w.WriteRPC(rpcWithMessages(&pb.Message{Data: []byte("hi"), Topic: &topic})))
	require.NoError(t, w.WriteRPC(rpcWithControl([]*pb.ControlGraft{{TopicID: &topic}}, nil)))

	r := NewRPCReader(&buf, DefaultMaxMessageSize)

	rpc, err := r.ReadRPC()
	require.NoError(t, err)
	require.Len(t, rpc.GetSubscriptions(), 1)
	require.True(t, rpc.GetSubscriptions()[0].GetSubscribe())

	rpc, err = r.ReadRPC()
	require.NoError(t, err)
	require.Equal(t, "hi", string(rpc.GetPublish()[0].GetData()))

	rpc, err = r.ReadRPC()
	require.NoError(t, err)
	require.Equal(t, topic, rpc.GetControl().GetGraft()[0].GetTopicID())

	_, err = r.ReadRPC()
	require.ErrorIs(t, err, io.EOF)
}

func TestRPCReaderUndecodableFrame(t *testing.T) {
	var buf bytes.Buffer
	mw := msgio.NewVarintWriter(&buf)
	require.NoError(t, mw.WriteMsg([]byte{0xff, 0xff, 0xff}))
	require.NoError(t, NewRPCWriter(&buf).WriteRPC(rpcWithSubs(subOpts("t", true))))

	r := NewRPCReader(&buf, DefaultMaxMessageSize)
	_, err := r.ReadRPC()
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)

	rpc, err := r.ReadRPC()
	require.NoError(t, err, "the stream stays usable after a bad frame")
	require.Len(t, rpc.GetSubscriptions(), 1)
}

func TestRPCReaderFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRPCWriter(&buf).WriteRPC(rpcWithMessages(&pb.Message{Data: make([]byte, 64)})))

	_, err := NewRPCReader(&buf, 16).ReadRPC()
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	require.ErrorIs(t, err, msgio.ErrMsgTooLarge)
}

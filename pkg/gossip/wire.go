package gossip

import (
	"errors"
	"fmt"
	"io"

	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
)

// ProtocolID is negotiated on every gossip stream.
const ProtocolID = protocol.ID("/gossipnet/meshsub/1.0.0")

// RPCWriter writes varint length-prefixed RPC frames.
type RPCWriter struct {
	w msgio.WriteCloser
}

func NewRPCWriter(w io.Writer) *RPCWriter {
	return &RPCWriter{w: msgio.NewVarintWriter(w)}
}

func (w *RPCWriter) WriteRPC(rpc *pb.RPC) error {
	buf, err := rpc.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal rpc: %w", err)
	}
	return w.w.WriteMsg(buf)
}

// RPCReader reads frames written by RPCWriter.
type RPCReader struct {
	r msgio.ReadCloser
}

func NewRPCReader(r io.Reader, maxSize int) *RPCReader {
	return &RPCReader{r: msgio.NewVarintReaderSize(r, maxSize)}
}

// ReadRPC returns the next frame. An undecodable frame yields a *ProtocolError
// and the stream stays usable; an oversized frame also yields a *ProtocolError
// but the stream can no longer be trusted. Other errors come from the stream.
func (r *RPCReader) ReadRPC() (*pb.RPC, error) {
	msg, err := r.r.ReadMsg()
	if err != nil {
		if errors.Is(err, msgio.ErrMsgTooLarge) {
			return nil, &ProtocolError{Reason: "frame too large", Err: err}
		}
		return nil, err
	}
	defer r.r.ReleaseMsg(msg)

	rpc := new(pb.RPC)
	if err := rpc.Unmarshal(msg); err != nil {
		return nil, &ProtocolError{Reason: "undecodable frame", Err: err}
	}
	return rpc, nil
}

func rpcWithSubs(subs ...*pb.RPC_SubOpts) *pb.RPC {
	return &pb.RPC{Subscriptions: subs}
}

func rpcWithMessages(msgs ...*pb.Message) *pb.RPC {
	return &pb.RPC{Publish: msgs}
}

func rpcWithControl(graft []*pb.ControlGraft, prune []*pb.ControlPrune) *pb.RPC {
	return &pb.RPC{Control: &pb.ControlMessage{Graft: graft, Prune: prune}}
}

func subOpts(topic string, subscribe bool) *pb.RPC_SubOpts {
	return &pb.RPC_SubOpts{Topicid: &topic, Subscribe: &subscribe}
}

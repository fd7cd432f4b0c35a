package gossip

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	logging "github.com/ipfs/go-log/v2"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/multierr"
)

var log = logging.Logger("gossipnet/gossip")

// Outbox queues RPCs for one connected peer. Send must not block.
type Outbox interface {
	Send(rpc *pb.RPC) error
}

// Message is a payload delivered to the local application.
type Message struct {
	ID    MessageID
	Topic string
	Data  []byte
	// From is the peer that published the message.
	From peer.ID
	// ReceivedFrom is the neighbour that handed it to us.
	ReceivedFrom peer.ID
}

// Handler receives each new message exactly once.
type Handler func(msg *Message)

type peerState struct {
	outbox Outbox
	topics map[string]struct{}
	errors int
}

// Overlay is the gossip router. It is not safe for concurrent use: every method
// must be called from the goroutine driving the node.
type Overlay struct {
	self    peer.ID
	params  Params
	handler Handler
	seen    *SeenSet

	peers   map[peer.ID]*peerState
	mytopic map[string]struct{}
	mesh    map[string]map[peer.ID]struct{}
	pending map[string][]*pb.Message

	ticks uint64
}

// New creates an overlay for the local peer. handler may be nil.
func New(self peer.ID, params Params, handler Handler) (*Overlay, error) {
	params.SetDefaults()
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gossip params: %w", err)
	}
	return &Overlay{
		self:    self,
		params:  params,
		handler: handler,
		seen:    NewSeenSet(params.SeenCapacity, params.SeenTTL),
		peers:   make(map[peer.ID]*peerState),
		mytopic: make(map[string]struct{}),
		mesh:    make(map[string]map[peer.ID]struct{}),
		pending: make(map[string][]*pb.Message),
	}, nil
}

func (o *Overlay) Params() Params { return o.params }

// Subscribe joins topic and announces it to every connected peer. The mesh
// starts empty and is filled by the next heartbeat.
func (o *Overlay) Subscribe(topic string) error {
	if topic == "" {
		return errors.New("topic cannot be empty")
	}
	if _, ok := o.mytopic[topic]; ok {
		return nil
	}
	o.mytopic[topic] = struct{}{}
	o.mesh[topic] = make(map[peer.ID]struct{})

	out := rpcWithSubs(subOpts(topic, true))
	for p := range o.peers {
		o.sendLogged(p, out)
	}
	log.Debugf("subscribed to %s", topic)
	return nil
}

// Unsubscribe leaves topic, pruning the current mesh and dropping queued messages.
func (o *Overlay) Unsubscribe(topic string) {
	if _, ok := o.mytopic[topic]; !ok {
		return
	}
	for p := range o.mesh[topic] {
		o.sendLogged(p, rpcWithControl(nil, []*pb.ControlPrune{{TopicID: &topic}}))
	}
	delete(o.mytopic, topic)
	delete(o.mesh, topic)
	delete(o.pending, topic)

	out := rpcWithSubs(subOpts(topic, false))
	for p := range o.peers {
		o.sendLogged(p, out)
	}
	log.Debugf("unsubscribed from %s", topic)
}

// Publish sends data on topic. A payload already seen is a no-op. When no peer
// can take the message yet it is queued until a heartbeat finds one.
func (o *Overlay) Publish(topic string, data []byte) (MessageID, error) {
	if topic == "" {
		return "", errors.New("topic cannot be empty")
	}
	if len(data) > o.params.MaxMessageSize {
		return "", fmt.Errorf("message of %d bytes exceeds limit of %d", len(data), o.params.MaxMessageSize)
	}

	id := ComputeID(data)
	if !o.seen.Add(id) {
		log.Debugf("message %s already seen, not publishing", id)
		return id, nil
	}

	msg := &pb.Message{From: []byte(o.self), Data: data, Topic: &topic}
	targets := o.publishTargets(topic)
	if len(targets) == 0 {
		o.enqueue(topic, msg)
		return id, nil
	}

	out := rpcWithMessages(msg)
	for _, p := range targets {
		o.sendLogged(p, out)
	}
	return id, nil
}

// publishTargets returns the mesh for joined topics and every subscribed peer
// otherwise.
func (o *Overlay) publishTargets(topic string) []peer.ID {
	if _, joined := o.mytopic[topic]; joined {
		return peerSetToList(o.mesh[topic])
	}
	return o.topicPeers(topic, nil)
}

func (o *Overlay) enqueue(topic string, msg *pb.Message) {
	q := o.pending[topic]
	if len(q) >= o.params.PendingLimit {
		log.Warnf("pending queue for %s full, dropping oldest message", topic)
		q = q[1:]
	}
	o.pending[topic] = append(q, msg)
}

// AddPeer registers a connected peer and sends it our subscriptions. A known
// peer keeps its topics and mesh membership and switches to the new outbox.
func (o *Overlay) AddPeer(p peer.ID, outbox Outbox) {
	if ps, ok := o.peers[p]; ok {
		ps.outbox = outbox
	} else {
		o.peers[p] = &peerState{outbox: outbox, topics: make(map[string]struct{})}
	}

	if len(o.mytopic) == 0 {
		return
	}
	subs := make([]*pb.RPC_SubOpts, 0, len(o.mytopic))
	for _, topic := range o.Topics() {
		subs = append(subs, subOpts(topic, true))
	}
	o.sendLogged(p, rpcWithSubs(subs...))
}

// RemovePeer forgets a disconnected peer and removes it from every mesh.
func (o *Overlay) RemovePeer(p peer.ID) {
	delete(o.peers, p)
	for _, peers := range o.mesh {
		delete(peers, p)
	}
}

// Penalize records a protocol error from p and reports whether p has exhausted
// its allowance and should be disconnected.
func (o *Overlay) Penalize(p peer.ID) bool {
	ps, ok := o.peers[p]
	if !ok {
		return false
	}
	ps.errors++
	return ps.errors >= o.params.MaxProtocolErrors
}

// HandleRPC processes one RPC from a connected peer. Invalid parts are reported
// as a *ProtocolError after the valid parts have been applied.
func (o *Overlay) HandleRPC(from peer.ID, rpc *pb.RPC) error {
	ps, ok := o.peers[from]
	if !ok {
		return fmt.Errorf("rpc from unknown peer %s", from)
	}

	var errs error
	for _, sub := range rpc.GetSubscriptions() {
		if err := o.handleSubscription(from, ps, sub); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	for _, msg := range rpc.GetPublish() {
		if err := o.handleMessage(from, msg); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if ctl := rpc.GetControl(); ctl != nil {
		if err := o.handleControl(from, ctl); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (o *Overlay) handleSubscription(from peer.ID, ps *peerState, sub *pb.RPC_SubOpts) error {
	topic := sub.GetTopicid()
	if topic == "" {
		return &ProtocolError{Peer: from, Reason: "subscription without topic"}
	}
	if sub.GetSubscribe() {
		ps.topics[topic] = struct{}{}
		return nil
	}
	delete(ps.topics, topic)
	if peers, ok := o.mesh[topic]; ok {
		delete(peers, from)
	}
	return nil
}

func (o *Overlay) handleMessage(from peer.ID, msg *pb.Message) error {
	topic := msg.GetTopic()
	if topic == "" {
		return &ProtocolError{Peer: from, Reason: "message without topic"}
	}

	origin := from
	if len(msg.GetFrom()) > 0 {
		id, err := peer.IDFromBytes(msg.GetFrom())
		if err != nil {
			return &ProtocolError{Peer: from, Reason: "message with invalid origin", Err: err}
		}
		origin = id
	}

	id := ComputeID(msg.GetData())
	if o.seen.Has(id) {
		return nil
	}
	if _, joined := o.mytopic[topic]; !joined {
		return nil
	}
	o.seen.Add(id)

	if o.handler != nil {
		o.handler(&Message{ID: id, Topic: topic, Data: msg.GetData(), From: origin, ReceivedFrom: from})
	}

	out := rpcWithMessages(msg)
	for p := range o.mesh[topic] {
		if p == from || p == origin {
			continue
		}
		o.sendLogged(p, out)
	}
	return nil
}

func (o *Overlay) handleControl(from peer.ID, ctl *pb.ControlMessage) error {
	var (
		errs  error
		prune []*pb.ControlPrune
	)
	for _, graft := range ctl.GetGraft() {
		topic := graft.GetTopicID()
		if topic == "" {
			errs = multierr.Append(errs, &ProtocolError{Peer: from, Reason: "graft without topic"})
			continue
		}
		peers, joined := o.mesh[topic]
		if !joined {
			prune = append(prune, &pb.ControlPrune{TopicID: &topic})
			continue
		}
		log.Debugf("GRAFT: add mesh link from %s in %s", from, topic)
		peers[from] = struct{}{}
	}

	for _, p := range ctl.GetPrune() {
		topic := p.GetTopicID()
		if topic == "" {
			errs = multierr.Append(errs, &ProtocolError{Peer: from, Reason: "prune without topic"})
			continue
		}
		if peers, ok := o.mesh[topic]; ok {
			log.Debugf("PRUNE: remove mesh link to %s in %s", from, topic)
			delete(peers, from)
		}
	}

	if len(prune) > 0 {
		o.sendLogged(from, rpcWithControl(nil, prune))
	}
	return errs
}

// Heartbeat maintains the mesh of every joined topic and flushes pending
// messages. Send failures are collected per peer and never stop the cycle.
func (o *Overlay) Heartbeat() error {
	o.ticks++

	tograft := make(map[peer.ID][]string)
	toprune := make(map[peer.ID][]string)

	for topic, peers := range o.mesh {
		for p := range peers {
			if !o.peerSubscribed(p, topic) {
				delete(peers, p)
			}
		}

		if l := len(peers); l < o.params.Dlo {
			plst := o.topicPeers(topic, func(p peer.ID) bool {
				_, inMesh := peers[p]
				return !inMesh
			})
			rand.Shuffle(len(plst), func(i, j int) { plst[i], plst[j] = plst[j], plst[i] })
			for _, p := range plst[:min(o.params.D-l, len(plst))] {
				log.Debugf("HEARTBEAT: add mesh link to %s in %s", p, topic)
				peers[p] = struct{}{}
				tograft[p] = append(tograft[p], topic)
			}
		}

		if len(peers) > o.params.Dhi {
			plst := peerSetToList(peers)
			rand.Shuffle(len(plst), func(i, j int) { plst[i], plst[j] = plst[j], plst[i] })
			for _, p := range plst[o.params.D:] {
				log.Debugf("HEARTBEAT: remove mesh link to %s in %s", p, topic)
				delete(peers, p)
				toprune[p] = append(toprune[p], topic)
			}
		}
	}

	errs := o.sendGraftPrune(tograft, toprune)
	return multierr.Append(errs, o.flushPending())
}

func (o *Overlay) sendGraftPrune(tograft, toprune map[peer.ID][]string) error {
	var errs error
	for p, topics := range tograft {
		graft := make([]*pb.ControlGraft, 0, len(topics))
		for _, topic := range topics {
			copiedID := topic
			graft = append(graft, &pb.ControlGraft{TopicID: &copiedID})
		}
		errs = multierr.Append(errs, o.send(p, rpcWithControl(graft, nil)))
	}
	for p, topics := range toprune {
		prune := make([]*pb.ControlPrune, 0, len(topics))
		for _, topic := range topics {
			copiedID := topic
			prune = append(prune, &pb.ControlPrune{TopicID: &copiedID})
		}
		errs = multierr.Append(errs, o.send(p, rpcWithControl(nil, prune)))
	}
	return errs
}

func (o *Overlay) flushPending() error {
	var errs error
	for topic, msgs := range o.pending {
		targets := o.publishTargets(topic)
		if len(targets) == 0 {
			continue
		}
		out := rpcWithMessages(msgs...)
		for _, p := range targets {
			errs = multierr.Append(errs, o.send(p, out))
		}
		log.Debugf("flushed %d pending messages on %s to %d peers", len(msgs), topic, len(targets))
		delete(o.pending, topic)
	}
	return errs
}

func (o *Overlay) send(p peer.ID, rpc *pb.RPC) error {
	ps, ok := o.peers[p]
	if !ok {
		return fmt.Errorf("peer %s not connected", p)
	}
	if err := ps.outbox.Send(rpc); err != nil {
		return fmt.Errorf("send to %s: %w", p, err)
	}
	return nil
}

func (o *Overlay) sendLogged(p peer.ID, rpc *pb.RPC) {
	if err := o.send(p, rpc); err != nil {
		log.Debugf("dropping rpc: %v", err)
	}
}

func (o *Overlay) peerSubscribed(p peer.ID, topic string) bool {
	ps, ok := o.peers[p]
	if !ok {
		return false
	}
	_, ok = ps.topics[topic]
	return ok
}

// topicPeers returns connected peers subscribed to topic that pass filter.
func (o *Overlay) topicPeers(topic string, filter func(peer.ID) bool) []peer.ID {
	var out []peer.ID
	for p, ps := range o.peers {
		if _, ok := ps.topics[topic]; !ok {
			continue
		}
		if filter != nil && !filter(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Mesh returns the current mesh for topic.
func (o *Overlay) Mesh(topic string) []peer.ID {
	return sortPeers(peerSetToList(o.mesh[topic]))
}

// TopicPeers returns connected peers that announced a subscription to topic.
func (o *Overlay) TopicPeers(topic string) []peer.ID {
	return sortPeers(o.topicPeers(topic, nil))
}

// Topics returns the joined topics.
func (o *Overlay) Topics() []string {
	out := make([]string, 0, len(o.mytopic))
	for t := range o.mytopic {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Peers returns every connected peer.
func (o *Overlay) Peers() []peer.ID {
	out := make([]peer.ID, 0, len(o.peers))
	for p := range o.peers {
		out = append(out, p)
	}
	return sortPeers(out)
}

// Pending returns the number of messages queued for topic.
func (o *Overlay) Pending(topic string) int { return len(o.pending[topic]) }

// HeartbeatTicks returns how many heartbeats have run.
func (o *Overlay) HeartbeatTicks() uint64 { return o.ticks }

func peerSetToList(peers map[peer.ID]struct{}) []peer.ID {
	out := make([]peer.ID, 0, len(peers))
	for p := range peers {
		out = append(out, p)
	}
	return out
}

func sortPeers(peers []peer.ID) []peer.ID {
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

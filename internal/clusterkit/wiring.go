package clusterkit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clusterkit/clusterkit/internal/membership"
	"github.com/clusterkit/clusterkit/internal/receptionist"
	"github.com/clusterkit/clusterkit/internal/wire"
)

const (
	routeMembership    = "membership"
	routeReceptionist  = "receptionist"
	routePubSubPrefix  = "pubsub:"
	routeShardPrefix   = "sharding:"
	routeAskPrefix     = "sharding-coordinator:"
	routeHandoffPrefix = "sharding-handoff:"

	tagGossip             = "clusterkit.gossip"
	tagReceptionistSnap   = "clusterkit.receptionist-snapshot"
	tagShardForward       = "clusterkit.shard-forward"
	tagShardHomeRequest   = "clusterkit.shard-home-request"
	tagShardHomeReply     = "clusterkit.shard-home-reply"
	tagShardHandoffNotice = "clusterkit.shard-handoff"
	tagShardListRequest   = "clusterkit.shard-list-request"
	tagShardListReply     = "clusterkit.shard-list-reply"
)

// shardForwardPayload wraps a message forwarded to the region that owns
// its shard, carrying enough of a manifest (MsgTypeTag/MsgSerializerID) for
// the receiving side to decode the inner, application-defined payload via
// the same wire.Registry both members share.
type shardForwardPayload struct {
	ShardID         uint32
	EntityID        string
	MsgTypeTag      string
	MsgSerializerID wire.SerializerID
	MsgPayload      []byte
}

type shardHomeRequest struct {
	ShardID uint32
}

type shardHomeReply struct {
	Home string
}

type shardHandoffNotice struct {
	ShardID uint32
}

type shardListRequest struct{}

type shardListReply struct {
	Allocations map[uint32]string
}

// registerWireTypes installs the fixed set of control-plane manifests every
// System needs regardless of which entity types or singletons a particular
// member hosts. Application message types used inside sharding are
// registered separately via System.RegisterMessageType.
func registerWireTypes(reg *wire.Registry) {
	reg.RegisterType(tagGossip, func() any { return new(membership.GossipPayload) })
	reg.RegisterType(tagReceptionistSnap, func() any {
		return new(map[string]map[string]receptionist.Entry)
	})
	reg.RegisterType(tagShardForward, func() any { return new(shardForwardPayload) })
	reg.RegisterType(tagShardHomeRequest, func() any { return new(shardHomeRequest) })
	reg.RegisterType(tagShardHomeReply, func() any { return new(shardHomeReply) })
	reg.RegisterType(tagShardHandoffNotice, func() any { return new(shardHandoffNotice) })
	reg.RegisterType(tagShardListRequest, func() any { return new(shardListRequest) })
	reg.RegisterType(tagShardListReply, func() any { return new(shardListReply) })
}

// asker implements the ask pattern (request/reply correlated by
// Envelope.CorrelationID) over the System's Transport, used by a sharding
// region to resolve a shard's home from a remote coordinator.
type asker struct {
	mu      sync.Mutex
	pending map[string]chan wire.Envelope
}

func newAsker() *asker {
	return &asker{pending: make(map[string]chan wire.Envelope)}
}

// handleReply delivers env to its waiting Ask call, reporting whether env
// was in fact a reply (callers should stop dispatching it further if so).
func (a *asker) handleReply(env wire.Envelope) bool {
	if env.CorrelationID == "" {
		return false
	}

	a.mu.Lock()
	ch, ok := a.pending[env.CorrelationID]
	a.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case ch <- env:
	default:
	}
	return true
}

func (a *asker) register(correlationID string) chan wire.Envelope {
	ch := make(chan wire.Envelope, 1)
	a.mu.Lock()
	a.pending[correlationID] = ch
	a.mu.Unlock()
	return ch
}

func (a *asker) forget(correlationID string) {
	a.mu.Lock()
	delete(a.pending, correlationID)
	a.mu.Unlock()
}

// ask sends v (encoded under typeTag) to peerAddr addressed at
// recipientPath and blocks for a correlated reply envelope.
func (s *System) ask(ctx context.Context, peerAddr, recipientPath, typeTag string,
	v any) (wire.Envelope, error) {

	payload, err := s.wireRegistry.Encode(wire.SerializerJSON, typeTag, v)
	if err != nil {
		return wire.Envelope{}, err
	}

	correlationID := uuid.NewString()
	replyCh := s.asker.register(correlationID)
	defer s.asker.forget(correlationID)

	env := wire.Envelope{
		ProtoVersion:  wire.ProtoVersion,
		SenderPath:    s.selfAddress(),
		RecipientPath: recipientPath,
		TypeTag:       typeTag,
		SerializerID:  wire.SerializerJSON,
		Payload:       payload,
		CorrelationID: correlationID,
	}

	if err := s.transport.Send(ctx, peerAddr, env); err != nil {
		return wire.Envelope{}, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

// respond sends a correlated reply back to origin's sender.
func (s *System) respond(ctx context.Context, origin wire.Envelope, typeTag string, v any) error {
	payload, err := s.wireRegistry.Encode(wire.SerializerJSON, typeTag, v)
	if err != nil {
		return err
	}

	env := wire.Envelope{
		ProtoVersion:  wire.ProtoVersion,
		SenderPath:    s.selfAddress(),
		RecipientPath: "ask-reply",
		TypeTag:       typeTag,
		SerializerID:  wire.SerializerJSON,
		Payload:       payload,
		CorrelationID: origin.CorrelationID,
	}
	return s.transport.Send(ctx, origin.SenderPath, env)
}

// onEnvelope is the Transport's EnvelopeHandler, routing every inbound
// envelope to the subsystem its RecipientPath names. Branches that do real
// work hand off to s.dispatcher's bounded worker pool rather than a bare
// goroutine, so a burst of traffic cannot grow goroutines without bound.
func (s *System) onEnvelope(env wire.Envelope) {
	if s.asker.handleReply(env) {
		return
	}

	switch {
	case env.RecipientPath == routeMembership:
		v, err := s.wireRegistry.Decode(env.SerializerID, env.TypeTag, env.Payload)
		if err != nil {
			log.WarnS(context.Background(), "failed to decode gossip envelope", "err", err)
			return
		}
		payload, ok := v.(*membership.GossipPayload)
		if !ok {
			return
		}
		s.membership.OnGossipReceived(*payload)

	case env.RecipientPath == routeReceptionist:
		v, err := s.wireRegistry.Decode(env.SerializerID, env.TypeTag, env.Payload)
		if err != nil {
			log.WarnS(context.Background(), "failed to decode receptionist envelope", "err", err)
			return
		}
		snap, ok := v.(*map[string]map[string]receptionist.Entry)
		if !ok {
			return
		}
		s.receptionistGossip.OnSnapshotReceived(*snap)

	case strings.HasPrefix(env.RecipientPath, routePubSubPrefix):
		name := strings.TrimPrefix(env.RecipientPath, routePubSubPrefix)
		s.dispatcher.dispatch(func() {
			s.pubsubManager.DeliverRemote(context.Background(), name, env.TypeTag, env.Payload)
		})

	case strings.HasPrefix(env.RecipientPath, routeShardPrefix):
		entityType := strings.TrimPrefix(env.RecipientPath, routeShardPrefix)
		s.dispatcher.dispatch(func() { s.deliverShardForward(entityType, env) })

	case strings.HasPrefix(env.RecipientPath, routeAskPrefix):
		entityType := strings.TrimPrefix(env.RecipientPath, routeAskPrefix)
		switch env.TypeTag {
		case tagShardListRequest:
			s.dispatcher.dispatch(func() { s.answerShardList(entityType, env) })
		default:
			s.dispatcher.dispatch(func() { s.answerShardHome(entityType, env) })
		}

	case strings.HasPrefix(env.RecipientPath, routeHandoffPrefix):
		entityType := strings.TrimPrefix(env.RecipientPath, routeHandoffPrefix)
		s.dispatcher.dispatch(func() { s.deliverHandoffNotice(entityType, env) })
	}
}

func (s *System) deliverShardForward(entityType string, env wire.Envelope) {
	v, err := s.wireRegistry.Decode(env.SerializerID, env.TypeTag, env.Payload)
	if err != nil {
		log.WarnS(context.Background(), "failed to decode shard forward", "err", err)
		return
	}
	fwd, ok := v.(*shardForwardPayload)
	if !ok {
		return
	}

	rt, ok := s.entityType(entityType)
	if !ok {
		return
	}

	msg, err := s.wireRegistry.Decode(fwd.MsgSerializerID, fwd.MsgTypeTag, fwd.MsgPayload)
	if err != nil {
		log.WarnS(context.Background(), "failed to decode forwarded entity message", "err", err)
		return
	}

	rt.region.ReceiveRemote(context.Background(), fwd.ShardID, fwd.EntityID, msg)
}

func (s *System) answerShardHome(entityType string, env wire.Envelope) {
	v, err := s.wireRegistry.Decode(env.SerializerID, env.TypeTag, env.Payload)
	if err != nil {
		log.WarnS(context.Background(), "failed to decode shard home request", "err", err)
		return
	}
	req, ok := v.(*shardHomeRequest)
	if !ok {
		return
	}

	rt, ok := s.entityType(entityType)
	if !ok {
		return
	}

	coord := rt.localCoordinator()
	if coord == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	home, err := coord.GetShardHome(ctx, req.ShardID)
	if err != nil {
		log.WarnS(ctx, "failed to resolve shard home for remote ask",
			"entity_type", entityType, "shard", req.ShardID, "err", err)
		return
	}

	if err := s.respond(ctx, env, tagShardHomeReply, &shardHomeReply{Home: home}); err != nil {
		log.WarnS(ctx, "failed to reply to shard home ask", "err", err)
	}
}

func (s *System) answerShardList(entityType string, env wire.Envelope) {
	rt, ok := s.entityType(entityType)
	if !ok {
		return
	}

	coord := rt.localCoordinator()
	if coord == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	allocations, err := coord.Shards(ctx)
	if err != nil {
		log.WarnS(ctx, "failed to list shards for remote ask", "entity_type", entityType, "err", err)
		return
	}

	if err := s.respond(ctx, env, tagShardListReply, &shardListReply{Allocations: allocations}); err != nil {
		log.WarnS(ctx, "failed to reply to shard list ask", "err", err)
	}
}

func (s *System) deliverHandoffNotice(entityType string, env wire.Envelope) {
	v, err := s.wireRegistry.Decode(env.SerializerID, env.TypeTag, env.Payload)
	if err != nil {
		return
	}
	notice, ok := v.(*shardHandoffNotice)
	if !ok {
		return
	}

	rt, ok := s.entityType(entityType)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.region.HandoffShard(ctx, notice.ShardID)
}

// membershipGossiperAdapter satisfies membership.Gossiper over the
// System's Transport.
type membershipGossiperAdapter struct{ sys *System }

func (g membershipGossiperAdapter) SendGossip(ctx context.Context, peerAddr string,
	payload membership.GossipPayload) error {

	b, err := g.sys.wireRegistry.Encode(wire.SerializerJSON, tagGossip, &payload)
	if err != nil {
		return err
	}
	env := wire.Envelope{
		ProtoVersion:  wire.ProtoVersion,
		SenderPath:    g.sys.selfAddress(),
		RecipientPath: routeMembership,
		TypeTag:       tagGossip,
		SerializerID:  wire.SerializerJSON,
		Payload:       b,
	}
	return g.sys.transport.Send(ctx, peerAddr, env)
}

// receptionistGossiperAdapter satisfies receptionist.Gossiper over the
// System's Transport.
type receptionistGossiperAdapter struct{ sys *System }

func (g receptionistGossiperAdapter) SendSnapshot(ctx context.Context, peerAddr string,
	snapshot map[string]map[string]receptionist.Entry) error {

	b, err := g.sys.wireRegistry.Encode(wire.SerializerJSON, tagReceptionistSnap, &snapshot)
	if err != nil {
		return err
	}
	env := wire.Envelope{
		ProtoVersion:  wire.ProtoVersion,
		SenderPath:    g.sys.selfAddress(),
		RecipientPath: routeReceptionist,
		TypeTag:       tagReceptionistSnap,
		SerializerID:  wire.SerializerJSON,
		Payload:       b,
	}
	return g.sys.transport.Send(ctx, peerAddr, env)
}

// pubsubPublisherAdapter satisfies pubsub.Publisher over the System's
// Transport. peerPath is always a bare member address in this wiring,
// since pubsub.NewManager is constructed with selfPath equal to the
// member's own address.
type pubsubPublisherAdapter struct{ sys *System }

func (p pubsubPublisherAdapter) PublishRemote(ctx context.Context, peerPath, topic string,
	payload []byte) error {

	env := wire.Envelope{
		ProtoVersion:  wire.ProtoVersion,
		SenderPath:    p.sys.selfAddress(),
		RecipientPath: routePubSubPrefix + topic,
		TypeTag:       topic,
		SerializerID:  wire.SerializerJSON,
		Payload:       payload,
	}
	return p.sys.transport.Send(ctx, peerPath, env)
}

func (s *System) selfAddress() string {
	return s.cfg.Membership.SelfAddress
}

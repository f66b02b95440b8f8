package clusterkit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/clusterkit/clusterkit/internal/baselib/actor"
	"github.com/clusterkit/clusterkit/internal/pubsub"
)

const deadLetterTopicName = "clusterkit.dead-letters"
const deadLetterTypeTag = "clusterkit.dead-letter"

// deadLetterNotice is what reaches the dead-letter forwarding actor: enough
// to explain what was lost and why, without carrying the undeliverable
// payload itself (which may not even be wire-encodable).
type deadLetterNotice struct {
	actor.BaseMessage

	Recipient string
	Reason    string
	At        time.Time
}

// MessageType implements actor.Message.
func (deadLetterNotice) MessageType() string { return deadLetterTypeTag }

// deadLetterRecord is the JSON payload published on the dead-letter topic,
// the wire shape subscribers actually see.
type deadLetterRecord struct {
	Recipient string    `json:"recipient"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// deadLetterBehavior republishes every deadLetterNotice it receives onto a
// pubsub Topic, turning the actor system's dead-letter office into a
// cluster-wide, opt-in subscription instead of a silent sink.
type deadLetterBehavior struct {
	topic *pubsub.Topic
}

// Receive implements actor.ActorBehavior.
func (b *deadLetterBehavior) Receive(ctx context.Context,
	msg deadLetterNotice) fn.Result[any] {

	record := deadLetterRecord{Recipient: msg.Recipient, Reason: msg.Reason, At: msg.At}
	payload, err := json.Marshal(record)
	if err != nil {
		return fn.Err[any](err)
	}

	b.topic.Publish(ctx, payload)
	return fn.Ok[any](nil)
}

var deadLetterServiceKey = actor.NewServiceKey[deadLetterNotice, any]("clusterkit.dead-letter-forwarder")

// deadLetterSink wires an ActorSystem's dead-letter handling into a
// pubsub Topic: report Tells the registered forwarding actor,
// which republishes onto topic for any subscriber that has opted in.
type deadLetterSink struct {
	ref actor.ActorRef[deadLetterNotice, any]
}

func newDeadLetterSink(as *actor.ActorSystem, topic *pubsub.Topic) *deadLetterSink {
	ref := deadLetterServiceKey.Spawn(as, "dead-letter-forwarder",
		&deadLetterBehavior{topic: topic})

	return &deadLetterSink{ref: ref}
}

// report delivers a dead letter notice, fire-and-forget.
func (d *deadLetterSink) report(ctx context.Context, recipient, reason string) {
	d.ref.Tell(ctx, deadLetterNotice{Recipient: recipient, Reason: reason, At: time.Now()})
}

// DeadLetters returns the pubsub Topic dead letters are republished onto.
// Subscribing is opt-in: nothing is published here unless some subsystem
// (sharding's handoff buffer, a future Ask timeout, ...) reports a message
// it could not deliver.
func (s *System) DeadLetters() *pubsub.Topic {
	return s.deadLetterTopic
}

// reportDeadLetter is the internal entry point other clusterkit/sharding
// components call when they give up on delivering a message.
func (s *System) reportDeadLetter(ctx context.Context, recipient, reason string) {
	s.deadLetterSink.report(ctx, recipient, reason)
}

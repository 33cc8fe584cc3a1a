/*
Package bus provides the live-update fan-out: a topic-keyed
publish/subscribe broker multicasting run state and catalog changes to
connected clients.

# Topics

	runs       every run created/changed event
	runs/<id>  the status stream of a single run
	catalog    snapshot swaps from imports and reloads
	config     configuration changes

# Delivery Semantics

Publishers never block. Each subscriber owns a bounded queue; when the
queue overflows, the subscriber is dropped: one buffered event is
discarded to make room for a terminal lost event, then the channel is
closed. Clients that see the lost event (or a gap in sequence numbers
after reconnecting) re-read the snapshot.

Every subscription opens with a snapshot event per covered topic,
followed by deltas. Sequence numbers increase monotonically per topic;
no ordering holds across topics.

	sub := broker.Subscribe(types.TopicRuns)
	for ev := range sub.Events() {
		// ev.Seq gaps mean missed deltas
	}
	broker.Unsubscribe(sub)
*/
package bus

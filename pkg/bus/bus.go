// Package bus is the cross-process channel between the voice gateway and
// the reasoning daemon. The gateway publishes completed utterances and
// subscribes to reply text; the daemon does the reverse, usually from a
// different process.
//
// Two implementations exist: a Redis pub/sub bus for multi-process
// deployments and an in-memory bus for single-process setups and tests.
package bus

import "context"

// Reply is one piece of synthesized-reply text addressed to a session. A
// gateway only acts on replies whose session id is in its own table;
// everything else is dropped, so multi-gateway deployments need external
// session affinity.
type Reply struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"isFinal"`
}

// Utterance is one completed user utterance handed off to the daemon.
type Utterance struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// Bus carries utterances out and replies back.
type Bus interface {
	PublishUtterance(ctx context.Context, u Utterance) error
	PublishReply(ctx context.Context, r Reply) error

	// SubscribeReplies delivers every reply to fn from a background
	// goroutine until the returned stop function is called.
	SubscribeReplies(ctx context.Context, fn func(Reply)) (stop func(), err error)

	// SubscribeUtterances is the daemon-side counterpart.
	SubscribeUtterances(ctx context.Context, fn func(Utterance)) (stop func(), err error)

	Close() error
}

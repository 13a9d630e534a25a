// Package topic implements publish/subscribe over a transport.
//
// Publish encodes a value with the codec and hands it to the broker; a value
// that cannot be encoded is rejected before anything is sent. Each
// subscription owns a bounded drop-oldest queue and a goroutine that decodes
// and handles messages sequentially, so a slow handler delays only its own
// subscription. Overflow, undecodable payloads and handler failures (panics
// included) are reported to the subscription's ErrorHandler and never end
// the subscription.
//
// Order is preserved per publisher and subscription. Nothing is ordered
// across topics.
package topic

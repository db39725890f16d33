// Package queue implements the durable outbound task queue of the
// cyphercore messenger.
//
// Enqueued delivery tasks are encrypted and persisted through the storage
// collaborator before the send operation returns, so the queue survives a
// process restart with no logical sends lost. A background drain loop pulls
// tasks strictly FIFO and hands each to the transport; a task leaves the
// queue only after the transport accepts it, or after the bounded retry
// policy gives up and reports the task on the failure callback. Failed
// deliveries are never silently dropped.
//
// Delivery is at-least-once: a retry after an ambiguous failure may resend
// a task the network already accepted, but it always resends it under the
// same message id, so receivers can deduplicate.
package queue

// Package transport defines the delivery collaborator of the cyphercore
// messenger: content-addressed blob publishing and task hand-off to the
// network.
//
// The core never moves bytes itself. It enqueues delivery tasks durably and
// hands them to a Transport implementation one at a time; what happens on
// the wire (framing, retransmission, connection management) is entirely the
// implementation's concern.
//
// SpoofHub is an in-process implementation connecting several messengers
// inside one test binary. It plays the role the real server plays in
// production: it stores published blobs, routes tasks to recipients and
// holds tasks for recipients that have not come online yet.
package transport

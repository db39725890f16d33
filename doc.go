// Package cyphercore implements the core engine of an end-to-end-encrypted
// multi-device messaging SDK.
//
// A Messenger owns one local account: it resolves conversations, enforces
// membership and trust invariants, encrypts everything it persists, and
// reliably fans outbound messages out to every device of every recipient
// through a durable task queue. Client applications supply the transport,
// the storage backend and the policy plugins; the core supplies the
// guarantees.
//
// Example:
//
//	hub := transport.NewSpoofHub()
//
//	m0, err := cyphercore.RegisterMessenger("m0", cyphercore.NewOptions(),
//	    hub.Client("m0"), store.NewMemoryStore(),
//	    event.NewPluginHandler())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m0.Close()
//
//	chat, err := m0.CreatePrivateChat("m1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if _, err := chat.SendText("Hello"); err != nil {
//	    log.Fatal(err)
//	}
package cyphercore

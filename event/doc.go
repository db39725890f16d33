// Package event defines the application policy hooks of the cyphercore
// messenger and the plugin dispatcher that drives them.
//
// Hooks come in two flavors. Decision hooks (pre-send, pre-receive,
// pre-device-registration, private chat metadata) are consulted in plugin
// order and the first plugin returning a non-default decision wins.
// Notification hooks (on-create-conversation, on-create-chat-message,
// on-message-change) always fan out to every plugin; one plugin failing or
// panicking is isolated, reported, and never prevents the others from
// running or aborts the operation that fired the event.
//
// Reentrancy: notification hooks are dispatched after the messenger has
// released its account lock, so a plugin may call back into the messenger
// from them. Decision hooks run inside the account's critical section and
// must not call back into the messenger that invoked them.
package event

package event

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cypherkit/cyphercore/models"
)

// HookError reports one plugin's failure during a notification hook.
type HookError struct {
	Plugin string
	Hook   string
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("plugin %q failed in %s: %v", e.Plugin, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// PluginHandler dispatches hooks across a fixed ordered plugin list.
type PluginHandler struct {
	plugins []Plugin
	onError func(*HookError)
}

// NewPluginHandler builds a dispatcher over plugins, consulted in the given
// order.
func NewPluginHandler(plugins ...Plugin) *PluginHandler {
	return &PluginHandler{plugins: plugins}
}

// OnHookError registers an observer for isolated notification-hook
// failures. Failures are logged regardless.
func (h *PluginHandler) OnHookError(fn func(*HookError)) {
	h.onError = fn
}

// OnSendMessage implements Handler: first non-default decision wins,
// defaulting to SendSaveAndSend. A decision-hook error aborts the send.
func (h *PluginHandler) OnSendMessage(ctx *SentMessageContext) (SendMessageAction, error) {
	for _, p := range h.plugins {
		action, err := p.OnSendMessage(ctx)
		if err != nil {
			return SendUndecided, &HookError{Plugin: p.Identifier(), Hook: "OnSendMessage", Err: err}
		}
		if action != SendUndecided {
			return action, nil
		}
	}
	return SendSaveAndSend, nil
}

// OnReceiveMessage implements Handler: first non-default decision wins,
// defaulting to ReceiveSave.
func (h *PluginHandler) OnReceiveMessage(ctx *ReceivedMessageContext) (ReceiveAction, error) {
	for _, p := range h.plugins {
		action, err := p.OnReceiveMessage(ctx)
		if err != nil {
			return ReceiveUndecided, &HookError{Plugin: p.Identifier(), Hook: "OnReceiveMessage", Err: err}
		}
		if action != ReceiveUndecided {
			return action, nil
		}
	}
	return ReceiveSave, nil
}

// OnDeviceRegistryRequest implements Handler: first non-default decision
// wins, defaulting to RegistryAllow.
func (h *PluginHandler) OnDeviceRegistryRequest(identity models.DeviceIdentity) (RegistryAction, error) {
	for _, p := range h.plugins {
		action, err := p.OnDeviceRegistryRequest(identity)
		if err != nil {
			return RegistryUndecided, &HookError{Plugin: p.Identifier(), Hook: "OnDeviceRegistryRequest", Err: err}
		}
		if action != RegistryUndecided {
			return action, nil
		}
	}
	return RegistryAllow, nil
}

// PrivateChatMetadata implements Handler: the first plugin returning
// non-nil metadata wins; none deciding yields empty metadata.
func (h *PluginHandler) PrivateChatMetadata(otherUser models.Username) (json.RawMessage, error) {
	for _, p := range h.plugins {
		metadata, err := p.PrivateChatMetadata(otherUser)
		if err != nil {
			return nil, &HookError{Plugin: p.Identifier(), Hook: "PrivateChatMetadata", Err: err}
		}
		if metadata != nil {
			return metadata, nil
		}
	}
	return json.RawMessage(`{}`), nil
}

// OnCreateConversation implements Handler: every plugin runs, failures are
// isolated.
func (h *PluginHandler) OnCreateConversation(ev ConversationEvent) {
	for _, p := range h.plugins {
		h.notify(p, "OnCreateConversation", func() { p.OnCreateConversation(ev) })
	}
}

// OnCreateChatMessage implements Handler: every plugin runs, failures are
// isolated.
func (h *PluginHandler) OnCreateChatMessage(ev MessageEvent) {
	for _, p := range h.plugins {
		h.notify(p, "OnCreateChatMessage", func() { p.OnCreateChatMessage(ev) })
	}
}

// OnMessageChange implements Handler: every plugin runs, failures are
// isolated.
func (h *PluginHandler) OnMessageChange(ev MessageEvent) {
	for _, p := range h.plugins {
		h.notify(p, "OnMessageChange", func() { p.OnMessageChange(ev) })
	}
}

// notify runs one notification hook with panic isolation. A panicking
// plugin must not take down its siblings or the triggering operation.
func (h *PluginHandler) notify(p Plugin, hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			hookErr := &HookError{Plugin: p.Identifier(), Hook: hook, Err: fmt.Errorf("panic: %v", r)}
			logrus.WithFields(logrus.Fields{
				"function": "notify",
				"plugin":   p.Identifier(),
				"hook":     hook,
			}).WithError(hookErr).Error("Plugin notification hook failed")
			if h.onError != nil {
				h.onError(hookErr)
			}
		}
	}()
	fn()
}

package cyphercore

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cypherkit/cyphercore/event"
	"github.com/cypherkit/cyphercore/models"
	"github.com/cypherkit/cyphercore/queue"
	"github.com/cypherkit/cyphercore/store"
	"github.com/cypherkit/cyphercore/transport"
)

// recordingTransport wraps a transport and keeps every task handed to
// SendTask, so tests can inspect the wire shape of outbound deliveries.
type recordingTransport struct {
	transport.Transport

	mu    sync.Mutex
	tasks []models.Task
}

func (r *recordingTransport) SendTask(task models.Task) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	return r.Transport.SendTask(task)
}

func (r *recordingTransport) sent() []models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Task, len(r.tasks))
	copy(out, r.tasks)
	return out
}

func fastQueueOptions() *Options {
	opts := NewOptions()
	opts.Queue = queue.Config{
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		DrainInterval: 5 * time.Millisecond,
	}
	return opts
}

func TestSendAssignsMonotonicOrder(t *testing.T) {
	hub := transport.NewSpoofHub()
	m0 := newTestMessenger(t, hub, "m0")
	newTestMessenger(t, hub, "m1")

	chat, err := m0.CreatePrivateChat("m1")
	require.NoError(t, err)

	for _, text := range []string{"one", "two", "three"} {
		_, err := chat.SendText(text)
		require.NoError(t, err)
	}

	msgs, err := chat.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, int64(i+1), msg.Order)
		assert.Equal(t, models.Username("m0"), msg.Sender)
	}

	window, err := chat.MessagesBySender(m0.DeviceID(), 2, 3)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "two", window[0].Message.Text)
	assert.Equal(t, "three", window[1].Message.Text)
}

func TestRetryDeliversExactlyOnce(t *testing.T) {
	hub := transport.NewSpoofHub()
	client := hub.Client("m0")
	rec := &recordingTransport{Transport: client}

	m0, err := RegisterMessenger("m0", fastQueueOptions(), rec, store.NewMemoryStore(), event.NewPluginHandler())
	require.NoError(t, err)
	defer m0.Close()
	m1 := newTestMessenger(t, hub, "m1")

	chat, err := m0.CreatePrivateChat("m1")
	require.NoError(t, err)

	client.FailNextSends(2)
	_, err = chat.SendText("persistent hello")
	require.NoError(t, err)
	require.NoError(t, m0.Synchronize())

	attempts := rec.sent()
	require.Len(t, attempts, 3, "two failures plus the success")
	for _, attempt := range attempts {
		assert.Equal(t, attempts[0].SendMulti.MessageID, attempt.SendMulti.MessageID,
			"retries must reuse the message id")
	}

	theirChat, err := m1.GetPrivateChat("m0")
	require.NoError(t, err)
	require.NotNil(t, theirChat)
	msgs, err := theirChat.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1, "retries must not duplicate delivery")
	assert.Equal(t, "persistent hello", msgs[0].Message.Text)
}

func TestDeliveryFailureSurfacesAfterExhaustion(t *testing.T) {
	hub := transport.NewSpoofHub()
	client := hub.Client("m0")

	m0, err := RegisterMessenger("m0", fastQueueOptions(), client, store.NewMemoryStore(), event.NewPluginHandler())
	require.NoError(t, err)
	defer m0.Close()
	newTestMessenger(t, hub, "m1")

	// Synchronize drains deterministically; the background loop would race
	// the failure-callback assertion below.
	m0.queue.Stop()

	var mu sync.Mutex
	var failed []models.Task
	m0.OnDeliveryFailure(func(task models.Task, err error) {
		mu.Lock()
		failed = append(failed, task)
		mu.Unlock()
	})

	chat, err := m0.CreatePrivateChat("m1")
	require.NoError(t, err)

	client.FailNextSends(100)
	view, err := chat.SendText("doomed")
	require.NoError(t, err, "the send call succeeds; delivery fails later")
	require.NoError(t, m0.Synchronize())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failed, 1)
	assert.Equal(t, view.RemoteID, failed[0].MessageID())

	// The local copy stays; only delivery failed.
	msgs, err := chat.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestDuplicateInboundTaskIsDropped(t *testing.T) {
	hub := transport.NewSpoofHub()
	m1 := newTestMessenger(t, hub, "m1")

	task := models.Task{
		ID:           uuid.NewString(),
		Kind:         models.TaskSendMultiRecipientMessage,
		Sender:       "x",
		SenderDevice: "x-dev",
		SendMulti: &models.SendMultiRecipientMessageTask{
			Message: models.CypherMessage{
				Type:     models.MessageTypeText,
				Text:     "hi there",
				SentDate: time.Now(),
				Order:    1,
				Target:   models.Target{Kind: models.TargetUser, User: "m1"},
			},
			MessageID:  uuid.NewString(),
			Recipients: []models.Username{"m1"},
			PushType:   models.PushMessage,
		},
	}

	sender := hub.Client("x")
	require.NoError(t, sender.SendTask(task))
	require.NoError(t, sender.SendTask(task))

	chat, err := m1.GetPrivateChat("x")
	require.NoError(t, err)
	require.NotNil(t, chat, "inbound message creates the private chat")

	msgs, err := chat.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1, "second arrival of the same message id is dropped")
	assert.Equal(t, task.SendMulti.MessageID, msgs[0].RemoteID)
}

type ignorePlugin struct {
	event.NoopPlugin
}

func (ignorePlugin) Identifier() string { return "ignore" }

func (ignorePlugin) OnReceiveMessage(*event.ReceivedMessageContext) (event.ReceiveAction, error) {
	return event.ReceiveIgnore, nil
}

func TestReceiveIgnoreDropsMessage(t *testing.T) {
	hub := transport.NewSpoofHub()
	m0 := newTestMessenger(t, hub, "m0")
	m1 := newTestMessenger(t, hub, "m1", ignorePlugin{})

	chat, err := m0.CreatePrivateChat("m1")
	require.NoError(t, err)
	_, err = chat.SendText("you never saw this")
	require.NoError(t, err)
	require.NoError(t, m0.Synchronize())

	theirChat, err := m1.GetPrivateChat("m0")
	require.NoError(t, err)
	require.NotNil(t, theirChat, "the conversation exists even when the message is dropped")
	msgs, err := theirChat.Messages()
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

type receiveRecorder struct {
	event.NoopPlugin

	mu       sync.Mutex
	received []event.ReceivedMessageContext
}

func (*receiveRecorder) Identifier() string { return "receive-recorder" }

func (r *receiveRecorder) OnReceiveMessage(ctx *event.ReceivedMessageContext) (event.ReceiveAction, error) {
	r.mu.Lock()
	r.received = append(r.received, *ctx)
	r.mu.Unlock()
	return event.ReceiveUndecided, nil
}

func (r *receiveRecorder) seen() []event.ReceivedMessageContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.ReceivedMessageContext, len(r.received))
	copy(out, r.received)
	return out
}

func TestMagicMessageReachesPluginsButNotHistory(t *testing.T) {
	hub := transport.NewSpoofHub()
	recorder := &receiveRecorder{}
	m0 := newTestMessenger(t, hub, "m0")
	m1 := newTestMessenger(t, hub, "m1", recorder)

	chat, err := m0.CreatePrivateChat("m1")
	require.NoError(t, err)

	_, err = chat.SendMessage(models.CypherMessage{
		Type:    models.MessageTypeMagic,
		Subtype: "typing-indicator",
	}, models.PushNone)
	require.NoError(t, err)
	require.NoError(t, m0.Synchronize())

	seen := recorder.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, models.MessageTypeMagic, seen[0].Message.Type)
	assert.Equal(t, "typing-indicator", seen[0].Message.Subtype)

	theirChat, err := m1.GetPrivateChat("m0")
	require.NoError(t, err)
	require.NotNil(t, theirChat)
	msgs, err := theirChat.Messages()
	require.NoError(t, err)
	assert.Empty(t, msgs, "magic messages never enter chat history")
}

type sendOnlyPlugin struct {
	event.NoopPlugin
}

func (sendOnlyPlugin) Identifier() string { return "send-only" }

func (sendOnlyPlugin) OnSendMessage(*event.SentMessageContext) (event.SendMessageAction, error) {
	return event.SendOnly, nil
}

func TestSendOnlyLeavesNoLocalRecordButCarriesMessageID(t *testing.T) {
	hub := transport.NewSpoofHub()
	client := hub.Client("m0")
	rec := &recordingTransport{Transport: client}

	m0, err := RegisterMessenger("m0", NewOptions(), rec, store.NewMemoryStore(), event.NewPluginHandler(sendOnlyPlugin{}))
	require.NoError(t, err)
	defer m0.Close()
	m1 := newTestMessenger(t, hub, "m1")

	chat, err := m0.CreatePrivateChat("m1")
	require.NoError(t, err)

	view, err := chat.SendText("ephemeral")
	require.NoError(t, err)
	assert.Nil(t, view, "nothing was saved locally")
	require.NoError(t, m0.Synchronize())

	msgs, err := chat.Messages()
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// The wire task is indistinguishable from a saved send: it still
	// carries a message id.
	attempts := rec.sent()
	require.Len(t, attempts, 1)
	require.NotNil(t, attempts[0].SendMulti)
	assert.NotEmpty(t, attempts[0].SendMulti.MessageID)
	assert.Empty(t, attempts[0].SendMulti.LocalID)

	// The recipient still saves it.
	theirChat, err := m1.GetPrivateChat("m0")
	require.NoError(t, err)
	require.NotNil(t, theirChat)
	theirMsgs, err := theirChat.Messages()
	require.NoError(t, err)
	require.Len(t, theirMsgs, 1)
	assert.Equal(t, attempts[0].SendMulti.MessageID, theirMsgs[0].RemoteID)
}

// reentrantPlugin calls back into the messenger from notification hooks,
// the way application plugins mutate conversation state when a message
// lands.
type reentrantPlugin struct {
	event.NoopPlugin

	m *Messenger

	mu            sync.Mutex
	partners      []models.Username
	conversations []string
}

func (*reentrantPlugin) Identifier() string { return "reentrant" }

func (p *reentrantPlugin) OnCreateChatMessage(ev event.MessageEvent) {
	chat, err := p.m.GetPrivateChat("m1")
	if err != nil || chat == nil {
		return
	}
	p.mu.Lock()
	p.partners = append(p.partners, chat.Partner())
	p.mu.Unlock()
}

func (p *reentrantPlugin) OnCreateConversation(ev event.ConversationEvent) {
	// Touching the internal conversation exercises a create inside a
	// notification of another create.
	notes, err := p.m.GetInternalConversation()
	if err != nil {
		return
	}
	p.mu.Lock()
	p.conversations = append(p.conversations, notes.ID())
	p.mu.Unlock()
}

func TestNotificationHooksMayCallBackIntoMessenger(t *testing.T) {
	hub := transport.NewSpoofHub()
	plugin := &reentrantPlugin{}
	m0 := newTestMessenger(t, hub, "m0", plugin)
	plugin.m = m0
	newTestMessenger(t, hub, "m1")

	chat, err := m0.CreatePrivateChat("m1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := chat.SendText("hello")
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("SendText did not return: notification hook blocked on the account lock")
	}

	plugin.mu.Lock()
	defer plugin.mu.Unlock()
	require.NotEmpty(t, plugin.partners, "OnCreateChatMessage hook must have run")
	assert.Equal(t, models.Username("m1"), plugin.partners[0])
	require.NotEmpty(t, plugin.conversations, "OnCreateConversation hook must have run")
}

func TestSendInternalMessageFansOutPerDevice(t *testing.T) {
	hub := transport.NewSpoofHub()
	client := hub.Client("m0")
	rec := &recordingTransport{Transport: client}

	m0, err := RegisterMessenger("m0", NewOptions(), rec, store.NewMemoryStore(), event.NewPluginHandler())
	require.NoError(t, err)
	defer m0.Close()

	companion := newDeviceIdentity(t, "m0", "companion")
	require.NoError(t, m0.AddDevice(companion))

	notes, err := m0.GetInternalConversation()
	require.NoError(t, err)
	require.NoError(t, notes.SendInternalMessage(models.CypherMessage{
		Type:    models.MessageTypeMagic,
		Subtype: "contact-sync",
	}))
	require.NoError(t, m0.Synchronize())

	// One direct task for the companion device; the sending device itself
	// is skipped.
	attempts := rec.sent()
	require.Len(t, attempts, 1)
	task := attempts[0]
	assert.Equal(t, models.TaskSendMessage, task.Kind)
	require.NotNil(t, task.SendMessage)
	assert.Equal(t, models.Username("m0"), task.SendMessage.Recipient)
	assert.Equal(t, models.DeviceID("companion"), task.SendMessage.RecipientDeviceID)
	assert.NotEmpty(t, task.SendMessage.MessageID, "direct tasks carry an enqueue-time message id")
	assert.Equal(t, models.TargetSelf, task.SendMessage.Message.Target.Kind)

	// Nothing is saved locally on this path.
	msgs, err := notes.Messages()
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestInboundDirectTaskPersistsOnceAcrossRedelivery(t *testing.T) {
	hub := transport.NewSpoofHub()
	m1 := newTestMessenger(t, hub, "m1")

	task := models.Task{
		ID:           uuid.NewString(),
		Kind:         models.TaskSendMessage,
		Sender:       "x",
		SenderDevice: "x-dev",
		SendMessage: &models.SendMessageTask{
			Message: models.CypherMessage{
				Type:     models.MessageTypeText,
				Text:     "direct hello",
				SentDate: time.Now(),
				Order:    1,
				Target:   models.Target{Kind: models.TargetUser, User: "m1"},
			},
			Recipient:         "m1",
			RecipientDeviceID: m1.DeviceID(),
			MessageID:         uuid.NewString(),
		},
	}

	// At-least-once redelivery of the same task.
	sender := hub.Client("x")
	require.NoError(t, sender.SendTask(task))
	require.NoError(t, sender.SendTask(task))

	chat, err := m1.GetPrivateChat("x")
	require.NoError(t, err)
	require.NotNil(t, chat)
	msgs, err := chat.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1, "redelivered direct task must not duplicate")
	assert.Equal(t, "direct hello", msgs[0].Message.Text)
	assert.Equal(t, task.SendMessage.MessageID, msgs[0].RemoteID)
}

func TestInternalConversationNotesToSelf(t *testing.T) {
	hub := transport.NewSpoofHub()
	m0 := newTestMessenger(t, hub, "m0")

	notes, err := m0.GetInternalConversation()
	require.NoError(t, err)

	view, err := notes.SendText("remember the milk")
	require.NoError(t, err)
	require.NotNil(t, view)
	require.NoError(t, m0.Synchronize())

	msgs, err := notes.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "remember the milk", msgs[0].Message.Text)
	assert.Equal(t, models.TargetSelf, msgs[0].Message.Target.Kind)
}

func TestCancelQueuedSend(t *testing.T) {
	hub := transport.NewSpoofHub()
	client := hub.Client("m0")
	rec := &recordingTransport{Transport: client}

	m0, err := RegisterMessenger("m0", fastQueueOptions(), rec, store.NewMemoryStore(), event.NewPluginHandler())
	require.NoError(t, err)
	m1 := newTestMessenger(t, hub, "m1")

	// Stop the drain loop so the task stays queued long enough to cancel.
	m0.queue.Stop()

	chat, err := m0.CreatePrivateChat("m1")
	require.NoError(t, err)
	_, err = chat.SendText("on second thought")
	require.NoError(t, err)

	tasks, err := m0.store.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, m0.CancelTask(tasks[0].ID))

	require.NoError(t, m0.Synchronize())
	assert.Empty(t, rec.sent(), "cancelled task never reaches the transport")
	require.NoError(t, m0.Close())

	theirChat, err := m1.GetPrivateChat("m0")
	require.NoError(t, err)
	assert.Nil(t, theirChat)
}

package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cypherkit/cyphercore/crypto"
	"github.com/cypherkit/cyphercore/models"
	"github.com/cypherkit/cyphercore/store"
)

// mockSender records handed-off tasks and can fail a configured number of
// attempts first.
type mockSender struct {
	mu       sync.Mutex
	tasks    []models.Task
	failures int
}

func (m *mockSender) SendTask(task models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("network unavailable")
	}
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *mockSender) sent() []models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Task, len(m.tasks))
	copy(out, m.tasks)
	return out
}

func testConfig() Config {
	return Config{MaxAttempts: 3, BackoffBase: time.Millisecond, DrainInterval: 5 * time.Millisecond}
}

func newTestQueue(t *testing.T, st store.Store, sender Sender) *Queue {
	t.Helper()
	key, err := crypto.GenerateSymmetricKey()
	require.NoError(t, err)
	return New(st, crypto.NewSuite(), key, sender, testConfig())
}

func makeTask(id string) models.Task {
	return models.Task{
		ID:     id,
		Kind:   models.TaskSendMultiRecipientMessage,
		Sender: "m0",
		SendMulti: &models.SendMultiRecipientMessageTask{
			MessageID:  "msg-" + id,
			Recipients: []models.Username{"m1"},
			PushType:   models.PushNone,
		},
	}
}

func TestDrainFIFO(t *testing.T) {
	sender := &mockSender{}
	q := newTestQueue(t, store.NewMemoryStore(), sender)

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, q.Enqueue(makeTask(id)))
	}
	require.NoError(t, q.Drain())

	sent := sender.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "t1", sent[0].ID)
	assert.Equal(t, "t2", sent[1].ID)
	assert.Equal(t, "t3", sent[2].ID)
}

func TestQueueSurvivesRestart(t *testing.T) {
	st := store.NewMemoryStore()
	key, err := crypto.GenerateSymmetricKey()
	require.NoError(t, err)
	suite := crypto.NewSuite()

	q := New(st, suite, key, &mockSender{}, testConfig())
	require.NoError(t, q.Enqueue(makeTask("t1")))

	// A new queue instance over the same store picks the task up, as after
	// a process restart.
	sender := &mockSender{}
	reborn := New(st, suite, key, sender, testConfig())
	require.NoError(t, reborn.Drain())

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "t1", sent[0].ID)
	assert.Equal(t, "msg-t1", sent[0].MessageID())
}

func TestRetryThenSuccessKeepsMessageID(t *testing.T) {
	sender := &mockSender{failures: 2}
	q := newTestQueue(t, store.NewMemoryStore(), sender)

	require.NoError(t, q.Enqueue(makeTask("t1")))
	require.NoError(t, q.Drain())

	sent := sender.sent()
	require.Len(t, sent, 1, "retries must not duplicate the task")
	assert.Equal(t, "msg-t1", sent[0].MessageID(), "retries must keep the original message id")

	tasks, err := q.store.ListTasks()
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRetryExhaustionSurfacesFailure(t *testing.T) {
	sender := &mockSender{failures: 100}
	q := newTestQueue(t, store.NewMemoryStore(), sender)

	var failedTask models.Task
	var failedErr error
	q.OnDeliveryFailure(func(task models.Task, err error) {
		failedTask = task
		failedErr = err
	})

	require.NoError(t, q.Enqueue(makeTask("t1")))
	require.NoError(t, q.Drain())

	assert.Equal(t, "t1", failedTask.ID, "exhausted task must be surfaced, not dropped")
	assert.Error(t, failedErr)
	assert.Empty(t, sender.sent())

	tasks, err := q.store.ListTasks()
	require.NoError(t, err)
	assert.Empty(t, tasks, "failed task must leave the queue")
}

func TestFailureDoesNotBlockLaterTasks(t *testing.T) {
	sender := &mockSender{failures: 3} // exactly MaxAttempts: first task dies
	q := newTestQueue(t, store.NewMemoryStore(), sender)

	require.NoError(t, q.Enqueue(makeTask("t1")))
	require.NoError(t, q.Enqueue(makeTask("t2")))
	require.NoError(t, q.Drain())

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "t2", sent[0].ID)
}

func TestCancelBeforeHandOff(t *testing.T) {
	sender := &mockSender{}
	q := newTestQueue(t, store.NewMemoryStore(), sender)

	require.NoError(t, q.Enqueue(makeTask("t1")))
	require.NoError(t, q.Cancel("t1"))
	require.NoError(t, q.Drain())

	assert.Empty(t, sender.sent())
	assert.Error(t, q.Cancel("t1"), "cancelling twice should fail")
}

func TestBackgroundDrain(t *testing.T) {
	sender := &mockSender{}
	q := newTestQueue(t, store.NewMemoryStore(), sender)

	q.Start()
	defer q.Stop()

	require.NoError(t, q.Enqueue(makeTask("t1")))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.sent()) == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.Len(t, sender.sent(), 1)

	// Start is idempotent and Stop joins the loop.
	q.Start()
	q.Stop()
	q.Stop()
}

// slowSender stalls each hand-off so concurrent drains overlap.
type slowSender struct {
	mockSender
	delay time.Duration
}

func (s *slowSender) SendTask(task models.Task) error {
	time.Sleep(s.delay)
	return s.mockSender.SendTask(task)
}

func TestConcurrentDrainsDeliverOnce(t *testing.T) {
	sender := &slowSender{delay: 10 * time.Millisecond}
	q := newTestQueue(t, store.NewMemoryStore(), sender)

	q.Start()
	defer q.Stop()

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, q.Enqueue(makeTask(id)))
	}

	// Explicit drains racing the background loop must not double-deliver.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Drain()
		}()
	}
	wg.Wait()
	require.NoError(t, q.Drain())

	sent := sender.sent()
	require.Len(t, sent, 3)
	seen := make(map[string]bool)
	for _, task := range sent {
		assert.False(t, seen[task.ID], "task %s delivered twice", task.ID)
		seen[task.ID] = true
	}
}

func TestUnreadableTaskSurfacedAndSkipped(t *testing.T) {
	st := store.NewMemoryStore()
	sender := &mockSender{}
	q := newTestQueue(t, st, sender)

	// A record sealed under a different key is unreadable for the queue.
	otherKey, err := crypto.GenerateSymmetricKey()
	require.NoError(t, err)
	task := makeTask("t1")
	payload, err := models.EncryptModel(&task, crypto.NewSuite(), otherKey)
	require.NoError(t, err)
	require.NoError(t, st.AppendTask(models.TaskRecord{ID: "t1", Payload: payload}))
	require.NoError(t, q.Enqueue(makeTask("t2")))

	var failed []string
	q.OnDeliveryFailure(func(task models.Task, err error) {
		failed = append(failed, task.ID)
	})

	err = q.Drain()
	assert.Error(t, err, "unreadable task should be reported")
	require.NoError(t, q.Drain())

	assert.Equal(t, []string{"t1"}, failed)
	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "t2", sent[0].ID)
}

package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cypherkit/cyphercore/crypto"
	"github.com/cypherkit/cyphercore/models"
	"github.com/cypherkit/cyphercore/store"
)

// ErrInFlight indicates a cancellation raced delivery: the task is already
// handed to the transport and will proceed to success, retry or exhaustion.
var ErrInFlight = errors.New("queue: task already handed to transport")

// Sender hands one task to the network. The transport collaborator
// satisfies this.
type Sender interface {
	SendTask(task models.Task) error
}

// FailureFunc observes a task whose delivery attempts are exhausted.
type FailureFunc func(task models.Task, err error)

// Config tunes the retry policy and drain cadence.
type Config struct {
	// MaxAttempts bounds delivery attempts per task before it is marked
	// failed.
	MaxAttempts int
	// BackoffBase is the wait after the first failed attempt; it doubles
	// per subsequent failure.
	BackoffBase time.Duration
	// DrainInterval is how often the drain loop polls when idle.
	DrainInterval time.Duration
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		BackoffBase:   500 * time.Millisecond,
		DrainInterval: time.Second,
	}
}

// Queue is the durable FIFO delivery queue for one account. Enqueue is
// called under the account's serialization; the drain loop is the only
// dequeuer, and both sides synchronize on the queue mutex so no task is
// ever processed twice concurrently.
type Queue struct {
	store  store.Store
	suite  crypto.Suite
	key    crypto.SymmetricKey
	sender Sender
	cfg    Config

	// proc serializes whole head-processing passes. The background loop and
	// explicit Drain calls would otherwise both pick up the same head task
	// while the first is mid-send.
	proc sync.Mutex

	mu        sync.Mutex
	attempts  map[string]int
	inFlight  string
	onFailure FailureFunc
	running   bool
	stopChan  chan struct{}
	wake      chan struct{}
	done      chan struct{}
}

// New creates a queue draining into sender, persisting through st.
func New(st store.Store, suite crypto.Suite, key crypto.SymmetricKey, sender Sender, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultConfig().DrainInterval
	}

	return &Queue{
		store:    st,
		suite:    suite,
		key:      key,
		sender:   sender,
		cfg:      cfg,
		attempts: make(map[string]int),
		wake:     make(chan struct{}, 1),
	}
}

// OnDeliveryFailure registers the observer for retry-exhausted tasks.
func (q *Queue) OnDeliveryFailure(fn FailureFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailure = fn
}

// Enqueue encrypts and durably persists a task. The task is owned by the
// queue from here on; the drain loop picks it up asynchronously.
func (q *Queue) Enqueue(task models.Task) error {
	payload, err := models.EncryptModel(&task, q.suite, q.key)
	if err != nil {
		return fmt.Errorf("seal task: %w", err)
	}

	if err := q.store.AppendTask(models.TaskRecord{ID: task.ID, Payload: payload}); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Enqueue",
		"task_id":  task.ID,
		"kind":     task.Kind,
	}).Debug("Delivery task enqueued")

	// Nudge the drain loop without blocking if it is already awake.
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel removes a task that has not yet been handed to the transport.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight == taskID {
		return ErrInFlight
	}
	delete(q.attempts, taskID)
	return q.store.RemoveTask(taskID)
}

// Start launches the background drain loop.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.running = true
	q.stopChan = make(chan struct{})
	q.done = make(chan struct{})

	go q.drainLoop(q.stopChan, q.done)
}

// Stop shuts the drain loop down and waits for it to finish the task it is
// processing, if any.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopChan)
	done := q.done
	q.mu.Unlock()

	<-done
}

func (q *Queue) drainLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		wait := q.cfg.DrainInterval

		worked, retryIn, err := q.processHead()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "drainLoop",
			}).WithError(err).Error("Task queue drain error")
		}
		if retryIn > 0 {
			wait = retryIn
		} else if worked {
			// More work may be queued behind the one just delivered.
			wait = 0
		}

		if wait == 0 {
			select {
			case <-stop:
				return
			default:
				continue
			}
		}

		select {
		case <-stop:
			return
		case <-q.wake:
		case <-time.After(wait):
		}
	}
}

// Drain synchronously processes the queue until it is empty, including
// retry waits. Tests and explicit synchronization points use it to reach a
// settled state.
func (q *Queue) Drain() error {
	for {
		worked, retryIn, err := q.processHead()
		if err != nil {
			return err
		}
		if retryIn > 0 {
			time.Sleep(retryIn)
			continue
		}
		if !worked {
			return nil
		}
	}
}

// processHead attempts delivery of the oldest task. Returns whether a task
// was delivered or removed, and a non-zero retry wait when the head task
// failed but has attempts left.
func (q *Queue) processHead() (bool, time.Duration, error) {
	q.proc.Lock()
	defer q.proc.Unlock()

	q.mu.Lock()
	rec, ok, err := q.store.OldestTask()
	if err != nil {
		q.mu.Unlock()
		return false, 0, fmt.Errorf("peek task queue: %w", err)
	}
	if !ok {
		q.mu.Unlock()
		return false, 0, nil
	}

	decrypted, err := rec.Payload.Decrypt(q.suite, q.key)
	if err != nil {
		// A task we cannot read is a storage corruption, not a transport
		// hiccup: surface it and drop the record so the queue can move on.
		q.mu.Unlock()
		q.fail(models.Task{ID: rec.ID}, fmt.Errorf("unreadable task: %w", err))
		if removeErr := q.store.RemoveTask(rec.ID); removeErr != nil {
			return false, 0, removeErr
		}
		return true, 0, err
	}
	task := *decrypted.Props()
	q.inFlight = task.ID
	q.mu.Unlock()

	sendErr := q.sender.SendTask(task)

	q.mu.Lock()
	q.inFlight = ""
	if sendErr == nil {
		delete(q.attempts, task.ID)
		err := q.store.RemoveTask(task.ID)
		q.mu.Unlock()
		if err != nil {
			return false, 0, fmt.Errorf("remove delivered task: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "processHead",
			"task_id":  task.ID,
		}).Debug("Delivery task handed to transport")
		return true, 0, nil
	}

	q.attempts[task.ID]++
	attempt := q.attempts[task.ID]
	if attempt >= q.cfg.MaxAttempts {
		delete(q.attempts, task.ID)
		removeErr := q.store.RemoveTask(task.ID)
		q.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "processHead",
			"task_id":  task.ID,
			"attempts": attempt,
		}).WithError(sendErr).Error("Delivery task failed permanently")

		q.fail(task, sendErr)
		if removeErr != nil {
			return false, 0, removeErr
		}
		return true, 0, nil
	}
	q.mu.Unlock()

	backoff := q.cfg.BackoffBase << (attempt - 1)
	logrus.WithFields(logrus.Fields{
		"function": "processHead",
		"task_id":  task.ID,
		"attempt":  attempt,
		"backoff":  backoff,
	}).WithError(sendErr).Warn("Delivery attempt failed, will retry")

	return false, backoff, nil
}

func (q *Queue) fail(task models.Task, err error) {
	q.mu.Lock()
	fn := q.onFailure
	q.mu.Unlock()

	if fn != nil {
		fn(task, err)
	}
}

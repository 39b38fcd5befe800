// Package taskman runs timed callbacks on a dedicated worker: wait-response
// re-issues, reconnection back-offs, and the periodic timeout sweeps of the
// in/out queues.
package taskman

import (
	"container/heap"
	"time"

	"github.com/xrdclient/xrdclient/logger"
	"github.com/xrdclient/xrdclient/util/chainlock"
)

// Task is a timed callback. Run is invoked at or after the registered
// deadline; returning the zero time deletes the task, any other value
// reschedules it.
type Task interface {
	Run(now time.Time) time.Time
	Name() string
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc struct {
	Func     func(now time.Time) time.Time
	TaskName string
}

func (t *TaskFunc) Run(now time.Time) time.Time { return t.Func(now) }
func (t *TaskFunc) Name() string                { return t.TaskName }

type taskEntry struct {
	task Task
	at   time.Time
}

type taskHeap []taskEntry

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(taskEntry)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

const resolution = 1 * time.Second

type TaskManager struct {
	mtx     *chainlock.L
	tasks   taskHeap
	removed map[Task]struct{}
	running bool
	stop    chan struct{}
	done    chan struct{}
	wakeup  chan struct{}
	log     logger.Logger
}

func New(log logger.Logger) *TaskManager {
	if log == nil {
		log = logger.Default()
	}
	return &TaskManager{
		mtx:     chainlock.New(),
		removed: make(map[Task]struct{}),
		log:     log.WithField("subsys", "taskmgr"),
	}
}

func (m *TaskManager) Start() bool {
	defer m.mtx.Lock().Unlock()
	if m.running {
		m.log.Error("task manager already running")
		return false
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.wakeup = make(chan struct{}, 1)
	m.running = true
	go m.runTasks()
	m.log.Debug("task manager started")
	return true
}

func (m *TaskManager) Stop() bool {
	m.mtx.Lock()
	if !m.running {
		m.mtx.Unlock()
		m.log.Error("task manager not running")
		return false
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mtx.Unlock()

	<-done
	m.log.Debug("task manager stopped")
	return true
}

// RegisterTask schedules the task to run at or after the given deadline.
func (m *TaskManager) RegisterTask(task Task, at time.Time) {
	defer m.mtx.Lock().Unlock()
	m.log.WithField("task", task.Name()).WithField("at", at).Debug("registering task")
	heap.Push(&m.tasks, taskEntry{task, at})
	delete(m.removed, task)
	m.kick()
}

// UnregisterTask removes a task if it has not run yet. Idempotent.
func (m *TaskManager) UnregisterTask(task Task) {
	defer m.mtx.Lock().Unlock()
	m.removed[task] = struct{}{}
}

func (m *TaskManager) kick() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

func (m *TaskManager) runTasks() {
	defer close(m.done)
	timer := time.NewTimer(resolution)
	defer timer.Stop()

	for {
		m.mtx.Lock()
		now := time.Now()
		var toRun []taskEntry
		for m.tasks.Len() > 0 && !m.tasks[0].at.After(now) {
			e := heap.Pop(&m.tasks).(taskEntry)
			if _, gone := m.removed[e.task]; gone {
				delete(m.removed, e.task)
				continue
			}
			toRun = append(toRun, e)
		}
		m.mtx.Unlock()

		for _, e := range toRun {
			m.log.WithField("task", e.task.Name()).Debug("running task")
			next := e.task.Run(now)
			if !next.IsZero() {
				m.mtx.Lock()
				if _, gone := m.removed[e.task]; gone {
					delete(m.removed, e.task)
					m.mtx.Unlock()
					continue
				}
				heap.Push(&m.tasks, taskEntry{e.task, next})
				m.mtx.Unlock()
			}
		}

		sleep := resolution
		m.mtx.Lock()
		if m.tasks.Len() > 0 {
			if d := time.Until(m.tasks[0].at); d < sleep {
				sleep = d
			}
		}
		m.mtx.Unlock()
		if sleep < 0 {
			sleep = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-m.stop:
			return
		case <-m.wakeup:
		case <-timer.C:
		}
	}
}

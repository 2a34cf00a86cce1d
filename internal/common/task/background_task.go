package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

type task struct {
	function    func()
	interval    time.Duration
	metricName  string
	stopChannel chan struct{}
}

// BackgroundTaskManager runs registered functions periodically until stopped.
// It is not threadsafe and should only be accessed from a single goroutine.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	registerer    prometheus.Registerer
	clock         clock.Clock
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return NewBackgroundTaskManagerWithClock(metricsPrefix, prometheus.DefaultRegisterer, clock.RealClock{})
}

func NewBackgroundTaskManagerWithClock(metricsPrefix string, registerer prometheus.Registerer, clk clock.Clock) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		clock:         clk,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts backgroundTask immediately and then every interval.
func (m *BackgroundTaskManager) Register(backgroundTask func(), interval time.Duration, metricName string) {
	t := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan struct{}),
	}
	m.startBackgroundTask(t)
	m.tasks = append(m.tasks, t)
}

// StopAll stops every task and reports whether shutdown timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(t *task) {
	taskDurationHistogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + t.metricName + "_latency_seconds",
			Help:    "Background loop " + t.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})
	if err := m.registerer.Register(taskDurationHistogram); err != nil {
		log.Warnf("Could not register latency metric for background task %s: %v", t.metricName, err)
	}

	run := func() {
		start := m.clock.Now()
		t.function()
		taskDurationHistogram.Observe(m.clock.Since(start).Seconds())
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run()
		for {
			select {
			case <-m.clock.After(t.interval):
			case <-t.stopChannel:
				return
			}
			run()
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, t := range m.tasks {
		close(t.stopChannel)
	}
}

package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"bitget-futures/internal/logging"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter accepts operator-facing events. Implementations must not block the caller.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	defaultSendTimeout        = 20 * time.Second
)

type ManagerOptions struct {
	Mode               string
	Symbol             string
	InstanceID         string
	QueueSize          int
	DropReportInterval time.Duration
	SendTimeout        time.Duration
	Logger             logrus.FieldLogger
	Now                func() time.Time
}

// Manager delivers alerts on a background goroutine through a bounded queue.
// A full queue drops the alert and counts it; drops are summarized in the log.
type Manager struct {
	opts     ManagerOptions
	notifier Notifier
	log      *logrus.Entry

	queue chan alertEvent
	stop  chan struct{}
	done  chan struct{}
	wg    conc.WaitGroup

	droppedTotal  atomic.Uint64
	droppedWindow atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

type alertEvent struct {
	event  string
	fields map[string]string
	at     time.Time
}

// NewManager returns nil when notifier is nil; a nil *Manager accepts and discards alerts.
func NewManager(notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DropReportInterval < 0 {
		opts.DropReportInterval = 0
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		opts:     opts,
		notifier: notifier,
		log:      logging.Component(opts.Logger, "alert"),
		queue:    make(chan alertEvent, opts.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.wg.Go(m.loop)
	if opts.DropReportInterval > 0 {
		m.wg.Go(m.dropReportLoop)
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil {
		return
	}
	ev := alertEvent{event: event, fields: cloneFields(fields), at: m.opts.Now().UTC()}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		total := m.droppedTotal.Add(1)
		if m.droppedWindow.Add(1) == 1 {
			m.log.WithFields(logrus.Fields{
				"target_event":  event,
				"dropped_total": total,
				"queue_cap":     cap(m.queue),
			}).Warn("alert_queue_dropped")
		}
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered or for ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped reports the total number of alerts lost to a full queue.
func (m *Manager) Dropped() uint64 {
	if m == nil {
		return 0
	}
	return m.droppedTotal.Load()
}

func (m *Manager) loop() {
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDropped()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	ticker := time.NewTicker(m.opts.DropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDropped()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reportDropped() {
	dropped := m.droppedWindow.Swap(0)
	if dropped == 0 {
		return
	}
	m.log.WithFields(logrus.Fields{
		"dropped_since_last": dropped,
		"dropped_total":      m.droppedTotal.Load(),
	}).Warn("alert_queue_dropped_report")
}

func (m *Manager) send(ev alertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SendTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.format(ev)); err != nil {
		m.log.WithError(err).WithField("target_event", ev.event).Error("alert_notify_failed")
	}
}

func (m *Manager) format(ev alertEvent) string {
	lines := []string{
		"[bitget-futures] " + ev.event,
		"time: " + ev.at.Format(time.RFC3339),
	}
	if m.opts.Mode != "" {
		lines = append(lines, "mode: "+m.opts.Mode)
	}
	if m.opts.Symbol != "" {
		lines = append(lines, "symbol: "+m.opts.Symbol)
	}
	if m.opts.InstanceID != "" {
		lines = append(lines, "instance: "+m.opts.InstanceID)
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

package provision

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"appdeploy/internal/shared/eventbus"
)

// Reporter 日志与进度事件出口
//
// 实现必须是即发即忘的：不阻塞流水线，不返回错误
type Reporter interface {
	Log(message string, severity eventbus.Severity)
	Progress(percent int)
}

// publishTimeout 单个事件发布的超时
const publishTimeout = 2 * time.Second

// BusReporter 把事件发布到总线，所有事件带上部署 ID
type BusReporter struct {
	bus          eventbus.Publisher
	deploymentID string
}

// NewBusReporter 创建绑定到一次部署的 Reporter
func NewBusReporter(bus eventbus.Publisher, deploymentID string) *BusReporter {
	return &BusReporter{bus: bus, deploymentID: deploymentID}
}

func (r *BusReporter) Log(message string, severity eventbus.Severity) {
	r.publish(eventbus.NewLogEvent(r.deploymentID, message, severity))
}

func (r *BusReporter) Progress(percent int) {
	r.publish(eventbus.NewProgressEvent(r.deploymentID, percent))
}

func (r *BusReporter) publish(event *eventbus.Event) {
	if r.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.bus.Publish(ctx, event); err != nil {
		log.Printf("[Reporter] publish %s event for %s failed: %v", event.Topic, r.deploymentID, err)
	}
}

// MultiReporter 把事件依次转发给多个 Reporter
type MultiReporter []Reporter

func (m MultiReporter) Log(message string, severity eventbus.Severity) {
	for _, r := range m {
		r.Log(message, severity)
	}
}

func (m MultiReporter) Progress(percent int) {
	for _, r := range m {
		r.Progress(percent)
	}
}

// progressTracker 保证进度单调且不重复发送相同值
type progressTracker struct {
	out  Reporter
	last int
}

func newProgressTracker(out Reporter) *progressTracker {
	return &progressTracker{out: out, last: -1}
}

func (p *progressTracker) emit(percent int) {
	if percent <= p.last {
		return
	}
	p.last = percent
	p.out.Progress(percent)
}

// Transcript 收集一次部署的全部日志，用于归档
type Transcript struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	clock func() time.Time
}

// NewTranscript 创建空的运行记录
func NewTranscript() *Transcript {
	return &Transcript{clock: time.Now}
}

func (t *Transcript) Log(message string, severity eventbus.Severity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(&t.buf, "%s [%s] %s\n", t.clock().UTC().Format(time.RFC3339), severity, message)
}

func (t *Transcript) Progress(percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(&t.buf, "%s [progress] %d%%\n", t.clock().UTC().Format(time.RFC3339), percent)
}

// Bytes 返回当前内容的拷贝
func (t *Transcript) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.buf.Bytes())
}

// TranscriptArchive 运行记录归档（MinIO）
type TranscriptArchive interface {
	PutTranscript(ctx context.Context, host, deploymentID string, data []byte) (string, error)
}

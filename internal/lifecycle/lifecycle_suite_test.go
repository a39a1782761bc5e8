package lifecycle_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/nexus/internal/event"
	"github.com/opencode-ai/nexus/internal/health"
	"github.com/opencode-ai/nexus/internal/lifecycle"
	"github.com/opencode-ai/nexus/pkg/types"
)

func TestLifecycle(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Lifecycle Suite")
}

// scriptedProcess is a process whose exit is driven by the test.
type scriptedProcess struct {
	pid  int
	done chan struct{}
	once sync.Once
}

func (p *scriptedProcess) PID() int              { return p.pid }
func (p *scriptedProcess) Done() <-chan struct{} { return p.done }
func (p *scriptedProcess) PollExit() (*os.ProcessState, bool) {
	select {
	case <-p.done:
		return nil, true
	default:
		return nil, false
	}
}
func (p *scriptedProcess) Terminate(time.Duration) error {
	p.once.Do(func() { close(p.done) })
	return nil
}
func (p *scriptedProcess) crash() {
	p.once.Do(func() { close(p.done) })
}

var _ = Describe("Manager", func() {
	var (
		bus     *event.Bus
		mgr     *lifecycle.Manager
		mu      sync.Mutex
		procs   []*scriptedProcess
		reports []chan health.Report
	)

	// delivery happens from its own goroutine so reports can be queued
	// before the start that creates the monitor
	sendReport := func(idx int, r health.Report) {
		go func() {
			for {
				mu.Lock()
				if len(reports) > idx {
					ch := reports[idx]
					mu.Unlock()
					ch <- r
					return
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
			}
		}()
	}

	lastProc := func() *scriptedProcess {
		mu.Lock()
		defer mu.Unlock()
		return procs[len(procs)-1]
	}

	status := func() types.ServerStatus {
		return mgr.ServerState().Status
	}

	BeforeEach(func() {
		bus = event.NewBus()
		procs = nil
		reports = nil

		spawn := func(cfg types.ServerConfig) (lifecycle.Process, error) {
			mu.Lock()
			defer mu.Unlock()
			p := &scriptedProcess{pid: 4200 + len(procs), done: make(chan struct{})}
			procs = append(procs, p)
			return p, nil
		}
		monitor := func(ctx context.Context, url string, report func(health.Report)) {
			ch := make(chan health.Report, 16)
			mu.Lock()
			reports = append(reports, ch)
			mu.Unlock()
			for {
				select {
				case <-ctx.Done():
					return
				case r := <-ch:
					report(r)
					if r == health.Fatal {
						return
					}
				}
			}
		}

		mgr = lifecycle.NewManager(
			types.ServerConfig{Binary: "testserver", Port: 45100},
			bus,
			lifecycle.WithSpawn(spawn),
			lifecycle.WithMonitor(monitor),
			lifecycle.WithReadyTimeout(2*time.Second),
			lifecycle.WithStopTimeout(time.Second),
		)
	})

	AfterEach(func() {
		_ = mgr.Stop(context.Background())
		_ = bus.Close()
	})

	Describe("a full supervision cycle", func() {
		It("starts, survives a degraded phase, and stops cleanly", func() {
			sendReport(0, health.Ready)
			Expect(mgr.Start(context.Background())).To(Succeed())
			Expect(status()).To(Equal(types.ServerRunning))
			Expect(mgr.ServerState().URL).To(Equal("http://127.0.0.1:45100"))

			sendReport(0, health.Degraded)
			Eventually(func() string { return mgr.ServerState().Reason }).ShouldNot(BeEmpty())
			Expect(status()).To(Equal(types.ServerRunning))

			sendReport(0, health.Restored)
			Eventually(func() string { return mgr.ServerState().Reason }).Should(BeEmpty())

			Expect(mgr.Stop(context.Background())).To(Succeed())
			Expect(status()).To(Equal(types.ServerStopped))
		})

		It("recovers from a crash with a restart", func() {
			sendReport(0, health.Ready)
			Expect(mgr.Start(context.Background())).To(Succeed())

			lastProc().crash()
			Eventually(status).Should(Equal(types.ServerFailed))
			Expect(mgr.ServerState().Reason).To(ContainSubstring("exited unexpectedly"))

			sendReport(1, health.Ready)
			Expect(mgr.Start(context.Background())).To(Succeed())
			Expect(status()).To(Equal(types.ServerRunning))
			Expect(mgr.ServerState().PID).To(Equal(4201))
		})
	})
})

package lifecycle_test

import (
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/orionchat/orion-core/internal/budget"
	"github.com/orionchat/orion-core/internal/event"
	"github.com/orionchat/orion-core/internal/provider"
	"github.com/orionchat/orion-core/internal/retry"
	"github.com/orionchat/orion-core/internal/session"
	"github.com/orionchat/orion-core/pkg/types"
)

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, BaseInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

var _ = Describe("Session Lifecycle", func() {
	var (
		registry *session.Registry
		scripted *provider.Scripted
		opts     session.Options
	)

	BeforeEach(func() {
		scripted = provider.NewScripted()
		opts = session.Options{
			Namespace:  "orion",
			MaxLive:    10,
			Eviction:   types.EvictReject,
			Dispatcher: scripted,
			Retry:      fastRetry(),
		}
	})

	JustBeforeEach(func() {
		registry = session.NewRegistry(opts)
		DeferCleanup(func() {
			Expect(registry.Shutdown(ctx)).To(Succeed())
			Expect(registry.Bus().Close()).To(Succeed())
		})
	})

	Describe("Full conversation cycle", func() {
		It("streams a reply and settles complete", func() {
			sess, err := registry.CreateSession("chat", types.KindAdhoc, "")
			Expect(err).NotTo(HaveOccurred())

			_, err = registry.Send(ctx, "chat", "hello there")
			Expect(err).NotTo(HaveOccurred())

			Eventually(sess.State, "5s", "2ms").Should(Equal(types.StateComplete))

			snap := sess.Snapshot()
			Expect(snap.Buffer).To(Equal("You said: hello there"))
			Expect(snap.Messages).To(HaveLen(2))
			Expect(snap.Summary).NotTo(BeNil())
			Expect(snap.Summary.StopReason).To(Equal("success"))
			Expect(snap.Summary.Cost).To(BeNumerically(">", 0))
		})

		It("delivers deltas on the bus in arrival order", func() {
			var mu sync.Mutex
			var deltas []string
			registry.Bus().Subscribe(event.StreamDelta, func(e event.Event) {
				mu.Lock()
				defer mu.Unlock()
				deltas = append(deltas, e.Data.(*event.StreamDeltaData).Delta)
			})

			sess, err := registry.CreateSession("chat", types.KindAdhoc, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Send(ctx, "chat", "ordering")
			Expect(err).NotTo(HaveOccurred())
			Eventually(sess.State, "5s", "2ms").Should(Equal(types.StateComplete))

			mu.Lock()
			joined := ""
			for _, d := range deltas {
				joined += d
			}
			mu.Unlock()
			Expect(joined).To(Equal("You said: ordering"))
		})
	})

	Describe("Rapid session switching", func() {
		It("survives fifty switches with an in-flight request", func() {
			scripted.SetFallback(func(req *provider.Request) *provider.Script {
				return &provider.Script{Hang: true}
			})

			_, err := registry.CreateSession("s1", types.KindAdhoc, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Send(ctx, "s1", "keep me busy")
			Expect(err).NotTo(HaveOccurred())

			from := "s1"
			for i := 0; i < 50; i++ {
				to := fmt.Sprintf("s%d", (i+1)%5+1)
				if to == from {
					to = fmt.Sprintf("s%d", (i+2)%5+1)
				}
				sess, err := registry.Switch(ctx, from, to, types.KindAdhoc, "")
				Expect(err).NotTo(HaveOccurred(), "switch %d %s -> %s", i, from, to)
				Expect(sess.ID).To(Equal(to))

				// The origin is fully destroyed before the destination
				// exists; exactly one session remains live.
				Expect(registry.ListSessions()).To(HaveLen(1))
				Expect(registry.HasActiveRequest(from)).To(BeFalse())
				from = to
			}
		})

		It("serializes concurrent switches to the same destination", func() {
			for i := 0; i < 8; i++ {
				_, err := registry.CreateSession(fmt.Sprintf("src-%d", i), types.KindAdhoc, "")
				Expect(err).NotTo(HaveOccurred())
			}

			var wg sync.WaitGroup
			errs := make([]error, 8)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = registry.Switch(ctx, fmt.Sprintf("src-%d", i), "dest", types.KindAdhoc, "")
				}(i)
			}
			wg.Wait()

			for i, err := range errs {
				Expect(err).NotTo(HaveOccurred(), "switch %d", i)
			}
			Expect(registry.ListSessions()).To(HaveLen(1))
			Expect(registry.ListSessions()[0].ID).To(Equal("dest"))
		})
	})

	Describe("Live session cap", func() {
		BeforeEach(func() {
			opts.MaxLive = 3
		})

		It("never exceeds the cap under churn", func() {
			for i := 0; i < 40; i++ {
				id := fmt.Sprintf("churn-%d", i)
				_, err := registry.CreateSession(id, types.KindAdhoc, "")
				if err != nil {
					Expect(err).To(MatchError(session.ErrSessionLimit))
					victim := registry.ListSessions()[0].ID
					Expect(registry.DestroySession(ctx, victim, session.DestroyOptions{})).To(Succeed())
					_, err = registry.CreateSession(id, types.KindAdhoc, "")
					Expect(err).NotTo(HaveOccurred())
				}
				Expect(len(registry.ListSessions())).To(BeNumerically("<=", 3))
			}
		})

		When("eviction is lru", func() {
			BeforeEach(func() {
				opts.Eviction = types.EvictLRU
			})

			It("evicts only idle sessions", func() {
				scripted.Enqueue(&provider.Script{Hang: true})

				_, err := registry.CreateSession("busy", types.KindAdhoc, "")
				Expect(err).NotTo(HaveOccurred())
				_, err = registry.Send(ctx, "busy", "working")
				Expect(err).NotTo(HaveOccurred())

				_, err = registry.CreateSession("idle-1", types.KindAdhoc, "")
				Expect(err).NotTo(HaveOccurred())
				_, err = registry.CreateSession("idle-2", types.KindAdhoc, "")
				Expect(err).NotTo(HaveOccurred())

				_, err = registry.CreateSession("fresh", types.KindAdhoc, "")
				Expect(err).NotTo(HaveOccurred())

				_, stillBusy := registry.GetSession("busy")
				Expect(stillBusy).To(BeTrue())
				Expect(registry.ListSessions()).To(HaveLen(3))

				Expect(registry.Cancel(ctx, "busy")).To(Succeed())
			})
		})
	})

	Describe("Budget monitoring", func() {
		BeforeEach(func() {
			opts.Budget = budget.NewMonitor(0.01)
		})

		It("warns once at the soft threshold without stopping the stream", func() {
			warnings := make(chan *event.BudgetWarningData, 4)

			scripted.Enqueue(&provider.Script{Events: []provider.Event{
				{Type: provider.MessageStart},
				{Type: provider.ContentDelta, Text: "spend", Usage: &provider.Usage{CostUSD: 0.008}},
				{Type: provider.ContentDelta, Text: "ing", Usage: &provider.Usage{CostUSD: 0.008}},
				{Type: provider.ContentDelta, Text: " more", Usage: &provider.Usage{CostUSD: 0.008}},
				{Type: provider.ResultEventType, Result: &provider.Result{Status: provider.StopSuccess}},
			}})

			sess, err := registry.CreateSession("chat", types.KindAdhoc, "")
			Expect(err).NotTo(HaveOccurred())

			registry.Bus().Subscribe(event.BudgetWarning, func(e event.Event) {
				warnings <- e.Data.(*event.BudgetWarningData)
			})

			_, err = registry.Send(ctx, "chat", "expensive question")
			Expect(err).NotTo(HaveOccurred())
			Eventually(sess.State, "5s", "2ms").Should(Equal(types.StateComplete))

			Eventually(warnings).Should(Receive())
			Consistently(warnings, "50ms").ShouldNot(Receive())

			snap := sess.Snapshot()
			Expect(snap.BudgetWarning).To(BeTrue())
			Expect(snap.Error).To(BeNil())
			Expect(snap.Buffer).To(Equal("spending more"))
		})

		It("treats the provider hard budget stop as a fatal error", func() {
			scripted.Enqueue(&provider.Script{Events: []provider.Event{
				{Type: provider.MessageStart},
				{Type: provider.ContentDelta, Text: "partial"},
				{Type: provider.ResultEventType, Result: &provider.Result{Status: provider.StopErrorMaxBudget}},
			}})

			sess, err := registry.CreateSession("chat", types.KindAdhoc, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Send(ctx, "chat", "too expensive")
			Expect(err).NotTo(HaveOccurred())

			Eventually(sess.State, "5s", "2ms").Should(Equal(types.StateError))
			snap := sess.Snapshot()
			Expect(snap.Error).NotTo(BeNil())
			Expect(snap.Error.Kind).To(Equal(types.ErrorMaxBudget))
			Expect(scripted.Dispatches()).To(Equal(1), "fatal results are not retried")
		})
	})

	Describe("Retry behavior", func() {
		It("recovers from transient dispatch failures", func() {
			scripted.Enqueue(&provider.Script{DispatchErr: provider.TransientErr("gateway timeout")})
			scripted.Enqueue(&provider.Script{DispatchErr: provider.TransientErr("gateway timeout")})

			sess, err := registry.CreateSession("chat", types.KindAdhoc, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Send(ctx, "chat", "eventually fine")
			Expect(err).NotTo(HaveOccurred())

			Eventually(sess.State, "5s", "2ms").Should(Equal(types.StateComplete))
			Expect(scripted.Dispatches()).To(Equal(3))
		})

		It("settles as a transient error when retries are exhausted", func() {
			scripted.SetFallback(func(req *provider.Request) *provider.Script {
				return &provider.Script{DispatchErr: provider.TransientErr("still down")}
			})

			sess, err := registry.CreateSession("chat", types.KindAdhoc, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Send(ctx, "chat", "doomed")
			Expect(err).NotTo(HaveOccurred())

			Eventually(sess.State, "5s", "2ms").Should(Equal(types.StateError))
			snap := sess.Snapshot()
			Expect(snap.Error.Kind).To(Equal(types.ErrorTransient))
			Expect(scripted.Dispatches()).To(Equal(3))

			// A manual retry from the error resting state re-dispatches.
			scripted.SetFallback(provider.EchoScript)
			_, err = registry.Retry(ctx, "chat")
			Expect(err).NotTo(HaveOccurred())
			Eventually(sess.State, "5s", "2ms").Should(Equal(types.StateComplete))
			Expect(sess.Snapshot().Buffer).To(Equal("You said: doomed"))
		})
	})

	Describe("Cancellation", func() {
		It("returns to idle when cancelled before content", func() {
			scripted.Enqueue(&provider.Script{Hang: true})

			sess, err := registry.CreateSession("chat", types.KindAdhoc, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Send(ctx, "chat", "never answered")
			Expect(err).NotTo(HaveOccurred())

			Expect(registry.Cancel(ctx, "chat")).To(Succeed())
			Eventually(sess.State, "5s", "2ms").Should(Equal(types.StateIdle))

			snap := sess.Snapshot()
			Expect(snap.Cancelled).To(BeTrue())
			Expect(snap.Error).To(BeNil())
			Expect(snap.Messages).To(HaveLen(1))
		})

		It("keeps partial output when cancelled mid-stream", func() {
			// Enough slow deltas that the stream is still live when the
			// cancel lands.
			events := []provider.Event{
				{Type: provider.MessageStart},
				{Type: provider.ContentDelta, Text: "partial "},
				{Type: provider.ContentDelta, Text: "answer"},
			}
			for i := 0; i < 200; i++ {
				events = append(events, provider.Event{Type: provider.ContentDelta, Text: "."})
			}
			scripted.Enqueue(&provider.Script{
				Delay:  5 * time.Millisecond,
				Events: events,
			})

			sess, err := registry.CreateSession("chat", types.KindAdhoc, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.Send(ctx, "chat", "slow answer")
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() string { return sess.Snapshot().Buffer }, "5s", "2ms").
				Should(ContainSubstring("partial"))
			Expect(registry.Cancel(ctx, "chat")).To(Succeed())

			snap := sess.Snapshot()
			Expect(snap.State).To(Equal(types.StateError))
			Expect(snap.Cancelled).To(BeTrue())
			Expect(snap.Error.Kind).To(Equal(types.ErrorAborted))
			Expect(snap.Buffer).To(ContainSubstring("partial"))
		})
	})

	Describe("Event isolation after destroy", func() {
		It("drops stale events instead of mutating a replacement session", func() {
			scripted.Enqueue(&provider.Script{Hang: true})

			_, err := registry.CreateSession("chat", types.KindAdhoc, "")
			Expect(err).NotTo(HaveOccurred())
			reqID, err := registry.Send(ctx, "chat", "hold")
			Expect(err).NotTo(HaveOccurred())

			misses := make(chan *event.RoutingMissData, 1)
			registry.Bus().Subscribe(event.RoutingMiss, func(e event.Event) {
				misses <- e.Data.(*event.RoutingMissData)
			})

			Expect(registry.DestroySession(ctx, "chat", session.DestroyOptions{})).To(Succeed())
			replacement, err := registry.CreateSession("chat", types.KindAdhoc, "")
			Expect(err).NotTo(HaveOccurred())

			registry.Router().Route(&provider.Event{
				Type:      provider.ContentDelta,
				RequestID: reqID,
				Text:      "stale",
			})

			Eventually(misses).Should(Receive())
			Expect(replacement.Snapshot().Buffer).To(BeEmpty())
			Expect(replacement.State()).To(Equal(types.StateIdle))
		})
	})
})

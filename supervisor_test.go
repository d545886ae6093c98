package arbor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/dogmatiq/arbor"
	. "github.com/dogmatiq/arbor/fixtures"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// recorder accumulates lifecycle events observed by test workers.
type recorder struct {
	m      sync.Mutex
	events []string
}

func (r *recorder) add(v string) {
	r.m.Lock()
	defer r.m.Unlock()
	r.events = append(r.events, v)
}

func (r *recorder) all() []string {
	r.m.Lock()
	defer r.m.Unlock()
	return append([]string(nil), r.events...)
}

// crashableSpec returns a spec for a permanent worker that runs until it
// receives an error from its mailbox, which it returns as its exit reason.
func crashableSpec(id string) ChildSpec {
	return ChildSpec{
		ID:     id,
		Policy: Permanent,
		Start: func(context.Context, Env) (Worker, error) {
			return WorkerFunc(
				func(ctx context.Context, mbox <-chan interface{}) error {
					for {
						select {
						case <-ctx.Done():
							return nil
						case m := <-mbox:
							if err, ok := m.(error); ok {
								return err
							}
						}
					}
				},
			), nil
		},
	}
}

// handleOf returns the current handle of the child with the given ID, or nil
// if it is not running.
func handleOf(ctx context.Context, sup *Supervisor, id string) *Handle {
	children, err := sup.WhichChildren(ctx)
	Expect(err).ShouldNot(HaveOccurred())

	for _, c := range children {
		if c.ID == id {
			return c.Handle
		}
	}

	return nil
}

var _ = Describe("type Supervisor", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		sup    *Supervisor
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() {
		if sup != nil {
			sup.Stop(context.Background())
			sup = nil
		}

		cancel()
	})

	Describe("func Start()", func() {
		It("starts the children in declared order", func() {
			rec := &recorder{}

			spec := func(id string) ChildSpec {
				return ChildSpec{
					ID: id,
					Start: func(context.Context, Env) (Worker, error) {
						rec.add(id)
						return IdleWorker(), nil
					},
				}
			}

			var err error
			sup, err = Start(
				ctx,
				[]ChildSpec{
					spec("<child-1>"),
					spec("<child-2>"),
					spec("<child-3>"),
				},
			)
			Expect(err).ShouldNot(HaveOccurred())

			Expect(rec.all()).To(Equal([]string{
				"<child-1>",
				"<child-2>",
				"<child-3>",
			}))
		})

		It("tears down started siblings in reverse order when a child fails to start", func() {
			rec := &recorder{}

			spec := func(id string) ChildSpec {
				return ChildSpec{
					ID: id,
					Start: func(context.Context, Env) (Worker, error) {
						return &WorkerStub{
							RunFunc: func(ctx context.Context, _ <-chan interface{}) error {
								<-ctx.Done()
								rec.add(id)
								return nil
							},
						}, nil
					},
				}
			}

			_, err := Start(
				ctx,
				[]ChildSpec{
					spec("<child-1>"),
					spec("<child-2>"),
					{
						ID: "<child-3>",
						Start: func(context.Context, Env) (Worker, error) {
							return nil, errors.New("<start failure>")
						},
					},
					spec("<child-4>"),
					spec("<child-5>"),
				},
			)

			var serr StartError
			Expect(errors.As(err, &serr)).To(BeTrue())
			Expect(serr.FailedID).To(Equal("<child-3>"))
			Expect(serr.Cause).To(MatchError("<start failure>"))

			Expect(rec.all()).To(Equal([]string{
				"<child-2>",
				"<child-1>",
			}))
		})

		It("panics when two children share an ID", func() {
			Expect(func() {
				Start(
					ctx,
					[]ChildSpec{
						IdleSpec("<child>"),
						IdleSpec("<child>"),
					},
				)
			}).To(Panic())
		})

		It("registers named children before returning", func() {
			var (
				m     sync.Mutex
				names []string
			)

			reg := &RegistrarStub{
				RegisterFunc: func(_ context.Context, name string, h *Handle) error {
					m.Lock()
					defer m.Unlock()
					names = append(names, name)
					return nil
				},
			}

			a := IdleSpec("<child-1>")
			a.Name = "<name-1>"
			b := IdleSpec("<child-2>")
			b.Name = "<name-2>"

			var err error
			sup, err = Start(
				ctx,
				[]ChildSpec{a, b},
				WithRegistrar(reg),
			)
			Expect(err).ShouldNot(HaveOccurred())

			m.Lock()
			defer m.Unlock()
			Expect(names).To(Equal([]string{
				"<name-1>",
				"<name-2>",
			}))
		})

		It("fails when a named child cannot be registered", func() {
			reg := &RegistrarStub{
				RegisterFunc: func(context.Context, string, *Handle) error {
					return errors.New("<registration failure>")
				},
			}

			spec := IdleSpec("<child>")
			spec.Name = "<name>"

			_, err := Start(
				ctx,
				[]ChildSpec{spec},
				WithRegistrar(reg),
			)

			var serr StartError
			Expect(errors.As(err, &serr)).To(BeTrue())
			Expect(serr.FailedID).To(Equal("<child>"))
		})
	})

	Describe("func WhichChildren()", func() {
		It("returns the running children in start order", func() {
			var err error
			sup, err = Start(
				ctx,
				[]ChildSpec{
					IdleSpec("<child-1>"),
					IdleSpec("<child-2>"),
				},
			)
			Expect(err).ShouldNot(HaveOccurred())

			children, err := sup.WhichChildren(ctx)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(children).To(HaveLen(2))
			Expect(children[0].ID).To(Equal("<child-1>"))
			Expect(children[1].ID).To(Equal("<child-2>"))
			Expect(children[0].Handle.Alive()).To(BeTrue())
			Expect(children[0].Kind).To(Equal(KindWorker))
		})

		It("times out while the supervisor is busy starting another child", func() {
			var err error
			sup, err = Start(ctx, []ChildSpec{IdleSpec("<child>")})
			Expect(err).ShouldNot(HaveOccurred())

			entered := make(chan struct{})
			release := make(chan struct{})
			defer close(release)

			go sup.StartChild(
				ctx,
				ChildSpec{
					ID: "<blocker>",
					Start: func(context.Context, Env) (Worker, error) {
						close(entered)
						<-release
						return IdleWorker(), nil
					},
				},
			)

			<-entered

			wctx, wcancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer wcancel()

			_, err = sup.WhichChildren(wctx)
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		})
	})

	Describe("func StartChild()", func() {
		BeforeEach(func() {
			var err error
			sup, err = Start(ctx, []ChildSpec{IdleSpec("<child-1>")})
			Expect(err).ShouldNot(HaveOccurred())
		})

		It("starts a child that was not in the original spec list", func() {
			h, err := sup.StartChild(ctx, crashableSpec("<dynamic>"))
			Expect(err).ShouldNot(HaveOccurred())
			Expect(h.Alive()).To(BeTrue())
			Expect(handleOf(ctx, sup, "<dynamic>")).To(BeIdenticalTo(h))
		})

		It("returns a DuplicateChildError if the ID is already in use", func() {
			_, err := sup.StartChild(ctx, IdleSpec("<child-1>"))

			var dup DuplicateChildError
			Expect(errors.As(err, &dup)).To(BeTrue())
			Expect(dup.ID).To(Equal("<child-1>"))
		})

		It("returns a StartError when the start routine fails", func() {
			_, err := sup.StartChild(
				ctx,
				ChildSpec{
					ID: "<dynamic>",
					Start: func(context.Context, Env) (Worker, error) {
						return nil, errors.New("<start failure>")
					},
				},
			)

			var serr StartError
			Expect(errors.As(err, &serr)).To(BeTrue())
			Expect(serr.FailedID).To(Equal("<dynamic>"))
		})

		It("rolls back the child if the caller's context is canceled mid-start", func() {
			entered := make(chan struct{})
			release := make(chan struct{})

			cctx, ccancel := context.WithCancel(ctx)
			defer ccancel()

			errs := make(chan error, 1)

			go func() {
				defer GinkgoRecover()

				_, err := sup.StartChild(
					cctx,
					ChildSpec{
						ID: "<dynamic>",
						Start: func(context.Context, Env) (Worker, error) {
							close(entered)
							<-release
							return IdleWorker(), nil
						},
					},
				)

				errs <- err
			}()

			<-entered
			ccancel()
			close(release)

			var err error
			Eventually(errs).Should(Receive(&err))
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())

			Eventually(func() *Handle {
				return handleOf(ctx, sup, "<dynamic>")
			}).Should(BeNil())
		})

		It("deadlocks, bounded by the context, when called from within a start routine", func() {
			_, err := sup.StartChild(
				ctx,
				ChildSpec{
					ID: "<dynamic>",
					Start: func(_ context.Context, env Env) (Worker, error) {
						wctx, wcancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
						defer wcancel()

						if _, err := env.Supervisor.WhichChildren(wctx); err != nil {
							return nil, err
						}

						return IdleWorker(), nil
					},
				},
			)

			var serr StartError
			Expect(errors.As(err, &serr)).To(BeTrue())
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		})
	})

	Describe("func StopChild()", func() {
		BeforeEach(func() {
			var err error
			sup, err = Start(
				ctx,
				[]ChildSpec{
					IdleSpec("<child-1>"),
					IdleSpec("<child-2>"),
				},
			)
			Expect(err).ShouldNot(HaveOccurred())
		})

		It("stops the child and forgets it", func() {
			h := handleOf(ctx, sup, "<child-2>")

			err := sup.StopChild(ctx, "<child-2>")
			Expect(err).ShouldNot(HaveOccurred())

			Expect(h.Alive()).To(BeFalse())
			Expect(handleOf(ctx, sup, "<child-2>")).To(BeNil())
		})

		It("does nothing if the child is not running", func() {
			err := sup.StopChild(ctx, "<unknown>")
			Expect(err).ShouldNot(HaveOccurred())
		})

		It("abandons a child that ignores cancellation", func() {
			release := make(chan struct{})
			defer close(release)

			impatient, err := Start(
				ctx,
				[]ChildSpec{
					{
						ID: "<stubborn>",
						Start: func(context.Context, Env) (Worker, error) {
							return WorkerFunc(
								func(context.Context, <-chan interface{}) error {
									<-release
									return nil
								},
							), nil
						},
					},
				},
				WithShutdownTimeout(50*time.Millisecond),
			)
			Expect(err).ShouldNot(HaveOccurred())
			defer impatient.Stop(context.Background())

			stubborn := handleOf(ctx, impatient, "<stubborn>")

			err = impatient.StopChild(ctx, "<stubborn>")
			Expect(err).Should(HaveOccurred())
			Expect(stubborn.Alive()).To(BeFalse())
		})
	})

	Describe("func Stop()", func() {
		It("stops children in reverse start order", func() {
			rec := &recorder{}

			spec := func(id string) ChildSpec {
				return ChildSpec{
					ID: id,
					Start: func(context.Context, Env) (Worker, error) {
						return WorkerFunc(
							func(ctx context.Context, _ <-chan interface{}) error {
								<-ctx.Done()
								rec.add(id)
								return nil
							},
						), nil
					},
				}
			}

			var err error
			sup, err = Start(
				ctx,
				[]ChildSpec{
					spec("<child-1>"),
					spec("<child-2>"),
					spec("<child-3>"),
				},
			)
			Expect(err).ShouldNot(HaveOccurred())

			err = sup.Stop(ctx)
			Expect(err).ShouldNot(HaveOccurred())

			Expect(rec.all()).To(Equal([]string{
				"<child-3>",
				"<child-2>",
				"<child-1>",
			}))

			Expect(sup.Done()).To(BeClosed())
			Expect(sup.Err()).ShouldNot(HaveOccurred())
		})

		It("is idempotent", func() {
			var err error
			sup, err = Start(ctx, []ChildSpec{IdleSpec("<child>")})
			Expect(err).ShouldNot(HaveOccurred())

			Expect(sup.Stop(ctx)).ShouldNot(HaveOccurred())
			Expect(sup.Stop(ctx)).ShouldNot(HaveOccurred())
		})

		It("is triggered by canceling the context passed to Start()", func() {
			treeCtx, treeCancel := context.WithCancel(ctx)

			var err error
			sup, err = Start(treeCtx, []ChildSpec{IdleSpec("<child>")})
			Expect(err).ShouldNot(HaveOccurred())

			treeCancel()

			Eventually(sup.Done()).Should(BeClosed())
			Expect(sup.Err()).ShouldNot(HaveOccurred())
		})
	})

	Describe("restart strategies", func() {
		var (
			failure = errors.New("<forced failure>")
			a, b, c *Handle
		)

		start := func(s Strategy) {
			var err error
			sup, err = Start(
				ctx,
				[]ChildSpec{
					crashableSpec("<child-a>"),
					crashableSpec("<child-b>"),
					crashableSpec("<child-c>"),
				},
				WithStrategy(s),
			)
			Expect(err).ShouldNot(HaveOccurred())

			a = handleOf(ctx, sup, "<child-a>")
			b = handleOf(ctx, sup, "<child-b>")
			c = handleOf(ctx, sup, "<child-c>")
		}

		kill := func(h *Handle) {
			Expect(h.Post(ctx, failure)).ShouldNot(HaveOccurred())
			Eventually(h.Done()).Should(BeClosed())
		}

		When("the strategy is OneForOne", func() {
			It("restarts only the failed child", func() {
				start(OneForOne)

				kill(b)

				Eventually(func() *Handle {
					return handleOf(ctx, sup, "<child-b>")
				}).ShouldNot(Or(BeNil(), BeIdenticalTo(b)))

				Expect(handleOf(ctx, sup, "<child-a>")).To(BeIdenticalTo(a))
				Expect(handleOf(ctx, sup, "<child-c>")).To(BeIdenticalTo(c))
			})

			It("never reports the stale handle once the restart is complete", func() {
				start(OneForOne)

				kill(b)

				Eventually(func() *Handle {
					return handleOf(ctx, sup, "<child-b>")
				}).ShouldNot(Or(BeNil(), BeIdenticalTo(b)))

				children, err := sup.WhichChildren(ctx)
				Expect(err).ShouldNot(HaveOccurred())

				for _, ch := range children {
					Expect(ch.Handle).ToNot(BeIdenticalTo(b))
					Expect(ch.Handle.Alive()).To(BeTrue())
				}
			})
		})

		When("the strategy is RestForOne", func() {
			It("restarts the failed child and those declared after it", func() {
				start(RestForOne)

				kill(b)

				Eventually(func() *Handle {
					return handleOf(ctx, sup, "<child-c>")
				}).ShouldNot(Or(BeNil(), BeIdenticalTo(c)))

				Expect(handleOf(ctx, sup, "<child-a>")).To(BeIdenticalTo(a))
				Expect(handleOf(ctx, sup, "<child-b>")).ToNot(BeIdenticalTo(b))
			})
		})

		When("the strategy is OneForAll", func() {
			It("restarts the entire set in declared order", func() {
				start(OneForAll)

				kill(b)

				Eventually(func() *Handle {
					return handleOf(ctx, sup, "<child-a>")
				}).ShouldNot(Or(BeNil(), BeIdenticalTo(a)))

				Eventually(func() *Handle {
					return handleOf(ctx, sup, "<child-b>")
				}).ShouldNot(Or(BeNil(), BeIdenticalTo(b)))

				Eventually(func() *Handle {
					return handleOf(ctx, sup, "<child-c>")
				}).ShouldNot(Or(BeNil(), BeIdenticalTo(c)))
			})
		})
	})

	Describe("restart policies", func() {
		quit := "<quit>"

		// stoppableSpec returns a spec for a worker that exits normally when
		// it receives the quit message.
		stoppableSpec := func(id string, policy RestartPolicy) ChildSpec {
			return ChildSpec{
				ID:     id,
				Policy: policy,
				Start: func(context.Context, Env) (Worker, error) {
					return WorkerFunc(
						func(ctx context.Context, mbox <-chan interface{}) error {
							for {
								select {
								case <-ctx.Done():
									return nil
								case m := <-mbox:
									switch v := m.(type) {
									case error:
										return v
									case string:
										if v == quit {
											return nil
										}
									}
								}
							}
						},
					), nil
				},
			}
		}

		It("restarts a permanent child that exits normally", func() {
			var err error
			sup, err = Start(ctx, []ChildSpec{stoppableSpec("<child>", Permanent)})
			Expect(err).ShouldNot(HaveOccurred())

			h := handleOf(ctx, sup, "<child>")
			Expect(h.Post(ctx, quit)).ShouldNot(HaveOccurred())

			Eventually(func() *Handle {
				return handleOf(ctx, sup, "<child>")
			}).ShouldNot(Or(BeNil(), BeIdenticalTo(h)))
		})

		It("does not restart a transient child that exits normally", func() {
			var err error
			sup, err = Start(ctx, []ChildSpec{stoppableSpec("<child>", Transient)})
			Expect(err).ShouldNot(HaveOccurred())

			h := handleOf(ctx, sup, "<child>")
			Expect(h.Post(ctx, quit)).ShouldNot(HaveOccurred())
			Eventually(h.Done()).Should(BeClosed())

			Consistently(func() *Handle {
				return handleOf(ctx, sup, "<child>")
			}).Should(BeNil())
		})

		It("restarts a transient child that exits abnormally", func() {
			var err error
			sup, err = Start(ctx, []ChildSpec{stoppableSpec("<child>", Transient)})
			Expect(err).ShouldNot(HaveOccurred())

			h := handleOf(ctx, sup, "<child>")
			Expect(h.Post(ctx, errors.New("<forced failure>"))).ShouldNot(HaveOccurred())

			Eventually(func() *Handle {
				return handleOf(ctx, sup, "<child>")
			}).ShouldNot(Or(BeNil(), BeIdenticalTo(h)))
		})

		It("never restarts a temporary child", func() {
			var err error
			sup, err = Start(ctx, []ChildSpec{stoppableSpec("<child>", Temporary)})
			Expect(err).ShouldNot(HaveOccurred())

			h := handleOf(ctx, sup, "<child>")
			Expect(h.Post(ctx, errors.New("<forced failure>"))).ShouldNot(HaveOccurred())
			Eventually(h.Done()).Should(BeClosed())

			Consistently(func() *Handle {
				return handleOf(ctx, sup, "<child>")
			}).Should(BeNil())
		})
	})

	Describe("escalation", func() {
		It("terminates the supervisor when the restart intensity is exceeded", func() {
			var err error
			sup, err = Start(
				ctx,
				[]ChildSpec{
					{
						ID:     "<child>",
						Policy: Permanent,
						Start: func(context.Context, Env) (Worker, error) {
							return WorkerFunc(
								func(context.Context, <-chan interface{}) error {
									return errors.New("<crash>")
								},
							), nil
						},
					},
				},
				WithMaxRestarts(5),
				WithRestartWindow(5*time.Second),
			)
			Expect(err).ShouldNot(HaveOccurred())

			Eventually(sup.Done()).Should(BeClosed())

			var e RestartIntensityExceededError
			Expect(errors.As(sup.Err(), &e)).To(BeTrue())
			Expect(e.Window).To(Equal(5 * time.Second))
		})

		It("escalates through a nested supervisor", func() {
			nested := NewSupervisorSpec(
				"<nested>",
				[]ChildSpec{
					{
						ID:     "<child>",
						Policy: Permanent,
						Start: func(context.Context, Env) (Worker, error) {
							return WorkerFunc(
								func(context.Context, <-chan interface{}) error {
									return errors.New("<crash>")
								},
							), nil
						},
					},
				},
				Permanent,
				WithMaxRestarts(1),
			)

			var err error
			sup, err = Start(
				ctx,
				[]ChildSpec{nested},
				WithMaxRestarts(1),
			)
			Expect(err).ShouldNot(HaveOccurred())

			Eventually(sup.Done(), "3s").Should(BeClosed())

			var e RestartIntensityExceededError
			Expect(errors.As(sup.Err(), &e)).To(BeTrue())
		})
	})

	Describe("continuations", func() {
		It("allows sibling discovery from within the continuation", func() {
			var resolved atomic.Value

			var err error
			sup, err = Start(
				ctx,
				[]ChildSpec{
					IdleSpec("<dependency>"),
					{
						ID: "<dependent>",
						Start: func(context.Context, Env) (Worker, error) {
							return IdleWorker(), nil
						},
						OnStarted: func(ctx context.Context, env Env, _ *Handle) error {
							children, err := env.Supervisor.WhichChildren(ctx)
							if err != nil {
								return err
							}

							for _, c := range children {
								if c.ID == "<dependency>" {
									resolved.Store(c.Handle)
									return nil
								}
							}

							return errors.New("dependency not found")
						},
					},
				},
			)
			Expect(err).ShouldNot(HaveOccurred())

			dep := handleOf(ctx, sup, "<dependency>")

			Eventually(func() interface{} {
				return resolved.Load()
			}).Should(BeIdenticalTo(dep))
		})

		It("treats a continuation failure as an abnormal exit", func() {
			var failed int32

			var err error
			sup, err = Start(
				ctx,
				[]ChildSpec{
					{
						ID:     "<child>",
						Policy: Transient,
						Start: func(context.Context, Env) (Worker, error) {
							return IdleWorker(), nil
						},
						OnStarted: func(context.Context, Env, *Handle) error {
							if atomic.CompareAndSwapInt32(&failed, 0, 1) {
								return errors.New("<continuation failure>")
							}
							return nil
						},
					},
				},
			)
			Expect(err).ShouldNot(HaveOccurred())

			h := handleOf(ctx, sup, "<child>")

			Eventually(func() *Handle {
				return handleOf(ctx, sup, "<child>")
			}).ShouldNot(Or(BeNil(), BeIdenticalTo(h)))
		})
	})

	Describe("func NewSupervisorSpec()", func() {
		It("stops the nested tree when the parent stops", func() {
			rec := &recorder{}

			var err error
			sup, err = Start(
				ctx,
				[]ChildSpec{
					NewSupervisorSpec(
						"<nested>",
						[]ChildSpec{
							{
								ID: "<inner>",
								Start: func(context.Context, Env) (Worker, error) {
									return WorkerFunc(
										func(ctx context.Context, _ <-chan interface{}) error {
											<-ctx.Done()
											rec.add("<inner>")
											return nil
										},
									), nil
								},
							},
						},
						Permanent,
					),
				},
			)
			Expect(err).ShouldNot(HaveOccurred())

			Expect(sup.Stop(ctx)).ShouldNot(HaveOccurred())
			Expect(rec.all()).To(Equal([]string{"<inner>"}))
		})
	})
})

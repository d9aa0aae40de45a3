package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/danmuck/routerd/internal/client"
	"github.com/danmuck/routerd/internal/logging"
	"github.com/danmuck/routerd/internal/protocol"
	"github.com/danmuck/routerd/internal/router"
	"github.com/danmuck/routerd/internal/transport"
	"github.com/spf13/cobra"
)

const (
	demoProcedure = "com.example.add"
	demoTopic     = "test.event"
)

type demoOptions struct {
	Listen            string
	Realm             string
	PublishInterval   time.Duration
	ReconnectInterval time.Duration
	CallDelay         time.Duration
	StepTimeout       time.Duration
}

func defaultDemoOptions() demoOptions {
	return demoOptions{
		Listen:            "ws://0.0.0.0:8080/ws1",
		Realm:             "realm1",
		PublishInterval:   2 * time.Second,
		ReconnectInterval: 3 * time.Second,
		CallDelay:         100 * time.Millisecond,
		StepTimeout:       5 * time.Second,
	}
}

func newDemoCommand() *cobra.Command {
	opts := defaultDemoOptions()
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a router with one network and one in-process client; Enter advances the shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := make(chan struct{})
			go func() {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					select {
					case steps <- struct{}{}:
					case <-cmd.Context().Done():
						return
					}
				}
			}()
			return runDemo(cmd.Context(), opts, steps, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.Listen, "listen", opts.Listen, "router listen URL (ws://, wss://, tcp://, tls://)")
	cmd.Flags().StringVar(&opts.Realm, "realm", opts.Realm, "realm both clients join")
	cmd.Flags().DurationVar(&opts.PublishInterval, "publish-interval", opts.PublishInterval, "interval between test.event publications")
	cmd.Flags().DurationVar(&opts.ReconnectInterval, "reconnect-interval", opts.ReconnectInterval, "network client reconnect interval")
	return cmd
}

type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

// runDemo starts the router and both clients, then walks the shutdown
// stages one step at a time. When ctx ends the remaining stages run
// without waiting.
func runDemo(ctx context.Context, opts demoOptions, steps <-chan struct{}, out io.Writer) error {
	log := logging.For("routerd.demo")
	p := &printer{w: out}

	rt, err := router.New(router.Config{Realms: []string{opts.Realm}})
	if err != nil {
		return err
	}
	tcfg := transport.DefaultConfig()
	ln, err := transport.Listen(opts.Listen, tcfg)
	if err != nil {
		_ = rt.Close(context.Background())
		return err
	}
	dialAddr, err := dialAddress(opts.Listen, ln.Addr())
	if err != nil {
		_ = ln.Close()
		_ = rt.Close(context.Background())
		return err
	}
	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	served := make(chan error, 1)
	go func() { served <- rt.Serve(serveCtx, ln) }()
	// teardown stops the listener and the router when a client cannot be
	// built; Serve closes ln on its way out.
	teardown := func() {
		stopServe()
		_ = rt.Close(context.Background())
		<-served
	}

	client1, err := client.New(client.Config{
		Realm:     opts.Realm,
		Dialer:    client.NewNetworkDialer(dialAddr, tcfg),
		Reconnect: client.ReconnectForever(opts.ReconnectInterval),
	})
	if err != nil {
		teardown()
		return err
	}
	client2, err := rt.NewInProcessClient(opts.Realm, client.Config{})
	if err != nil {
		teardown()
		return err
	}

	var (
		wg    sync.WaitGroup
		subMu sync.Mutex
		sub   *client.Subscription
	)
	watch(&wg, p, "Session1", client1, func() {
		reg, err := client1.Register(demoProcedure, addProcedure).Wait(ctx)
		if err != nil {
			p.printf("Register %s failed: %v", demoProcedure, err)
			return
		}
		log.Debug().Uint64("registration", reg.ID()).Msg("procedure registered")
	})
	watch(&wg, p, "Session2", client2, func() {
		time.Sleep(opts.CallDelay)
		report := func(f *client.Future[*client.Result]) {
			res, err := f.Wait(ctx)
			if err != nil {
				p.printf("Completed add with error %v", err)
				return
			}
			sum, _ := res.Args.Int64(0)
			p.printf("Completed add with result %d", sum)
		}
		report(client2.Call(demoProcedure, 33, 66))
		report(client2.Call(demoProcedure, 1, "dafs"))

		s := client2.Subscribe(demoTopic)
		subMu.Lock()
		sub = s
		subMu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range s.Events() {
				v, _ := ev.Args.String(0)
				p.printf("Received event %s with value %s", demoTopic, v)
			}
			if err := s.Err(); err != nil {
				p.printf("Completed event %s with error %v", demoTopic, err)
				return
			}
			p.printf("Completed event %s", demoTopic)
		}()
	})

	if err := client1.Open(); err != nil {
		return err
	}
	if err := client2.Open(); err != nil {
		return err
	}

	stopPublish := make(chan struct{})
	published := make(chan struct{})
	go func() {
		defer close(published)
		ticker := time.NewTicker(opts.PublishInterval)
		defer ticker.Stop()
		for n := 0; ; n++ {
			select {
			case <-ticker.C:
			case <-stopPublish:
				return
			}
			if _, err := client1.Publish(demoTopic, fmt.Sprintf("Hello %d", n)).Result(); err != nil && !errors.Is(err, client.ErrPending) {
				log.Debug().Err(err).Int("n", n).Msg("publish failed")
			}
		}
	}()

	bounded := func(fn func(context.Context) error) error {
		stepCtx, cancel := context.WithTimeout(context.Background(), opts.StepTimeout)
		defer cancel()
		return fn(stepCtx)
	}
	stages := []struct {
		name string
		run  func() error
	}{
		{"Stopping subscription", func() error {
			subMu.Lock()
			s := sub
			subMu.Unlock()
			if s == nil {
				return nil
			}
			return bounded(func(c context.Context) error {
				_, err := s.Unsubscribe().Wait(c)
				return err
			})
		}},
		{"Stopping publication", func() error {
			close(stopPublish)
			<-published
			return nil
		}},
		{"Closing router", func() error {
			err := bounded(rt.Close)
			stopServe()
			if serveErr := <-served; serveErr != nil && err == nil {
				err = serveErr
			}
			return err
		}},
		{"Closing the client 1", func() error { return bounded(client1.Close) }},
		{"Closing the client 2", func() error { return bounded(client2.Close) }},
	}
	for _, st := range stages {
		if ctx.Err() == nil {
			select {
			case <-steps:
			case <-ctx.Done():
			}
		}
		p.printf("%s", st.name)
		if err := st.run(); err != nil {
			p.printf("%s failed: %v", st.name, err)
		}
	}
	wg.Wait()
	return nil
}

// watch prints every transition of c and runs onConnected each time it
// reaches Connected.
func watch(wg *sync.WaitGroup, p *printer, name string, c *client.Client, onConnected func()) {
	w := c.Watch()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for tr := range w.Transitions() {
			if tr.Err != nil {
				p.printf("%s status changed to %s (%v)", name, tr.State, tr.Err)
			} else {
				p.printf("%s status changed to %s", name, tr.State)
			}
			if tr.State == client.StateConnected {
				wg.Add(1)
				go func() {
					defer wg.Done()
					onConnected()
				}()
			}
		}
		p.printf("%s ended normally", name)
	}()
}

func addProcedure(_ context.Context, inv *client.Invocation) (*client.Result, error) {
	a, okA := inv.Args.Int64(0)
	b, okB := inv.Args.Int64(1)
	if inv.Args.Len() != 2 || !okA || !okB {
		return nil, protocol.NewApplicationError(protocol.URIInvalidArgument)
	}
	return &client.Result{Args: protocol.Args{a + b}}, nil
}

// dialAddress points a local client at the bound port of listen.
func dialAddress(listen, bound string) (string, error) {
	u, err := url.Parse(listen)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("demo: listen address must be a URL, got %q", listen)
	}
	_, port, err := net.SplitHostPort(bound)
	if err != nil {
		return "", fmt.Errorf("demo: bound address %q: %w", bound, err)
	}
	u.Host = net.JoinHostPort("127.0.0.1", port)
	return u.String(), nil
}

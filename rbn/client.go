package rbn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hfpredict/config"
	"hfpredict/fanout"
	"hfpredict/internal/ratelimit"

	"github.com/ziutek/telnet"
)

// ErrFeed marks transport failures. They are logged and recovered by the
// reconnect loop; Run never returns one.
var ErrFeed = errors.New("rbn: feed error")

// errStale ends a session whose inactivity window elapsed.
var errStale = errors.New("rbn: feed inactive")

// State is the connection state of one feed.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateStreaming:
		return "STREAMING"
	default:
		return "DISCONNECTED"
	}
}

// Line outcomes reported to observers.
const (
	LineAccepted  = "accepted"
	LineUnmatched = "unmatched"
	LineOutOfBand = "out_of_band"
	LineFailed    = "publish_failed"
)

// Dialer opens the transport for one session.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Observer receives state transitions and per-line outcomes.
type Observer interface {
	ObserveFeedState(feed string, state State)
	ObserveFeedLine(feed, outcome string)
}

// Options configure one feed client.
type Options struct {
	Name        string
	Host        string
	Port        int
	Username    string
	Channel     string
	TTL         time.Duration
	RetryDelay  time.Duration
	LoginDelay  time.Duration
	DialTimeout time.Duration
}

// OptionsFromConfig converts a feed section; channel is the fan-out name.
func OptionsFromConfig(cfg config.FeedConfig, channel string) Options {
	return Options{
		Name:        cfg.Name,
		Host:        cfg.Host,
		Port:        cfg.Port,
		Username:    cfg.Username,
		Channel:     channel,
		TTL:         time.Duration(cfg.TTLMinutes) * time.Minute,
		RetryDelay:  time.Duration(cfg.RetryDelaySeconds) * time.Second,
		LoginDelay:  time.Duration(cfg.LoginDelaySeconds) * time.Second,
		DialTimeout: 30 * time.Second,
	}
}

// Stats counts lines and sessions for one feed.
type Stats struct {
	Lines      uint64
	Accepted   uint64
	Unmatched  uint64
	OutOfBand  uint64
	PublishErr uint64
	Sessions   uint64
	Stale      uint64
}

// Client keeps one feed connected and republishes its spots.
type Client struct {
	opts     Options
	pub      fanout.Publisher
	logger   *log.Logger
	dial     Dialer
	now      func() time.Time
	observer Observer
	pubLog   *ratelimit.Gate
	dropLog  *ratelimit.Gate

	state      atomic.Int32
	lastLine   atomic.Int64
	hookMu     sync.Mutex
	stateHooks []func(from, to State)

	lines, accepted, unmatched, outOfBand, publishErr, sessions, stale atomic.Uint64
}

// NewClient builds a feed client that publishes on pub.
func NewClient(opts Options, pub fanout.Publisher, logger *log.Logger) *Client {
	if opts.Channel == "" {
		opts.Channel = "predict-hf"
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.LoginDelay < 0 {
		opts.LoginDelay = 0
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	c := &Client{
		opts:    opts,
		pub:     pub,
		logger:  logger,
		now:     time.Now,
		pubLog:  ratelimit.NewGate(10 * time.Second),
		dropLog: ratelimit.NewGate(time.Minute),
	}
	c.dial = c.dialTelnet
	return c
}

// SetDialer replaces the telnet dialer.
func (c *Client) SetDialer(d Dialer) {
	c.dial = d
}

// SetObserver registers a metrics observer.
func (c *Client) SetObserver(o Observer) {
	c.observer = o
}

// OnStateChange registers a transition hook. Hooks run synchronously on the
// feed goroutine.
func (c *Client) OnStateChange(fn func(from, to State)) {
	c.hookMu.Lock()
	c.stateHooks = append(c.stateHooks, fn)
	c.hookMu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// LastLine returns when the last line was read, zero if never.
func (c *Client) LastLine() time.Time {
	ns := c.lastLine.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Name is the display name used in logs and metrics.
func (c *Client) Name() string {
	if c.opts.Name != "" {
		return c.opts.Name
	}
	return fmt.Sprintf("RBN:%d", c.opts.Port)
}

// Stats returns the counters.
func (c *Client) Stats() Stats {
	return Stats{
		Lines:      c.lines.Load(),
		Accepted:   c.accepted.Load(),
		Unmatched:  c.unmatched.Load(),
		OutOfBand:  c.outOfBand.Load(),
		PublishErr: c.publishErr.Load(),
		Sessions:   c.sessions.Load(),
		Stale:      c.stale.Load(),
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (c *Client) setState(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	if c.observer != nil {
		c.observer.ObserveFeedState(c.Name(), to)
	}
	c.hookMu.Lock()
	hooks := append([]func(from, to State){}, c.stateHooks...)
	c.hookMu.Unlock()
	for _, fn := range hooks {
		fn(from, to)
	}
}

// Run keeps the feed connected until ctx is cancelled. Each session ends in
// DISCONNECTED and is followed by the fixed retry delay.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case errors.Is(err, errStale):
			c.logf("%s: no data for %s, reconnecting in %s", c.Name(), c.opts.TTL, c.opts.RetryDelay)
		case err != nil:
			c.logf("%s: %v (retry in %s)", c.Name(), err, c.opts.RetryDelay)
		}
		timer := time.NewTimer(c.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
}

func (c *Client) dialTelnet(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.opts.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := telnet.NewConn(raw)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

// session runs one connect-login-stream cycle.
func (c *Client) session(ctx context.Context) error {
	c.setState(StateConnecting)
	addr := c.addr()
	c.logf("%s: connecting to %s...", c.Name(), addr)
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %v", ErrFeed, addr, err)
	}
	c.sessions.Add(1)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	c.setState(StateAuthenticating)
	if c.opts.LoginDelay > 0 {
		timer := time.NewTimer(c.opts.LoginDelay)
		select {
		case <-sessionCtx.Done():
			timer.Stop()
			return sessionCtx.Err()
		case <-timer.C:
		}
	}
	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(c.opts.Username + "\n"); err != nil {
		return fmt.Errorf("%w: login: %v", ErrFeed, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%w: login: %v", ErrFeed, err)
	}
	c.logf("%s: logged in as %s", c.Name(), c.opts.Username)

	c.setState(StateStreaming)
	last := c.now()
	c.lastLine.Store(last.UnixNano())
	reader := bufio.NewReader(conn)
	for {
		if err := conn.SetReadDeadline(last.Add(c.opts.TTL)); err != nil {
			return fmt.Errorf("%w: set deadline: %v", ErrFeed, err)
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.stale.Add(1)
				return errStale
			}
			return fmt.Errorf("%w: read: %v", ErrFeed, err)
		}
		last = c.now()
		c.lastLine.Store(last.UnixNano())
		c.handleLine(ctx, line, last)
	}
}

func (c *Client) handleLine(ctx context.Context, line string, now time.Time) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	c.lines.Add(1)
	s, err := ParseLine(line, now)
	if err != nil {
		if errors.Is(err, ErrOutOfBand) {
			c.outOfBand.Add(1)
			c.observe(LineOutOfBand)
			return
		}
		c.unmatched.Add(1)
		c.observe(LineUnmatched)
		if held, ok := c.dropLog.Allow(now); ok {
			c.logf("%s: discarded unparsed line %q (%d similar suppressed)", c.Name(), line, held)
		}
		return
	}
	if err := c.pub.Publish(ctx, c.opts.Channel, s.Record()); err != nil {
		c.publishErr.Add(1)
		c.observe(LineFailed)
		if held, ok := c.pubLog.Allow(now); ok {
			c.logf("%s: publish %s: %v (%d similar suppressed)", c.Name(), s.DX, err, held)
		}
		return
	}
	c.accepted.Add(1)
	c.observe(LineAccepted)
}

func (c *Client) observe(outcome string) {
	if c.observer != nil {
		c.observer.ObserveFeedLine(c.Name(), outcome)
	}
}

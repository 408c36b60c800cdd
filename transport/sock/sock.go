package sock

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/unifabric/cci/config"
	"github.com/unifabric/cci/logx"
	"github.com/unifabric/cci/metrics"
	"github.com/unifabric/cci/transport"
	"github.com/unifabric/cci/types"
)

// Name is the transport's registry name; Scheme is its URI scheme.
const (
	Name   = "sock"
	Scheme = "ip"
)

// Transport implements the CCI transport contract over UDP.
type Transport struct {
	logger      logx.Logger
	txCount     int
	rxCount     int
	sendTimeout time.Duration

	mu          sync.Mutex
	devices     []*device
	initialized bool
}

var _ transport.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(logger logx.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTxBufferCount sets the default send-slot count for new endpoints.
func WithTxBufferCount(count int) Option {
	return func(t *Transport) {
		if count > 0 {
			t.txCount = count
		}
	}
}

// WithRxBufferCount sets the default receive-slot count for new endpoints.
func WithRxBufferCount(count int) Option {
	return func(t *Transport) {
		if count > 0 {
			t.rxCount = count
		}
	}
}

// WithSendTimeout sets the default endpoint send timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.sendTimeout = d
		}
	}
}

// New creates a UDP transport.
func New(options ...Option) *Transport {
	t := &Transport{
		logger:      logx.NewDefaultLogger(),
		txCount:     DefaultTxCount,
		rxCount:     DefaultRxCount,
		sendTimeout: DefaultSendTimeout,
	}
	for _, option := range options {
		option(t)
	}
	return t
}

func init() {
	transport.Register(New())
}

// Name returns the registry name.
func (t *Transport) Name() string { return Name }

// device is one configured network under this transport: an IP address,
// an MTU, and the send-progress and pending-ack queues shared by every
// endpoint on the device.
type device struct {
	t       *Transport
	dev     *types.Device
	profile *config.DeviceProfile
	ip      net.IP
	mtu     int

	epIDs *idSpace

	// mu guards the two tx queues (the device lock of the lock order).
	mu      sync.Mutex
	queued  txList
	pending txList

	// progressMu admits one progress driver at a time.
	progressMu sync.Mutex

	epMu      sync.Mutex
	endpoints map[uint32]*endpoint
}

// Init configures devices from their profiles. With no profile addressed
// to this transport, a single default device over the unspecified address
// is synthesized so the transport is usable without a configuration file.
func (t *Transport) Init(profiles []*config.DeviceProfile, logger logx.Logger) ([]*types.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.initialized {
		devs := make([]*types.Device, len(t.devices))
		for i, d := range t.devices {
			devs[i] = d.dev
		}
		return devs, nil
	}
	if logger != nil {
		t.logger = logger
	}

	if len(profiles) == 0 {
		profiles = []*config.DeviceProfile{{
			Name:      "sock0",
			Transport: Name,
			Priority:  config.DefaultPriority,
			Default:   true,
			Args:      map[string]string{},
		}}
	}

	var devs []*types.Device
	for _, p := range profiles {
		var ip net.IP
		if s := p.Arg("ip", ""); s != "" {
			ip = net.ParseIP(s)
			if ip == nil {
				t.logger.Warn("device %q: unparseable ip %q, skipping", p.Name, s)
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				ip = v4
			}
		}
		mtu := p.IntArg("mtu", DefaultMTU)
		if mtu < ipUDPOverhead+headerSize+seqAckSize+rmaHeaderSize {
			t.logger.Warn("device %q: mtu %d too small, skipping", p.Name, mtu)
			continue
		}

		d := &device{
			t:         t,
			profile:   p,
			ip:        ip,
			mtu:       mtu,
			epIDs:     newIDSpace(time.Now().UnixNano()),
			endpoints: map[uint32]*endpoint{},
		}
		d.dev = &types.Device{
			Name:        p.Name,
			Transport:   Name,
			Up:          true,
			Priority:    p.Priority,
			Default:     p.Default,
			MaxSendSize: maxSendSize(mtu),
			Rate:        10 * 1000 * 1000 * 1000,
			PCI:         types.PCI{Domain: -1, Bus: -1, Dev: -1, Func: -1},
			Args:        p.Args,
		}

		t.devices = append(t.devices, d)
		devs = append(devs, d.dev)
		t.logger.Info("device %q up (ip=%v mtu=%d)", p.Name, ip, mtu)
	}

	t.initialized = true
	return devs, nil
}

// CreateEndpoint opens an endpoint with an OS-assigned service.
func (t *Transport) CreateEndpoint(dev *types.Device) (types.Endpoint, error) {
	return t.createEndpoint(dev, 0)
}

// CreateEndpointAt opens an endpoint bound to the given port.
func (t *Transport) CreateEndpointAt(dev *types.Device, service string) (types.Endpoint, error) {
	port, err := strconv.Atoi(service)
	if err != nil {
		return nil, types.EINVAL
	}
	if port < 0 || port > 65535 {
		return nil, types.ERANGE
	}
	return t.createEndpoint(dev, port)
}

func (t *Transport) createEndpoint(dev *types.Device, port int) (types.Endpoint, error) {
	d := t.lookupDevice(dev)
	if d == nil {
		return nil, types.ENODEV
	}
	if !d.dev.Up {
		return nil, types.ENETDOWN
	}

	sock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: d.ip, Port: port})
	if err != nil {
		return nil, types.EADDRNOTAVAIL
	}

	// Large socket buffers absorb fragment bursts; losses beyond them are
	// recovered by the reliability engine.
	sock.SetReadBuffer(4 << 20)
	sock.SetWriteBuffer(4 << 20)

	id, err := d.epIDs.get()
	if err != nil {
		sock.Close()
		return nil, err
	}

	e := newEndpoint(d, sock, id)

	d.epMu.Lock()
	d.endpoints[id] = e
	d.epMu.Unlock()
	return e, nil
}

func (t *Transport) lookupDevice(dev *types.Device) *device {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.devices {
		if d.dev == dev {
			return d
		}
	}
	return nil
}

// Finalize tears down every endpoint and device.
func (t *Transport) Finalize() error {
	t.mu.Lock()
	devices := t.devices
	t.devices = nil
	t.initialized = false
	t.mu.Unlock()

	for _, d := range devices {
		d.epMu.Lock()
		eps := make([]*endpoint, 0, len(d.endpoints))
		for _, e := range d.endpoints {
			eps = append(eps, e)
		}
		d.epMu.Unlock()
		for _, e := range eps {
			e.Close()
		}
	}
	return nil
}

func (d *device) removeEndpoint(e *endpoint) {
	d.epMu.Lock()
	if cur, ok := d.endpoints[e.id]; ok && cur == e {
		delete(d.endpoints, e.id)
	}
	d.epMu.Unlock()
	d.epIDs.put(e.id)
}

// progressSends is the device half of the progress loop: one walk of the
// pending queue for retransmission and expiry, then one walk of the
// queued queue for first transmission. A TryLock admits a single driver;
// concurrent callers simply skip the tick.
func (d *device) progressSends() {
	if !d.progressMu.TryLock() {
		return
	}
	defer d.progressMu.Unlock()

	d.progressPending()
	d.progressQueued()
}

// progressPending retransmits reliable txs whose resend deadline passed
// and expires those whose total elapsed time exceeded the effective
// timeout. Expired RO connections cascade: every later tx on the
// connection completes with the same verdict.
func (d *device) progressPending() {
	now := time.Now()
	var expired []*tx

	d.mu.Lock()
	for t := d.pending.head; t != nil; {
		next := t.next

		if !t.firstSend.IsZero() && now.Sub(t.firstSend) >= t.timeout {
			d.pending.remove(t)
			expired = append(expired, t)
			t = next
			continue
		}

		if now.After(t.deadline) {
			t.refreshAck()
			if err := t.ep.sendTo(t.buf[:t.len], t.dest()); err == nil {
				metrics.DatagramsSent.Inc()
				metrics.Retransmits.Inc()
			}
			t.cycles++
			t.resends++
			t.deadline = now.Add(resendInterval * time.Duration(t.resends+1))
		}
		t = next
	}
	d.mu.Unlock()

	for _, t := range expired {
		e := t.ep
		c := t.conn

		status := types.ETIMEDOUT
		if c != nil {
			c.mu.Lock()
			if c.lastCtrlNack {
				// The peer's last word was receiver-not-ready.
				status = types.ErrRNR
			}
			c.mu.Unlock()
		}

		cascade := c != nil && c.attr.Ordered() && t.msgType != msgConnRequest && t.msgType != msgConnReply

		e.completeTx(t, status)

		if cascade {
			c.mu.Lock()
			c.status = connFailed
			c.mu.Unlock()
			e.failConn(c, status)
		}
	}
}

// progressQueued transmits everything on the queued list: reliable txs
// migrate to the pending list, unreliable ones complete immediately.
// EAGAIN-class transmit failures requeue the tx and end the walk.
func (d *device) progressQueued() {
	for {
		d.mu.Lock()
		t := d.queued.popFront()
		d.mu.Unlock()
		if t == nil {
			return
		}

		e := t.ep

		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			e.recycleTx(t)
			continue
		}

		if t.conn != nil {
			t.conn.mu.Lock()
			gone := t.conn.status == connDisconnected || t.conn.status == connFailed
			t.conn.mu.Unlock()
			if gone && t.msgType != msgConnReply {
				e.completeTx(t, types.ErrDisconnected)
				continue
			}
		}

		t.refreshAck()
		if err := e.sendTo(t.buf[:t.len], t.dest()); err != nil {
			if retryable(err) {
				d.mu.Lock()
				d.queued.pushFront(t)
				d.mu.Unlock()
				return
			}
			e.logger.Warn("endpoint %s: transmit failed: %v", e.token, err)
			e.completeTx(t, types.ENETDOWN)
			continue
		}
		metrics.DatagramsSent.Inc()
		t.cycles++

		if t.reliableOnWire() {
			now := time.Now()
			t.firstSend = now
			t.deadline = now.Add(resendInterval)
			t.state = txPending
			d.mu.Lock()
			d.pending.pushBack(t)
			d.mu.Unlock()
			continue
		}

		e.completeTx(t, types.Success)
	}
}

// dest returns the datagram's destination address.
func (t *tx) dest() *net.UDPAddr {
	if t.addr != nil {
		return t.addr
	}
	return t.conn.addr
}

// refreshAck re-stamps the piggybacked cumulative ack so retransmissions
// and delayed first transmissions carry the receiver's latest state.
func (t *tx) refreshAck() {
	c := t.conn
	if c == nil || !c.attr.Reliable() {
		return
	}
	switch t.msgType {
	case msgSend, msgRMAWrite, msgRMARead:
	default:
		return
	}
	c.mu.Lock()
	ack := c.ack
	c.ackDirty = false
	c.mu.Unlock()
	packAckField(t.buf, ack)
}

// sendTo writes one datagram, retrying interrupted writes and resuming
// partial ones.
func (e *endpoint) sendTo(buf []byte, addr *net.UDPAddr) error {
	sent := 0
	for sent < len(buf) {
		n, err := e.sock.WriteToUDP(buf[sent:], addr)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
		sent += n
	}
	return nil
}

// retryable reports whether a transmit failure should requeue rather than
// fail the tx.
func retryable(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM)
}

package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxPacketSize bounds a single control packet. Radio frames are tiny;
// the limit only has to leave room for JSON envelopes.
const DefaultMaxPacketSize = 64 * 1024

// ErrUnauthorized is returned for CONNECT packets with bad credentials.
var ErrUnauthorized = errors.New("mqtt: bad username or password")

// PublishMessage is a publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

type clientSession struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	clientID  string
	keepAlive time.Duration
	ready     atomic.Bool
	closed    atomic.Bool

	subMu   sync.RWMutex
	filters map[string]struct{}
}

func newSession(conn net.Conn) *clientSession {
	return &clientSession{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		filters: make(map[string]struct{}),
	}
}

func (c *clientSession) matches(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for f := range c.filters {
		if MatchTopic(f, topic) {
			return true
		}
	}
	return false
}

func (c *clientSession) subscribe(filter string) {
	c.subMu.Lock()
	c.filters[filter] = struct{}{}
	c.subMu.Unlock()
}

func (c *clientSession) unsubscribe(filter string) {
	c.subMu.Lock()
	delete(c.filters, filter)
	c.subMu.Unlock()
}

func (c *clientSession) writePacket(pkt []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(pkt)
	return err
}

// Broker is a small MQTT v3.1.1 broker. It accepts QoS 0 and QoS 1 publishes
// from clients, delivers to subscribers at QoS 0 and understands the + and #
// topic wildcards. Sessions, retained messages and wills are not supported.
type Broker struct {
	logger        *slog.Logger
	listener      net.Listener
	handler       atomic.Value // stores Handler
	mu            sync.Mutex
	wg            sync.WaitGroup
	shuttingDown  atomic.Bool
	maxPacketSize int
	username      string
	password      string

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}
}

// Option configures a Broker.
type Option func(*Broker)

// WithMaxPacketSize limits the remaining length of incoming packets.
func WithMaxPacketSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxPacketSize = n
		}
	}
}

// WithCredentials requires clients to connect with the given username and password.
func WithCredentials(username, password string) Option {
	return func(b *Broker) {
		b.username = username
		b.password = password
	}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		logger:        logger,
		clients:       make(map[*clientSession]struct{}),
		maxPacketSize: DefaultMaxPacketSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			session := newSession(conn)
			b.addClient(session)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(session)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for session := range b.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
	b.clients = make(map[*clientSession]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// ClientCount returns the number of connected clients that completed CONNECT.
func (b *Broker) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	n := 0
	for s := range b.clients {
		if s.ready.Load() {
			n++
		}
	}
	return n
}

// Publish sends a QoS 0 message to every client whose filters match topic and
// returns the number of subscribers reached.
func (b *Broker) Publish(topic string, payload []byte) (int, error) {
	if err := validateTopicName(topic); err != nil {
		return 0, err
	}
	pkt, err := buildPublishPacket(topic, payload)
	if err != nil {
		return 0, err
	}
	return b.deliver(topic, pkt, nil), nil
}

func (b *Broker) deliver(topic string, pkt []byte, exclude *clientSession) int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	delivered := 0
	for session := range b.clients {
		if session == exclude || !session.ready.Load() || !session.matches(topic) {
			continue
		}
		if err := session.writePacket(pkt); err != nil {
			b.logger.Debug("deliver publish failed", "client", session.clientID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (b *Broker) addClient(session *clientSession) {
	b.clientsMu.Lock()
	b.clients[session] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(session *clientSession) {
	b.clientsMu.Lock()
	delete(b.clients, session)
	b.clientsMu.Unlock()
}

func (b *Broker) handleConn(session *clientSession) {
	defer func() {
		session.closed.Store(true)
		b.removeClient(session)
		_ = session.conn.Close()
	}()

	ctx := context.Background()
	connected := false

	for {
		if session.keepAlive > 0 {
			_ = session.conn.SetReadDeadline(time.Now().Add(session.keepAlive * 3 / 2))
		}

		header, body, err := readPacket(session.reader, b.maxPacketSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read packet error", "client", session.clientID, "error", err)
			}
			return
		}

		packetType := header >> 4
		if !connected && packetType != typeConnect {
			b.logger.Debug("packet before connect", "type", packetType)
			return
		}

		switch packetType {
		case typeConnect:
			if connected {
				return
			}
			if err := b.handleConnect(session, body); err != nil {
				b.logger.Debug("handle connect error", "error", err)
				return
			}
			connected = true
		case typePublish:
			msg, packetID, err := parsePublish(header, body)
			if err != nil {
				b.logger.Debug("parse publish error", "error", err)
				return
			}
			if packetID != 0 {
				if err := session.writePacket(buildAck(typePubAck, packetID)); err != nil {
					return
				}
			}
			msg.ClientID = session.clientID
			if h, ok := b.handler.Load().(Handler); ok {
				safeInvoke(h, ctx, msg, b.logger)
			}
			if pkt, err := buildPublishPacket(msg.Topic, msg.Payload); err == nil {
				b.deliver(msg.Topic, pkt, session)
			}
		case typeSubscribe:
			if err := b.handleSubscribe(session, body); err != nil {
				b.logger.Debug("handle subscribe error", "error", err)
				return
			}
		case typeUnsubscribe:
			if err := b.handleUnsubscribe(session, body); err != nil {
				b.logger.Debug("handle unsubscribe error", "error", err)
				return
			}
		case typePingReq:
			if err := session.writePacket([]byte{typePingResp << 4, 0x00}); err != nil {
				return
			}
		case typeDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", packetType)
			return
		}
	}
}

func (b *Broker) handleConnect(session *clientSession, body []byte) error {
	req, err := parseConnect(body)
	if err != nil {
		return err
	}

	if b.username != "" && (req.username != b.username || req.password != b.password) {
		_ = session.writePacket([]byte{typeConnAck << 4, 0x02, 0x00, 0x04})
		return ErrUnauthorized
	}

	if req.clientID == "" {
		req.clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	session.clientID = req.clientID
	session.keepAlive = time.Duration(req.keepAlive) * time.Second

	if err := session.writePacket([]byte{typeConnAck << 4, 0x02, 0x00, 0x00}); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}
	session.ready.Store(true)

	b.logger.Debug("mqtt client connected", "client", session.clientID)
	return nil
}

func (b *Broker) handleSubscribe(session *clientSession, body []byte) error {
	rd := bytesReader(body)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	var codes []byte
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		if _, err := rd.readByte(); err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if err := validateTopicFilter(filter); err != nil {
			codes = append(codes, subAckFailure)
			continue
		}
		// Every grant is downgraded to QoS 0.
		session.subscribe(filter)
		codes = append(codes, 0x00)
	}
	if len(codes) == 0 {
		return fmt.Errorf("subscribe without topics")
	}

	return session.writePacket(buildSubAck(packetID, codes))
}

func (b *Broker) handleUnsubscribe(session *clientSession, body []byte) error {
	rd := bytesReader(body)
	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		session.unsubscribe(filter)
	}
	return session.writePacket(buildAck(typeUnsubAck, packetID))
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "panic", r)
		}
	}()
	h(ctx, msg)
}

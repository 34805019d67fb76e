// Package mqtt maintains the broker session: one authenticated, encrypted
// connection per application instance, publishing reader state and receiving
// remote commands. Reconnection uses capped exponential backoff; an explicit
// reconnect or a config change redials immediately.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// State is the broker session state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// Config holds broker connection settings.
type Config struct {
	Host   string
	Port   int
	CACert string // optional CA bundle for the TLS session
	// Insecure disables TLS. Intended for local broker testing only.
	Insecure bool

	KeepAlive            time.Duration // default 550s
	MaxReconnectInterval time.Duration // backoff cap, default 2m
}

const publishRetryDelay = time.Second

// Handlers holds callbacks for session events.
type Handlers struct {
	OnState   func(State)
	OnCommand func(topic string, payload []byte)
}

// StatePayload is the published reader state document.
type StatePayload struct {
	Reader         string `json:"reader"`
	Identity       string `json:"identity"`
	Status         string `json:"status"`
	CardNumber     string `json:"card_number"`
	Online         bool   `json:"online"`
	Authenticating bool   `json:"authenticating"`
}

// Bridge is the broker session. A Bridge with no host configured is disabled
// and stays Disconnected; publishes are dropped.
type Bridge struct {
	mu       sync.Mutex
	cfg      Config
	ident    string
	client   paho.Client
	state    State
	handlers Handlers

	outbox *outbox
	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates the bridge. Call Connect to dial.
func New(cfg Config, ident string, handlers Handlers) *Bridge {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 550 * time.Second
	}
	if cfg.MaxReconnectInterval == 0 {
		cfg.MaxReconnectInterval = 2 * time.Minute
	}
	b := &Bridge{
		cfg:      cfg,
		ident:    ident,
		state:    StateDisconnected,
		handlers: handlers,
		outbox:   newOutbox(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.publishLoop()
	return b
}

// Connect builds the client and dials asynchronously. No-op when no host is
// configured.
func (b *Bridge) Connect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectLocked()
}

func (b *Bridge) connectLocked() {
	if b.cfg.Host == "" {
		log.Info("mqtt: disabled (no host configured)")
		return
	}

	var broker string
	var tlsConfig *tls.Config
	if b.cfg.Insecure {
		broker = fmt.Sprintf("tcp://%s:%d", b.cfg.Host, b.cfg.Port)
		log.Warn("mqtt: using non-TLS connection")
	} else {
		broker = fmt.Sprintf("ssl://%s:%d", b.cfg.Host, b.cfg.Port)
		tlsConfig = &tls.Config{}
		if b.cfg.CACert != "" {
			pem, err := os.ReadFile(b.cfg.CACert)
			if err != nil {
				log.Errorf("mqtt: read CA cert: %v", err)
			} else {
				pool := x509.NewCertPool()
				pool.AppendCertsFromPEM(pem)
				tlsConfig.RootCAs = pool
			}
		}
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(b.ident).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(b.cfg.MaxReconnectInterval).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetKeepAlive(b.cfg.KeepAlive).
		SetOnConnectHandler(b.handleConnect).
		SetConnectionLostHandler(b.handleConnectionLost).
		SetReconnectingHandler(b.handleReconnecting)
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	b.client = paho.NewClient(opts)
	b.setStateLocked(StateConnecting)
	b.client.Connect()
}

// Reconnect tears the session down and redials immediately, bypassing any
// backoff delay in progress.
func (b *Bridge) Reconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardownLocked()
	b.connectLocked()
}

// Configure replaces the broker endpoint and application ident, then redials.
func (b *Bridge) Configure(host string, port int, ident string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Host = host
	b.cfg.Port = port
	b.ident = ident
	b.teardownLocked()
	b.connectLocked()
}

func (b *Bridge) teardownLocked() {
	if b.client != nil {
		b.client.Disconnect(250)
		b.client = nil
	}
	b.setStateLocked(StateDisconnected)
}

// Close shuts the session down and stops the publisher.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.teardownLocked()
	b.mu.Unlock()
	close(b.done)
	b.wg.Wait()
}

// State returns the current session state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// PublishState queues the reader state for delivery. Only the latest payload
// per reader is retained, so no backlog accumulates while disconnected.
func (b *Bridge) PublishState(p StatePayload) {
	b.outbox.put(p)
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bridge) setStateLocked(s State) {
	if b.state == s {
		return
	}
	log.Infof("mqtt: session %s -> %s", b.state, s)
	b.state = s
	if b.handlers.OnState != nil {
		b.handlers.OnState(s)
	}
}

func (b *Bridge) handleConnect(client paho.Client) {
	b.mu.Lock()
	if client != b.client {
		// A superseded client finished its handshake after a redial.
		b.mu.Unlock()
		return
	}
	ident := b.ident
	b.setStateLocked(StateConnected)
	b.mu.Unlock()

	topic := fmt.Sprintf("tba/%s/control/#", ident)
	if token := client.Subscribe(topic, 1, b.handleMessage); token.Wait() && token.Error() != nil {
		log.Errorf("mqtt: subscribe %s: %v", topic, token.Error())
	}

	// Retransmit the latest retained state per reader.
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bridge) handleConnectionLost(client paho.Client, err error) {
	log.Warnf("mqtt: connection lost: %v", err)
	b.mu.Lock()
	defer b.mu.Unlock()
	if client != b.client {
		return
	}
	b.setStateLocked(StateReconnecting)
}

func (b *Bridge) handleReconnecting(paho.Client, *paho.ClientOptions) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(StateConnecting)
}

func (b *Bridge) handleMessage(_ paho.Client, msg paho.Message) {
	if b.handlers.OnCommand != nil {
		b.handlers.OnCommand(msg.Topic(), msg.Payload())
	}
}

// publishLoop is the single publisher path: one goroutine draining the
// outbox, which keeps successive states for the same reader in order.
func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-b.notify:
		}

		for {
			b.mu.Lock()
			client, ident, connected := b.client, b.ident, b.state == StateConnected
			b.mu.Unlock()
			if !connected || client == nil {
				break
			}

			payload, ok := b.outbox.pop()
			if !ok {
				break
			}
			topic := fmt.Sprintf("tba/%s/status/%s", ident, payload.Reader)
			token := client.Publish(topic, 1, true, encodeState(payload))
			if token.Wait() && token.Error() != nil {
				log.Errorf("mqtt: publish %s: %v", topic, token.Error())
				b.outbox.putIfAbsent(payload)
				b.retryLater()
				break
			}
		}
	}
}

// retryLater re-arms the publisher so a payload requeued after a failed
// delivery is retried without waiting for new state to arrive.
func (b *Bridge) retryLater() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-b.done:
			return
		case <-time.After(publishRetryDelay):
		}
		select {
		case b.notify <- struct{}{}:
		default:
		}
	}()
}

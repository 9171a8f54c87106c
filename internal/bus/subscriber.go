package bus

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"platebridge-pod/internal/config"
)

const (
	subscribeQoS     = 1
	operationTimeout = 5 * time.Second
)

// Handler receives the raw payload of each message on the subscribed topic. It runs
// on the MQTT client's delivery goroutine and must return quickly.
type Handler func(payload []byte)

// Subscriber is the event-bus client. The subscription is (re)established on every
// connect, so it survives broker restarts.
type Subscriber struct {
	cfg     config.MQTTConfig
	handler Handler
	log     zerolog.Logger

	mu        sync.RWMutex
	client    mqtt.Client
	connected bool
}

func NewSubscriber(cfg config.MQTTConfig, handler Handler, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		cfg:     cfg,
		handler: handler,
		log:     log.With().Str("component", "bus").Str("topic", cfg.Topic).Logger(),
	}
}

func (s *Subscriber) clientOptions() *mqtt.ClientOptions {
	clientID := s.cfg.ClientID
	if clientID == "" {
		clientID = "platebridge-pod-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", s.cfg.Host, s.cfg.Port))
	opts.SetClientID(clientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		s.setConnected(true)
		s.log.Info().Str("client_id", clientID).Msg("mqtt connected")
		s.subscribe(c)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.setConnected(false)
		s.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
	}
	return opts
}

// Connect starts the client. If the broker is not reachable yet the client keeps
// retrying in the background and Connect returns without error.
func (s *Subscriber) Connect() error {
	client := mqtt.NewClient(s.clientOptions())

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	s.log.Info().Str("broker", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)).Msg("connecting to mqtt broker")
	token := client.Connect()
	if !token.WaitTimeout(operationTimeout) {
		s.log.Warn().Msg("mqtt broker not reachable yet, retrying in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (s *Subscriber) subscribe(c mqtt.Client) {
	token := c.Subscribe(s.cfg.Topic, subscribeQoS, func(_ mqtt.Client, msg mqtt.Message) {
		s.handler(msg.Payload())
	})
	if !token.WaitTimeout(operationTimeout) {
		s.log.Error().Msg("mqtt subscribe timed out")
		return
	}
	if err := token.Error(); err != nil {
		s.log.Error().Err(err).Msg("mqtt subscribe failed")
		return
	}
	s.log.Info().Msg("subscribed to detection events")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Subscriber) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Close unsubscribes and disconnects.
func (s *Subscriber) Close() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.connected = false
	s.mu.Unlock()
	if client == nil {
		return
	}

	if client.IsConnected() {
		token := client.Unsubscribe(s.cfg.Topic)
		token.WaitTimeout(operationTimeout)
	}
	client.Disconnect(250)
	s.log.Info().Msg("mqtt subscriber closed")
}

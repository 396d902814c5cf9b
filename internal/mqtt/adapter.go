// Package mqtt exposes the API surface over an MQTT broker. Each
// registered endpoint gets a request/response topic pair under the
// configured prefix; request payloads are the same JSON-RPC documents
// the websocket channel speaks, and responses are published on the
// endpoint's response topic.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"printhub/internal/api"
	"printhub/internal/config"
	"printhub/internal/metrics"
	"printhub/internal/rpc"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho's Disconnect unit
)

type subscription struct {
	endpoint      string
	requestTopic  string
	responseTopic string
}

// Adapter is the MQTT transport. It implements api.Transport so the
// registry's fan-out keeps its topic subscriptions aligned with the
// route table.
type Adapter struct {
	cfg        config.MQTTConfig
	dispatcher *rpc.Dispatcher
	collector  *metrics.Collector
	logger     *slog.Logger
	client     paho.Client

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewAdapter creates the transport. Connect must be called before any
// traffic flows; registrations made earlier are subscribed on connect.
func NewAdapter(cfg config.MQTTConfig, executor api.RemoteExecutor, collector *metrics.Collector, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:        cfg,
		dispatcher: rpc.NewDispatcher(executor, logger),
		collector:  collector,
		logger:     logger.With(slog.String("component", "mqtt")),
		subs:       make(map[string]*subscription),
	}
}

// Connect establishes the broker session. Paho reconnects on its own;
// the on-connect hook replays every subscription so a broker restart
// cannot strand registered endpoints.
func (a *Adapter) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(a.cfg.BrokerURL).
		SetClientID(a.cfg.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(connectTimeout)
	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
		opts.SetPassword(a.cfg.Password)
	}
	opts.SetOnConnectHandler(func(paho.Client) {
		a.logger.Info("connected to broker", slog.String("broker", a.cfg.BrokerURL))
		a.resubscribeAll()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		a.logger.Warn("broker connection lost", slog.String("error", err.Error()))
	})

	a.client = paho.NewClient(opts)
	token := a.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Close tears down the broker session.
func (a *Adapter) Close() {
	if a.client != nil && a.client.IsConnected() {
		a.client.Disconnect(disconnectQuiesce)
	}
}

// RegisterAPI implements api.Transport. Subscribing is asynchronous so
// a slow broker cannot stall endpoint registration.
func (a *Adapter) RegisterAPI(def *api.Definition) {
	a.dispatcher.RegisterAPI(def)

	sub := &subscription{
		endpoint:      def.Endpoint,
		requestTopic:  a.topicFor(def.Endpoint, "request"),
		responseTopic: a.topicFor(def.Endpoint, "response"),
	}
	a.mu.Lock()
	a.subs[def.Endpoint] = sub
	a.mu.Unlock()

	if a.client != nil && a.client.IsConnectionOpen() {
		go a.subscribe(sub)
	}
}

// RemoveAPI implements api.Transport.
func (a *Adapter) RemoveAPI(def *api.Definition) {
	a.dispatcher.RemoveAPI(def)

	a.mu.Lock()
	sub, ok := a.subs[def.Endpoint]
	if ok {
		delete(a.subs, def.Endpoint)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	if a.client != nil && a.client.IsConnectionOpen() {
		go func() {
			token := a.client.Unsubscribe(sub.requestTopic)
			token.Wait()
			if err := token.Error(); err != nil {
				a.logger.Warn("unsubscribe failed",
					slog.String("topic", sub.requestTopic),
					slog.String("error", err.Error()))
			}
		}()
	}
}

func (a *Adapter) subscribe(sub *subscription) {
	token := a.client.Subscribe(sub.requestTopic, a.cfg.QOS, func(_ paho.Client, msg paho.Message) {
		go a.handleRequest(sub, msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		a.logger.Warn("subscribe failed",
			slog.String("topic", sub.requestTopic),
			slog.String("error", err.Error()))
		return
	}
	a.logger.Debug("subscribed", slog.String("topic", sub.requestTopic))
}

func (a *Adapter) resubscribeAll() {
	a.mu.Lock()
	subs := make([]*subscription, 0, len(a.subs))
	for _, sub := range a.subs {
		subs = append(subs, sub)
	}
	a.mu.Unlock()
	for _, sub := range subs {
		a.subscribe(sub)
	}
}

func (a *Adapter) handleRequest(sub *subscription, payload []byte) {
	if a.collector != nil {
		a.collector.RecordRPCCall("mqtt")
	}
	resp := a.dispatcher.Dispatch(context.Background(), payload, rpc.Source{
		PeerAddr: "mqtt:" + sub.requestTopic,
	})
	if resp == nil {
		return
	}
	token := a.client.Publish(sub.responseTopic, a.cfg.QOS, false, resp)
	token.Wait()
	if err := token.Error(); err != nil {
		a.logger.Warn("publish failed",
			slog.String("topic", sub.responseTopic),
			slog.String("error", err.Error()))
	}
}

// topicFor derives an endpoint's topic: leading slashes are trimmed so
// "/server/info" and "server/info" share a namespace.
func (a *Adapter) topicFor(endpoint, kind string) string {
	ep := strings.TrimPrefix(endpoint, "/")
	return a.cfg.TopicPrefix + "/api/" + ep + "/" + kind
}

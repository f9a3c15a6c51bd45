/*
 * Copyright 2024 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package mqtt wraps the Paho MQTT client with reconnecting subscriptions and optional TLS.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gofrs/uuid/v5"
	"github.com/rulego/deltaflow/api/types"
)

var (
	// ErrNotConnected is returned by Publish while the broker connection is down.
	ErrNotConnected = errors.New("MQTT client is not connected")
	// ErrSubscriptionRejected is returned when the broker refuses a topic filter.
	ErrSubscriptionRejected = errors.New("MQTT subscription rejected")
)

var (
	// subscribeAttempts bounds how often one subscription is tried.
	subscribeAttempts uint64 = 3
	// subscribeInterval is the wait between two subscription attempts.
	subscribeInterval = 2 * time.Second
	// subscribeTimeout bounds the wait for one SUBACK.
	subscribeTimeout = 10 * time.Second
)

// Handler handles the messages of one subscription.
type Handler struct {
	Topic  string
	Qos    byte
	Handle func(c paho.Client, data paho.Message)
}

// Config is the broker connection configuration.
type Config struct {
	// Server is the broker address, for example tcp://127.0.0.1:1883.
	Server   string
	Username string
	Password string
	// MaxReconnectInterval bounds the wait between reconnect attempts.
	MaxReconnectInterval time.Duration
	QOS                  uint8
	CleanSession         bool
	// ClientID defaults to a random id prefixed with deltaflow/.
	ClientID    string
	CAFile      string
	CertFile    string
	CertKeyFile string
	// Logger reports subscriptions lost after a reconnect.
	Logger types.Logger
}

// Client is a connected MQTT client. Subscriptions are restored after a reconnect.
type Client struct {
	sync.RWMutex
	client      paho.Client
	logger      types.Logger
	isConnected int32
	handlers    map[string]Handler
}

// NewClient connects to the broker, retrying every two seconds until ctx is done.
func NewClient(ctx context.Context, conf Config) (*Client, error) {
	if conf.Server == "" {
		return nil, errors.New("mqtt server is empty")
	}
	b := &Client{handlers: make(map[string]Handler), logger: types.NewLogger(conf.Logger)}

	opts := paho.NewClientOptions()
	opts.AddBroker(conf.Server)
	opts.SetUsername(conf.Username)
	opts.SetPassword(conf.Password)
	opts.SetCleanSession(conf.CleanSession)
	if conf.ClientID == "" {
		opts.SetClientID("deltaflow/" + uuid.Must(uuid.NewV4()).String()[:8])
	} else {
		opts.SetClientID(conf.ClientID)
	}
	opts.SetOnConnectHandler(b.onConnected)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	if conf.MaxReconnectInterval <= 0 {
		conf.MaxReconnectInterval = time.Minute
	}
	opts.SetMaxReconnectInterval(conf.MaxReconnectInterval)

	tlsConfig, err := newTLSConfig(conf.CAFile, conf.CertFile, conf.CertKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load mqtt certificates ca=%s cert=%s key=%s: %w", conf.CAFile, conf.CertFile, conf.CertKeyFile, err)
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	b.client = paho.NewClient(opts)

	for {
		token := b.client.Connect()
		if token.Wait() && token.Error() == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to %s: %w", conf.Server, token.Error())
		case <-time.After(2 * time.Second):
		}
	}
	return b, nil
}

// IsConnected reports whether the broker connection is up.
func (b *Client) IsConnected() bool {
	return atomic.LoadInt32(&b.isConnected) == 1
}

// RegisterHandler subscribes handler and keeps it across reconnects. A failed subscription
// is retried a few times, a rejected one is not, and the handler is dropped on error.
func (b *Client) RegisterHandler(handler Handler) error {
	b.Lock()
	b.handlers[handler.Topic] = handler
	b.Unlock()
	if err := b.subscribeHandler(handler); err != nil {
		b.Lock()
		delete(b.handlers, handler.Topic)
		b.Unlock()
		return err
	}
	return nil
}

// UnregisterHandler unsubscribes the handler of topic.
func (b *Client) UnregisterHandler(topic string) error {
	b.Lock()
	defer b.Unlock()
	if _, ok := b.handlers[topic]; !ok {
		return nil
	}
	if token := b.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	delete(b.handlers, topic)
	return nil
}

// Publish sends data without waiting for delivery.
func (b *Client) Publish(topic string, qos byte, data []byte) error {
	if b.client == nil || !b.IsConnected() {
		return ErrNotConnected
	}
	token := b.client.Publish(topic, qos, false, data)
	if qos == 0 {
		return nil
	}
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Close unsubscribes every handler and disconnects.
func (b *Client) Close() error {
	b.RLock()
	topics := make([]string, 0, len(b.handlers))
	for topic := range b.handlers {
		topics = append(topics, topic)
	}
	b.RUnlock()
	for _, topic := range topics {
		b.client.Unsubscribe(topic)
	}
	b.client.Disconnect(500)
	return nil
}

func (b *Client) onConnected(paho.Client) {
	atomic.StoreInt32(&b.isConnected, 1)
	b.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, handler := range b.handlers {
		handlers = append(handlers, handler)
	}
	b.RUnlock()
	for _, handler := range handlers {
		if err := b.subscribeHandler(handler); err != nil {
			b.logger.Error("failed to restore mqtt subscription", "topic", handler.Topic, "error", err)
		}
	}
}

func (b *Client) onConnectionLost(paho.Client, error) {
	atomic.StoreInt32(&b.isConnected, 0)
}

func (b *Client) subscribeHandler(handler Handler) error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(subscribeInterval), subscribeAttempts-1)
	return backoff.Retry(func() error {
		token := b.client.Subscribe(handler.Topic, handler.Qos, handler.Handle)
		if !token.WaitTimeout(subscribeTimeout) {
			return fmt.Errorf("subscribe %s: no SUBACK within %s", handler.Topic, subscribeTimeout)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", handler.Topic, err)
		}
		if subscribed, ok := token.(*paho.SubscribeToken); ok && isACLRejected(subscribed, handler.Topic) {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrSubscriptionRejected, handler.Topic))
		}
		return nil
	}, policy)
}

// isACLRejected reports a SUBACK failure code 128 for topic.
func isACLRejected(token *paho.SubscribeToken, topic string) bool {
	result, ok := token.Result()[topic]
	return ok && result == 128
}

func newTLSConfig(caFile, certFile, certKeyFile string) (*tls.Config, error) {
	if caFile == "" && certFile == "" && certKeyFile == "" {
		return nil, nil
	}
	tlsConfig := &tls.Config{}
	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		certPool := x509.NewCertPool()
		certPool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = certPool
	}
	if certFile != "" && certKeyFile != "" {
		kp, err := tls.LoadX509KeyPair(certFile, certKeyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{kp}
	}
	return tlsConfig, nil
}

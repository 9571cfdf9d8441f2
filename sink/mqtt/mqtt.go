// Package mqtt publishes telemetry batches to MQTT broker.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/mdp/ingest"
	"github.com/temoto/mdp/log2"
	"github.com/temoto/mdp/sink"
)

const (
	DefaultTopicPrefix    = "mdp"
	DefaultNetworkTimeout = 30 * time.Second
)

type Options struct {
	Log            *log2.Log
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TLSCAFile      string
	TopicPrefix    string
	NetworkTimeout time.Duration
	LogDebug       bool
	// Client replaces network client, for tests.
	Client mqtt.Client
}

// Sink publishes protobuf batch to <prefix>/<device>/t with QoS 1.
type Sink struct {
	log     *log2.Log
	m       mqtt.Client
	prefix  string
	timeout time.Duration
}

var _ sink.Sink = &Sink{}

func New(opt Options) (*Sink, error) {
	if opt.TopicPrefix == "" {
		opt.TopicPrefix = DefaultTopicPrefix
	}
	if opt.NetworkTimeout <= 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	s := &Sink{
		log:     opt.Log,
		m:       opt.Client,
		prefix:  strings.TrimSuffix(opt.TopicPrefix, "/"),
		timeout: opt.NetworkTimeout,
	}
	if s.m == nil { // production path
		mopt, err := clientOptions(opt)
		if err != nil {
			return nil, errors.Annotate(err, "mqtt options")
		}
		s.m = mqtt.NewClient(mopt)
		if err := s.tokenWait(s.m.Connect(), "connect"); err != nil {
			// client keeps reconnecting, AcceptBatch errors until then
			s.log.Errorf("mqtt broker=%s initial connect err=%v", opt.Broker, err)
		}
	}
	return s, nil
}

func clientOptions(opt Options) (*mqtt.ClientOptions, error) {
	if opt.Broker == "" {
		return nil, errors.NotValidf("mqtt broker empty")
	}
	if opt.Log != nil {
		mqttLog := opt.Log.Clone(log2.LDebug)
		mqtt.CRITICAL = mqttLog
		mqtt.ERROR = mqttLog
		mqtt.WARN = mqttLog
		if opt.LogDebug {
			mqtt.DEBUG = mqttLog
		}
	}

	clientID := opt.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("mdpd-%d", time.Now().UnixNano()%1e6)
	}
	tlsconf := new(tls.Config)
	if opt.TLSCAFile != "" {
		cabytes, err := os.ReadFile(opt.TLSCAFile)
		if err != nil {
			return nil, errors.Annotate(err, "tls ca")
		}
		tlsconf.RootCAs = x509.NewCertPool()
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return nil, errors.NotValidf("tls ca=%s no PEM certificates", opt.TLSCAFile)
		}
	}
	connectTimeout := opt.NetworkTimeout * 3
	mopt := mqtt.NewClientOptions().
		AddBroker(opt.Broker).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetClientID(clientID).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(opt.NetworkTimeout / 2).
		SetMaxReconnectInterval(connectTimeout).
		SetOrderMatters(false).
		SetPingTimeout(opt.NetworkTimeout).
		SetTLSConfig(tlsconf).
		SetWriteTimeout(opt.NetworkTimeout)
	if opt.Username != "" {
		mopt.SetUsername(opt.Username).SetPassword(opt.Password)
	}
	return mopt, nil
}

func (s *Sink) Topic(deviceID string) string { return fmt.Sprintf("%s/%s/t", s.prefix, deviceID) }

func (s *Sink) AcceptBatch(ctx context.Context, deviceID string, records []ingest.Record) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	payload, err := sink.MarshalBatch(deviceID, records)
	if err != nil {
		return errors.Trace(err)
	}
	topic := s.Topic(deviceID)
	t := s.m.Publish(topic, 1, false, payload)
	return s.tokenWaitContext(ctx, t, "publish "+topic)
}

func (s *Sink) Close() {
	s.m.Disconnect(uint(s.timeout / time.Millisecond))
}

func (s *Sink) tokenWaitContext(ctx context.Context, t mqtt.Token, tag string) error {
	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 || !t.WaitTimeout(timeout) {
		return errors.Timeoutf("mqtt %s", tag)
	}
	if err := t.Error(); err != nil {
		return errors.Annotatef(err, "mqtt %s", tag)
	}
	return nil
}

func (s *Sink) tokenWait(t mqtt.Token, tag string) error {
	return s.tokenWaitContext(context.Background(), t, tag)
}

package tele

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"github.com/printpay/kiosk/log2"
)

type transportMqtt struct {
	log            *log2.Log
	m              mqtt.Client
	networkTimeout time.Duration

	topicPrefix    string
	topicState     string
	topicTelemetry string
}

func (tm *transportMqtt) Init(ctx context.Context, log *log2.Log, c Config) error {
	tm.log = log
	mqtt.ERROR = log
	mqtt.CRITICAL = log
	mqtt.WARN = log

	clientId := fmt.Sprintf("kiosk%d", c.KioskId)
	tm.topicPrefix = clientId
	tm.topicState = fmt.Sprintf("%s/w/1s", tm.topicPrefix)
	tm.topicTelemetry = fmt.Sprintf("%s/w/1t", tm.topicPrefix)

	keepAlive := 60 * time.Second
	if c.KeepaliveSec > 0 {
		keepAlive = time.Duration(c.KeepaliveSec) * time.Second
	}
	tm.networkTimeout = DefaultNetworkTimeout
	if c.NetworkTimeoutSec > 0 {
		tm.networkTimeout = time.Duration(c.NetworkTimeoutSec) * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(clientId).
		SetUsername(clientId).
		SetPassword(c.MqttPassword).
		SetKeepAlive(keepAlive).
		SetPingTimeout(tm.networkTimeout).
		SetAutoReconnect(true).
		SetBinaryWill(tm.topicState, []byte{}, 1, true).
		SetConnectTimeout(tm.networkTimeout)
	tm.m = mqtt.NewClient(opts)

	tok := tm.m.Connect()
	if tok.WaitTimeout(tm.networkTimeout) && tok.Error() != nil {
		// network problems are not fatal, client reconnects in background
		tm.log.Errorf("tele mqtt connect broker=%s err=%v", c.Broker, errors.ErrorStack(tok.Error()))
	}
	return nil
}

func (tm *transportMqtt) SendState(payload []byte) bool {
	tm.log.Debugf("tele mqtt state=%x", payload)
	return tm.publish(tm.topicState, payload, true)
}

func (tm *transportMqtt) SendTelemetry(payload []byte) bool {
	return tm.publish(tm.topicTelemetry, payload, false)
}

func (tm *transportMqtt) CloseTele() {
	if tm.m != nil {
		tm.m.Disconnect(uint(tm.networkTimeout / time.Millisecond))
	}
}

func (tm *transportMqtt) publish(topic string, payload []byte, retain bool) bool {
	tok := tm.m.Publish(topic, 1, retain, payload)
	if !tok.WaitTimeout(tm.networkTimeout) {
		tm.log.Debugf("tele mqtt publish topic=%s timeout", topic)
		return false
	}
	if err := tok.Error(); err != nil {
		tm.log.Errorf("tele mqtt publish topic=%s err=%v", topic, err)
		return false
	}
	return true
}

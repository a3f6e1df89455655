package broker

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

type scriptedMessage struct {
	topic   string
	payload string
}

// scriptedBroker is a minimal MQTT 3.1.1 server driven by a fixed script.
type scriptedBroker struct {
	ln        net.Listener
	queued    []scriptedMessage // sent right after CONNACK, before any SUBSCRIBE
	afterSub  []scriptedMessage // sent right after each SUBACK
	echoes    int               // copies of an inbound PUBLISH sent back before its PUBACK
	connects  chan *packets.ConnectPacket
	published chan *packets.PublishPacket
	acked     chan uint16
}

func startScriptedBroker(t *testing.T, sb *scriptedBroker) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	sb.ln = ln
	sb.connects = make(chan *packets.ConnectPacket, 8)
	sb.published = make(chan *packets.PublishPacket, 64)
	sb.acked = make(chan uint16, 64)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go sb.serve(conn)
		}
	}()
	return "tcp://" + ln.Addr().String()
}

func (sb *scriptedBroker) serve(conn net.Conn) {
	defer conn.Close()
	var nextID uint16 = 100
	publish := func(m scriptedMessage) error {
		nextID++
		p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
		p.Qos = 1
		p.MessageID = nextID
		p.TopicName = m.topic
		p.Payload = []byte(m.payload)
		return p.Write(conn)
	}

	for {
		cp, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}
		switch p := cp.(type) {
		case *packets.ConnectPacket:
			offer(sb.connects, p)
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			ack.ReturnCode = packets.Accepted
			if ack.Write(conn) != nil {
				return
			}
			for _, m := range sb.queued {
				if publish(m) != nil {
					return
				}
			}
		case *packets.SubscribePacket:
			ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			ack.MessageID = p.MessageID
			ack.ReturnCodes = append([]byte(nil), p.Qoss...)
			if ack.Write(conn) != nil {
				return
			}
			for _, m := range sb.afterSub {
				if publish(m) != nil {
					return
				}
			}
		case *packets.PublishPacket:
			offer(sb.published, p)
			for i := 0; i < sb.echoes; i++ {
				if publish(scriptedMessage{topic: p.TopicName, payload: string(p.Payload)}) != nil {
					return
				}
			}
			if p.Qos > 0 {
				ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
				ack.MessageID = p.MessageID
				if ack.Write(conn) != nil {
					return
				}
			}
		case *packets.PubackPacket:
			offer(sb.acked, p.MessageID)
		case *packets.PingreqPacket:
			if packets.NewControlPacket(packets.Pingresp).Write(conn) != nil {
				return
			}
		case *packets.DisconnectPacket:
			return
		}
	}
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

type topicRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *topicRecorder) add(topic string) {
	r.mu.Lock()
	r.topics = append(r.topics, topic)
	r.mu.Unlock()
}

func (r *topicRecorder) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		got := append([]string(nil), r.topics...)
		r.mu.Unlock()
		if len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Fatalf("received %d messages, want %d: %v", len(r.topics), n, r.topics)
	return nil
}

func connectScripted(t *testing.T, ctx context.Context, url string) *MQTTBroker {
	t.Helper()
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	b, err := ConnectMQTT(connectCtx, MQTTOptions{BrokerURL: url, ThingName: "D1", QoS: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("ConnectMQTT: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestMQTTHandlerPublishesWhileMessagesArrive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sb := &scriptedBroker{
		afterSub: []scriptedMessage{{
			topic:   "jobs/D1/jobs/start-next/accepted",
			payload: `{"execution":{"jobId":"J1","versionNumber":1,"executionNumber":1}}`,
		}},
		echoes: 4,
	}
	b := connectScripted(t, ctx, startScriptedBroker(t, sb))

	rec := &topicRecorder{}
	published := make(chan error, 1)
	err := b.Subscribe(ctx, "jobs/D1/jobs/#", func(ctx context.Context, topic string, _ []byte) {
		rec.add(topic)
		if strings.HasSuffix(topic, "/start-next/accepted") {
			published <- b.Publish(ctx, "jobs/D1/jobs/J1/update", []byte(`{"status":"SUCCEEDED"}`))
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case err := <-published:
		if err != nil {
			t.Fatalf("Publish from handler: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Publish from handler did not complete")
	}

	topics := rec.waitFor(t, 1+sb.echoes)
	if topics[0] != "jobs/D1/jobs/start-next/accepted" {
		t.Errorf("first delivery = %q", topics[0])
	}
	for _, topic := range topics[1:] {
		if topic != "jobs/D1/jobs/J1/update" {
			t.Errorf("unexpected delivery %q", topic)
		}
	}
}

func TestMQTTDeliversSessionMessagesQueuedBeforeSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sb := &scriptedBroker{
		queued: []scriptedMessage{{topic: "jobs/D1/jobs/notify-next", payload: `{}`}},
	}
	b := connectScripted(t, ctx, startScriptedBroker(t, sb))

	select {
	case c := <-sb.connects:
		if c.ClientIdentifier != "d1" {
			t.Errorf("client id = %q, want d1", c.ClientIdentifier)
		}
		if c.CleanSession {
			t.Error("expected a persistent session")
		}
	case <-time.After(time.Second):
		t.Fatal("no CONNECT seen")
	}

	select {
	case id := <-sb.acked:
		if id != 101 {
			t.Errorf("acked message %d, want 101", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session message was never acknowledged")
	}

	rec := &topicRecorder{}
	if err := b.Subscribe(ctx, "jobs/D1/jobs/#", func(_ context.Context, topic string, _ []byte) {
		rec.add(topic)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := rec.waitFor(t, 1); got[0] != "jobs/D1/jobs/notify-next" {
		t.Errorf("delivered %q", got[0])
	}
}

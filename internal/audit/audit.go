package audit

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event records one authenticated forwarded request.
type Event struct {
	APIID        string    `json:"api_id"`
	EndpointID   string    `json:"endpoint_id"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	SourceIP     string    `json:"source_ip"`
	Timestamp    time.Time `json:"timestamp"`
	TokenSubject string    `json:"token_subject,omitempty"`
}

// Sink consumes audit events. Publish must never block the caller.
type Sink interface {
	Publish(Event)
	Close() error
}

// Nop discards every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close() error  { return nil }

// BrokersFromEnv reads the broker list from KAFKA_HOSTS
// (host:port[,host:port]*). Empty when unset.
func BrokersFromEnv() []string {
	raw := strings.TrimSpace(os.Getenv("KAFKA_HOSTS"))
	if raw == "" {
		return nil
	}
	var out []string
	for _, h := range strings.Split(raw, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// writer is the slice of kafka.Writer the sink uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to a Kafka topic from a background goroutine.
// The queue is bounded with a drop-oldest policy: a slow or dead broker
// costs events, never request latency.
type KafkaSink struct {
	w     writer
	queue chan Event
	done  chan struct{}
}

const defaultQueueSize = 256

// NewKafkaSink builds a sink for the given brokers and topic and starts
// its publisher goroutine.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return newSink(w, defaultQueueSize)
}

func newSink(w writer, queueSize int) *KafkaSink {
	s := &KafkaSink{
		w:     w,
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Publish enqueues an event, evicting the oldest queued one under pressure.
func (s *KafkaSink) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case s.queue <- e:
		return
	default:
	}
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- e:
	default:
		log.Printf("audit: queue full, dropping event for %s", e.APIID)
	}
}

// Close stops the publisher and closes the underlying writer.
func (s *KafkaSink) Close() error {
	close(s.done)
	return s.w.Close()
}

func (s *KafkaSink) run() {
	for {
		select {
		case <-s.done:
			return
		case e := <-s.queue:
			b, err := json.Marshal(e)
			if err != nil {
				log.Printf("audit: marshal: %v", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = s.w.WriteMessages(ctx, kafka.Message{
				Key:   []byte(e.APIID),
				Value: b,
			})
			cancel()
			if err != nil {
				log.Printf("audit: publish %s: %v", e.APIID, err)
			}
		}
	}
}

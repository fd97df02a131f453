package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("bus-tracker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: subjectToken(prefix), logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// PositionMessage is the simulated position of one bus at one instant.
type PositionMessage struct {
	BusID     string    `json:"busId"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Bearing   float64   `json:"bearing"`
	SpeedKmph float64   `json:"speedKmph"`
	Moving    bool      `json:"moving"`
	Progress  float64   `json:"progress"`
	NextStop  string    `json:"nextStop,omitempty"`
}

type changeEvent struct {
	BusID string    `json:"busId"`
	At    time.Time `json:"at"`
}

func (p *NATSPublisher) positionSubject(busID string) string {
	return fmt.Sprintf("%s.positions.%s", p.prefix, subjectToken(busID))
}

func (p *NATSPublisher) changeSubject(busID string) string {
	return fmt.Sprintf("%s.changes.%s", p.prefix, subjectToken(busID))
}

func (p *NATSPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func (p *NATSPublisher) PublishPosition(msg PositionMessage) error {
	return p.publish(p.positionSubject(msg.BusID), msg)
}

// NotifyChange tells every process that bus busID was written.
func (p *NATSPublisher) NotifyChange(busID string) error {
	return p.publish(p.changeSubject(busID), changeEvent{BusID: busID, At: time.Now()})
}

// SubscribeChanges calls fn with the id of every bus announced by NotifyChange,
// including announcements made by this process.
func (p *NATSPublisher) SubscribeChanges(fn func(busID string)) (func(), error) {
	sub, err := p.nc.Subscribe(p.prefix+".changes.*", func(m *nats.Msg) {
		if id, ok := decodeChange(m.Data); ok {
			fn(id)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("unsubscribe changes: %v", err)
		}
	}, nil
}

func decodeChange(data []byte) (string, bool) {
	var ev changeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("bad change event: %v", err)
		return "", false
	}
	if ev.BusID == "" {
		return "", false
	}
	return ev.BusID, true
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

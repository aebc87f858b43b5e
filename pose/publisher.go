package pose

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// publishTimeout bounds the wait for the broker to acknowledge a publish
const publishTimeout = 2 * time.Second

// ProgressMessage is published on {prefix}/{id}/progress after each accepted step
type ProgressMessage struct {
	ID              string  `json:"id"`
	Iteration       int     `json:"iteration"`
	MeanSquareError float64 `json:"meanSquareError"`
	Potential       float64 `json:"potential"`
	Lambda          float64 `json:"lambda"`
	Timestamp       int64   `json:"timestamp"`
}

// Publisher publishes registration results and progress to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	logger        *zap.SugaredLogger
	mu            sync.Mutex
}

// NewPublisher creates a result publisher on {prefix}/...
// If client is nil, every publish fails with an error.
func NewPublisher(client mqtt.Client, prefix string, logger *zap.SugaredLogger) *Publisher {
	if prefix == "" {
		prefix = "posereg"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
		logger:        logger,
	}
}

// ResultTopic returns the topic a result with the given ID is published on
func (p *Publisher) ResultTopic(id string) string {
	return fmt.Sprintf("%s/%s", p.publishPrefix, id)
}

// PublishResult publishes a result on {prefix}/{id} and {prefix}/latest
func (p *Publisher) PublishResult(res *Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	p.mu.Lock()
	retain := p.retain
	p.mu.Unlock()

	if err := p.publish(p.ResultTopic(res.ID), payload, retain); err != nil {
		return err
	}
	if err := p.publish(p.publishPrefix+"/latest", payload, retain); err != nil {
		return err
	}

	p.logger.Infof("[MQTT] published result %s: %s after %d iterations, mse=%g",
		res.ID, res.State, res.Iterations, res.MeanSquareError)
	return nil
}

// PublishProgress publishes an iteration snapshot on {prefix}/{id}/progress.
// Progress messages are never retained.
func (p *Publisher) PublishProgress(id string, info IterationInfo) error {
	payload, err := json.Marshal(ProgressMessage{
		ID:              id,
		Iteration:       info.Iteration,
		MeanSquareError: info.MeanSquareError,
		Potential:       info.Potential,
		Lambda:          info.Lambda,
		Timestamp:       time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}
	return p.publish(p.ResultTopic(id)+"/progress", payload, false)
}

// ProgressHook returns an iteration hook publishing progress for a request.
// Publish failures are logged, never returned to the solver.
func (p *Publisher) ProgressHook(id string) IterationHook {
	return func(info IterationInfo) {
		if err := p.PublishProgress(id, info); err != nil {
			p.logger.Debugf("[MQTT] progress for %s not published: %v", id, err)
		}
	}
}

func (p *Publisher) publish(topic string, payload []byte, retain bool) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	qos := p.qos
	p.mu.Unlock()

	token := p.client.Publish(topic, qos, retain, payload)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.mu.Lock()
		p.qos = qos
		p.mu.Unlock()
	}
}

// SetRetain sets whether results are retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.mu.Lock()
	p.retain = retain
	p.mu.Unlock()
}

package uplink

import (
	"sort"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	apperrors "github.com/go-batt/nowlink/lib/errors"
)

// ingestRecord is the last payload seen on one concrete topic.
type ingestRecord struct {
	payload []byte
	at      time.Time
}

// Subscribe registers a topic filter for ingest. Payloads arriving on
// matching topics are cached verbatim per topic; the node never parses
// them, it only relays the latest value. The filter survives broker
// reconfiguration: a rebuilt connection resubscribes automatically.
func (u *Uplink) Subscribe(filter string) error {
	if filter == "" {
		return apperrors.Wrap(apperrors.CodeValidation, "empty topic filter", apperrors.ErrInvalidInput)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.filters[filter] = struct{}{}

	if u.client == nil || !u.mc.Enabled {
		return nil
	}
	return u.subscribeLocked(filter)
}

func (u *Uplink) subscribeLocked(filter string) error {
	token := u.client.Subscribe(filter, 0, u.onIngest)
	if !token.WaitTimeout(u.timeout()) {
		return apperrors.Wrap(apperrors.CodeTimeout, "broker subscribe timed out", apperrors.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "broker subscribe failed", err)
	}
	u.logger.Debug("ingest subscription up", "filter", filter)
	return nil
}

// onIngest caches the latest payload per concrete topic.
func (u *Uplink) onIngest(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	u.mu.Lock()
	u.ingest[msg.Topic()] = ingestRecord{payload: payload, at: time.Now()}
	u.mu.Unlock()
	UplinkIngested.Inc()
}

// Ingested returns the last payload seen on topic and when it arrived.
func (u *Uplink) Ingested(topic string) ([]byte, time.Time, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec, ok := u.ingest[topic]
	if !ok {
		return nil, time.Time{}, false
	}
	payload := make([]byte, len(rec.payload))
	copy(payload, rec.payload)
	return payload, rec.at, true
}

// IngestedTopics lists the topics with cached payloads, sorted.
func (u *Uplink) IngestedTopics() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	topics := make([]string, 0, len(u.ingest))
	for topic := range u.ingest {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/trickstertwo/txbus"
)

// dead letter entry fields, next to the copied message fields
const (
	fieldDLQTopic    = "orig_topic"
	fieldDLQID       = "orig_id"
	fieldDLQError    = "error"
	fieldDLQFailedAt = "failedAt"
)

type delivery struct {
	t     *Transport
	topic string
	group string
	id    string
	msg   *txbus.Message

	onceAck *sync.Once
}

func (d *delivery) Message() *txbus.Message { return d.msg }

// Ack removes the entry from the group's pending list, and from the stream
// when AutoDeleteOnAck is set. Only the first call has an effect.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() {
		if err = d.t.client.XAck(ctx, d.topic, d.group, d.id).Err(); err != nil {
			return
		}
		d.t.metrics.acked.Add(1)
		if d.t.cfg.AutoDeleteOnAck {
			_ = d.t.client.XDel(ctx, d.topic, d.id).Err()
		}
	})
	return err
}

// Nack hands a failed event to the dead letter stream and acks the
// original. Without a dead letter stream the entry stays pending and the
// claim loop redelivers it after ClaimMinIdle.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	d.t.metrics.nacked.Add(1)
	dl := d.t.cfg.DeadLetter
	if dl == "" {
		return nil
	}

	vals := encodeFields(d.msg, 4)
	vals[fieldDLQTopic] = d.topic
	vals[fieldDLQID] = d.id
	vals[fieldDLQError] = fmt.Sprint(reason)
	vals[fieldDLQFailedAt] = d.t.clock.Now().UnixNano()

	if err := d.t.client.XAdd(ctx, d.t.xaddArgs(dl, vals)).Err(); err != nil {
		// still pending, so the claim loop retries the dead-lettering
		return err
	}
	return d.Ack(ctx)
}

// decodeMessage rebuilds a message from stream entry values or from the
// non-bookkeeping fields of a half message hash.
func decodeMessage(id string, vals map[string]any) *txbus.Message {
	msg := &txbus.Message{
		ID:          id,
		Name:        str(vals[fieldName]),
		Key:         str(vals[fieldKey]),
		Tag:         str(vals[fieldTag]),
		ShardingKey: str(vals[fieldShard]),
		Metadata:    make(map[string]string),
	}
	switch p := vals[fieldPayload].(type) {
	case []byte:
		msg.Payload = p
	case string:
		msg.Payload = []byte(p)
	}
	if ns, err := strconv.ParseInt(str(vals[fieldProducedAt]), 10, 64); err == nil && ns > 0 {
		msg.ProducedAt = time.Unix(0, ns)
	}
	for k, v := range vals {
		if name, ok := strings.CutPrefix(k, fieldMetaPrefix); ok {
			msg.Metadata[name] = str(v)
		}
	}
	return msg
}

func str(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

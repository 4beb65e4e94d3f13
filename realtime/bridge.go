package realtime

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/fabrica-bayarea/Sprint-Tracker-sub000/domain"
)

const (
	bridgeKindBoardModified = "boardModified"
	bridgeKindNotifyUser    = "notifyUser"
)

// bridgeEnvelope is the wire form of a relayed event. Origin identifies the
// publishing instance so a subscriber can skip frames it produced itself.
type bridgeEnvelope struct {
	Origin string             `json:"origin"`
	Kind   string             `json:"kind"`
	Event  *domain.BoardEvent `json:"event,omitempty"`
	UserID string             `json:"userId,omitempty"`
}

// Bridge fans board events out to other instances over a redis channel and
// replays events published elsewhere into the local hub. It implements Relay.
type Bridge struct {
	rdb        *redis.Client
	channel    string
	instanceID string
	hub        *Hub
	logger     *log.Logger
}

func NewBridge(rdb *redis.Client, channel string, hub *Hub, logger *log.Logger) *Bridge {
	if rdb == nil || hub == nil || logger == nil {
		panic("realtime: NewBridge requires a redis client, hub and logger")
	}
	return &Bridge{
		rdb:        rdb,
		channel:    channel,
		instanceID: uuid.NewString(),
		hub:        hub,
		logger:     logger,
	}
}

func (b *Bridge) RelayBoardModified(ev domain.BoardEvent) {
	b.publish(bridgeEnvelope{Origin: b.instanceID, Kind: bridgeKindBoardModified, Event: &ev})
}

func (b *Bridge) RelayNotifyUser(userID string) {
	b.publish(bridgeEnvelope{Origin: b.instanceID, Kind: bridgeKindNotifyUser, UserID: userID})
}

func (b *Bridge) publish(env bridgeEnvelope) {
	data, err := sonic.ConfigStd.Marshal(env)
	if err != nil {
		b.logger.Errorf("marshal bridge envelope: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.Errorf("publish to %s: %v", b.channel, err)
	}
}

// Run subscribes to the bridge channel and replays remote events locally.
// It blocks until ctx is cancelled, reconnecting if the channel closes.
func (b *Bridge) Run(ctx context.Context) {
	for {
		sub := b.rdb.Subscribe(ctx, b.channel)
		b.consume(ctx, sub.Channel())
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("bridge pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

func (b *Bridge) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg.Payload)
		}
	}
}

func (b *Bridge) dispatch(payload string) {
	var env bridgeEnvelope
	if err := sonic.ConfigStd.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Errorf("unable to parse bridge envelope: %v", err)
		return
	}
	if env.Origin == b.instanceID {
		return
	}
	switch env.Kind {
	case bridgeKindBoardModified:
		if env.Event == nil {
			b.logger.Warn("bridge boardModified envelope without event")
			return
		}
		b.hub.deliverBoardModified(*env.Event)
	case bridgeKindNotifyUser:
		b.hub.deliverNotifyUser(env.UserID)
	default:
		b.logger.WithField("kind", env.Kind).Warn("unknown bridge envelope kind")
	}
}

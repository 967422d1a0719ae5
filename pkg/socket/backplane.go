// pkg/socket/backplane.go

package socket

import (
	"context"
	"encoding/json"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/config"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_postgres"
	cerr "github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Backplane fans socket events out to every replica.
type Backplane interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe calls handle for each message until ctx ends.
	Subscribe(ctx context.Context, handle func(payload []byte)) error
	Close() error
}

// NewBackplane builds the backplane selected by cfg.Backplane. "none"
// returns nil.
func NewBackplane(ctx context.Context, cfg config.SocketConfig, rcfg config.RedisConfig, db *gorm.DB, dsn string) (Backplane, error) {
	switch cfg.Backplane {
	case "", "none":
		return nil, nil
	case "redis":
		if rcfg.Addr == "" {
			return nil, cerr.New("socket.backplane is redis but redis.addr is empty")
		}
		rdb := redis.NewClient(&redis.Options{Addr: rcfg.Addr, Password: rcfg.Password, DB: rcfg.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, cerr.Wrapf(err, "connect redis %s", rcfg.Addr)
		}
		otelzap.Ctx(ctx).Info("Socket backplane: redis", zap.String("addr", rcfg.Addr), zap.String("channel", cfg.Channel))
		return NewRedisBackplane(rdb, cfg.Channel), nil
	case "postgres":
		if db == nil {
			return nil, cerr.New("socket.backplane is postgres but no database is configured")
		}
		otelzap.Ctx(ctx).Info("Socket backplane: postgres", zap.String("channel", cfg.Channel))
		return NewPostgresBackplane(db, dsn, cfg.Channel), nil
	default:
		return nil, cerr.Newf("unknown socket backplane %q", cfg.Backplane)
	}
}

// RedisBackplane uses a redis pub/sub channel.
type RedisBackplane struct {
	rdb     *redis.Client
	channel string
}

func NewRedisBackplane(rdb *redis.Client, channel string) *RedisBackplane {
	return &RedisBackplane{rdb: rdb, channel: channel}
}

func (b *RedisBackplane) Publish(ctx context.Context, payload []byte) error {
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBackplane) Subscribe(ctx context.Context, handle func([]byte)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return cerr.Wrapf(err, "subscribe %s", b.channel)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle([]byte(msg.Payload))
		}
	}
}

func (b *RedisBackplane) Close() error { return b.rdb.Close() }

// maxNotifyPayload keeps envelopes under PostgreSQL's 8000 byte NOTIFY limit.
const maxNotifyPayload = 7900

// compactFields survive when a frame is too large for NOTIFY. Clients reload
// the request by id when a frame carries "truncated".
var compactFields = []string{
	"id", "type", "status", "path",
	"requesterEntityId", "requesterName",
	"approverEntityId", "approverName", "updatedAt",
}

// PostgresBackplane uses NOTIFY/LISTEN. Envelopes over maxNotifyPayload are
// republished with only compactFields of the frame data.
type PostgresBackplane struct {
	db      *gorm.DB
	dsn     string
	channel string
}

func NewPostgresBackplane(db *gorm.DB, dsn, channel string) *PostgresBackplane {
	return &PostgresBackplane{db: db, dsn: dsn, channel: channel}
}

func (b *PostgresBackplane) Publish(ctx context.Context, payload []byte) error {
	if len(payload) > maxNotifyPayload {
		compact, err := compactEnvelope(payload)
		if err != nil {
			return err
		}
		otelzap.Ctx(ctx).Debug("Compacted socket frame for NOTIFY",
			zap.Int("bytes", len(payload)),
			zap.Int("compact_bytes", len(compact)))
		payload = compact
	}
	return pam_postgres.Notify(ctx, b.db, b.channel, string(payload))
}

func compactEnvelope(payload []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, cerr.Wrap(err, "decode backplane envelope")
	}
	var frame struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(env.Frame, &frame); err != nil {
		return nil, cerr.Wrap(err, "decode socket frame")
	}
	data := map[string]json.RawMessage{"truncated": json.RawMessage("true")}
	var full map[string]json.RawMessage
	if json.Unmarshal(frame.Data, &full) == nil {
		for _, k := range compactFields {
			if v, ok := full[k]; ok {
				data[k] = v
			}
		}
	}
	f, err := json.Marshal(Frame{Event: frame.Event, Data: data})
	if err != nil {
		return nil, cerr.Wrap(err, "encode compact frame")
	}
	env.Frame = f
	out, err := json.Marshal(env)
	if err != nil {
		return nil, cerr.Wrap(err, "encode compact envelope")
	}
	if len(out) > maxNotifyPayload {
		return nil, cerr.Newf("socket event %s is %d bytes after compaction, over the NOTIFY limit", frame.Event, len(out))
	}
	return out, nil
}

func (b *PostgresBackplane) Subscribe(ctx context.Context, handle func([]byte)) error {
	return pam_postgres.Listen(ctx, b.dsn, b.channel, func(p string) { handle([]byte(p)) })
}

// Close is a no-op; the database handle belongs to the caller.
func (b *PostgresBackplane) Close() error { return nil }

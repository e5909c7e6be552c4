//nolint:gomnd //useless opinions
package session

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const (
	BucketName = "provisioner-sessions"
)

// NatsKVOptions configures the session KV bucket.
type NatsKVOptions struct {
	Bucket   string
	Replicas int
	TTL      time.Duration
}

// DefaultNatsKVOptions returns the bucket parameters used when none are configured.
func DefaultNatsKVOptions() NatsKVOptions {
	return NatsKVOptions{
		Bucket:   BucketName,
		Replicas: 3,
		TTL:      10 * 24 * time.Hour,
	}
}

// NatsKV is a KV backend on a NATS JetStream KeyValue bucket.
type NatsKV struct {
	kv nats.KeyValue
}

// NewNatsKV binds to the session bucket, creating it when it does not exist.
func NewNatsKV(js nats.JetStreamContext, opts NatsKVOptions) (*NatsKV, error) {
	if opts.Bucket == "" {
		opts.Bucket = BucketName
	}

	kv, err := js.KeyValue(opts.Bucket)
	if err == nil {
		return &NatsKV{kv: kv}, nil
	}

	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, errors.Wrap(ErrKV, "bind bucket "+opts.Bucket+": "+err.Error())
	}

	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      opts.Bucket,
		Description: "provisioner add/delete host session tracking",
		TTL:         opts.TTL,
		Replicas:    opts.Replicas,
	})
	if err != nil {
		return nil, errors.Wrap(ErrKV, "create bucket "+opts.Bucket+": "+err.Error())
	}

	return &NatsKV{kv: kv}, nil
}

func (n *NatsKV) Get(_ context.Context, key string) ([]byte, error) {
	entry, err := n.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}

		return nil, err
	}

	return entry.Value(), nil
}

func (n *NatsKV) Put(_ context.Context, key string, value []byte) error {
	_, err := n.kv.Put(key, value)
	return err
}

func (n *NatsKV) Delete(_ context.Context, key string) error {
	err := n.kv.Delete(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return ErrKeyNotFound
	}

	return err
}

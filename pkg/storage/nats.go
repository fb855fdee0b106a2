package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/run"
)

// MsgPublisher publishes a NATS message. *nats.Conn satisfies it.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSStorage publishes records on <prefix>.node and <prefix>.line. Each
// message carries a Nats-Msg-Id so JetStream streams can deduplicate
// redeliveries.
type NATSStorage struct {
	pub    MsgPublisher
	prefix string
	closer func() error
	logger *zap.Logger
}

// NewNATSStorage creates a publisher-backed sink. closer, if set, runs on Close.
func NewNATSStorage(pub MsgPublisher, prefix string, closer func() error, logger *zap.Logger) (*NATSStorage, error) {
	if pub == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if prefix == "" {
		prefix = "daedalus"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSStorage{pub: pub, prefix: prefix, closer: closer, logger: logger}, nil
}

// NodeSubject returns the subject node records are published on.
func (s *NATSStorage) NodeSubject() string { return s.prefix + ".node" }

// LineSubject returns the subject line records are published on.
func (s *NATSStorage) LineSubject() string { return s.prefix + ".line" }

// PersistNodeRun publishes a node record.
func (s *NATSStorage) PersistNodeRun(ctx context.Context, info *run.RunInfo) error {
	data, err := encodeNode(info)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(s.NodeSubject())
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, info.RunID+"/"+NodePath(info))
	msg.Header.Set("Daedalus-Node", info.Node)
	msg.Header.Set("Daedalus-Status", string(info.Status))
	return s.publish(ctx, msg)
}

// PersistLineRun publishes a line record.
func (s *NATSStorage) PersistLineRun(ctx context.Context, result *run.LineResult) error {
	data, err := encodeLine(result)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(s.LineSubject())
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, result.RunInfo.RunID+"/"+LinePath(result.Index()))
	msg.Header.Set("Daedalus-Line", strconv.Itoa(result.Index()))
	msg.Header.Set("Daedalus-Status", string(result.Status()))
	return s.publish(ctx, msg)
}

func (s *NATSStorage) publish(ctx context.Context, msg *nats.Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.pub.PublishMsg(msg); err != nil {
		s.logger.Warn("failed to publish record",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *NATSStorage) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

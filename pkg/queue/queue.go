// Package queue implements the Queue Adapter: three priority Redis Streams
// with consumer-group semantics, message acknowledgment, heartbeat leases,
// and pending-entry reclamation.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"autosint/pkg/apitypes"
	"autosint/pkg/ids"
	"autosint/pkg/logx"
)

const (
	StreamHigh   = "workorders:high"
	StreamNormal = "workorders:normal"
	StreamLow    = "workorders:low"

	ConsumerGroup = "processors"
)

// PriorityStreams lists the streams in consumption order (high → normal → low).
var PriorityStreams = []string{StreamHigh, StreamNormal, StreamLow}

func streamFor(p apitypes.WorkOrderPriority) string {
	switch p {
	case apitypes.PriorityHigh:
		return StreamHigh
	case apitypes.PriorityLow:
		return StreamLow
	default:
		return StreamNormal
	}
}

// Message is the JSON payload carried on the wire, per spec.md §6.
type Message struct {
	WorkOrderID        ids.WorkOrderID          `json:"work_order_id"`
	InvestigationID    ids.InvestigationID      `json:"investigation_id"`
	Objective          string                   `json:"objective"`
	ReferencedEntities []ids.EntityID           `json:"referenced_entities"`
	SourceGuidance     *apitypes.SourceGuidance `json:"source_guidance,omitempty"`
}

// Delivery is one dequeued message along with the coordinates needed to ack it.
type Delivery struct {
	Stream  string
	EntryID string
	Message Message
}

// Client wraps a go-redis client with the engine's queue protocol.
type Client struct {
	rdb    *redis.Client
	logger *logx.Logger
}

// New wraps an already-configured *redis.Client.
func New(rdb *redis.Client) *Client {
	return &Client{rdb: rdb, logger: logx.NewLogger("queue")}
}

// HealthCheck pings Redis.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// InitializeStreams creates each priority stream's consumer group. Safe to
// call on every startup — ignores BUSYGROUP (already exists).
func (c *Client) InitializeStreams(ctx context.Context) error {
	for _, stream := range PriorityStreams {
		err := c.rdb.XGroupCreateMkStream(ctx, stream, ConsumerGroup, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("queue: creating consumer group for %s: %w", stream, err)
		}
	}
	return nil
}

// Enqueue publishes a work order message to its priority's stream.
func (c *Client) Enqueue(ctx context.Context, wo *apitypes.WorkOrder) error {
	msg := Message{
		WorkOrderID:        wo.ID,
		InvestigationID:    wo.InvestigationID,
		Objective:          wo.Objective,
		ReferencedEntities: wo.ReferencedEntities,
		SourceGuidance:     wo.SourceGuidance,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshaling work order %s: %w", wo.ID, err)
	}

	stream := streamFor(wo.Priority)
	_, err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]any{"data": string(data)},
	}).Result()
	if err != nil {
		return apitypes.NewTaxonomyError(apitypes.ErrorHardDependency, "queue", "enqueue failed", err)
	}

	c.logger.Debug("enqueued work order %s on %s", wo.ID, stream)
	return nil
}

// Dequeue checks pending (previously delivered but unacknowledged) entries
// first, then reads new entries, blocking up to blockMs if none are ready.
func (c *Client) Dequeue(ctx context.Context, consumerName string, blockMs int64) (*Delivery, error) {
	if d, err := c.readPending(ctx, consumerName); err != nil {
		return nil, err
	} else if d != nil {
		return d, nil
	}

	args := &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: consumerName,
		Streams:  interleave(PriorityStreams, ">"),
		Count:    1,
		Block:    time.Duration(blockMs) * time.Millisecond,
	}

	res, err := c.rdb.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apitypes.NewTaxonomyError(apitypes.ErrorHardDependency, "queue", "dequeue failed", err)
	}

	return parseXReadResult(res)
}

func (c *Client) readPending(ctx context.Context, consumerName string) (*Delivery, error) {
	args := &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: consumerName,
		Streams:  interleave(PriorityStreams, "0"),
		Count:    1,
	}

	res, err := c.rdb.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apitypes.NewTaxonomyError(apitypes.ErrorHardDependency, "queue", "reading pending entries failed", err)
	}

	return parseXReadResult(res)
}

func interleave(streams []string, id string) []string {
	out := make([]string, 0, 2*len(streams))
	out = append(out, streams...)
	for range streams {
		out = append(out, id)
	}
	return out
}

func parseXReadResult(res []redis.XStream) (*Delivery, error) {
	for _, stream := range res {
		for _, entry := range stream.Messages {
			data, ok := entry.Values["data"].(string)
			if !ok {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				continue
			}
			return &Delivery{Stream: stream.Stream, EntryID: entry.ID, Message: msg}, nil
		}
	}
	return nil, nil
}

// Ack acknowledges a message after successful processing.
func (c *Client) Ack(ctx context.Context, stream, entryID string) error {
	return c.rdb.XAck(ctx, stream, ConsumerGroup, entryID).Err()
}

// Heartbeat refreshes a Processor's liveness key with the given TTL.
func (c *Client) Heartbeat(ctx context.Context, processorID ids.ProcessorID, ttl time.Duration) error {
	key := heartbeatKey(processorID)
	return c.rdb.Set(ctx, key, "alive", ttl).Err()
}

// CheckHeartbeat reports whether a Processor's heartbeat key is still live.
func (c *Client) CheckHeartbeat(ctx context.Context, processorID ids.ProcessorID) (bool, error) {
	n, err := c.rdb.Exists(ctx, heartbeatKey(processorID)).Result()
	return n > 0, err
}

func heartbeatKey(processorID ids.ProcessorID) string {
	return fmt.Sprintf("processor:%s:heartbeat", processorID)
}

// ReclaimPending scans each priority stream for entries idle longer than
// minIdle whose owning consumer (a processor ID) has no live heartbeat key,
// and transfers ownership of them to consumerName via XCLAIM. Entries of a
// consumer whose heartbeat is still present are left alone.
func (c *Client) ReclaimPending(ctx context.Context, consumerName string, minIdle time.Duration) ([]Delivery, error) {
	var reclaimed []Delivery

	for _, stream := range PriorityStreams {
		pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  ConsumerGroup,
			Idle:   minIdle,
			Start:  "-",
			End:    "+",
			Count:  10,
		}).Result()
		if err != nil {
			return reclaimed, apitypes.NewTaxonomyError(apitypes.ErrorHardDependency, "queue", "XPENDING failed", err)
		}
		if len(pending) == 0 {
			continue
		}

		entryIDs := make([]string, 0, len(pending))
		for _, p := range pending {
			if alive, err := c.CheckHeartbeat(ctx, ids.ProcessorID(p.Consumer)); err == nil && alive {
				continue
			}
			entryIDs = append(entryIDs, p.ID)
		}
		if len(entryIDs) == 0 {
			continue
		}

		claimed, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    ConsumerGroup,
			Consumer: consumerName,
			MinIdle:  minIdle,
			Messages: entryIDs,
		}).Result()
		if err != nil {
			return reclaimed, apitypes.NewTaxonomyError(apitypes.ErrorHardDependency, "queue", "XCLAIM failed", err)
		}

		for _, entry := range claimed {
			data, ok := entry.Values["data"].(string)
			if !ok {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				continue
			}
			reclaimed = append(reclaimed, Delivery{Stream: stream, EntryID: entry.ID, Message: msg})
		}
	}

	if len(reclaimed) > 0 {
		c.logger.Info("reclaimed %d pending work orders for %s", len(reclaimed), consumerName)
	}

	return reclaimed, nil
}

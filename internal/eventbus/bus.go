/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"os"

	"github.com/google/uuid"
	"github.com/recordroom/needledrop/internal/config"
	"github.com/recordroom/needledrop/internal/events"
	"github.com/rs/zerolog"
)

// Bus is the pubsub contract shared by the in-memory, Redis, and NATS buses.
type Bus interface {
	Subscribe(eventType events.EventType) events.Subscriber
	Publish(eventType events.EventType, payload events.Payload)
	Unsubscribe(eventType events.EventType, sub events.Subscriber)
}

// New selects a bus backend from configuration. The returned closer is a
// no-op for the in-memory bus.
func New(cfg *config.Config, logger zerolog.Logger) (Bus, func() error, error) {
	nodeID := cfg.InstanceID
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = host + "-" + uuid.NewString()[:8]
	}

	switch cfg.BusBackend {
	case config.BusRedis:
		rc := DefaultRedisConfig()
		rc.Addr = cfg.RedisAddr
		rc.Password = cfg.RedisPassword
		rc.DB = cfg.RedisDB
		rb, err := NewRedisBus(rc, nodeID, logger)
		if err != nil {
			return nil, nil, err
		}
		return rb, rb.Close, nil
	case config.BusNATS:
		nc := DefaultNATSConfig()
		nc.URL = cfg.NATSURL
		nb, err := NewNATSBus(nc, nodeID, logger)
		if err != nil {
			return nil, nil, err
		}
		return nb, nb.Close, nil
	default:
		return events.NewBus(), func() error { return nil }, nil
	}
}

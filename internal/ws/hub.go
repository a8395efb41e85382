// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

// Package ws pushes notification updates to connected viewers over
// WebSocket. Each connection is bound to one (tenant, recipient) pair
// at upgrade time and receives that viewer's re-filtered notification
// list whenever the store changes.
package ws

import (
	"context"
	"sort"
	"sync"

	"github.com/clinovia/clinovia/internal/logging"
	"github.com/clinovia/clinovia/internal/notify"
)

// Message types for WebSocket communication.
const (
	MessageTypeNotifications = "notifications"
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
)

// Message is one WebSocket frame payload.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Subscriber registers viewer callbacks on the notification manager.
type Subscriber interface {
	Subscribe(ctx context.Context, recipientID, tenantID string, onChange func([]notify.Notification)) (func(), error)
}

// Hub maintains the set of active clients.
type Hub struct {
	clients    map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a hub.
func NewHub() *Hub {
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Run starts the hub with context support for graceful shutdown.
// Designed for suture supervision: returns ctx.Err() after closing all
// connected clients.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			logging.Info().Str("component", "ws-hub").Msg("websocket hub stopped")
			return ctx.Err()

		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			logging.Info().Int("total_clients", total).
				Str("tenant_id", client.tenantID).Str("recipient_id", client.recipientID).
				Msg("websocket client connected")

		case client := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			total := len(h.clients)
			h.mu.Unlock()
			client.teardown()
			logging.Info().Int("total_clients", total).Msg("websocket client disconnected")
		}
	}
}

// closeAllClients closes clients in id order for consistent shutdown
// behavior.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	for _, client := range clients {
		client.closeSend()
		delete(h.clients, client)
		client.teardown()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

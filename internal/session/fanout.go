package session

import (
	"log"

	"github.com/gofiber/contrib/websocket"
)

// ToRoom delivers one frame to every room member, skipping the connection
// named in exclude. Pass "" to include everyone.
func (r *Registry) ToRoom(boardID string, data []byte, exclude string) {
	r.mu.RLock()
	room := r.rooms[boardID]
	targets := make([]*Connection, 0, len(room))
	for id, c := range room {
		if id == exclude {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(websocket.TextMessage, data); err != nil {
			log.Printf("[Registry] Failed to send to %s on board %s: %v", c.ID, boardID, err)
		}
	}
}

// ToConnection delivers one frame to a single registered connection.
func (r *Registry) ToConnection(connID string, data []byte) {
	r.mu.RLock()
	c := r.conns[connID]
	r.mu.RUnlock()

	if c == nil {
		return
	}
	if err := c.Send(websocket.TextMessage, data); err != nil {
		log.Printf("[Registry] Failed to send to %s: %v", c.ID, err)
	}
}

package models

import "time"

// Role is a total-ordered client privilege level, compared via Rank.
type Role string

const (
	RoleUser        Role = "user"
	RoleContributor Role = "contributor"
	RoleManager     Role = "manager"
	RoleAdmin       Role = "admin"
	RoleAgent       Role = "agent"
)

var roleRank = map[Role]int{
	RoleUser:        0,
	RoleContributor: 1,
	RoleManager:     2,
	RoleAdmin:       3,
	RoleAgent:       4,
}

// Rank returns the role's position in the total order. Unknown roles rank
// below RoleUser so they never satisfy a privilege check.
func (r Role) Rank() int {
	if rank, ok := roleRank[r]; ok {
		return rank
	}
	return -1
}

// AtLeast reports whether r is ranked at or above other.
func (r Role) AtLeast(other Role) bool {
	return r.Rank() >= other.Rank()
}

// AdminClientID is the built-in client id that cannot be mutated or deleted
// through the API.
const AdminClientID = "testflinger-admin"

// ClientPermissions describes what a registered client is allowed to do.
type ClientPermissions struct {
	ClientID            string         `json:"client_id"`
	SecretHash          string         `json:"-"`
	Role                Role           `json:"role"`
	MaxPriority         map[string]int `json:"max_priority,omitempty"`         // queue -> max priority, "*" wildcard
	AllowedQueues       []string       `json:"allowed_queues,omitempty"`
	MaxReservationTime  map[string]int `json:"max_reservation_time,omitempty"` // queue -> seconds, "*" wildcard
	CreatedAt           time.Time      `json:"created_at"`
}

// MaxPriorityFor resolves the effective max priority for a queue: the larger
// of the queue-specific entry and the "*" wildcard.
func (c *ClientPermissions) MaxPriorityFor(queue string) int {
	if c.MaxPriority == nil {
		return 0
	}
	best := c.MaxPriority["*"]
	if v, ok := c.MaxPriority[queue]; ok && v > best {
		best = v
	}
	return best
}

// MaxReservationFor resolves the effective max reservation time in seconds
// for a queue: the larger of the queue-specific entry and the "*" wildcard.
func (c *ClientPermissions) MaxReservationFor(queue string) int {
	if c.MaxReservationTime == nil {
		return 0
	}
	best := c.MaxReservationTime["*"]
	if v, ok := c.MaxReservationTime[queue]; ok && v > best {
		best = v
	}
	return best
}

// AllowsQueue reports whether the client may submit/dispatch against queue,
// given that queue is restricted.
func (c *ClientPermissions) AllowsQueue(queue string) bool {
	for _, q := range c.AllowedQueues {
		if q == queue {
			return true
		}
	}
	return false
}

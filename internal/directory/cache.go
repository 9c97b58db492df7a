// Package directory keeps display names of recently authenticated users so
// hydrated messages can carry a sender summary without a round trip to the
// user service.
package directory

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"messaging-service/internal/models"
)

// Cache is a bounded user summary cache fed by credential verification.
type Cache struct {
	users *lru.Cache[int64, string]
}

// NewCache creates a cache holding up to size users.
func NewCache(size int) (*Cache, error) {
	users, err := lru.New[int64, string](size)
	if err != nil {
		return nil, err
	}
	return &Cache{users: users}, nil
}

// Remember records the display name seen for userID.
func (c *Cache) Remember(userID int64, username string) {
	if c == nil || username == "" {
		return
	}
	c.users.Add(userID, username)
}

// Summary returns the best known summary for userID.
func (c *Cache) Summary(userID int64) models.UserSummary {
	summary := models.UserSummary{ID: userID}
	if c == nil {
		return summary
	}
	if name, ok := c.users.Get(userID); ok {
		summary.Username = name
	}
	return summary
}

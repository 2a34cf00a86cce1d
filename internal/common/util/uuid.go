package util

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"
)

var (
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	m       sync.Mutex
)

// NewULID returns a lowercase, lexicographically sortable id.
func NewULID() string {
	m.Lock()
	defer m.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
}

// NewPilotReference returns a fresh pilot reference of the form prefix://uuid.
func NewPilotReference(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "://" + uuid.NewString()
}

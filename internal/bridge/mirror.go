package bridge

import (
	"sync"
	"time"

	"github.com/callbridge/callbridge/internal/database/models"
)

// ParticipantType classifies a mirrored participant leg.
type ParticipantType string

const (
	ParticipantUser     ParticipantType = "user"
	ParticipantSIP      ParticipantType = "sip"
	ParticipantPhone    ParticipantType = "phone"
	ParticipantExternal ParticipantType = "external"
)

// ParticipantRecord is a mirrored participant leg.
type ParticipantRecord struct {
	Endpoint string                   `json:"endpoint"`
	Type     ParticipantType          `json:"type"`
	Role     models.ParticipantRole   `json:"role"`
	Status   models.ParticipantStatus `json:"status"`
}

// Record is a point-in-time mirror of one bridge's control-plane state.
type Record struct {
	BridgeID     string               `json:"bridge_id"`
	CreatorID    int64                `json:"creator_id"`
	Status       models.SessionStatus `json:"status"`
	Participants []ParticipantRecord  `json:"participants"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Mirror is an in-memory cache of bridge state. The persisted session store
// is the source of truth; the mirror only shortcuts hot reads. It is the sole
// owner of its records: callers always receive defensive copies, never
// references, so concurrent requests cannot alias each other's mutations.
type Mirror struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMirror creates an empty bridge mirror.
func NewMirror() *Mirror {
	return &Mirror{records: make(map[string]*Record)}
}

// Put stores a copy of the record, stamping UpdatedAt.
func (m *Mirror) Put(rec Record) {
	rec.UpdatedAt = time.Now()
	stored := copyRecord(&rec)

	m.mu.Lock()
	m.records[rec.BridgeID] = stored
	m.mu.Unlock()
}

// Get returns a copy of the record for a bridge, if cached.
func (m *Mirror) Get(bridgeID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[bridgeID]
	if !ok {
		return Record{}, false
	}
	return *copyRecord(rec), true
}

// UpdateStatus updates the cached status for a bridge, if cached.
func (m *Mirror) UpdateStatus(bridgeID string, status models.SessionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[bridgeID]; ok {
		rec.Status = status
		rec.UpdatedAt = time.Now()
	}
}

// UpsertParticipant updates or appends a mirrored participant by endpoint.
func (m *Mirror) UpsertParticipant(bridgeID string, p ParticipantRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[bridgeID]
	if !ok {
		return
	}
	for i := range rec.Participants {
		if rec.Participants[i].Endpoint == p.Endpoint {
			rec.Participants[i] = p
			rec.UpdatedAt = time.Now()
			return
		}
	}
	rec.Participants = append(rec.Participants, p)
	rec.UpdatedAt = time.Now()
}

// Remove evicts a bridge from the cache.
func (m *Mirror) Remove(bridgeID string) {
	m.mu.Lock()
	delete(m.records, bridgeID)
	m.mu.Unlock()
}

// Len returns the number of cached bridges.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func copyRecord(rec *Record) *Record {
	cp := *rec
	cp.Participants = make([]ParticipantRecord, len(rec.Participants))
	copy(cp.Participants, rec.Participants)
	return &cp
}

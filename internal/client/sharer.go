package client

import (
	"sync"
	"time"

	"github.com/example/mechanic-dispatch/internal/models"
)

const DefaultShareInterval = 5 * time.Second

// Emitter is satisfied by *Client.
type Emitter interface {
	Emit(event string, payload any) error
}

type sharedLocation struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
}

type sharePayload struct {
	RequestID  string         `json:"requestId"`
	MechanicID string         `json:"mechanicId"`
	Location   sharedLocation `json:"location"`
}

// LocationSharer streams a mechanic's position for one request, sending at
// most one sample per interval. Samples inside the interval are dropped,
// never queued, so the receiver always gets the freshest position.
type LocationSharer struct {
	emitter    Emitter
	mechanicID string
	requestID  string
	interval   time.Duration
	now        func() time.Time

	mu   sync.Mutex
	last time.Time
}

func NewLocationSharer(e Emitter, mechanicID, requestID string, interval time.Duration) *LocationSharer {
	if interval <= 0 {
		interval = DefaultShareInterval
	}
	return &LocationSharer{
		emitter:    e,
		mechanicID: mechanicID,
		requestID:  requestID,
		interval:   interval,
		now:        time.Now,
	}
}

// Share reports whether the sample was sent. The first sample always goes
// out; a failed send does not start the interval.
func (s *LocationSharer) Share(lat, lon float64, accuracy *float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !s.last.IsZero() && now.Sub(s.last) < s.interval {
		return false, nil
	}
	err := s.emitter.Emit(models.EventUpdateLocation, sharePayload{
		RequestID:  s.requestID,
		MechanicID: s.mechanicID,
		Location:   sharedLocation{Latitude: lat, Longitude: lon, Accuracy: accuracy},
	})
	if err != nil {
		return false, err
	}
	s.last = now
	return true, nil
}

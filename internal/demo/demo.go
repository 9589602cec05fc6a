// Package demo holds product demo bookings submitted from the marketing site.
package demo

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 \-()]{6,19}$`)

// Request is a booking form. The binding tags run through gin's validator;
// phone and notpast come from RegisterValidators.
type Request struct {
	Name          string `json:"name" binding:"required,max=100"`
	Email         string `json:"email" binding:"required,max=254,email"`
	ClinicName    string `json:"clinic_name" binding:"required,max=100"`
	Phone         string `json:"phone" binding:"required,phone"`
	PreferredDate string `json:"preferred_date" binding:"required,datetime=2006-01-02,notpast"`
	Message       string `json:"message" binding:"max=1000"`
}

// UnmarshalJSON trims every field so blank input fails required.
func (r *Request) UnmarshalJSON(b []byte) error {
	type plain Request
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Request{
		Name:          strings.TrimSpace(p.Name),
		Email:         strings.TrimSpace(p.Email),
		ClinicName:    strings.TrimSpace(p.ClinicName),
		Phone:         strings.TrimSpace(p.Phone),
		PreferredDate: strings.TrimSpace(p.PreferredDate),
		Message:       strings.TrimSpace(p.Message),
	}
	return nil
}

type Booking struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	ClinicName    string    `json:"clinic_name"`
	Phone         string    `json:"phone"`
	PreferredDate string    `json:"preferred_date"`
	Message       string    `json:"message,omitempty"`
	ClientIP      string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// RegisterValidators adds the phone and notpast tags to v. notpast compares
// a YYYY-MM-DD date with the UTC day of now().
func RegisterValidators(v *validator.Validate, now func() time.Time) error {
	if err := v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	}); err != nil {
		return err
	}
	return v.RegisterValidation("notpast", func(fl validator.FieldLevel) bool {
		d, err := time.Parse(dateLayout, fl.Field().String())
		if err != nil {
			// datetime reports the format problem.
			return true
		}
		return !d.Before(truncateDay(now()))
	})
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Store keeps the most recent bookings in memory.
type Store struct {
	mu       sync.RWMutex
	bookings []Booking
	max      int
	now      func() time.Time
}

func NewStore(max int) *Store {
	if max <= 0 {
		max = 1000
	}
	return &Store{max: max, now: time.Now}
}

func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) Add(r Request, clientIP string) Booking {
	b := Booking{
		ID:            uuid.NewString(),
		Name:          r.Name,
		Email:         r.Email,
		ClinicName:    r.ClinicName,
		Phone:         r.Phone,
		PreferredDate: r.PreferredDate,
		Message:       r.Message,
		ClientIP:      clientIP,
		CreatedAt:     s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings = append(s.bookings, b)
	if len(s.bookings) > s.max {
		s.bookings = append([]Booking(nil), s.bookings[len(s.bookings)-s.max:]...)
	}
	return b
}

// List returns bookings newest first.
func (s *Store) List() []Booking {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Booking, 0, len(s.bookings))
	for i := len(s.bookings) - 1; i >= 0; i-- {
		out = append(out, s.bookings[i])
	}
	return out
}

func (s *Store) Get(id string) (Booking, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bookings {
		if b.ID == id {
			return b, true
		}
	}
	return Booking{}, false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bookings)
}

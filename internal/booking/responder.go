// ABOUTME: Rule-based bot decider answering booking questions from the database
// ABOUTME: Reference codes and keywords map to lookups; everything else hands over

package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/2389/handoff-gateway/internal/bot"
)

// referencePattern matches booking reference codes: a VE, PA, or KE prefix
// followed by twelve digits.
var referencePattern = regexp.MustCompile(`(?i)\b(ve|pa|ke)\d{12}\b`)

// Responder answers booking questions directly from the booking database.
// It implements bot.Decider: a recognized reference or keyword produces an
// answer, anything it cannot recognize requests a human handover.
type Responder struct {
	svc    *Service
	logger *slog.Logger
}

// NewResponder creates a responder over the given booking service.
func NewResponder(svc *Service, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		svc:    svc,
		logger: logger.With("component", "responder"),
	}
}

// Decide matches the message against reference and keyword rules.
func (r *Responder) Decide(ctx context.Context, conversationID, message string, _ []string) (*bot.Decision, error) {
	text := strings.ToLower(message)

	if ref := referencePattern.FindString(message); ref != "" {
		return r.lookupReference(ctx, strings.ToUpper(ref))
	}

	switch {
	case strings.Contains(text, "price"):
		return answer("Rooms start from ₹2,499 per night."), nil
	case strings.Contains(text, "location"):
		return answer("We are near RK Beach, Vizag."), nil
	case strings.Contains(text, "resort") || strings.Contains(text, "hotel"):
		return r.listAnswer(ctx, "Available resorts", func() ([]PricedItem, error) {
			return r.svc.ListResorts(ctx, 3)
		})
	case strings.Contains(text, "food") || strings.Contains(text, "menu"):
		return r.listAnswer(ctx, "Popular food items", func() ([]PricedItem, error) {
			return r.svc.ListFoodItems(ctx, 5)
		})
	case strings.Contains(text, "travel") || strings.Contains(text, "package"):
		return r.listAnswer(ctx, "Travel packages", func() ([]PricedItem, error) {
			return r.svc.ListTravelPackages(ctx, 3)
		})
	case strings.Contains(text, "stats") || strings.Contains(text, "statistics"):
		return r.statsAnswer(ctx)
	}

	// No rule matched, a human should take over.
	return &bot.Decision{Handover: true}, nil
}

func (r *Responder) lookupReference(ctx context.Context, ref string) (*bot.Decision, error) {
	switch {
	case strings.HasPrefix(ref, "VE"):
		b, err := r.svc.GetBooking(ctx, ref)
		if errors.Is(err, ErrNotFound) {
			return answer("Booking not found."), nil
		}
		if err != nil {
			return nil, err
		}
		return answer(fmt.Sprintf("Booking %s: %s at %s. Check-in: %s, Status: %s",
			b.Reference, b.GuestName, b.ResortName, b.CheckIn, b.PaymentStatus)), nil

	case strings.HasPrefix(ref, "PA"):
		o, err := r.svc.GetFoodOrder(ctx, ref)
		if errors.Is(err, ErrNotFound) {
			return answer("Food order not found."), nil
		}
		if err != nil {
			return nil, err
		}
		return answer(fmt.Sprintf("Food order %s: %s, Total: ₹%.0f, Status: %s",
			o.OrderID, o.GuestName, o.Total, o.Status)), nil

	default: // KE
		t, err := r.svc.GetTravelBooking(ctx, ref)
		if errors.Is(err, ErrNotFound) {
			return answer("Travel booking not found."), nil
		}
		if err != nil {
			return nil, err
		}
		return answer(fmt.Sprintf("Travel booking %s: %s, Travel date: %s, Status: %s",
			t.Reference, t.CustomerName, t.TravelDate, t.Status)), nil
	}
}

func (r *Responder) listAnswer(ctx context.Context, label string, list func() ([]PricedItem, error)) (*bot.Decision, error) {
	items, err := list()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return &bot.Decision{Handover: true}, nil
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = fmt.Sprintf("%s (₹%.0f)", item.Name, item.Price)
	}
	return answer(fmt.Sprintf("%s: %s", label, strings.Join(parts, ", "))), nil
}

func (r *Responder) statsAnswer(ctx context.Context) (*bot.Decision, error) {
	st, err := r.svc.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	return answer(fmt.Sprintf("Statistics: %d resorts, %d confirmed bookings, %d food orders",
		st.Resorts, st.ConfirmedBookings, st.FoodOrders)), nil
}

func answer(msg string) *bot.Decision {
	return &bot.Decision{Answer: msg}
}

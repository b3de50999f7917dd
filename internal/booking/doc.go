// Package booking answers customer questions from the resort booking database.
//
// The Service is a read-side lookup layer over the bookings SQLite file:
// resort stays (VE references), food orders (PA), travel bookings (KE),
// plus priced listings and summary stats. The Responder wraps it as a
// bot.Decider, turning recognized references and keywords into answers and
// everything else into a handover request. A missing record is an answer
// ("Booking not found."), not an error; only database failures propagate.
package booking

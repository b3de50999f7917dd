// Package bot defines the decision collaborator for bot-handled conversations.
//
// While a conversation is in the bot_handling state, each user message is
// sent to a Decider, which either answers on the bot's behalf or requests a
// handover to a human agent. Two implementations exist: HTTPDecider calls an
// external decision service with retries, and booking.Responder answers
// booking questions locally from the bookings database.
package bot

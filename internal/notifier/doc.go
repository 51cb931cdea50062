// Package notifier delivers trigger decisions to the chat platform.
//
// A decision becomes one HTML message: the 24h and 1h alerts carry join, info
// and skip buttons, the channel reminder goes to the event's own topic, and an
// archived decision posts a closing note and closes the topic.
//
// Sends share one token bucket so a busy pass cannot trip platform flood
// limits. There is no retry: the decision is already marked sent, and a failure
// is reported as *ctf.DeliveryError for the caller to log.
//
// # History
//
// The service keeps a small in-memory history of recent deliveries for /status.
package notifier

// Package brok implements the BeroLab community-assistant Discord bot.
//
// Brok listens for mentions of its own user, coalesces rapid-fire messages
// from the same user into a single request, enforces per-user cooldowns and
// a global concurrency ceiling, screens input for prompt-injection attempts,
// and answers through a chat-completion model with a persona selected from
// the mentioning user's stored preference. Generated code examples are
// rendered as images through an external snippet renderer and attached to
// the reply.
//
// Shared counters, cooldowns, channel-busy flags and debounce buffers live
// in a coordination store (Redis in production, in-memory for tests and
// single-instance setups), so multiple bot processes can share admission
// control. Reply work is executed asynchronously by a bounded worker pool
// reading from a database-backed job queue with retry and backoff.
package brok

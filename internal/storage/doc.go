package storage

// Package storage provides a minimal persistence layer used by the bot.
//
// It currently records:
//   - Delivery outcomes (one row per dispatched job)
//   - Auto-replies (one row per sent reply)
//   - Connection events (session state changes)

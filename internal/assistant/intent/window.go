package intent

import "sync"

// recencyWindowSize bounds the number of intents remembered per actor.
const recencyWindowSize = 10

// recencyWindow keeps the most recent intent names per actor.  Appends from
// different actors never contend on each other's history; within one actor
// the mutex serializes writers (last-writer-appends).
type recencyWindow struct {
	mu      sync.Mutex
	size    int
	entries map[string][]string // actorID → intent names, oldest first
}

func newRecencyWindow(size int) *recencyWindow {
	if size <= 0 {
		size = recencyWindowSize
	}
	return &recencyWindow{
		size:    size,
		entries: make(map[string][]string),
	}
}

// append records an intent for the actor, evicting the oldest entry once the
// window is full.
func (w *recencyWindow) append(actorID, intentName string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	history := w.entries[actorID]
	history = append(history, intentName)
	if len(history) > w.size {
		history = history[len(history)-w.size:]
	}
	w.entries[actorID] = history
}

// last returns the actor's most recent intent, or "" when the history is
// empty.
func (w *recencyWindow) last(actorID string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	history := w.entries[actorID]
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1]
}
